package websocket

import (
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"testing"
	"time"

	"trading_bot/pkg/logging"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
)

// Stop must wait for the heartbeat goroutine; a client restarted on every
// market-data reconnect would otherwise leak one goroutine per cycle.
func TestGoroutineLeak(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
		conn, _ := upgrader.Upgrade(w, r, nil)
		defer conn.Close()
		for {
			_, _, err := conn.ReadMessage()
			if err != nil {
				return
			}
		}
	}))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")

	// Give runtime a moment to settle before sampling
	time.Sleep(100 * time.Millisecond)
	initialGoroutines := runtime.NumGoroutine()

	logger, _ := logging.NewZapLogger("WARN")
	client := NewClient(url, func(message []byte) {}, logger)

	// Aggressive ping so the heartbeat goroutine is certainly running
	client.SetPingConfig(10*time.Millisecond, 10*time.Millisecond, 10*time.Millisecond)

	client.Start()
	time.Sleep(200 * time.Millisecond)
	client.Stop()

	// Small buffer for the runtime scheduler; Stop itself already waited.
	time.Sleep(50 * time.Millisecond)

	finalGoroutines := runtime.NumGoroutine()

	assert.LessOrEqual(t, finalGoroutines, initialGoroutines+1, "Possible goroutine leak detected")
}
