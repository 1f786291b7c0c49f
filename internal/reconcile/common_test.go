package reconcile

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"trading_bot/internal/core"
	"trading_bot/internal/store"

	"github.com/stretchr/testify/require"
)

type testLogger struct{}

func (testLogger) Debug(msg string, f ...interface{})               {}
func (testLogger) Info(msg string, f ...interface{})                {}
func (testLogger) Warn(msg string, f ...interface{})                {}
func (testLogger) Error(msg string, f ...interface{})               {}
func (testLogger) Fatal(msg string, f ...interface{})               {}
func (l testLogger) WithField(k string, v interface{}) core.ILogger { return l }
func (l testLogger) WithFields(f map[string]interface{}) core.ILogger {
	return l
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), testLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

type captureBus struct {
	mu     sync.Mutex
	events []core.Event
}

func (b *captureBus) Publish(ev core.Event) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
	return true
}

func (b *captureBus) Dispatch(ctx context.Context, handler func(context.Context, core.Event)) error {
	<-ctx.Done()
	return nil
}

func (b *captureBus) Dropped() uint64     { return 0 }
func (b *captureBus) ExitDropped() uint64 { return 0 }

func (b *captureBus) orderUpdates() []*core.Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*core.Order
	for _, ev := range b.events {
		if e, ok := ev.(core.OrderUpdateEvent); ok {
			out = append(out, e.Order)
		}
	}
	return out
}

type captureNotifier struct {
	mu        sync.Mutex
	notices   []string
	criticals []string
}

func (n *captureNotifier) Notify(ctx context.Context, title, message string, fields map[string]string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, title)
}

func (n *captureNotifier) NotifyCritical(ctx context.Context, title, message string, fields map[string]string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.criticals = append(n.criticals, title)
}

func (n *captureNotifier) titles() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.notices))
	copy(out, n.notices)
	return out
}