package risk

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

// stubTracker only reports an open-position count.
type stubTracker struct {
	count int
}

func (s *stubTracker) OnOrderUpdate(ctx context.Context, order *core.Order) error { return nil }
func (s *stubTracker) OnBar(bar *core.Bar)                                        {}
func (s *stubTracker) Get(symbol string) (core.Position, bool)                    { return core.Position{}, false }
func (s *stubTracker) All() []core.Position                                       { return nil }
func (s *stubTracker) SetPendingExit(symbol string, pending bool) bool            { return false }
func (s *stubTracker) Rehydrate(ctx context.Context) error                        { return nil }
func (s *stubTracker) Count() int                                                 { return s.count }

// stubDrawdown pins the level.
type stubDrawdown struct {
	level core.DrawdownLevel
}

func (s *stubDrawdown) Level() core.DrawdownLevel      { return s.level }
func (s *stubDrawdown) Tick(ctx context.Context) error { return nil }

// captureNotifier records notifications instead of delivering them.
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

func (n *captureNotifier) criticalCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.criticals)
}

// stubOrderManager records flatten calls.
type stubOrderManager struct {
	mu        sync.Mutex
	flattened []string
}

func (s *stubOrderManager) SubmitEntry(ctx context.Context, sig *core.Signal) (string, error) {
	return "", nil
}

func (s *stubOrderManager) SubmitExit(ctx context.Context, sig *core.Signal) (string, error) {
	return "", nil
}

func (s *stubOrderManager) FlattenAll(ctx context.Context, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flattened = append(s.flattened, reason)
	return nil
}

func (s *stubOrderManager) CancelAllOpen(ctx context.Context) error { return nil }

func (s *stubOrderManager) flattenReasons() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.flattened))
	copy(out, s.flattened)
	return out
}
