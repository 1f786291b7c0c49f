package housekeeping

import (
	"context"
	"path/filepath"
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

type stubOrders struct {
	flattenReasons []string
	flattenErr     error
	onFlatten      func()
}

func (o *stubOrders) SubmitEntry(ctx context.Context, sig *core.Signal) (string, error) {
	return "", nil
}

func (o *stubOrders) SubmitExit(ctx context.Context, sig *core.Signal) (string, error) {
	return "", nil
}

func (o *stubOrders) FlattenAll(ctx context.Context, reason string) error {
	o.flattenReasons = append(o.flattenReasons, reason)
	if o.onFlatten != nil {
		o.onFlatten()
	}
	return o.flattenErr
}

func (o *stubOrders) CancelAllOpen(ctx context.Context) error { return nil }
