package market

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"trading_bot/internal/broker"
	"trading_bot/internal/config"
	"trading_bot/internal/core"
	"trading_bot/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
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

// captureBus records published events without dispatching them.
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
	return nil
}
func (b *captureBus) Dropped() uint64     { return 0 }
func (b *captureBus) ExitDropped() uint64 { return 0 }

func (b *captureBus) all() []core.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]core.Event, len(b.events))
	copy(out, b.events)
	return out
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), testLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func testBar(symbol string, ts time.Time, closePrice int64) *core.Bar {
	px := decimal.NewFromInt(closePrice)
	return &core.Bar{
		Symbol:    symbol,
		Timeframe: "1m",
		Timestamp: ts,
		Open:      px,
		High:      px.Add(decimal.NewFromInt(1)),
		Low:       px.Sub(decimal.NewFromInt(1)),
		Close:     px,
		Volume:    decimal.NewFromInt(1000),
	}
}

func TestBarHandlerPersistsAndPublishes(t *testing.T) {
	st := newTestStore(t)
	bus := &captureBus{}
	h := NewBarHandler(st, bus, testLogger{})
	ctx := context.Background()

	ts := time.Date(2024, 2, 21, 15, 30, 12, 0, time.UTC) // mid-minute
	bar := testBar("AAPL", ts, 150)
	require.NoError(t, h.HandleBar(ctx, bar))

	assert.Equal(t, time.Date(2024, 2, 21, 15, 30, 0, 0, time.UTC), bar.Timestamp,
		"timestamp must be truncated to the bar boundary")

	events := bus.all()
	require.Len(t, events, 1)
	barEv, ok := events[0].(core.BarEvent)
	require.True(t, ok)
	assert.Equal(t, "AAPL", barEv.Bar.Symbol)

	stored, err := st.ListRecentBars(ctx, "AAPL", "1m", 10)
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestBarHandlerDropsReplays(t *testing.T) {
	st := newTestStore(t)
	bus := &captureBus{}
	h := NewBarHandler(st, bus, testLogger{})
	ctx := context.Background()

	ts := time.Date(2024, 2, 21, 15, 30, 0, 0, time.UTC)
	require.NoError(t, h.HandleBar(ctx, testBar("AAPL", ts, 150)))
	require.NoError(t, h.HandleBar(ctx, testBar("AAPL", ts, 150)))
	require.NoError(t, h.HandleBar(ctx, testBar("AAPL", ts.Add(30*time.Second), 151)),
		"same minute after truncation is still a replay")

	assert.Len(t, bus.all(), 1, "replayed bars must not be republished")
}

func TestBarHandlerRejectsMalformedBars(t *testing.T) {
	st := newTestStore(t)
	bus := &captureBus{}
	h := NewBarHandler(st, bus, testLogger{})
	ctx := context.Background()
	ts := time.Date(2024, 2, 21, 15, 30, 0, 0, time.UTC)

	noSymbol := testBar("", ts, 150)
	assert.Error(t, h.HandleBar(ctx, noSymbol))

	inverted := testBar("AAPL", ts, 150)
	inverted.High = decimal.NewFromInt(140)
	inverted.Low = decimal.NewFromInt(160)
	assert.Error(t, h.HandleBar(ctx, inverted))

	freeStock := testBar("AAPL", ts, 150)
	freeStock.Close = decimal.Zero
	assert.Error(t, h.HandleBar(ctx, freeStock))

	assert.Empty(t, bus.all())
}

func TestOrderPollerPublishesOnDivergence(t *testing.T) {
	st := newTestStore(t)
	bus := &captureBus{}
	sim := broker.NewSimBroker()
	sim.SetMark("AAPL", decimal.NewFromInt(150))
	p := NewOrderPoller(sim, st, bus, testLogger{})
	ctx := context.Background()

	order, err := sim.SubmitOrder(ctx, core.OrderRequest{
		Symbol:        "AAPL",
		Side:          core.SideBuy,
		Quantity:      decimal.NewFromInt(10),
		ClientOrderID: "abc123",
	})
	require.NoError(t, err)
	require.Equal(t, core.OrderStatusFilled, order.Status)

	// The stored intent still thinks the order is merely accepted.
	intent := &core.OrderIntent{
		ClientOrderID: "abc123",
		Symbol:        "AAPL",
		Side:          core.SideBuy,
		Quantity:      decimal.NewFromInt(10),
		Status:        core.OrderStatusAccepted,
		CreatedAt:     time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
	}
	require.NoError(t, st.SaveOrderIntent(ctx, intent))

	p.pollOnce(ctx)
	events := bus.all()
	require.Len(t, events, 1)
	update, ok := events[0].(core.OrderUpdateEvent)
	require.True(t, ok)
	assert.Equal(t, core.OrderStatusFilled, update.Order.Status)

	// Once the intent catches up the poller goes quiet.
	intent.Status = core.OrderStatusFilled
	intent.FilledQuantity = order.FilledQuantity
	intent.AverageFillPrice = order.AverageFillPrice
	require.NoError(t, st.UpdateOrderIntent(ctx, intent))

	p.pollOnce(ctx)
	assert.Len(t, bus.all(), 1, "no event when broker and intent agree")
}

func TestOrderPollerSkipsIntentsUnknownToBroker(t *testing.T) {
	st := newTestStore(t)
	bus := &captureBus{}
	sim := broker.NewSimBroker()
	p := NewOrderPoller(sim, st, bus, testLogger{})
	ctx := context.Background()

	intent := &core.OrderIntent{
		ClientOrderID: "never-submitted",
		Symbol:        "AAPL",
		Side:          core.SideBuy,
		Quantity:      decimal.NewFromInt(5),
		Status:        core.OrderStatusPendingNew,
		CreatedAt:     time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
	}
	require.NoError(t, st.SaveOrderIntent(ctx, intent))

	p.pollOnce(ctx)
	assert.Empty(t, bus.all())
}

func TestStreamRoutesBarFrames(t *testing.T) {
	st := newTestStore(t)
	bus := &captureBus{}
	h := NewBarHandler(st, bus, testLogger{})
	s, err := NewAlpacaStream(config.BrokerConfig{}, "iex", []string{"AAPL"}, "1m", h, testLogger{})
	require.NoError(t, err)

	frame := []byte(`[
		{"T":"success","msg":"authenticated"},
		{"T":"b","S":"AAPL","o":170.1,"h":170.6,"l":169.9,"c":170.4,"v":1200,"t":"2024-02-21T15:30:00Z"},
		{"T":"error","code":406,"msg":"connection limit exceeded"}
	]`)
	s.onMessage(frame)
	s.onMessage([]byte(`not json`)) // must not panic

	events := bus.all()
	require.Len(t, events, 1)
	barEv, ok := events[0].(core.BarEvent)
	require.True(t, ok)
	assert.Equal(t, "AAPL", barEv.Bar.Symbol)
	assert.True(t, barEv.Bar.Close.Equal(decimal.NewFromFloat(170.4)))
}

func TestStreamRejectsNonMinuteTimeframe(t *testing.T) {
	_, err := NewAlpacaStream(config.BrokerConfig{}, "iex", []string{"AAPL"}, "5m", nil, testLogger{})
	assert.Error(t, err)
}

func TestParseTimeframe(t *testing.T) {
	_, dur, err := ParseTimeframe("1m")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, dur)

	_, dur, err = ParseTimeframe("15m")
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, dur)

	_, dur, err = ParseTimeframe("1h")
	require.NoError(t, err)
	assert.Equal(t, time.Hour, dur)

	_, dur, err = ParseTimeframe("1d")
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, dur)

	for _, bad := range []string{"", "m", "0m", "-5m", "10x", "fast"} {
		_, _, err := ParseTimeframe(bad)
		assert.Error(t, err, "timeframe %q", bad)
	}
}

func TestBatchSymbols(t *testing.T) {
	symbols := make([]string, 60)
	for i := range symbols {
		symbols[i] = "S" + string(rune('A'+i%26))
	}

	batches := batchSymbols(symbols, 25)
	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 25)
	assert.Len(t, batches[1], 25)
	assert.Len(t, batches[2], 10)

	assert.Empty(t, batchSymbols(nil, 25))
}
