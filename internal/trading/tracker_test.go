package trading

import (
	"context"
	"testing"
	"time"

	"trading_bot/internal/config"
	"trading_bot/internal/core"
	"trading_bot/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fillTime = time.Date(2024, 2, 21, 15, 31, 0, 0, time.UTC)

type trackerFixture struct {
	tracker *PositionTracker
	store   *store.SQLiteStore
	cfg     config.ExitConfig
}

func newTrackerFixture(t *testing.T) *trackerFixture {
	t.Helper()
	cfg := config.DefaultConfig()
	st := newTestStore(t)
	return &trackerFixture{
		tracker: NewPositionTracker(cfg.Exit, st, testLogger{}),
		store:   st,
		cfg:     cfg.Exit,
	}
}

func (f *trackerFixture) seedIntent(t *testing.T, id string, side core.Side, qty int64, atr int64, isExit bool) {
	t.Helper()
	err := f.store.SaveOrderIntent(context.Background(), &core.OrderIntent{
		ClientOrderID: id,
		Symbol:        "AAPL",
		Side:          side,
		Quantity:      decimal.NewFromInt(qty),
		Status:        core.OrderStatusPendingNew,
		EntryATR:      decimal.NewFromInt(atr),
		IsExit:        isExit,
		CreatedAt:     fillTime,
		UpdatedAt:     fillTime,
	})
	require.NoError(t, err)
}

func orderUpdate(id, brokerID string, side core.Side, status core.OrderStatus, cumQty, avgPx int64) *core.Order {
	return &core.Order{
		BrokerOrderID:    brokerID,
		ClientOrderID:    id,
		Symbol:           "AAPL",
		Side:             side,
		Quantity:         decimal.NewFromInt(cumQty),
		FilledQuantity:   decimal.NewFromInt(cumQty),
		AverageFillPrice: decimal.NewFromInt(avgPx),
		Status:           status,
		UpdatedAt:        fillTime,
	}
}

// openLot runs a complete buy fill through the tracker: 10 shares at 150
// with an ATR of 2, so the initial trailing stop sits at 146.
func (f *trackerFixture) openLot(t *testing.T) {
	t.Helper()
	f.seedIntent(t, "entry-1", core.SideBuy, 10, 2, false)
	update := orderUpdate("entry-1", "b-1", core.SideBuy, core.OrderStatusFilled, 10, 150)
	require.NoError(t, f.tracker.OnOrderUpdate(context.Background(), update))
}

func TestOpeningFillCreatesLot(t *testing.T) {
	f := newTrackerFixture(t)
	f.openLot(t)

	pos, ok := f.tracker.Get("AAPL")
	require.True(t, ok)
	assert.True(t, pos.Quantity.Equal(decimal.NewFromInt(10)))
	assert.True(t, pos.EntryPrice.Equal(decimal.NewFromInt(150)))
	assert.True(t, pos.ATRValue.Equal(decimal.NewFromInt(2)))
	// entry - 2.0 * ATR
	assert.True(t, pos.TrailingStopPrice.Equal(decimal.NewFromInt(146)),
		"trailing stop %s", pos.TrailingStopPrice)

	intent, err := f.store.GetOrderIntent(context.Background(), "entry-1")
	require.NoError(t, err)
	require.NotNil(t, intent)
	assert.Equal(t, core.OrderStatusFilled, intent.Status)
	assert.True(t, intent.FilledQuantity.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, "b-1", intent.BrokerOrderID)

	// The lot must survive a restart.
	rebuilt := NewPositionTracker(f.cfg, f.store, testLogger{})
	require.NoError(t, rebuilt.Rehydrate(context.Background()))
	restored, ok := rebuilt.Get("AAPL")
	require.True(t, ok)
	assert.True(t, restored.TrailingStopPrice.Equal(decimal.NewFromInt(146)))
}

func TestPartialFillChunksAdoptBrokerCumulative(t *testing.T) {
	f := newTrackerFixture(t)
	ctx := context.Background()
	f.seedIntent(t, "entry-1", core.SideBuy, 30, 2, false)

	first := orderUpdate("entry-1", "b-1", core.SideBuy, core.OrderStatusPartiallyFilled, 10, 100)
	require.NoError(t, f.tracker.OnOrderUpdate(ctx, first))

	pos, ok := f.tracker.Get("AAPL")
	require.True(t, ok)
	assert.True(t, pos.Quantity.Equal(decimal.NewFromInt(10)))
	assert.True(t, pos.EntryPrice.Equal(decimal.NewFromInt(100)))

	// Broker reports the cumulative state: 30 shares at an average of 101.
	second := orderUpdate("entry-1", "b-1", core.SideBuy, core.OrderStatusFilled, 30, 101)
	require.NoError(t, f.tracker.OnOrderUpdate(ctx, second))

	pos, ok = f.tracker.Get("AAPL")
	require.True(t, ok)
	assert.True(t, pos.Quantity.Equal(decimal.NewFromInt(30)))
	assert.True(t, pos.EntryPrice.Equal(decimal.NewFromInt(101)),
		"the broker average is the lot's entry, not a re-derived blend")
}

func TestReplayedUpdateDoesNotDoubleApply(t *testing.T) {
	f := newTrackerFixture(t)
	ctx := context.Background()
	f.openLot(t)

	replay := orderUpdate("entry-1", "b-1", core.SideBuy, core.OrderStatusFilled, 10, 150)
	require.NoError(t, f.tracker.OnOrderUpdate(ctx, replay))
	require.NoError(t, f.tracker.OnOrderUpdate(ctx, replay))

	pos, ok := f.tracker.Get("AAPL")
	require.True(t, ok)
	assert.True(t, pos.Quantity.Equal(decimal.NewFromInt(10)), "quantity %s", pos.Quantity)
	assert.Equal(t, 1, f.tracker.Count())
}

func TestClosingFillRealizesPnLAndCountsTrade(t *testing.T) {
	f := newTrackerFixture(t)
	ctx := context.Background()
	f.openLot(t)

	f.seedIntent(t, "exit-1", core.SideSell, 10, 0, true)
	update := orderUpdate("exit-1", "b-2", core.SideSell, core.OrderStatusFilled, 10, 155)
	require.NoError(t, f.tracker.OnOrderUpdate(ctx, update))

	_, ok := f.tracker.Get("AAPL")
	assert.False(t, ok, "a fully closed lot leaves the tracker")
	assert.Equal(t, 0, f.tracker.Count())

	pnl, err := f.store.GetStateDecimal(ctx, core.StateDailyRealizedPnL)
	require.NoError(t, err)
	assert.True(t, pnl.Equal(decimal.NewFromInt(50)), "(155-150)*10, got %s", pnl)

	trades, err := f.store.GetStateInt(ctx, core.StateDailyTradeCount)
	require.NoError(t, err)
	assert.Equal(t, 1, trades)

	// And the store no longer lists the position.
	rebuilt := NewPositionTracker(f.cfg, f.store, testLogger{})
	require.NoError(t, rebuilt.Rehydrate(context.Background()))
	assert.Equal(t, 0, rebuilt.Count())
}

func TestPartialCloseKeepsLotOpen(t *testing.T) {
	f := newTrackerFixture(t)
	ctx := context.Background()
	f.openLot(t)

	f.seedIntent(t, "exit-1", core.SideSell, 10, 0, true)
	partial := orderUpdate("exit-1", "b-2", core.SideSell, core.OrderStatusPartiallyFilled, 4, 155)
	require.NoError(t, f.tracker.OnOrderUpdate(ctx, partial))

	pos, ok := f.tracker.Get("AAPL")
	require.True(t, ok)
	assert.True(t, pos.Quantity.Equal(decimal.NewFromInt(6)), "quantity %s", pos.Quantity)

	pnl, err := f.store.GetStateDecimal(ctx, core.StateDailyRealizedPnL)
	require.NoError(t, err)
	assert.True(t, pnl.Equal(decimal.NewFromInt(20)), "(155-150)*4, got %s", pnl)

	trades, err := f.store.GetStateInt(ctx, core.StateDailyTradeCount)
	require.NoError(t, err)
	assert.Equal(t, 0, trades, "trade count increments only when the lot reaches zero")
}

func TestTerminalExitFailureClearsPendingFlag(t *testing.T) {
	f := newTrackerFixture(t)
	ctx := context.Background()
	f.openLot(t)
	require.True(t, f.tracker.SetPendingExit("AAPL", true))

	f.seedIntent(t, "exit-1", core.SideSell, 10, 0, true)
	canceled := orderUpdate("exit-1", "b-2", core.SideSell, core.OrderStatusCanceled, 0, 0)
	require.NoError(t, f.tracker.OnOrderUpdate(ctx, canceled))

	pos, ok := f.tracker.Get("AAPL")
	require.True(t, ok)
	assert.False(t, pos.PendingExit, "the scan loop must be free to retry")
}

func TestTerminalEntryFailureLeavesPendingFlag(t *testing.T) {
	f := newTrackerFixture(t)
	ctx := context.Background()
	f.openLot(t)
	require.True(t, f.tracker.SetPendingExit("AAPL", true))

	// A dead scale-in order has no bearing on the exit in flight.
	f.seedIntent(t, "entry-2", core.SideBuy, 5, 2, false)
	rejected := orderUpdate("entry-2", "b-3", core.SideBuy, core.OrderStatusRejected, 0, 0)
	require.NoError(t, f.tracker.OnOrderUpdate(ctx, rejected))

	pos, ok := f.tracker.Get("AAPL")
	require.True(t, ok)
	assert.True(t, pos.PendingExit)
}

func TestOnBarRatchetsTrailingStopUpOnly(t *testing.T) {
	f := newTrackerFixture(t)
	f.openLot(t)

	f.tracker.OnBar(&core.Bar{Symbol: "AAPL", Close: decimal.NewFromInt(160), Timestamp: fillTime})
	pos, _ := f.tracker.Get("AAPL")
	assert.True(t, pos.TrailingStopPrice.Equal(decimal.NewFromInt(156)),
		"160 - 2*2, got %s", pos.TrailingStopPrice)

	// A pullback never lowers the stop.
	f.tracker.OnBar(&core.Bar{Symbol: "AAPL", Close: decimal.NewFromInt(150), Timestamp: fillTime})
	pos, _ = f.tracker.Get("AAPL")
	assert.True(t, pos.TrailingStopPrice.Equal(decimal.NewFromInt(156)))

	// The ratchet is persisted, not just in memory.
	rebuilt := NewPositionTracker(f.cfg, f.store, testLogger{})
	require.NoError(t, rebuilt.Rehydrate(context.Background()))
	restored, ok := rebuilt.Get("AAPL")
	require.True(t, ok)
	assert.True(t, restored.TrailingStopPrice.Equal(decimal.NewFromInt(156)))
}

func TestOnBarIgnoresUnknownSymbolAndZeroATR(t *testing.T) {
	f := newTrackerFixture(t)
	ctx := context.Background()

	f.tracker.OnBar(&core.Bar{Symbol: "MSFT", Close: decimal.NewFromInt(300), Timestamp: fillTime})
	assert.Equal(t, 0, f.tracker.Count())

	// A lot opened without a volatility reference keeps its stop pinned.
	f.seedIntent(t, "entry-1", core.SideBuy, 10, 0, false)
	update := orderUpdate("entry-1", "b-1", core.SideBuy, core.OrderStatusFilled, 10, 150)
	require.NoError(t, f.tracker.OnOrderUpdate(ctx, update))

	f.tracker.OnBar(&core.Bar{Symbol: "AAPL", Close: decimal.NewFromInt(200), Timestamp: fillTime})
	pos, ok := f.tracker.Get("AAPL")
	require.True(t, ok)
	assert.True(t, pos.TrailingStopPrice.Equal(decimal.NewFromInt(150)))
}

func TestSecondBuyOrderNeverShrinksLot(t *testing.T) {
	f := newTrackerFixture(t)
	ctx := context.Background()
	f.seedIntent(t, "entry-1", core.SideBuy, 30, 2, false)
	require.NoError(t, f.tracker.OnOrderUpdate(ctx,
		orderUpdate("entry-1", "b-1", core.SideBuy, core.OrderStatusFilled, 30, 101)))

	// A stray second buy with a smaller cumulative must not clobber the lot.
	f.seedIntent(t, "entry-2", core.SideBuy, 5, 2, false)
	require.NoError(t, f.tracker.OnOrderUpdate(ctx,
		orderUpdate("entry-2", "b-2", core.SideBuy, core.OrderStatusFilled, 5, 160)))

	pos, ok := f.tracker.Get("AAPL")
	require.True(t, ok)
	assert.True(t, pos.Quantity.Equal(decimal.NewFromInt(30)), "quantity %s", pos.Quantity)
	assert.True(t, pos.EntryPrice.Equal(decimal.NewFromInt(101)))
}

func TestSyncKeepsTerminalIntentOverBrokerRegression(t *testing.T) {
	f := newTrackerFixture(t)
	ctx := context.Background()
	f.openLot(t)

	// A delayed poll echoes the pre-fill accepted state.
	stale := orderUpdate("entry-1", "b-1", core.SideBuy, core.OrderStatusAccepted, 0, 0)
	require.NoError(t, f.tracker.OnOrderUpdate(ctx, stale))

	intent, err := f.store.GetOrderIntent(ctx, "entry-1")
	require.NoError(t, err)
	require.NotNil(t, intent)
	assert.Equal(t, core.OrderStatusFilled, intent.Status, "terminal rows never move backwards")

	pos, ok := f.tracker.Get("AAPL")
	require.True(t, ok)
	assert.True(t, pos.Quantity.Equal(decimal.NewFromInt(10)))
}

func TestUpdateForUnknownOrderIsIgnored(t *testing.T) {
	f := newTrackerFixture(t)
	update := orderUpdate("never-submitted", "b-9", core.SideBuy, core.OrderStatusFilled, 10, 150)
	require.NoError(t, f.tracker.OnOrderUpdate(context.Background(), update))
	assert.Equal(t, 0, f.tracker.Count())
}

func TestClosingFillForUntrackedSymbolIsDropped(t *testing.T) {
	f := newTrackerFixture(t)
	ctx := context.Background()

	f.seedIntent(t, "exit-1", core.SideSell, 10, 0, true)
	update := orderUpdate("exit-1", "b-2", core.SideSell, core.OrderStatusFilled, 10, 155)
	require.NoError(t, f.tracker.OnOrderUpdate(ctx, update))

	pnl, err := f.store.GetStateDecimal(ctx, core.StateDailyRealizedPnL)
	require.NoError(t, err)
	assert.True(t, pnl.IsZero(), "no lot, no realized pnl")
}

func TestSetPendingExitPersistsAcrossRestart(t *testing.T) {
	f := newTrackerFixture(t)
	f.openLot(t)

	assert.False(t, f.tracker.SetPendingExit("MSFT", false), "unknown symbol")
	require.True(t, f.tracker.SetPendingExit("AAPL", true))

	rebuilt := NewPositionTracker(f.cfg, f.store, testLogger{})
	require.NoError(t, rebuilt.Rehydrate(context.Background()))
	pos, ok := rebuilt.Get("AAPL")
	require.True(t, ok)
	assert.True(t, pos.PendingExit)
}

func TestAllReturnsSortedCopies(t *testing.T) {
	f := newTrackerFixture(t)
	ctx := context.Background()
	for _, seed := range []struct {
		symbol string
		qty    int64
	}{{"MSFT", 5}, {"AAPL", 10}} {
		require.NoError(t, f.store.SavePosition(ctx, &core.Position{
			Symbol:     seed.symbol,
			Quantity:   decimal.NewFromInt(seed.qty),
			EntryPrice: decimal.NewFromInt(100),
			OpenedAt:   fillTime,
			UpdatedAt:  fillTime,
		}))
	}
	require.NoError(t, f.tracker.Rehydrate(ctx))

	all := f.tracker.All()
	require.Len(t, all, 2)
	assert.Equal(t, "AAPL", all[0].Symbol)
	assert.Equal(t, "MSFT", all[1].Symbol)

	// Mutating the copy must not leak into the tracker.
	all[0].Quantity = decimal.Zero
	pos, _ := f.tracker.Get("AAPL")
	assert.True(t, pos.Quantity.Equal(decimal.NewFromInt(10)))
}