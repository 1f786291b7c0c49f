package e2e

import (
	"context"
	"testing"
	"time"

	"trading_bot/internal/core"
	"trading_bot/internal/market"
	"trading_bot/internal/trading"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestE2E_ExitStopLifecycle(t *testing.T) {
	// 1. Setup: an open 10-share AAPL lot from 100 with ATR 2. Broker
	// fills are held back so the exit order can be canceled mid-flight.
	b := newBot(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.sim.SetFillOnSubmit(false)

	opened := time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, b.store.SavePosition(ctx, &core.Position{
		Symbol:            "AAPL",
		Quantity:          decimal.NewFromInt(10),
		EntryPrice:        decimal.NewFromInt(100),
		ATRValue:          decimal.NewFromInt(2),
		TrailingStopPrice: decimal.NewFromInt(96),
		OpenedAt:          opened,
		UpdatedAt:         opened,
	}))
	require.NoError(t, b.tracker.Rehydrate(ctx))

	// 2. The dispatcher owns routing between the scan loop and the order
	// manager, exactly as in production.
	dispatcher := market.NewDispatcher(b.cfg, b.store, b.bus, idleStrategy{}, b.orders, b.tracker, b.exits, testLogger{})
	go func() { _ = dispatcher.Run(ctx) }()

	// 3. A bar prints at 97. The ATR stop (100 - 1.5*2 = 97) fires, and it
	// outranks the percent stop that is underwater at the same price.
	barTs := time.Now().UTC().Truncate(time.Minute)
	_, err := b.store.InsertBar(ctx, &core.Bar{
		Symbol:    "AAPL",
		Timeframe: "1m",
		Timestamp: barTs,
		Open:      decimal.NewFromInt(98),
		High:      decimal.NewFromInt(98),
		Low:       decimal.NewFromInt(97),
		Close:     decimal.NewFromInt(97),
		Volume:    decimal.NewFromInt(1000),
	})
	require.NoError(t, err)
	require.NoError(t, b.exits.Scan(ctx))
	assert.Equal(t, []string{trading.ExitReasonATRStop}, b.bus.exitReasons())

	// 4. The routed exit reaches the broker and locks the lot against
	// double-firing.
	assert.Eventually(t, func() bool {
		pos, ok := b.tracker.Get("AAPL")
		return ok && pos.PendingExit
	}, 2*time.Second, 10*time.Millisecond, "pending exit never set")

	exitID := trading.EntryClientOrderID("exit_manager", "AAPL", "1m", barTs, core.SideSell)
	intent, err := b.store.GetOrderIntent(ctx, exitID)
	require.NoError(t, err)
	require.NotNil(t, intent)
	assert.True(t, intent.IsExit)
	assert.True(t, intent.Quantity.Equal(decimal.NewFromInt(10)), "exit sized to the lot, got %s", intent.Quantity)
	assert.Equal(t, 1, b.sim.SubmitCalls)

	// 5. The broker cancels the resting exit; the lot unlocks so a later
	// scan can fire again.
	order, err := b.sim.GetOrderByClientID(ctx, exitID)
	require.NoError(t, err)
	require.NotNil(t, order)
	canceled := *order
	canceled.Status = core.OrderStatusCanceled
	canceled.UpdatedAt = time.Now().UTC()
	require.True(t, b.bus.Publish(core.OrderUpdateEvent{Order: &canceled}))

	assert.Eventually(t, func() bool {
		pos, ok := b.tracker.Get("AAPL")
		return ok && !pos.PendingExit
	}, 2*time.Second, 10*time.Millisecond, "pending exit never cleared")
}
