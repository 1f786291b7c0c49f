package e2e

import (
	"context"
	"testing"
	"time"

	"trading_bot/internal/core"
	"trading_bot/internal/reconcile"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestE2E_GhostPositionCleared(t *testing.T) {
	// 1. Setup: the store remembers an XYZ lot; the broker holds nothing
	// and has no working orders for it.
	b := newBot(t)
	ctx := context.Background()
	opened := time.Now().UTC().Add(-24 * time.Hour)
	require.NoError(t, b.store.SavePosition(ctx, &core.Position{
		Symbol:            "XYZ",
		Quantity:          decimal.NewFromInt(50),
		EntryPrice:        decimal.NewFromInt(20),
		ATRValue:          decimal.NewFromInt(1),
		TrailingStopPrice: decimal.NewFromInt(18),
		OpenedAt:          opened,
		UpdatedAt:         opened,
	}))
	require.NoError(t, b.tracker.Rehydrate(ctx))
	_, ok := b.tracker.Get("XYZ")
	require.True(t, ok, "lot should rehydrate before reconciliation")

	// 2. Startup reconciliation auto-clears the ghost and passes.
	startup := reconcile.NewStartup(b.cfg, b.store, b.sim, b.tracker, b.notifier, testLogger{})
	require.NoError(t, startup.Run(ctx))

	// 3. Neither the tracker nor the store remembers XYZ, and the
	// operator was told.
	_, ok = b.tracker.Get("XYZ")
	assert.False(t, ok)
	positions, err := b.store.ListOpenPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, positions)
	assert.True(t, b.notifier.hasNotice("Ghost position cleared"))
}
