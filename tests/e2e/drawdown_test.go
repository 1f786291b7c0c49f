package e2e

import (
	"context"
	"testing"
	"time"

	"trading_bot/internal/core"
	apperrors "trading_bot/pkg/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestE2E_DrawdownEscalationLadder(t *testing.T) {
	// 1. Setup: peak equity 100k on the books and one real position for
	// the emergency flatten to liquidate.
	b := newBot(t)
	ctx := context.Background()
	require.NoError(t, b.drawdown.Restore(ctx))

	_, err := b.store.InsertEquitySnapshot(ctx, &core.EquitySnapshot{
		Timestamp:      time.Now().UTC().Add(-time.Hour),
		PortfolioValue: decimal.NewFromInt(100000),
		Cash:           decimal.NewFromInt(100000),
	})
	require.NoError(t, err)

	b.sim.SetPosition(core.BrokerPosition{
		Symbol:            "AAPL",
		Quantity:          decimal.NewFromInt(40),
		AverageEntryPrice: decimal.NewFromInt(150),
		CurrentPrice:      decimal.NewFromInt(150),
	})

	setEquity := func(v int64) {
		b.sim.SetAccount(core.Account{
			CashAvailable:  decimal.NewFromInt(v),
			PortfolioValue: decimal.NewFromInt(v),
			IsTradable:     true,
		})
	}

	// 2. 1% off the peak: still normal.
	setEquity(99000)
	require.NoError(t, b.drawdown.Tick(ctx))
	assert.Equal(t, core.DrawdownNormal, b.drawdown.Level())

	// 3. 3% off: warning.
	setEquity(97000)
	require.NoError(t, b.drawdown.Tick(ctx))
	assert.Equal(t, core.DrawdownWarning, b.drawdown.Level())

	// 4. 5% off: halt. New entries abort in the SAFETY tier before the
	// broker sees anything.
	setEquity(95000)
	require.NoError(t, b.drawdown.Tick(ctx))
	assert.Equal(t, core.DrawdownHalt, b.drawdown.Level())

	_, err = b.orders.SubmitEntry(ctx, entrySignal("AAPL", core.SideBuy, aaplBuyTs))
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrDrawdownRestricted)
	assert.Equal(t, 0, b.sim.SubmitCalls)

	// 5. 10.5% off: emergency. The book is flattened on the spot and the
	// door stays shut.
	setEquity(89500)
	require.NoError(t, b.drawdown.Tick(ctx))
	assert.Equal(t, core.DrawdownEmergency, b.drawdown.Level())
	assert.Equal(t, 1, b.sim.SubmitCalls, "emergency flatten should market-sell the lot")
	assert.True(t, b.notifier.hasCritical("Flatten all"))
	assert.True(t, b.notifier.hasCritical("Drawdown emergency"))

	_, err = b.orders.SubmitEntry(ctx, entrySignal("MSFT", core.SideBuy, aaplBuyTs.Add(time.Minute)))
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrDrawdownRestricted)
	assert.Equal(t, 1, b.sim.SubmitCalls)
}
