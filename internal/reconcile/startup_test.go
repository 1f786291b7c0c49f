package reconcile

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"trading_bot/internal/broker"
	"trading_bot/internal/config"
	"trading_bot/internal/core"
	"trading_bot/internal/store"
	"trading_bot/internal/trading"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var reconTime = time.Date(2024, 2, 21, 13, 0, 0, 0, time.UTC)

type startupFixture struct {
	startup  *Startup
	cfg      *config.Config
	store    *store.SQLiteStore
	sim      *broker.SimBroker
	tracker  *trading.PositionTracker
	notifier *captureNotifier
}

func newStartupFixture(t *testing.T) *startupFixture {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.System.DataDir = t.TempDir()

	st := newTestStore(t)
	sim := broker.NewSimBroker()
	sim.SetMark("AAPL", decimal.NewFromInt(150))
	tracker := trading.NewPositionTracker(cfg.Exit, st, testLogger{})
	notifier := &captureNotifier{}

	return &startupFixture{
		startup:  NewStartup(cfg, st, sim, tracker, notifier, testLogger{}),
		cfg:      cfg,
		store:    st,
		sim:      sim,
		tracker:  tracker,
		notifier: notifier,
	}
}

func (f *startupFixture) seedIntent(t *testing.T, id, symbol string, side core.Side, qty int64, status core.OrderStatus) {
	t.Helper()
	err := f.store.SaveOrderIntent(context.Background(), &core.OrderIntent{
		ClientOrderID: id,
		Symbol:        symbol,
		Side:          side,
		Quantity:      decimal.NewFromInt(qty),
		EntryATR:      decimal.NewFromInt(2),
		Status:        status,
		CreatedAt:     reconTime,
		UpdatedAt:     reconTime,
	})
	require.NoError(t, err)
}

func (f *startupFixture) seedPosition(t *testing.T, symbol string, qty int64) {
	t.Helper()
	err := f.store.SavePosition(context.Background(), &core.Position{
		Symbol:     symbol,
		Quantity:   decimal.NewFromInt(qty),
		EntryPrice: decimal.NewFromInt(150),
		ATRValue:   decimal.NewFromInt(2),
		OpenedAt:   reconTime,
		UpdatedAt:  reconTime,
	})
	require.NoError(t, err)
	require.NoError(t, f.tracker.Rehydrate(context.Background()))
}

func (f *startupFixture) lastReport(t *testing.T) core.ReconciliationReport {
	t.Helper()
	reports, err := f.store.ListRecentReconciliationReports(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	return reports[0]
}

func (f *startupFixture) errorReportOnDisk(t *testing.T) (core.ReconciliationReport, bool) {
	t.Helper()
	data, err := os.ReadFile(f.cfg.ReconciliationErrorPath())
	if os.IsNotExist(err) {
		return core.ReconciliationReport{}, false
	}
	require.NoError(t, err)
	var report core.ReconciliationReport
	require.NoError(t, json.Unmarshal(data, &report))
	return report, true
}

func TestStartupCleanPass(t *testing.T) {
	f := newStartupFixture(t)
	ctx := context.Background()

	f.sim.SetPosition(core.BrokerPosition{
		Symbol: "AAPL", Quantity: decimal.NewFromInt(10),
		AverageEntryPrice: decimal.NewFromInt(150),
	})
	f.seedPosition(t, "AAPL", 10)

	require.NoError(t, f.startup.Run(ctx))

	assert.Equal(t, "clean", f.lastReport(t).Status)
	_, exists := f.errorReportOnDisk(t)
	assert.False(t, exists, "no error report on a clean pass")
}

func TestStartupAppliesBrokerTerminalFill(t *testing.T) {
	f := newStartupFixture(t)
	ctx := context.Background()

	// The bot died between submit and the fill: locally accepted with no
	// fills, filled at the broker.
	f.seedIntent(t, "entry-1", "AAPL", core.SideBuy, 10, core.OrderStatusAccepted)
	_, err := f.sim.SubmitOrder(ctx, core.OrderRequest{
		Symbol: "AAPL", Side: core.SideBuy,
		Quantity: decimal.NewFromInt(10), ClientOrderID: "entry-1",
	})
	require.NoError(t, err)

	require.NoError(t, f.startup.Run(ctx))

	intent, err := f.store.GetOrderIntent(ctx, "entry-1")
	require.NoError(t, err)
	require.NotNil(t, intent)
	assert.Equal(t, core.OrderStatusFilled, intent.Status)

	pos, ok := f.tracker.Get("AAPL")
	require.True(t, ok, "the fill that landed while down must open the lot")
	assert.True(t, pos.Quantity.Equal(decimal.NewFromInt(10)))
	assert.True(t, pos.EntryPrice.Equal(decimal.NewFromInt(150)))

	assert.Equal(t, "repaired", f.lastReport(t).Status)
}

func TestStartupSettlesIntentBrokerNeverSaw(t *testing.T) {
	f := newStartupFixture(t)
	ctx := context.Background()
	f.seedIntent(t, "entry-9", "AAPL", core.SideBuy, 10, core.OrderStatusPendingNew)

	require.NoError(t, f.startup.Run(ctx))

	intent, err := f.store.GetOrderIntent(ctx, "entry-9")
	require.NoError(t, err)
	require.NotNil(t, intent)
	assert.Equal(t, core.OrderStatusCanceled, intent.Status)
	assert.NotEmpty(t, intent.ErrorMessage)
	assert.Equal(t, "repaired", f.lastReport(t).Status)
}

func TestStartupAbortsOnUnknownBrokerOrder(t *testing.T) {
	f := newStartupFixture(t)
	ctx := context.Background()

	f.sim.SetFillOnSubmit(false)
	_, err := f.sim.SubmitOrder(ctx, core.OrderRequest{
		Symbol: "AAPL", Side: core.SideBuy,
		Quantity: decimal.NewFromInt(5), ClientOrderID: "mystery-1",
	})
	require.NoError(t, err)

	err = f.startup.Run(ctx)
	require.Error(t, err)

	report, exists := f.errorReportOnDisk(t)
	require.True(t, exists, "a failed startup writes the operator report")
	assert.Equal(t, "failed", report.Status)
	require.Len(t, report.Discrepancies, 1)
	assert.Equal(t, "unknown_open_order", report.Discrepancies[0].Kind)
	assert.Len(t, f.notifier.criticals, 1)
}

func TestStartupAbortsWhenSettledIntentOpenAtBroker(t *testing.T) {
	f := newStartupFixture(t)
	ctx := context.Background()

	f.seedIntent(t, "entry-1", "AAPL", core.SideBuy, 10, core.OrderStatusFilled)
	f.sim.SetFillOnSubmit(false)
	_, err := f.sim.SubmitOrder(ctx, core.OrderRequest{
		Symbol: "AAPL", Side: core.SideBuy,
		Quantity: decimal.NewFromInt(10), ClientOrderID: "entry-1",
	})
	require.NoError(t, err)

	err = f.startup.Run(ctx)
	require.Error(t, err)

	report, exists := f.errorReportOnDisk(t)
	require.True(t, exists)
	require.Len(t, report.Discrepancies, 1)
	assert.Equal(t, "settled_intent_open_at_broker", report.Discrepancies[0].Kind)
}

func TestStartupAbortsOnQuantityMismatch(t *testing.T) {
	f := newStartupFixture(t)
	ctx := context.Background()

	f.seedPosition(t, "AAPL", 10)
	f.sim.SetPosition(core.BrokerPosition{
		Symbol: "AAPL", Quantity: decimal.NewFromInt(7),
		AverageEntryPrice: decimal.NewFromInt(150),
	})

	err := f.startup.Run(ctx)
	require.Error(t, err)

	report, exists := f.errorReportOnDisk(t)
	require.True(t, exists)
	require.Len(t, report.Discrepancies, 1)
	assert.Equal(t, "position_mismatch", report.Discrepancies[0].Kind)

	// The mismatched lot is never silently adjusted.
	positions, err := f.store.ListOpenPositions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.True(t, positions[0].Quantity.Equal(decimal.NewFromInt(10)))
}

func TestStartupAbortsOnUntrackedBrokerPosition(t *testing.T) {
	f := newStartupFixture(t)
	f.sim.SetPosition(core.BrokerPosition{
		Symbol: "MSFT", Quantity: decimal.NewFromInt(5),
		AverageEntryPrice: decimal.NewFromInt(300),
	})

	err := f.startup.Run(context.Background())
	require.Error(t, err)

	report, exists := f.errorReportOnDisk(t)
	require.True(t, exists)
	require.Len(t, report.Discrepancies, 1)
	assert.Equal(t, "position_mismatch", report.Discrepancies[0].Kind)
	assert.Equal(t, "MSFT", report.Discrepancies[0].Symbol)
}

func TestStartupClearsGhostPosition(t *testing.T) {
	f := newStartupFixture(t)
	ctx := context.Background()

	// Tracked 50 shares of XYZ; the broker holds nothing and has no
	// orders working the symbol.
	f.seedPosition(t, "XYZ", 50)
	require.Equal(t, 1, f.tracker.Count())

	require.NoError(t, f.startup.Run(ctx))

	positions, err := f.store.ListOpenPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, positions)
	assert.Equal(t, 0, f.tracker.Count(), "the ghost is gone from the in-memory view too")

	assert.Equal(t, "repaired", f.lastReport(t).Status)
	assert.Contains(t, f.notifier.titles(), "Ghost position cleared")
}

func TestStartupGhostWithOpenOrdersAborts(t *testing.T) {
	f := newStartupFixture(t)
	ctx := context.Background()

	f.seedPosition(t, "XYZ", 50)
	f.seedIntent(t, "xyz-1", "XYZ", core.SideSell, 50, core.OrderStatusAccepted)
	f.sim.SetFillOnSubmit(false)
	_, err := f.sim.SubmitOrder(ctx, core.OrderRequest{
		Symbol: "XYZ", Side: core.SideSell,
		Quantity: decimal.NewFromInt(50), ClientOrderID: "xyz-1",
	})
	require.NoError(t, err)

	err = f.startup.Run(ctx)
	require.Error(t, err, "a missing lot with live orders is not clearable")

	positions, err := f.store.ListOpenPositions(ctx)
	require.NoError(t, err)
	assert.Len(t, positions, 1, "nothing was cleared")

	report, exists := f.errorReportOnDisk(t)
	require.True(t, exists)
	require.Len(t, report.Discrepancies, 1)
	assert.Equal(t, "position_mismatch", report.Discrepancies[0].Kind)
}