package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"trading_bot/internal/config"
	"trading_bot/internal/core"
	apperrors "trading_bot/pkg/errors"
	"trading_bot/pkg/telemetry"

	"github.com/shopspring/decimal"
)

// cycleTimeout bounds one runtime pass; a timed-out cycle counts as a
// failure towards the degraded threshold.
const cycleTimeout = 30 * time.Second

// degradedAfter is the number of consecutive failed cycles that halts
// trading and marks broker health degraded.
const degradedAfter = 3

// Runner is the periodic runtime reconciler: it repairs stuck exit
// flags, warns on position drift, and replays missed fills through the
// bus. Runtime discrepancies never terminate the process; repeated
// cycle failures halt trading until a cycle succeeds again.
type Runner struct {
	interval time.Duration
	store    core.IStore
	broker   core.IBroker
	tracker  core.IPositionTracker
	bus      core.IEventBus
	notifier core.INotifier
	logger   core.ILogger
	metrics  *telemetry.MetricsHolder
	now      func() time.Time

	failures   int
	haltedHere bool
}

func NewRunner(
	cfg *config.Config,
	store core.IStore,
	broker core.IBroker,
	tracker core.IPositionTracker,
	bus core.IEventBus,
	notifier core.INotifier,
	logger core.ILogger,
) *Runner {
	return &Runner{
		interval: time.Duration(cfg.Reconciliation.RuntimeCheckIntervalSeconds) * time.Second,
		store:    store,
		broker:   broker,
		tracker:  tracker,
		bus:      bus,
		notifier: notifier,
		logger:   logger.WithField("component", "runtime_reconcile"),
		metrics:  telemetry.GetGlobalMetrics(),
		now:      time.Now,
	}
}

func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("runtime reconciler started", "interval", r.interval.String())
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("runtime reconciler stopped")
			return nil
		case <-ticker.C:
			r.Cycle(ctx)
		}
	}
}

// Cycle runs one bounded reconciliation pass and updates the
// consecutive-failure ledger.
func (r *Runner) Cycle(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, cycleTimeout)
	report, err := r.reconcile(cctx)
	cancel()

	if err != nil {
		r.recordFailure(ctx, err)
		return
	}
	r.recordSuccess(ctx, report)
}

func (r *Runner) reconcile(ctx context.Context) (*core.ReconciliationReport, error) {
	started := r.now().UTC()
	report := &core.ReconciliationReport{
		ID:        fmt.Sprintf("rec_%d", started.UnixNano()),
		Timestamp: started,
		Status:    "clean",
	}

	openOrders, err := r.broker.GetOpenOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("runtime reconcile: list open orders: %w", err)
	}
	brokerPositions, err := r.broker.GetPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("runtime reconcile: list positions: %w", err)
	}

	brokerQty := make(map[string]decimal.Decimal, len(brokerPositions))
	for _, p := range brokerPositions {
		brokerQty[p.Symbol] = p.Quantity
	}
	openSell := make(map[string]bool, len(openOrders))
	for i := range openOrders {
		if openOrders[i].Side == core.SideSell {
			openSell[openOrders[i].Symbol] = true
		}
	}

	repaired := false
	tracked := r.tracker.All()
	for _, pos := range tracked {
		// A pending exit with no working sell and no position left at
		// the broker already resolved; unblock the scan loop.
		if pos.PendingExit && !openSell[pos.Symbol] {
			if _, held := brokerQty[pos.Symbol]; !held {
				if r.tracker.SetPendingExit(pos.Symbol, false) {
					r.logger.Warn("stuck pending-exit flag cleared",
						"symbol", pos.Symbol, "quantity", pos.Quantity.String())
					report.Discrepancies = append(report.Discrepancies, core.Discrepancy{
						Kind:   "stuck_exit_cleared",
						Symbol: pos.Symbol,
						Detail: "pending exit with no working sell order and no broker position",
					})
					repaired = true
				}
			}
		}

		if bq := brokerQty[pos.Symbol]; !bq.Equal(pos.Quantity) {
			r.logger.Warn("tracked position drifts from broker",
				"symbol", pos.Symbol, "tracked", pos.Quantity.String(), "broker", bq.String())
			report.Discrepancies = append(report.Discrepancies, core.Discrepancy{
				Kind:   "position_drift",
				Symbol: pos.Symbol,
				Detail: fmt.Sprintf("tracked %s, broker %s", pos.Quantity, bq),
			})
		}
	}
	trackedSym := make(map[string]bool, len(tracked))
	for _, pos := range tracked {
		trackedSym[pos.Symbol] = true
	}
	for symbol, bq := range brokerQty {
		if trackedSym[symbol] {
			continue
		}
		r.logger.Warn("broker position is not tracked", "symbol", symbol, "broker", bq.String())
		report.Discrepancies = append(report.Discrepancies, core.Discrepancy{
			Kind:   "position_drift",
			Symbol: symbol,
			Detail: fmt.Sprintf("tracked 0, broker %s", bq),
		})
	}

	replayed, err := r.replayMissedFills(ctx, report)
	if err != nil {
		return nil, err
	}

	if repaired || replayed {
		report.Status = "repaired"
	}
	report.Duration = r.now().UTC().Sub(started)
	return report, nil
}

// replayMissedFills re-fetches every non-terminal intent and pushes the
// broker order through the bus when the cumulative fill drifted; the
// tracker's dedupe keys keep the replay idempotent.
func (r *Runner) replayMissedFills(ctx context.Context, report *core.ReconciliationReport) (bool, error) {
	intents, err := r.store.ListOpenOrderIntents(ctx)
	if err != nil {
		return false, fmt.Errorf("runtime reconcile: list open intents: %w", err)
	}

	replayed := false
	for _, intent := range intents {
		order, err := r.broker.GetOrderByClientID(ctx, intent.ClientOrderID)
		if errors.Is(err, apperrors.ErrOrderNotFound) {
			r.logger.Warn("working intent not found at broker",
				"client_order_id", intent.ClientOrderID, "symbol", intent.Symbol)
			report.Discrepancies = append(report.Discrepancies, core.Discrepancy{
				Kind:    "order_vanished",
				OrderID: intent.ClientOrderID,
				Symbol:  intent.Symbol,
				Detail:  "non-terminal intent has no broker order; startup reconciliation settles these",
			})
			continue
		}
		if err != nil {
			return replayed, fmt.Errorf("runtime reconcile: fetch %s: %w", intent.ClientOrderID, err)
		}
		if order.FilledQuantity.Equal(intent.FilledQuantity) {
			continue
		}

		r.logger.Info("fill drift detected, replaying order update",
			"client_order_id", intent.ClientOrderID, "symbol", intent.Symbol,
			"stored", intent.FilledQuantity.String(), "broker", order.FilledQuantity.String())
		r.bus.Publish(core.OrderUpdateEvent{Order: order})
		report.Discrepancies = append(report.Discrepancies, core.Discrepancy{
			Kind:    "fill_drift",
			OrderID: intent.ClientOrderID,
			Symbol:  intent.Symbol,
			Detail:  fmt.Sprintf("stored %s, broker %s", intent.FilledQuantity, order.FilledQuantity),
		})
		replayed = true
	}
	return replayed, nil
}

func (r *Runner) recordFailure(ctx context.Context, cause error) {
	r.failures++
	r.metrics.AddReconcileFailures(ctx, 1)
	r.logger.Warn("reconciliation cycle failed",
		"consecutive", r.failures, "error", cause)

	report := &core.ReconciliationReport{
		ID:        fmt.Sprintf("rec_%d", r.now().UTC().UnixNano()),
		Timestamp: r.now().UTC(),
		Status:    "failed",
		Discrepancies: []core.Discrepancy{{
			Kind:   "cycle_error",
			Detail: cause.Error(),
		}},
	}
	if err := r.store.InsertReconciliationReport(ctx, report); err != nil {
		r.logger.Error("failed to persist reconciliation report", "error", err)
	}

	if r.failures != degradedAfter {
		return
	}
	if err := r.store.SetState(ctx, core.StateBrokerHealth, string(core.BrokerDegraded)); err != nil {
		r.logger.Error("failed to mark broker health degraded", "error", err)
	}
	if err := r.store.SetStateBool(ctx, core.StateTradingHalted, true); err != nil {
		r.logger.Error("failed to halt trading", "error", err)
	}
	r.haltedHere = true
	r.logger.Error("broker health degraded, trading halted",
		"consecutive_failures", r.failures)
	r.notifier.NotifyCritical(ctx, "Reconciliation degraded",
		fmt.Sprintf("%d consecutive reconciliation failures; trading halted", r.failures),
		map[string]string{"last_error": cause.Error()})
}

func (r *Runner) recordSuccess(ctx context.Context, report *core.ReconciliationReport) {
	if r.failures > 0 {
		r.logger.Info("reconciliation recovered", "after_failures", r.failures)
	}
	r.failures = 0

	if r.haltedHere {
		// Only undo a halt this runner imposed; an operator's halt stays.
		if err := r.store.SetState(ctx, core.StateBrokerHealth, string(core.BrokerHealthy)); err != nil {
			r.logger.Error("failed to restore broker health", "error", err)
		}
		if err := r.store.SetStateBool(ctx, core.StateTradingHalted, false); err != nil {
			r.logger.Error("failed to resume trading", "error", err)
		}
		r.haltedHere = false
		r.notifier.Notify(ctx, "Reconciliation recovered",
			"broker health restored, trading resumed", nil)
	}

	if err := r.store.InsertReconciliationReport(ctx, report); err != nil {
		r.logger.Error("failed to persist reconciliation report", "error", err)
	}
	r.logger.Debug("reconciliation cycle complete",
		"status", report.Status,
		"discrepancies", len(report.Discrepancies),
		"duration_ms", report.Duration.Milliseconds())
}