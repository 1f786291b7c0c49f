// Package reconcile aligns the store's view of orders and positions with
// the broker's: a blocking pass before trading starts and a periodic
// repair loop while it runs. The broker is the source of truth for
// anything it reports; the store is the source of truth for what the bot
// believes it did.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"trading_bot/internal/config"
	"trading_bot/internal/core"
	apperrors "trading_bot/pkg/errors"
)

// Startup performs the blocking pre-trade reconciliation. Repairs that
// cannot lose money are applied automatically; anything ambiguous aborts
// startup with a written report so an operator decides.
type Startup struct {
	cfg      *config.Config
	store    core.IStore
	broker   core.IBroker
	tracker  core.IPositionTracker
	notifier core.INotifier
	logger   core.ILogger
	now      func() time.Time
}

func NewStartup(
	cfg *config.Config,
	store core.IStore,
	broker core.IBroker,
	tracker core.IPositionTracker,
	notifier core.INotifier,
	logger core.ILogger,
) *Startup {
	return &Startup{
		cfg:      cfg,
		store:    store,
		broker:   broker,
		tracker:  tracker,
		notifier: notifier,
		logger:   logger.WithField("component", "startup_reconcile"),
		now:      time.Now,
	}
}

// Run must complete before the bot accepts events. The tracker must be
// rehydrated first: terminal fills discovered here flow through it so
// lots and intent rows stay consistent. A non-nil error means the
// process should exit non-zero; the JSON report is already on disk.
func (s *Startup) Run(ctx context.Context) error {
	started := s.now().UTC()
	report := &core.ReconciliationReport{
		ID:        fmt.Sprintf("rec_startup_%d", started.UnixNano()),
		Timestamp: started,
		Status:    "clean",
	}

	openOrders, err := s.broker.GetOpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("startup reconcile: list open orders: %w", err)
	}
	brokerPositions, err := s.broker.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("startup reconcile: list positions: %w", err)
	}

	repairs, err := s.settleStaleIntents(ctx, report)
	if err != nil {
		return err
	}
	s.checkBrokerOpenOrders(ctx, openOrders, report)

	ghosts, err := s.checkPositions(ctx, openOrders, brokerPositions, report)
	if err != nil {
		return err
	}
	if ghosts > 0 {
		// Drop the cleared ghosts from the in-memory view too.
		if err := s.tracker.Rehydrate(ctx); err != nil {
			return fmt.Errorf("startup reconcile: rehydrate after ghost clear: %w", err)
		}
	}

	report.Duration = s.now().UTC().Sub(started)
	if len(report.Discrepancies) > 0 {
		report.Status = "failed"
		return s.fail(ctx, report)
	}

	if err := s.store.SnapshotPositions(ctx, brokerPositions, s.now().UTC()); err != nil {
		return fmt.Errorf("startup reconcile: snapshot positions: %w", err)
	}
	if repairs > 0 || ghosts > 0 {
		report.Status = "repaired"
	}
	if err := s.store.InsertReconciliationReport(ctx, report); err != nil {
		return fmt.Errorf("startup reconcile: persist report: %w", err)
	}

	s.logger.Info("startup reconciliation passed",
		"status", report.Status, "repairs", repairs, "ghosts_cleared", ghosts,
		"open_orders", len(openOrders), "broker_positions", len(brokerPositions))
	return nil
}

// settleStaleIntents walks every non-terminal intent row. Broker-terminal
// orders are applied through the tracker so fills that landed while the
// bot was down move the lots; orders the broker never saw are marked
// canceled locally.
func (s *Startup) settleStaleIntents(ctx context.Context, report *core.ReconciliationReport) (int, error) {
	intents, err := s.store.ListOpenOrderIntents(ctx)
	if err != nil {
		return 0, fmt.Errorf("startup reconcile: list open intents: %w", err)
	}

	repairs := 0
	for _, intent := range intents {
		order, err := s.broker.GetOrderByClientID(ctx, intent.ClientOrderID)
		if errors.Is(err, apperrors.ErrOrderNotFound) {
			intent.Status = core.OrderStatusCanceled
			intent.ErrorMessage = "not found at broker during startup reconciliation"
			intent.UpdatedAt = s.now().UTC()
			if err := s.store.UpdateOrderIntent(ctx, intent); err != nil {
				return repairs, fmt.Errorf("startup reconcile: settle %s: %w", intent.ClientOrderID, err)
			}
			s.logger.Info("intent never reached the broker, marked canceled",
				"client_order_id", intent.ClientOrderID, "symbol", intent.Symbol)
			repairs++
			continue
		}
		if err != nil {
			return repairs, fmt.Errorf("startup reconcile: fetch %s: %w", intent.ClientOrderID, err)
		}
		if !order.Status.IsTerminal() {
			continue // still working; the order poller picks it up
		}

		if err := s.tracker.OnOrderUpdate(ctx, order); err != nil {
			return repairs, fmt.Errorf("startup reconcile: apply %s: %w", intent.ClientOrderID, err)
		}
		s.logger.Info("broker terminal state applied to stale intent",
			"client_order_id", intent.ClientOrderID, "symbol", intent.Symbol,
			"status", string(order.Status), "filled", order.FilledQuantity.String())
		repairs++
	}
	return repairs, nil
}

// checkBrokerOpenOrders flags orders working at the broker that the
// store either never recorded or already considers settled. Both mean
// the bot no longer knows what it is holding open; neither is repairable
// automatically.
func (s *Startup) checkBrokerOpenOrders(ctx context.Context, openOrders []core.Order, report *core.ReconciliationReport) {
	for i := range openOrders {
		order := &openOrders[i]
		intent, err := s.store.GetOrderIntent(ctx, order.ClientOrderID)
		if err != nil {
			report.Discrepancies = append(report.Discrepancies, core.Discrepancy{
				Kind:    "store_error",
				OrderID: order.ClientOrderID,
				Symbol:  order.Symbol,
				Detail:  err.Error(),
			})
			continue
		}
		if intent == nil {
			report.Discrepancies = append(report.Discrepancies, core.Discrepancy{
				Kind:    "unknown_open_order",
				OrderID: order.ClientOrderID,
				Symbol:  order.Symbol,
				Detail:  fmt.Sprintf("broker holds open %s %s x%s with no local intent", order.Side, order.Symbol, order.Quantity),
			})
			continue
		}
		if intent.Status.IsTerminal() {
			report.Discrepancies = append(report.Discrepancies, core.Discrepancy{
				Kind:    "settled_intent_open_at_broker",
				OrderID: order.ClientOrderID,
				Symbol:  order.Symbol,
				Detail: fmt.Sprintf("local intent is %s but broker reports %s",
					intent.Status, order.Status),
			})
		}
	}
}

// checkPositions enforces quantity agreement. A tracked lot the broker
// no longer holds is auto-cleared only when no open order for the symbol
// could still change it; every other disagreement is fatal.
func (s *Startup) checkPositions(
	ctx context.Context,
	openOrders []core.Order,
	brokerPositions []core.BrokerPosition,
	report *core.ReconciliationReport,
) (int, error) {
	brokerQty := make(map[string]core.BrokerPosition, len(brokerPositions))
	for _, p := range brokerPositions {
		brokerQty[p.Symbol] = p
	}
	hasOpenOrder := make(map[string]bool, len(openOrders))
	for i := range openOrders {
		hasOpenOrder[openOrders[i].Symbol] = true
	}

	tracked, err := s.store.ListOpenPositions(ctx)
	if err != nil {
		return 0, fmt.Errorf("startup reconcile: list tracked positions: %w", err)
	}

	ghosts := 0
	seen := make(map[string]bool, len(tracked))
	for _, pos := range tracked {
		seen[pos.Symbol] = true
		broker, held := brokerQty[pos.Symbol]
		if held {
			if !broker.Quantity.Equal(pos.Quantity) {
				report.Discrepancies = append(report.Discrepancies, core.Discrepancy{
					Kind:   "position_mismatch",
					Symbol: pos.Symbol,
					Detail: fmt.Sprintf("tracked %s, broker %s", pos.Quantity, broker.Quantity),
				})
			}
			continue
		}
		if hasOpenOrder[pos.Symbol] {
			// The lot is gone but an order still works the symbol; too
			// ambiguous to clear.
			report.Discrepancies = append(report.Discrepancies, core.Discrepancy{
				Kind:   "position_mismatch",
				Symbol: pos.Symbol,
				Detail: fmt.Sprintf("tracked %s, broker flat with open orders", pos.Quantity),
			})
			continue
		}

		if err := s.store.DeletePosition(ctx, pos.Symbol); err != nil {
			return ghosts, fmt.Errorf("startup reconcile: clear ghost %s: %w", pos.Symbol, err)
		}
		ghosts++
		s.logger.Warn("ghost position cleared",
			"symbol", pos.Symbol, "tracked_quantity", pos.Quantity.String())
		s.notifier.Notify(ctx, "Ghost position cleared",
			fmt.Sprintf("%s: tracked %s shares, broker holds none and has no open orders", pos.Symbol, pos.Quantity),
			map[string]string{"symbol": pos.Symbol})
	}

	for symbol, broker := range brokerQty {
		if seen[symbol] {
			continue
		}
		report.Discrepancies = append(report.Discrepancies, core.Discrepancy{
			Kind:   "position_mismatch",
			Symbol: symbol,
			Detail: fmt.Sprintf("broker holds %s, nothing tracked", broker.Quantity),
		})
	}
	return ghosts, nil
}

// fail persists what it can, writes the operator report and returns the
// fatal error.
func (s *Startup) fail(ctx context.Context, report *core.ReconciliationReport) error {
	if err := s.store.InsertReconciliationReport(ctx, report); err != nil {
		s.logger.Error("failed to persist reconciliation report", "error", err)
	}
	if data, err := json.MarshalIndent(report, "", "  "); err == nil {
		path := s.cfg.ReconciliationErrorPath()
		if err := os.WriteFile(path, data, 0o644); err != nil {
			s.logger.Error("failed to write reconciliation error report",
				"path", path, "error", err)
		} else {
			s.logger.Error("reconciliation error report written", "path", path)
		}
	}

	for _, d := range report.Discrepancies {
		s.logger.Error("startup discrepancy",
			"kind", d.Kind, "symbol", d.Symbol, "order_id", d.OrderID, "detail", d.Detail)
	}
	s.notifier.NotifyCritical(ctx, "Startup reconciliation failed",
		fmt.Sprintf("%d discrepancies; trading not started", len(report.Discrepancies)),
		map[string]string{"report": report.ID})

	return fmt.Errorf("startup reconciliation found %d discrepancies", len(report.Discrepancies))
}