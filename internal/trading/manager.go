// Package trading owns the path from an accepted signal to broker state:
// deterministic order identity, sizing, the persist-before-submit
// protocol, the in-memory position projection and the exit scan loop.
package trading

import (
	"context"
	"errors"
	"fmt"
	"time"

	"trading_bot/internal/config"
	"trading_bot/internal/core"
	"trading_bot/pkg/telemetry"
)

// OrderManager implements core.IOrderManager. Every order passes through
// the same sequence: risk gate, sizing, intent persisted as PendingNew,
// single submit attempt, intent updated with the outcome. The intent row
// exists before the broker ever sees the order, which is what makes a
// crash at any point recoverable.
type OrderManager struct {
	cfg      *config.Config
	store    core.IStore
	broker   core.IBroker
	risk     core.IRiskManager
	tracker  core.IPositionTracker
	drawdown core.IDrawdownMonitor
	bus      core.IEventBus
	notifier core.INotifier
	logger   core.ILogger
	metrics  *telemetry.MetricsHolder
	universe map[string]bool
	now      func() time.Time
}

var _ core.IOrderManager = (*OrderManager)(nil)

func NewOrderManager(
	cfg *config.Config,
	store core.IStore,
	broker core.IBroker,
	risk core.IRiskManager,
	tracker core.IPositionTracker,
	drawdown core.IDrawdownMonitor,
	bus core.IEventBus,
	notifier core.INotifier,
	logger core.ILogger,
) *OrderManager {
	universe := make(map[string]bool)
	for _, s := range cfg.AllSymbols() {
		universe[s] = true
	}
	return &OrderManager{
		cfg:      cfg,
		store:    store,
		broker:   broker,
		risk:     risk,
		tracker:  tracker,
		drawdown: drawdown,
		bus:      bus,
		notifier: notifier,
		logger:   logger.WithField("component", "order_manager"),
		metrics:  telemetry.GetGlobalMetrics(),
		universe: universe,
		now:      time.Now,
	}
}

// SubmitEntry runs the full pipeline for a strategy signal. A filter skip
// returns ("", nil); SAFETY/RISK aborts and submit failures return errors.
// A signal whose deterministic id already has an intent returns that id
// without touching the gate or the broker.
func (m *OrderManager) SubmitEntry(ctx context.Context, sig *core.Signal) (string, error) {
	clientOrderID := EntryClientOrderID(sig.Strategy, sig.Symbol, sig.Timeframe, sig.Timestamp, sig.Side)
	if existing, err := m.store.GetOrderIntent(ctx, clientOrderID); err != nil {
		return "", fmt.Errorf("look up intent %s: %w", clientOrderID, err)
	} else if existing != nil {
		// The deterministic id already ran through the pipeline once;
		// never resubmit, whatever state it reached.
		m.logger.Info("duplicate entry suppressed",
			"client_order_id", clientOrderID, "status", string(existing.Status))
		return existing.ClientOrderID, nil
	}

	allowed, err := m.risk.CheckSignal(ctx, sig)
	if err != nil {
		return "", err
	}
	if !allowed {
		m.logger.Debug("entry filtered", "symbol", sig.Symbol, "side", string(sig.Side))
		return "", nil
	}

	account, err := m.broker.GetAccount(ctx)
	if err != nil {
		return "", fmt.Errorf("size entry: %w", err)
	}
	qty := positionSize(account.PortfolioValue, sig.Price, m.cfg.Risk)
	if m.drawdown.Level() == core.DrawdownWarning {
		qty = applyWarningMultiplier(qty, m.cfg.Drawdown.WarningPositionMultiplier)
	}

	intent := &core.OrderIntent{
		ClientOrderID: clientOrderID,
		Symbol:        sig.Symbol,
		Side:          sig.Side,
		Quantity:      qty,
		Status:        core.OrderStatusPendingNew,
		EntryATR:      sig.ATR,
		CreatedAt:     m.now().UTC(),
		UpdatedAt:     m.now().UTC(),
	}
	if err := m.store.SaveOrderIntent(ctx, intent); err != nil {
		return "", fmt.Errorf("persist intent %s: %w", clientOrderID, err)
	}

	if err := m.submit(ctx, intent); err != nil {
		return "", err
	}

	m.logger.Info("entry submitted",
		"symbol", sig.Symbol, "side", string(sig.Side),
		"quantity", qty.String(), "client_order_id", clientOrderID,
		"confidence", sig.Confidence, "regime", string(sig.Regime))
	return clientOrderID, nil
}

// SubmitExit sizes the order to the whole open lot and applies only the
// exit-safe risk rules. The pending-exit flag flips on success so the
// scan loop will not double-fire.
func (m *OrderManager) SubmitExit(ctx context.Context, sig *core.Signal) (string, error) {
	pos, ok := m.tracker.Get(sig.Symbol)
	if !ok || !pos.Quantity.IsPositive() {
		m.logger.Warn("exit for unknown position dropped", "symbol", sig.Symbol)
		return "", nil
	}

	if err := m.risk.CheckExit(ctx, sig); err != nil {
		return "", err
	}

	clientOrderID := EntryClientOrderID(sig.Strategy, sig.Symbol, sig.Timeframe, sig.Timestamp, core.SideSell)
	if existing, err := m.store.GetOrderIntent(ctx, clientOrderID); err != nil {
		return "", fmt.Errorf("look up intent %s: %w", clientOrderID, err)
	} else if existing != nil {
		m.logger.Info("duplicate exit suppressed",
			"client_order_id", clientOrderID, "status", string(existing.Status))
		return existing.ClientOrderID, nil
	}

	intent := &core.OrderIntent{
		ClientOrderID: clientOrderID,
		Symbol:        sig.Symbol,
		Side:          core.SideSell,
		Quantity:      pos.Quantity,
		Status:        core.OrderStatusPendingNew,
		IsExit:        true,
		CreatedAt:     m.now().UTC(),
		UpdatedAt:     m.now().UTC(),
	}
	if err := m.store.SaveOrderIntent(ctx, intent); err != nil {
		return "", fmt.Errorf("persist intent %s: %w", clientOrderID, err)
	}

	if err := m.submit(ctx, intent); err != nil {
		return "", err
	}

	m.tracker.SetPendingExit(sig.Symbol, true)
	m.logger.Info("exit submitted",
		"symbol", sig.Symbol, "reason", sig.Reason,
		"quantity", pos.Quantity.String(), "client_order_id", clientOrderID)
	return clientOrderID, nil
}

// submit performs the single broker attempt and settles the intent row
// either way. Submission is never retried: a timed-out submit may still
// have been accepted broker-side, and the deterministic id plus
// reconciliation recover that case.
func (m *OrderManager) submit(ctx context.Context, intent *core.OrderIntent) error {
	order, err := m.broker.SubmitOrder(ctx, core.OrderRequest{
		Symbol:        intent.Symbol,
		Side:          intent.Side,
		Quantity:      intent.Quantity,
		LimitPrice:    intent.LimitPrice,
		ClientOrderID: intent.ClientOrderID,
	})
	if err != nil {
		count, incErr := m.store.IncrementState(ctx, core.StateCircuitBreakerCount)
		if incErr != nil {
			m.logger.Error("circuit breaker increment failed", "error", incErr)
		} else {
			m.metrics.SetCircuitBreakerCount(count)
		}
		m.metrics.AddOrderFailures(ctx, 1)

		intent.Status = core.OrderStatusRejected
		intent.ErrorMessage = err.Error()
		intent.UpdatedAt = m.now().UTC()
		if updErr := m.store.UpdateOrderIntent(ctx, intent); updErr != nil {
			m.logger.Error("failed to mark intent rejected",
				"client_order_id", intent.ClientOrderID, "error", updErr)
		}
		m.bus.Publish(core.OrderIntentEvent{Intent: intent})

		m.notifier.Notify(ctx, "Order submission failed",
			fmt.Sprintf("%s %s x%s: %v", intent.Side, intent.Symbol, intent.Quantity, err),
			map[string]string{"client_order_id": intent.ClientOrderID, "breaker_count": fmt.Sprint(count)})
		return fmt.Errorf("submit %s: %w", intent.ClientOrderID, err)
	}

	intent.BrokerOrderID = order.BrokerOrderID
	intent.Status = core.OrderStatusAccepted
	intent.UpdatedAt = m.now().UTC()
	if err := m.store.UpdateOrderIntent(ctx, intent); err != nil {
		return fmt.Errorf("persist accepted intent %s: %w", intent.ClientOrderID, err)
	}

	// A successful submission proves the broker path is healthy again.
	if err := m.store.SetStateInt(ctx, core.StateCircuitBreakerCount, 0); err != nil {
		m.logger.Error("circuit breaker reset failed", "error", err)
	} else {
		m.metrics.SetCircuitBreakerCount(0)
	}
	m.metrics.AddOrdersPlaced(ctx, 1)
	m.bus.Publish(core.OrderIntentEvent{Intent: intent})
	return nil
}

// FlattenAll cancels every open order in the universe, then market-sells
// every broker-side position. Errors are collected, not short-circuited:
// liquidating four of five positions beats liquidating none.
func (m *OrderManager) FlattenAll(ctx context.Context, reason string) error {
	m.logger.Warn("flattening all positions", "reason", reason)

	var errs []error
	if err := m.CancelAllOpen(ctx); err != nil {
		errs = append(errs, err)
	}

	positions, err := m.broker.GetPositions(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("list positions: %w", err))
		return errors.Join(errs...)
	}

	flattened := 0
	for _, pos := range positions {
		if !pos.Quantity.IsPositive() {
			continue
		}
		if err := m.flattenOne(ctx, pos); err != nil {
			errs = append(errs, err)
			continue
		}
		flattened++
	}

	m.notifier.NotifyCritical(ctx, "Flatten all",
		fmt.Sprintf("reason=%s positions=%d errors=%d", reason, flattened, len(errs)),
		map[string]string{"reason": reason})
	return errors.Join(errs...)
}

func (m *OrderManager) flattenOne(ctx context.Context, pos core.BrokerPosition) error {
	intent := &core.OrderIntent{
		ClientOrderID: FlattenClientOrderID(pos.Symbol),
		Symbol:        pos.Symbol,
		Side:          core.SideSell,
		Quantity:      pos.Quantity,
		Status:        core.OrderStatusPendingNew,
		IsExit:        true,
		CreatedAt:     m.now().UTC(),
		UpdatedAt:     m.now().UTC(),
	}
	if err := m.store.SaveOrderIntent(ctx, intent); err != nil {
		return fmt.Errorf("persist flatten intent for %s: %w", pos.Symbol, err)
	}
	if err := m.submit(ctx, intent); err != nil {
		return err
	}
	m.tracker.SetPendingExit(pos.Symbol, true)
	m.metrics.AddFlattenOrders(ctx, 1)
	return nil
}

// CancelAllOpen cancels every open broker order for configured symbols.
func (m *OrderManager) CancelAllOpen(ctx context.Context) error {
	orders, err := m.broker.GetOpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("list open orders: %w", err)
	}

	var errs []error
	for _, order := range orders {
		if !m.universe[order.Symbol] {
			continue
		}
		if err := m.broker.CancelOrder(ctx, order.BrokerOrderID); err != nil {
			m.logger.Error("cancel failed",
				"broker_order_id", order.BrokerOrderID, "symbol", order.Symbol, "error", err)
			errs = append(errs, fmt.Errorf("cancel %s: %w", order.BrokerOrderID, err))
			continue
		}
		m.logger.Info("order canceled",
			"broker_order_id", order.BrokerOrderID, "symbol", order.Symbol)
	}
	return errors.Join(errs...)
}
