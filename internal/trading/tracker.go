package trading

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"trading_bot/internal/config"
	"trading_bot/internal/core"
	"trading_bot/pkg/telemetry"

	"github.com/shopspring/decimal"
)

// PositionTracker is the in-memory projection of open lots, one per
// symbol, mirrored to the store on every change so a restart rebuilds the
// same view. It is the single writer for intent rows once an order is in
// flight: order updates flow through OnOrderUpdate, which syncs the
// intent, dedupes the fill and applies the position delta in one pass.
type PositionTracker struct {
	store        core.IStore
	logger       core.ILogger
	metrics      *telemetry.MetricsHolder
	trailingMult decimal.Decimal

	mu        sync.RWMutex
	positions map[string]*core.Position
}

var _ core.IPositionTracker = (*PositionTracker)(nil)

func NewPositionTracker(cfg config.ExitConfig, store core.IStore, logger core.ILogger) *PositionTracker {
	return &PositionTracker{
		store:        store,
		logger:       logger.WithField("component", "position_tracker"),
		metrics:      telemetry.GetGlobalMetrics(),
		trailingMult: decimal.NewFromFloat(cfg.TrailingMultiplier),
		positions:    make(map[string]*core.Position),
	}
}

// Rehydrate rebuilds the in-memory map from persisted open positions.
func (t *PositionTracker) Rehydrate(ctx context.Context) error {
	open, err := t.store.ListOpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("rehydrate positions: %w", err)
	}

	t.mu.Lock()
	t.positions = make(map[string]*core.Position, len(open))
	for i := range open {
		pos := open[i]
		t.positions[pos.Symbol] = &pos
	}
	count := len(t.positions)
	t.mu.Unlock()

	t.metrics.SetOpenPositions(count)
	t.logger.Info("positions rehydrated", "count", count)
	return nil
}

// OnOrderUpdate applies a broker-side order change: syncs the intent row,
// records the fill idempotently, and moves the position. Replayed updates
// are absorbed by the fill dedupe key.
func (t *PositionTracker) OnOrderUpdate(ctx context.Context, order *core.Order) error {
	intent, err := t.store.GetOrderIntent(ctx, order.ClientOrderID)
	if err != nil {
		return fmt.Errorf("load intent %s: %w", order.ClientOrderID, err)
	}
	if intent == nil {
		t.logger.Debug("update for unknown order ignored",
			"client_order_id", order.ClientOrderID, "symbol", order.Symbol)
		return nil
	}

	fillDelta := order.FilledQuantity.Sub(intent.FilledQuantity)

	if err := t.syncIntent(ctx, intent, order); err != nil {
		return err
	}

	if fillDelta.IsPositive() {
		inserted, err := t.recordFill(ctx, intent, order)
		if err != nil {
			return err
		}
		if inserted {
			if err := t.applyFill(ctx, intent, order, fillDelta); err != nil {
				return err
			}
		}
	}

	if order.Status.IsTerminal() && order.Status != core.OrderStatusFilled && intent.IsExit {
		// The working exit died without closing the lot; let the scan
		// loop try again.
		if t.SetPendingExit(order.Symbol, false) {
			t.logger.Warn("exit order failed terminally, pending flag cleared",
				"symbol", order.Symbol, "status", string(order.Status),
				"client_order_id", order.ClientOrderID)
		}
	}

	if order.Status == core.OrderStatusFilled {
		t.metrics.AddOrdersFilled(ctx, 1)
	}
	return nil
}

// syncIntent folds the broker truth into the intent row. A terminal
// intent never moves backwards; only reconciliation may rewrite it.
func (t *PositionTracker) syncIntent(ctx context.Context, intent *core.OrderIntent, order *core.Order) error {
	if intent.Status.IsTerminal() && !order.Status.IsTerminal() {
		t.logger.Warn("broker reports non-terminal state for settled intent, keeping ours",
			"client_order_id", intent.ClientOrderID,
			"intent_status", string(intent.Status), "broker_status", string(order.Status))
		return nil
	}

	changed := intent.Status != order.Status ||
		!intent.FilledQuantity.Equal(order.FilledQuantity) ||
		(intent.BrokerOrderID == "" && order.BrokerOrderID != "")
	if !changed {
		return nil
	}

	intent.Status = order.Status
	intent.FilledQuantity = order.FilledQuantity
	intent.AverageFillPrice = order.AverageFillPrice
	if intent.BrokerOrderID == "" {
		intent.BrokerOrderID = order.BrokerOrderID
	}
	intent.UpdatedAt = time.Now().UTC()
	if err := t.store.UpdateOrderIntent(ctx, intent); err != nil {
		return fmt.Errorf("sync intent %s: %w", intent.ClientOrderID, err)
	}
	return nil
}

func (t *PositionTracker) recordFill(ctx context.Context, intent *core.OrderIntent, order *core.Order) (bool, error) {
	fill := &core.Fill{
		DedupeKey: fmt.Sprintf("%s:%s:%s",
			order.BrokerOrderID, order.FilledQuantity.String(), order.AverageFillPrice.String()),
		BrokerOrderID: order.BrokerOrderID,
		ClientOrderID: intent.ClientOrderID,
		Quantity:      order.FilledQuantity,
		Price:         order.AverageFillPrice,
		FilledAt:      order.UpdatedAt,
	}
	inserted, err := t.store.InsertFill(ctx, fill)
	if err != nil {
		return false, fmt.Errorf("record fill %s: %w", fill.DedupeKey, err)
	}
	if !inserted {
		t.logger.Debug("replayed fill dropped", "dedupe_key", fill.DedupeKey)
	}
	return inserted, nil
}

func (t *PositionTracker) applyFill(ctx context.Context, intent *core.OrderIntent, order *core.Order, delta decimal.Decimal) error {
	if order.Side == core.SideBuy {
		return t.applyOpeningFill(ctx, intent, order, delta)
	}
	return t.applyClosingFill(ctx, order, delta)
}

func (t *PositionTracker) applyOpeningFill(ctx context.Context, intent *core.OrderIntent, order *core.Order, delta decimal.Decimal) error {
	t.mu.Lock()
	pos, exists := t.positions[order.Symbol]
	if !exists {
		entry := order.AverageFillPrice
		pos = &core.Position{
			Symbol:            order.Symbol,
			Quantity:          delta,
			EntryPrice:        entry,
			ATRValue:          intent.EntryATR,
			TrailingStopPrice: entry.Sub(t.trailingMult.Mul(intent.EntryATR)),
			OpenedAt:          order.UpdatedAt,
			UpdatedAt:         order.UpdatedAt,
		}
		t.positions[order.Symbol] = pos
	} else {
		// Later chunks of the same partially filling entry order: the
		// broker's cumulative quantity and average are the lot's truth.
		if order.FilledQuantity.LessThan(pos.Quantity) {
			t.logger.Warn("opening fill would shrink tracked lot, keeping larger",
				"symbol", order.Symbol,
				"tracked", pos.Quantity.String(), "broker", order.FilledQuantity.String())
		} else {
			pos.Quantity = order.FilledQuantity
			pos.EntryPrice = order.AverageFillPrice
			pos.UpdatedAt = order.UpdatedAt
		}
	}
	snapshot := *pos
	count := len(t.positions)
	t.mu.Unlock()

	if err := t.store.SavePosition(ctx, &snapshot); err != nil {
		return fmt.Errorf("persist position %s: %w", order.Symbol, err)
	}
	t.metrics.SetOpenPositions(count)
	t.logger.Info("position opened",
		"symbol", snapshot.Symbol, "quantity", snapshot.Quantity.String(),
		"entry", snapshot.EntryPrice.String(), "atr", snapshot.ATRValue.String())
	return nil
}

func (t *PositionTracker) applyClosingFill(ctx context.Context, order *core.Order, delta decimal.Decimal) error {
	t.mu.Lock()
	pos, exists := t.positions[order.Symbol]
	if !exists {
		t.mu.Unlock()
		t.logger.Warn("closing fill for untracked symbol",
			"symbol", order.Symbol, "quantity", delta.String())
		return nil
	}

	realized := order.AverageFillPrice.Sub(pos.EntryPrice).Mul(delta)
	pos.Quantity = pos.Quantity.Sub(delta)
	pos.UpdatedAt = order.UpdatedAt
	closed := !pos.Quantity.IsPositive()
	var snapshot core.Position
	if closed {
		delete(t.positions, order.Symbol)
	} else {
		snapshot = *pos
	}
	count := len(t.positions)
	entry := pos.EntryPrice
	t.mu.Unlock()

	if _, err := t.store.AddStateDecimal(ctx, core.StateDailyRealizedPnL, realized); err != nil {
		return fmt.Errorf("accrue realized pnl: %w", err)
	}

	if closed {
		if err := t.store.DeletePosition(ctx, order.Symbol); err != nil {
			return fmt.Errorf("clear position %s: %w", order.Symbol, err)
		}
		if _, err := t.store.IncrementState(ctx, core.StateDailyTradeCount); err != nil {
			return fmt.Errorf("count trade: %w", err)
		}
		if err := t.store.InsertTrade(ctx, &core.Trade{
			Symbol:      order.Symbol,
			Side:        core.SideSell,
			Quantity:    delta,
			Price:       order.AverageFillPrice,
			RealizedPnL: realized,
			ExecutedAt:  order.UpdatedAt,
		}); err != nil {
			return fmt.Errorf("record trade %s: %w", order.Symbol, err)
		}
		t.logger.Info("position closed",
			"symbol", order.Symbol, "entry", entry.String(),
			"exit", order.AverageFillPrice.String(), "realized_pnl", realized.String())
	} else {
		if err := t.store.SavePosition(ctx, &snapshot); err != nil {
			return fmt.Errorf("persist position %s: %w", order.Symbol, err)
		}
		t.logger.Info("position reduced",
			"symbol", order.Symbol, "remaining", snapshot.Quantity.String(),
			"realized_pnl", realized.String())
	}

	t.metrics.SetOpenPositions(count)
	return nil
}

// OnBar ratchets the trailing stop upwards; it never moves down.
func (t *PositionTracker) OnBar(bar *core.Bar) {
	t.mu.Lock()
	pos, ok := t.positions[bar.Symbol]
	if !ok || !pos.ATRValue.IsPositive() {
		t.mu.Unlock()
		return
	}
	candidate := bar.Close.Sub(t.trailingMult.Mul(pos.ATRValue))
	if !candidate.GreaterThan(pos.TrailingStopPrice) {
		t.mu.Unlock()
		return
	}
	pos.TrailingStopPrice = candidate
	pos.UpdatedAt = bar.Timestamp
	snapshot := *pos
	t.mu.Unlock()

	if err := t.store.SavePosition(context.Background(), &snapshot); err != nil {
		t.logger.Error("failed to persist trailing stop",
			"symbol", bar.Symbol, "error", err)
	}
}

func (t *PositionTracker) Get(symbol string) (core.Position, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	pos, ok := t.positions[symbol]
	if !ok {
		return core.Position{}, false
	}
	return *pos, true
}

// All returns copies sorted by symbol for deterministic iteration.
func (t *PositionTracker) All() []core.Position {
	t.mu.RLock()
	out := make([]core.Position, 0, len(t.positions))
	for _, pos := range t.positions {
		out = append(out, *pos)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func (t *PositionTracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.positions)
}

// SetPendingExit flips the double-submission guard. Returns false when no
// position is tracked for the symbol.
func (t *PositionTracker) SetPendingExit(symbol string, pending bool) bool {
	t.mu.Lock()
	pos, ok := t.positions[symbol]
	if !ok {
		t.mu.Unlock()
		return false
	}
	if pos.PendingExit == pending {
		t.mu.Unlock()
		return true
	}
	pos.PendingExit = pending
	snapshot := *pos
	t.mu.Unlock()

	if err := t.store.SavePosition(context.Background(), &snapshot); err != nil {
		t.logger.Error("failed to persist pending-exit flag",
			"symbol", symbol, "error", err)
	}
	return true
}
