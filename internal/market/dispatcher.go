package market

import (
	"context"
	"time"

	"trading_bot/internal/config"
	"trading_bot/internal/core"
	"trading_bot/pkg/telemetry"
)

// windowCap bounds each symbol's in-memory bar history.
const windowCap = 500

// ExitFeedback receives the outcome of exit submissions so the scan loop
// can manage its per-symbol back-off.
type ExitFeedback interface {
	OnSubmitFailure(ctx context.Context, symbol string)
	OnSubmitSuccess(ctx context.Context, symbol string)
}

// Dispatcher is the single bus consumer. It keeps the per-symbol bar
// windows current, feeds the strategy, and routes signals and order
// updates to the trading components. All handling happens on the
// dispatch goroutine, so the windows need no lock.
type Dispatcher struct {
	symbols   []string
	timeframe string

	store    core.IStore
	bus      core.IEventBus
	strategy core.IStrategy
	orders   core.IOrderManager
	tracker  core.IPositionTracker
	exits    ExitFeedback
	logger   core.ILogger
	metrics  *telemetry.MetricsHolder

	windows map[string][]core.Bar
}

func NewDispatcher(
	cfg *config.Config,
	store core.IStore,
	bus core.IEventBus,
	strategy core.IStrategy,
	orders core.IOrderManager,
	tracker core.IPositionTracker,
	exits ExitFeedback,
	logger core.ILogger,
) *Dispatcher {
	return &Dispatcher{
		symbols:   cfg.AllSymbols(),
		timeframe: cfg.Timeframe,
		store:     store,
		bus:       bus,
		strategy:  strategy,
		orders:    orders,
		tracker:   tracker,
		exits:     exits,
		logger:    logger.WithField("component", "dispatcher"),
		metrics:   telemetry.GetGlobalMetrics(),
		windows:   make(map[string][]core.Bar),
	}
}

// WarmUp preloads each symbol's window from the store so strategies do
// not spend the first 50 bars of a session blind. Call before Run.
func (d *Dispatcher) WarmUp(ctx context.Context) error {
	for _, symbol := range d.symbols {
		bars, err := d.store.ListRecentBars(ctx, symbol, d.timeframe, windowCap)
		if err != nil {
			return err
		}
		if len(bars) > 0 {
			d.windows[symbol] = bars
		}
	}
	d.logger.Info("bar windows preloaded", "symbols", len(d.windows))
	return nil
}

// Run consumes the bus until ctx is canceled.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("dispatcher started", "symbols", len(d.symbols))
	return d.bus.Dispatch(ctx, d.handle)
}

func (d *Dispatcher) handle(ctx context.Context, ev core.Event) {
	switch e := ev.(type) {
	case core.BarEvent:
		d.onBar(ctx, e.Bar)
	case core.SignalEvent:
		d.onSignal(ctx, e.Signal)
	case core.ExitSignalEvent:
		d.onExitSignal(ctx, e.Signal)
	case core.OrderUpdateEvent:
		d.onOrderUpdate(ctx, e.Order)
	case core.OrderIntentEvent:
		// observability only
	default:
		d.logger.Warn("unhandled event type", "type", string(ev.Type()))
	}
}

// onBar appends to the symbol's window, advances the trailing stops and
// asks the strategy for signals. Strategy errors cost one bar, never the
// dispatcher.
func (d *Dispatcher) onBar(ctx context.Context, bar *core.Bar) {
	win := d.windows[bar.Symbol]
	if n := len(win); n > 0 && !bar.Timestamp.After(win[n-1].Timestamp) {
		d.logger.Warn("out-of-order bar dropped",
			"symbol", bar.Symbol,
			"ts", bar.Timestamp.Format(time.RFC3339),
			"window_head", win[n-1].Timestamp.Format(time.RFC3339))
		return
	}
	win = append(win, *bar)
	if len(win) > windowCap {
		win = win[len(win)-windowCap:]
	}
	d.windows[bar.Symbol] = win

	d.tracker.OnBar(bar)

	signals, err := d.strategy.OnBar(ctx, bar, win)
	if err != nil {
		d.logger.Error("strategy failed on bar",
			"symbol", bar.Symbol, "ts", bar.Timestamp.Format(time.RFC3339), "error", err)
		return
	}
	for _, sig := range signals {
		d.metrics.AddSignals(ctx, 1)
		d.bus.Publish(core.SignalEvent{Signal: sig})
	}
}

// onSignal routes strategy output long-only: buys open a position when
// flat, sells close an existing lot. Everything else is dropped here so
// the order manager only ever sees actionable signals.
func (d *Dispatcher) onSignal(ctx context.Context, sig *core.Signal) {
	_, held := d.tracker.Get(sig.Symbol)
	switch {
	case sig.Side == core.SideBuy && !held:
		if _, err := d.orders.SubmitEntry(ctx, sig); err != nil {
			d.logger.Warn("entry not placed",
				"symbol", sig.Symbol, "strategy", sig.Strategy, "error", err)
		}
	case sig.Side == core.SideSell && held:
		if _, err := d.orders.SubmitExit(ctx, sig); err != nil {
			d.logger.Warn("strategy exit not placed",
				"symbol", sig.Symbol, "strategy", sig.Strategy, "error", err)
		}
	default:
		d.logger.Debug("signal dropped",
			"symbol", sig.Symbol, "side", string(sig.Side), "held", held)
	}
}

// onExitSignal submits a scan-emitted exit and reports the outcome back
// to the exit manager's back-off ledger.
func (d *Dispatcher) onExitSignal(ctx context.Context, sig *core.Signal) {
	if _, err := d.orders.SubmitExit(ctx, sig); err != nil {
		d.logger.Error("exit submission failed",
			"symbol", sig.Symbol, "reason", sig.Reason, "error", err)
		d.exits.OnSubmitFailure(ctx, sig.Symbol)
		return
	}
	d.exits.OnSubmitSuccess(ctx, sig.Symbol)
}

func (d *Dispatcher) onOrderUpdate(ctx context.Context, order *core.Order) {
	if err := d.tracker.OnOrderUpdate(ctx, order); err != nil {
		d.logger.Error("order update not applied",
			"client_order_id", order.ClientOrderID, "symbol", order.Symbol, "error", err)
	}
}
