package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/metric"
)

// MetricsHolder holds the bot's OTel instruments plus local mirrors of
// their values so the file exporter can snapshot them without scraping.
type MetricsHolder struct {
	// Counters
	BarsIngestedTotal       metric.Int64Counter
	SignalsTotal            metric.Int64Counter
	OrdersPlacedTotal       metric.Int64Counter
	OrdersFilledTotal       metric.Int64Counter
	OrderFailuresTotal      metric.Int64Counter
	ExitSignalsTotal        metric.Int64Counter
	EventsDroppedTotal      metric.Int64Counter
	GateRejectionsTotal     metric.Int64Counter
	ReconcileFailuresTotal  metric.Int64Counter
	FlattenOrdersTotal      metric.Int64Counter

	// Observable gauges
	CircuitBreakerCount metric.Int64ObservableGauge
	DrawdownLevel       metric.Int64ObservableGauge
	Equity              metric.Float64ObservableGauge
	OpenPositions       metric.Int64ObservableGauge
	TradingHalted       metric.Int64ObservableGauge

	mu            sync.RWMutex
	counters      map[string]int64
	breakerCount  int64
	drawdownLevel int64
	equity        float64
	openPositions int64
	tradingHalted int64
}

var (
	globalMetrics *MetricsHolder
	metricsOnce   sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	metricsOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			counters: make(map[string]int64),
		}
	})
	return globalMetrics
}

// InitMetrics creates all instruments on the given meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.BarsIngestedTotal, err = meter.Int64Counter("trading_bot_bars_ingested_total",
		metric.WithDescription("Number of bars ingested from the market data provider"))
	if err != nil {
		return err
	}

	m.SignalsTotal, err = meter.Int64Counter("trading_bot_signals_total",
		metric.WithDescription("Number of entry signals emitted by strategies"))
	if err != nil {
		return err
	}

	m.OrdersPlacedTotal, err = meter.Int64Counter("trading_bot_orders_placed_total",
		metric.WithDescription("Number of orders submitted to the broker"))
	if err != nil {
		return err
	}

	m.OrdersFilledTotal, err = meter.Int64Counter("trading_bot_orders_filled_total",
		metric.WithDescription("Number of orders observed as filled"))
	if err != nil {
		return err
	}

	m.OrderFailuresTotal, err = meter.Int64Counter("trading_bot_order_failures_total",
		metric.WithDescription("Number of order submissions that failed"))
	if err != nil {
		return err
	}

	m.ExitSignalsTotal, err = meter.Int64Counter("trading_bot_exit_signals_total",
		metric.WithDescription("Number of exit signals emitted by the exit manager"))
	if err != nil {
		return err
	}

	m.EventsDroppedTotal, err = meter.Int64Counter("trading_bot_events_dropped_total",
		metric.WithDescription("Number of events dropped by the bus because the main queue was full"))
	if err != nil {
		return err
	}

	m.GateRejectionsTotal, err = meter.Int64Counter("trading_bot_gate_rejections_total",
		metric.WithDescription("Number of signals skipped by the same-bar duplicate gate"))
	if err != nil {
		return err
	}

	m.ReconcileFailuresTotal, err = meter.Int64Counter("trading_bot_reconcile_failures_total",
		metric.WithDescription("Number of runtime reconciliation passes that failed"))
	if err != nil {
		return err
	}

	m.FlattenOrdersTotal, err = meter.Int64Counter("trading_bot_flatten_orders_total",
		metric.WithDescription("Number of emergency flatten orders submitted"))
	if err != nil {
		return err
	}

	m.CircuitBreakerCount, err = meter.Int64ObservableGauge("trading_bot_circuit_breaker_count",
		metric.WithDescription("Consecutive risk-violation count feeding the circuit breaker"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			o.Observe(m.breakerCount)
			return nil
		}))
	if err != nil {
		return err
	}

	m.DrawdownLevel, err = meter.Int64ObservableGauge("trading_bot_drawdown_level",
		metric.WithDescription("Current drawdown restriction level (0=normal 1=warning 2=halt 3=emergency)"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			o.Observe(m.drawdownLevel)
			return nil
		}))
	if err != nil {
		return err
	}

	m.Equity, err = meter.Float64ObservableGauge("trading_bot_equity",
		metric.WithDescription("Last observed account equity"),
		metric.WithFloat64Callback(func(_ context.Context, o metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			o.Observe(m.equity)
			return nil
		}))
	if err != nil {
		return err
	}

	m.OpenPositions, err = meter.Int64ObservableGauge("trading_bot_open_positions",
		metric.WithDescription("Number of open positions tracked locally"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			o.Observe(m.openPositions)
			return nil
		}))
	if err != nil {
		return err
	}

	m.TradingHalted, err = meter.Int64ObservableGauge("trading_bot_trading_halted",
		metric.WithDescription("1 when entries are halted by breaker or drawdown, 0 otherwise"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			o.Observe(m.tradingHalted)
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

func (m *MetricsHolder) add(ctx context.Context, name string, c metric.Int64Counter, n int64) {
	m.mu.Lock()
	m.counters[name] += n
	m.mu.Unlock()
	if c != nil {
		c.Add(ctx, n)
	}
}

// AddBarsIngested counts bars handed to the bus
func (m *MetricsHolder) AddBarsIngested(ctx context.Context, n int64) {
	m.add(ctx, "bars_ingested_total", m.BarsIngestedTotal, n)
}

// AddSignals counts entry signals emitted by strategies
func (m *MetricsHolder) AddSignals(ctx context.Context, n int64) {
	m.add(ctx, "signals_total", m.SignalsTotal, n)
}

// AddOrdersPlaced counts orders accepted by the broker
func (m *MetricsHolder) AddOrdersPlaced(ctx context.Context, n int64) {
	m.add(ctx, "orders_placed_total", m.OrdersPlacedTotal, n)
}

// AddOrdersFilled counts fills observed by the order poller
func (m *MetricsHolder) AddOrdersFilled(ctx context.Context, n int64) {
	m.add(ctx, "orders_filled_total", m.OrdersFilledTotal, n)
}

// AddOrderFailures counts failed order submissions
func (m *MetricsHolder) AddOrderFailures(ctx context.Context, n int64) {
	m.add(ctx, "order_failures_total", m.OrderFailuresTotal, n)
}

// AddExitSignals counts exit signals emitted by the exit manager
func (m *MetricsHolder) AddExitSignals(ctx context.Context, n int64) {
	m.add(ctx, "exit_signals_total", m.ExitSignalsTotal, n)
}

// AddEventsDropped counts events dropped by the bus
func (m *MetricsHolder) AddEventsDropped(ctx context.Context, n int64) {
	m.add(ctx, "events_dropped_total", m.EventsDroppedTotal, n)
}

// AddGateRejections counts signals rejected by the same-bar gate
func (m *MetricsHolder) AddGateRejections(ctx context.Context, n int64) {
	m.add(ctx, "gate_rejections_total", m.GateRejectionsTotal, n)
}

// AddReconcileFailures counts failed runtime reconciliation passes
func (m *MetricsHolder) AddReconcileFailures(ctx context.Context, n int64) {
	m.add(ctx, "reconcile_failures_total", m.ReconcileFailuresTotal, n)
}

// AddFlattenOrders counts emergency flatten orders
func (m *MetricsHolder) AddFlattenOrders(ctx context.Context, n int64) {
	m.add(ctx, "flatten_orders_total", m.FlattenOrdersTotal, n)
}

// SetCircuitBreakerCount records the consecutive risk-violation count
func (m *MetricsHolder) SetCircuitBreakerCount(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.breakerCount = int64(n)
}

// SetDrawdownLevel records the current drawdown restriction level
func (m *MetricsHolder) SetDrawdownLevel(level int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drawdownLevel = int64(level)
}

// SetEquity records the last observed account equity
func (m *MetricsHolder) SetEquity(equity float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.equity = equity
}

// SetOpenPositions records the tracked open position count
func (m *MetricsHolder) SetOpenPositions(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openPositions = int64(n)
}

// SetTradingHalted records whether entries are currently halted
func (m *MetricsHolder) SetTradingHalted(halted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if halted {
		m.tradingHalted = 1
	} else {
		m.tradingHalted = 0
	}
}

// Snapshot returns a copy of all counters and gauges for the file exporter
func (m *MetricsHolder) Snapshot() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := make(map[string]interface{}, len(m.counters)+5)
	for k, v := range m.counters {
		snap[k] = v
	}
	snap["circuit_breaker_count"] = m.breakerCount
	snap["drawdown_level"] = m.drawdownLevel
	snap["equity"] = m.equity
	snap["open_positions"] = m.openPositions
	snap["trading_halted"] = m.tradingHalted
	return snap
}
