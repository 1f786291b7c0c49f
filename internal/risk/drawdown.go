package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"trading_bot/internal/config"
	"trading_bot/internal/core"
	"trading_bot/pkg/telemetry"

	"github.com/shopspring/decimal"
)

const drawdownFailureLimit = 3

// DrawdownMonitor tracks peak-to-trough drawdown against a rolling peak
// and escalates through Normal → Warning → Halt → Emergency. Escalation
// moves one step per tick; recovery may cross several levels at once when
// auto-recovery is on. The authoritative level lives in the store; the
// in-memory copy only serves the hot Level() path and is rewritten on
// every transition.
type DrawdownMonitor struct {
	cfg      config.DrawdownConfig
	store    core.IStore
	broker   core.IBroker
	notifier core.INotifier
	logger   core.ILogger
	metrics  *telemetry.MetricsHolder
	now      func() time.Time

	mu           sync.RWMutex
	level        core.DrawdownLevel
	failures     int
	orderManager core.IOrderManager
}

var _ core.IDrawdownMonitor = (*DrawdownMonitor)(nil)

func NewDrawdownMonitor(
	cfg config.DrawdownConfig,
	store core.IStore,
	broker core.IBroker,
	notifier core.INotifier,
	logger core.ILogger,
) *DrawdownMonitor {
	return &DrawdownMonitor{
		cfg:      cfg,
		store:    store,
		broker:   broker,
		notifier: notifier,
		logger:   logger.WithField("component", "drawdown_monitor"),
		metrics:  telemetry.GetGlobalMetrics(),
		now:      time.Now,
	}
}

// SetOrderManager breaks the construction cycle: the order manager sizes
// positions off the monitor's level, the monitor flattens through the
// order manager on Emergency.
func (d *DrawdownMonitor) SetOrderManager(om core.IOrderManager) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.orderManager = om
}

// Restore loads the persisted level, honouring a pending manual-recovery
// request when auto-recovery is off. Must run before the first Tick.
func (d *DrawdownMonitor) Restore(ctx context.Context) error {
	raw, ok, err := d.store.GetState(ctx, core.StateDrawdownLevel)
	if err != nil {
		return fmt.Errorf("restore drawdown level: %w", err)
	}
	level := core.DrawdownNormal
	if ok {
		level = core.ParseDrawdownLevel(raw)
	}

	if !d.cfg.EnableAutoRecovery {
		manual, err := d.store.GetStateBool(ctx, core.StateDrawdownManualRecovery)
		if err != nil {
			return fmt.Errorf("restore manual recovery flag: %w", err)
		}
		if manual {
			d.logger.Info("manual recovery requested, resetting drawdown level",
				"previous_level", level.String())
			level = core.DrawdownNormal
			if err := d.store.SetState(ctx, core.StateDrawdownLevel, level.String()); err != nil {
				return err
			}
			if err := d.store.SetStateBool(ctx, core.StateDrawdownManualRecovery, false); err != nil {
				return err
			}
		}
	}

	d.mu.Lock()
	d.level = level
	d.mu.Unlock()
	d.metrics.SetDrawdownLevel(int(level))
	d.logger.Info("drawdown level restored", "level", level.String())
	return nil
}

func (d *DrawdownMonitor) Level() core.DrawdownLevel {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.level
}

func (d *DrawdownMonitor) Run(ctx context.Context) error {
	if !d.cfg.Enabled {
		d.logger.Info("drawdown monitor disabled")
		<-ctx.Done()
		return nil
	}

	interval := time.Duration(d.cfg.CheckIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	d.logger.Info("drawdown monitor started", "interval", interval.String())
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("drawdown monitor stopped")
			return nil
		case <-ticker.C:
			if err := d.Tick(ctx); err != nil {
				d.logger.Warn("drawdown tick failed", "error", err)
			}
		}
	}
}

// Tick fetches equity, refreshes the rolling peak and adjusts the level.
func (d *DrawdownMonitor) Tick(ctx context.Context) error {
	account, err := d.broker.GetAccount(ctx)
	if err != nil {
		d.onUpdateFailure(ctx, err)
		return fmt.Errorf("drawdown tick: %w", err)
	}
	d.mu.Lock()
	d.failures = 0
	d.mu.Unlock()

	equity := account.PortfolioValue
	peak, err := d.refreshPeak(ctx, equity)
	if err != nil {
		return err
	}
	if !peak.IsPositive() {
		return nil
	}

	pct, _ := peak.Sub(equity).Div(peak).Mul(decimal.NewFromInt(100)).Float64()
	if pct < 0 {
		pct = 0
	}

	current := d.Level()
	target := d.escalationLevel(pct)
	switch {
	case target > current:
		// Severity moves one step at a time; a deep gap takes several
		// ticks, each re-verified against live equity.
		if err := d.transition(ctx, current+1, pct, equity); err != nil {
			return err
		}
	case target < current && d.cfg.EnableAutoRecovery:
		recovered := d.recoveryLevel(pct)
		if recovered < current {
			if err := d.transition(ctx, recovered, pct, equity); err != nil {
				return err
			}
		}
	}
	return nil
}

// refreshPeak keeps drawdown_peak_equity as the rolling maximum. When the
// lookback window lapses the peak is re-seeded from the equity curve so a
// stale multi-week high cannot pin the bot in drawdown forever.
func (d *DrawdownMonitor) refreshPeak(ctx context.Context, equity decimal.Decimal) (decimal.Decimal, error) {
	now := d.now().UTC()
	peak, err := d.store.GetStateDecimal(ctx, core.StateDrawdownPeakEquity)
	if err != nil {
		return decimal.Zero, fmt.Errorf("read peak equity: %w", err)
	}

	lastReset := time.Time{}
	if raw, ok, err := d.store.GetState(ctx, core.StateDrawdownLastPeakReset); err != nil {
		return decimal.Zero, fmt.Errorf("read peak reset: %w", err)
	} else if ok {
		if ts, perr := time.Parse(time.RFC3339, raw); perr == nil {
			lastReset = ts
		}
	}

	window := time.Duration(d.cfg.LookbackDays) * 24 * time.Hour
	if peak.IsZero() || lastReset.IsZero() || now.Sub(lastReset) >= window {
		cutoff := now.Add(-window)
		if rolling, ok, err := d.store.PeakEquitySince(ctx, cutoff); err != nil {
			return decimal.Zero, fmt.Errorf("rolling peak: %w", err)
		} else if ok {
			peak = rolling
		} else {
			peak = equity
		}
		if err := d.store.SetState(ctx, core.StateDrawdownLastPeakReset, now.Format(time.RFC3339)); err != nil {
			return decimal.Zero, err
		}
		d.logger.Info("drawdown peak window reset", "peak", peak.String())
	}

	if equity.GreaterThan(peak) {
		peak = equity
	}
	if err := d.store.SetStateDecimal(ctx, core.StateDrawdownPeakEquity, peak); err != nil {
		return decimal.Zero, fmt.Errorf("persist peak equity: %w", err)
	}
	return peak, nil
}

func (d *DrawdownMonitor) escalationLevel(pct float64) core.DrawdownLevel {
	switch {
	case pct >= d.cfg.EmergencyThresholdPct:
		return core.DrawdownEmergency
	case pct >= d.cfg.HaltThresholdPct:
		return core.DrawdownHalt
	case pct >= d.cfg.WarningThresholdPct:
		return core.DrawdownWarning
	default:
		return core.DrawdownNormal
	}
}

// recoveryLevel uses the lower hysteresis thresholds so the level does
// not flap around an escalation boundary.
func (d *DrawdownMonitor) recoveryLevel(pct float64) core.DrawdownLevel {
	switch {
	case pct >= d.cfg.EmergencyRecoveryThresholdPct:
		return core.DrawdownEmergency
	case pct >= d.cfg.HaltRecoveryThresholdPct:
		return core.DrawdownHalt
	case pct >= d.cfg.WarningRecoveryThresholdPct:
		return core.DrawdownWarning
	default:
		return core.DrawdownNormal
	}
}

func (d *DrawdownMonitor) transition(ctx context.Context, to core.DrawdownLevel, pct float64, equity decimal.Decimal) error {
	from := d.Level()
	if to == from {
		return nil
	}

	if err := d.store.SetState(ctx, core.StateDrawdownLevel, to.String()); err != nil {
		return fmt.Errorf("persist drawdown level: %w", err)
	}
	d.mu.Lock()
	d.level = to
	d.mu.Unlock()
	d.metrics.SetDrawdownLevel(int(to))

	fields := map[string]string{
		"from":         from.String(),
		"to":           to.String(),
		"drawdown_pct": fmt.Sprintf("%.2f", pct),
		"equity":       equity.String(),
	}
	message := fmt.Sprintf("drawdown %.2f%%, level %s -> %s", pct, from, to)
	d.logger.Warn("drawdown level transition",
		"from", from.String(), "to", to.String(), "drawdown_pct", pct, "equity", equity.String())

	switch {
	case to >= core.DrawdownHalt && to > from:
		d.notifier.NotifyCritical(ctx, "Drawdown "+to.String(), message, fields)
	default:
		d.notifier.Notify(ctx, "Drawdown "+to.String(), message, fields)
	}

	if to == core.DrawdownEmergency {
		d.mu.RLock()
		om := d.orderManager
		d.mu.RUnlock()
		if om == nil {
			d.logger.Error("emergency drawdown with no order manager wired")
			return nil
		}
		if err := om.FlattenAll(ctx, "drawdown_emergency"); err != nil {
			d.logger.Error("emergency flatten failed", "error", err)
			return err
		}
	}
	return nil
}

// onUpdateFailure escalates Normal or Warning to Halt after three
// consecutive failed equity reads. Never touches Halt or Emergency.
func (d *DrawdownMonitor) onUpdateFailure(ctx context.Context, cause error) {
	d.mu.Lock()
	d.failures++
	failures := d.failures
	d.mu.Unlock()

	if failures < drawdownFailureLimit {
		return
	}
	current := d.Level()
	if current >= core.DrawdownHalt {
		return
	}

	d.logger.Error("drawdown updates failing, failing safe to halt",
		"consecutive_failures", failures, "error", cause)
	if err := d.transition(ctx, core.DrawdownHalt, 0, decimal.Zero); err != nil {
		d.logger.Error("fail-safe halt transition failed", "error", err)
	}
	d.mu.Lock()
	d.failures = 0
	d.mu.Unlock()
}
