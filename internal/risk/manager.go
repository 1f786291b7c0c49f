// Package risk vets every signal through a three-tier gate and watches
// account drawdown. SAFETY failures abort, RISK failures abort and trip
// the persisted circuit breaker, FILTERS failures skip quietly.
package risk

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"trading_bot/internal/config"
	"trading_bot/internal/core"
	apperrors "trading_bot/pkg/errors"
	"trading_bot/pkg/telemetry"

	"github.com/shopspring/decimal"
)

// KillSwitchEnv and KillSwitchFile are the out-of-band kill switches; the
// config flag is the third. Any of the three stops new submissions.
const (
	KillSwitchEnv  = "TRADING_BOT_KILL_SWITCH"
	KillSwitchFile = "KILL_SWITCH"
)

const minEntryConfidence = 0.5

// Manager implements core.IRiskManager. Entries run all three tiers;
// exits run only the safety rules that still make sense for risk-reducing
// orders (kill switch and market hours): a tripped breaker or a drawdown
// halt must never strand an open position.
type Manager struct {
	cfg      *config.Config
	store    core.IStore
	broker   core.IBroker
	tracker  core.IPositionTracker
	drawdown core.IDrawdownMonitor
	notifier core.INotifier
	logger   core.ILogger
	metrics  *telemetry.MetricsHolder
	loc      *time.Location
	equities map[string]bool
	now      func() time.Time
}

var _ core.IRiskManager = (*Manager)(nil)

func NewManager(
	cfg *config.Config,
	store core.IStore,
	broker core.IBroker,
	tracker core.IPositionTracker,
	drawdown core.IDrawdownMonitor,
	notifier core.INotifier,
	logger core.ILogger,
) *Manager {
	equities := make(map[string]bool, len(cfg.Symbols.Equities))
	for _, s := range cfg.Symbols.Equities {
		equities[s] = true
	}
	return &Manager{
		cfg:      cfg,
		store:    store,
		broker:   broker,
		tracker:  tracker,
		drawdown: drawdown,
		notifier: notifier,
		logger:   logger.WithField("component", "risk_manager"),
		metrics:  telemetry.GetGlobalMetrics(),
		loc:      cfg.MarketLocation(),
		equities: equities,
		now:      time.Now,
	}
}

// CheckSignal runs the full gate. SAFETY and RISK failures return an
// error; FILTERS failures return (false, nil).
func (m *Manager) CheckSignal(ctx context.Context, sig *core.Signal) (bool, error) {
	clock, err := m.checkSafety(ctx, sig, false)
	if err != nil {
		m.logger.Warn("signal aborted in safety tier",
			"symbol", sig.Symbol, "side", string(sig.Side), "reason", err.Error())
		return false, err
	}

	if err := m.checkRisk(ctx, sig); err != nil {
		count, incErr := m.store.IncrementState(ctx, core.StateCircuitBreakerCount)
		if incErr != nil {
			m.logger.Error("circuit breaker increment failed", "error", incErr)
		} else {
			m.metrics.SetCircuitBreakerCount(count)
			if count == core.CircuitBreakerLimit {
				m.notifier.NotifyCritical(ctx, "Circuit breaker tripped",
					fmt.Sprintf("%d consecutive risk failures, trading stopped until manual reset", count),
					map[string]string{"symbol": sig.Symbol, "last_violation": err.Error()})
			}
		}
		m.logger.Warn("signal rejected in risk tier",
			"symbol", sig.Symbol, "side", string(sig.Side),
			"breaker_count", count, "reason", err.Error())
		return false, err
	}

	return m.checkFilters(ctx, sig, clock)
}

// CheckExit applies the exit-safe subset of the SAFETY tier.
func (m *Manager) CheckExit(ctx context.Context, sig *core.Signal) error {
	_, err := m.checkSafety(ctx, sig, true)
	return err
}

// checkSafety returns the freshly fetched clock so FILTERS can reuse it;
// the clock call must happen on every check, never from a cache.
func (m *Manager) checkSafety(ctx context.Context, sig *core.Signal, exit bool) (*core.Clock, error) {
	if m.killSwitchActive() {
		return nil, fmt.Errorf("safety: %w", apperrors.ErrKillSwitchActive)
	}

	if !exit {
		count, err := m.store.GetStateInt(ctx, core.StateCircuitBreakerCount)
		if err != nil {
			return nil, fmt.Errorf("safety: read circuit breaker: %w", err)
		}
		if count >= core.CircuitBreakerLimit {
			return nil, fmt.Errorf("safety: circuit breaker tripped after %d consecutive failures: %w",
				count, apperrors.ErrCircuitBreakerTripped)
		}
	}

	clock, err := m.broker.GetClock(ctx)
	if err != nil {
		return nil, fmt.Errorf("safety: fetch clock: %w", err)
	}
	if m.equities[sig.Symbol] && !clock.IsOpen {
		extended := m.cfg.Session.Policy == PolicyIncludeExtended && withinExtendedHours(m.now(), m.loc)
		if !extended {
			return nil, fmt.Errorf("safety: %w", apperrors.ErrMarketClosed)
		}
	}

	if !exit {
		halted, err := m.store.GetStateBool(ctx, core.StateTradingHalted)
		if err != nil {
			return nil, fmt.Errorf("safety: read halt flag: %w", err)
		}
		if halted {
			return nil, fmt.Errorf("safety: %w", apperrors.ErrTradingHalted)
		}

		if level := m.drawdown.Level(); level >= core.DrawdownHalt {
			return nil, fmt.Errorf("safety: drawdown level %s: %w",
				level, apperrors.ErrDrawdownRestricted)
		}
	}

	return clock, nil
}

func (m *Manager) checkRisk(ctx context.Context, sig *core.Signal) error {
	pnl, err := m.store.GetStateDecimal(ctx, core.StateDailyRealizedPnL)
	if err != nil {
		return fmt.Errorf("risk: read daily pnl: %w", err)
	}
	maxLoss := decimal.NewFromFloat(m.cfg.Risk.MaxDailyLoss)
	if maxLoss.IsPositive() && pnl.LessThanOrEqual(maxLoss.Neg()) {
		return &apperrors.RiskViolation{
			Rule:   "max_daily_loss",
			Detail: fmt.Sprintf("daily realized pnl %s breaches -%s", pnl, maxLoss),
		}
	}

	trades, err := m.store.GetStateInt(ctx, core.StateDailyTradeCount)
	if err != nil {
		return fmt.Errorf("risk: read daily trade count: %w", err)
	}
	if trades >= m.cfg.Risk.MaxTradesPerDay {
		return &apperrors.RiskViolation{
			Rule:   "max_trades_per_day",
			Detail: fmt.Sprintf("%d trades today, limit %d", trades, m.cfg.Risk.MaxTradesPerDay),
		}
	}

	account, err := m.broker.GetAccount(ctx)
	if err != nil {
		return fmt.Errorf("risk: fetch account: %w", err)
	}
	notionalCap := account.PortfolioValue.Mul(decimal.NewFromFloat(m.cfg.Risk.MaxPositionPct))
	if sig.Price.GreaterThan(notionalCap) {
		// Sizing clamps to one share minimum, so one share over the cap
		// means no compliant order exists.
		return &apperrors.RiskViolation{
			Rule:   "max_position_pct",
			Detail: fmt.Sprintf("price %s exceeds per-trade notional cap %s", sig.Price, notionalCap),
		}
	}

	if m.equities[sig.Symbol] && m.tracker.Count() >= m.cfg.Risk.MaxConcurrentPositions {
		return &apperrors.RiskViolation{
			Rule:   "max_concurrent_positions",
			Detail: fmt.Sprintf("%d open positions, limit %d", m.tracker.Count(), m.cfg.Risk.MaxConcurrentPositions),
		}
	}

	return nil
}

func (m *Manager) checkFilters(ctx context.Context, sig *core.Signal, clock *core.Clock) (bool, error) {
	gateKey := fmt.Sprintf("%s:%s:%s:%s", sig.Strategy, sig.Symbol, sig.ParamTag, sig.Side)
	cooldown := time.Duration(m.cfg.Gate.CooldownSeconds) * time.Second
	accepted, err := m.store.GateTryAccept(ctx, gateKey, sig.Timestamp, m.now().UTC(), cooldown)
	if err != nil {
		return false, fmt.Errorf("filters: gate: %w", err)
	}
	if !accepted {
		m.metrics.AddGateRejections(ctx, 1)
		m.logger.Debug("signal gated", "gate_key", gateKey, "bar_ts", sig.Timestamp)
		return false, nil
	}

	if sig.Confidence < minEntryConfidence {
		m.logger.Debug("signal below confidence floor",
			"symbol", sig.Symbol, "confidence", sig.Confidence)
		return false, nil
	}

	if m.equities[sig.Symbol] {
		sinceOpen := minutesSinceOpen(m.now(), m.loc)
		if sinceOpen < m.cfg.Filters.MinMinutesAfterOpen {
			m.logger.Debug("too close to the open",
				"symbol", sig.Symbol, "minutes_since_open", sinceOpen)
			return false, nil
		}
		untilClose := minutesUntilClose(m.now(), clock)
		if untilClose < m.cfg.Filters.MinMinutesBeforeClose {
			m.logger.Debug("too close to the close",
				"symbol", sig.Symbol, "minutes_until_close", untilClose)
			return false, nil
		}
	}

	return true, nil
}

func (m *Manager) killSwitchActive() bool {
	if m.cfg.KillSwitch {
		return true
	}
	if os.Getenv(KillSwitchEnv) != "" {
		return true
	}
	if _, err := os.Stat(filepath.Join(m.cfg.System.DataDir, KillSwitchFile)); err == nil {
		return true
	}
	return false
}
