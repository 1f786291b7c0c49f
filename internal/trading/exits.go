package trading

import (
	"context"
	"fmt"
	"math"
	"time"

	"trading_bot/internal/config"
	"trading_bot/internal/core"
	"trading_bot/pkg/telemetry"
)

// exitBackoffCap bounds the exponential retry delay for failed exit
// submissions at five minutes.
const exitBackoffCap = 300 * time.Second

// ExitManager periodically scans open lots against the five exit rules
// and emits at most one exit signal per position per scan. It never
// submits orders itself: signals travel over the unbounded exit queue and
// the dispatcher routes them to the order manager, reporting the outcome
// back through OnSubmitFailure / OnSubmitSuccess so the back-off ledger
// stays here.
type ExitManager struct {
	cfg       config.ExitConfig
	timeframe string
	equities  map[string]bool
	store     core.IStore
	broker    core.IBroker
	tracker   core.IPositionTracker
	bus       core.IEventBus
	logger    core.ILogger
	metrics   *telemetry.MetricsHolder
	now       func() time.Time
}

func NewExitManager(
	cfg *config.Config,
	store core.IStore,
	broker core.IBroker,
	tracker core.IPositionTracker,
	bus core.IEventBus,
	logger core.ILogger,
) *ExitManager {
	equities := make(map[string]bool, len(cfg.Symbols.Equities))
	for _, s := range cfg.Symbols.Equities {
		equities[s] = true
	}
	return &ExitManager{
		cfg:       cfg.Exit,
		timeframe: cfg.Timeframe,
		equities:  equities,
		store:     store,
		broker:    broker,
		tracker:   tracker,
		bus:       bus,
		logger:    logger.WithField("component", "exit_manager"),
		metrics:   telemetry.GetGlobalMetrics(),
		now:       time.Now,
	}
}

func (e *ExitManager) Run(ctx context.Context) error {
	interval := time.Duration(e.cfg.CheckIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.logger.Info("exit manager started", "interval", interval.String())
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("exit manager stopped")
			return nil
		case <-ticker.C:
			if err := e.Scan(ctx); err != nil {
				e.logger.Warn("exit scan failed", "error", err)
			}
		}
	}
}

// Scan walks every tracked position once.
func (e *ExitManager) Scan(ctx context.Context) error {
	positions := e.tracker.All()
	if len(positions) == 0 {
		return nil
	}

	clock, err := e.broker.GetClock(ctx)
	if err != nil {
		return fmt.Errorf("exit scan clock: %w", err)
	}

	for _, pos := range positions {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.scanPosition(ctx, pos, clock)
	}
	return nil
}

func (e *ExitManager) scanPosition(ctx context.Context, pos core.Position, clock *core.Clock) {
	if pos.PendingExit {
		return
	}
	if e.equities[pos.Symbol] && !clock.IsOpen {
		return
	}
	if !pos.ATRValue.IsPositive() {
		e.logger.Warn("position has no usable volatility reference, skipping exit rules",
			"symbol", pos.Symbol, "atr", pos.ATRValue.String())
		return
	}
	if e.inBackoff(ctx, pos.Symbol) {
		return
	}

	bars, err := e.store.ListRecentBars(ctx, pos.Symbol, e.timeframe, 1)
	if err != nil {
		e.logger.Error("failed to load last bar", "symbol", pos.Symbol, "error", err)
		return
	}
	if len(bars) == 0 {
		return
	}
	last := bars[len(bars)-1]

	// Ratchet the trailing stop from the latest close before rule 5 sees
	// it, then re-read the lot so the fresh stop is evaluated.
	e.tracker.OnBar(&last)
	pos, ok := e.tracker.Get(pos.Symbol)
	if !ok {
		return
	}

	reason, hit := evaluateExitRules(pos, last.Close, e.cfg)
	if !hit {
		return
	}

	sig := &core.Signal{
		Strategy:   "exit_manager",
		Symbol:     pos.Symbol,
		Side:       core.SideSell,
		Timeframe:  e.timeframe,
		Timestamp:  last.Timestamp,
		Price:      last.Close,
		ATR:        pos.ATRValue,
		Confidence: 1.0,
		Exit:       true,
		Reason:     reason,
	}
	e.bus.Publish(core.ExitSignalEvent{Signal: sig})
	e.metrics.AddExitSignals(ctx, 1)
	e.logger.Info("exit signal emitted",
		"symbol", pos.Symbol, "reason", reason,
		"price", last.Close.String(), "entry", pos.EntryPrice.String())
}

// inBackoff reports whether a previous failed exit submission still
// blocks the symbol: delay doubles per attempt, capped.
func (e *ExitManager) inBackoff(ctx context.Context, symbol string) bool {
	attempts, lastAt, err := e.store.GetExitAttempt(ctx, symbol)
	if err != nil {
		e.logger.Error("failed to read exit attempts", "symbol", symbol, "error", err)
		return true // fail closed, retry next scan
	}
	if attempts == 0 {
		return false
	}

	delay := time.Duration(math.Exp2(float64(attempts-1))) * time.Second
	if delay > exitBackoffCap {
		delay = exitBackoffCap
	}
	until := lastAt.Add(delay)
	if e.now().UTC().Before(until) {
		e.logger.Debug("exit in backoff",
			"symbol", symbol, "attempts", attempts, "until", until.Format(time.RFC3339))
		return true
	}
	return false
}

// OnSubmitFailure records a failed exit submission for back-off.
func (e *ExitManager) OnSubmitFailure(ctx context.Context, symbol string) {
	attempts, err := e.store.RecordExitAttempt(ctx, symbol, e.now().UTC())
	if err != nil {
		e.logger.Error("failed to record exit attempt", "symbol", symbol, "error", err)
		return
	}
	e.logger.Warn("exit submission failed, backing off",
		"symbol", symbol, "attempts", attempts)
}

// OnSubmitSuccess clears the back-off ledger for the symbol.
func (e *ExitManager) OnSubmitSuccess(ctx context.Context, symbol string) {
	if err := e.store.ClearExitAttempts(ctx, symbol); err != nil {
		e.logger.Error("failed to clear exit attempts", "symbol", symbol, "error", err)
	}
}
