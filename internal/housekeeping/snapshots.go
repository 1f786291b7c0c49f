// Package housekeeping carries the periodic chores around the trading
// core: the equity curve, the daily counter reset and the ordered
// shutdown sequence.
package housekeeping

import (
	"context"
	"fmt"
	"time"

	"trading_bot/internal/core"
	"trading_bot/pkg/telemetry"
)

// snapshotInterval is the equity-curve cadence.
const snapshotInterval = time.Minute

// Snapshotter appends one equity row per minute and keeps the equity
// and open-position gauges current.
type Snapshotter struct {
	store   core.IStore
	broker  core.IBroker
	tracker core.IPositionTracker
	logger  core.ILogger
	metrics *telemetry.MetricsHolder
	now     func() time.Time
}

func NewSnapshotter(store core.IStore, broker core.IBroker, tracker core.IPositionTracker, logger core.ILogger) *Snapshotter {
	return &Snapshotter{
		store:   store,
		broker:  broker,
		tracker: tracker,
		logger:  logger.WithField("component", "equity_snapshots"),
		metrics: telemetry.GetGlobalMetrics(),
		now:     time.Now,
	}
}

func (s *Snapshotter) Run(ctx context.Context) error {
	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()

	s.logger.Info("equity snapshot loop started", "interval", snapshotInterval.String())
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("equity snapshot loop stopped")
			return nil
		case <-ticker.C:
			if err := s.Snapshot(ctx); err != nil {
				s.logger.Warn("equity snapshot failed", "error", err)
			}
		}
	}
}

// Snapshot takes one equity reading. It is also the final write of the
// graceful shutdown sequence.
func (s *Snapshotter) Snapshot(ctx context.Context) error {
	account, err := s.broker.GetAccount(ctx)
	if err != nil {
		return fmt.Errorf("snapshot equity: %w", err)
	}
	dailyPnL, err := s.store.GetStateDecimal(ctx, core.StateDailyRealizedPnL)
	if err != nil {
		return fmt.Errorf("snapshot equity: %w", err)
	}

	snap := &core.EquitySnapshot{
		Timestamp:      s.now().UTC(),
		PortfolioValue: account.PortfolioValue,
		Cash:           account.CashAvailable,
		DailyPnL:       dailyPnL,
	}
	if _, err := s.store.InsertEquitySnapshot(ctx, snap); err != nil {
		return fmt.Errorf("snapshot equity: %w", err)
	}

	open := s.tracker.Count()
	s.metrics.SetEquity(account.PortfolioValue.InexactFloat64())
	s.metrics.SetOpenPositions(open)
	s.logger.Debug("equity snapshot taken",
		"portfolio_value", account.PortfolioValue.String(),
		"daily_pnl", dailyPnL.String(),
		"open_positions", open)
	return nil
}
