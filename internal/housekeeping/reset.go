package housekeeping

import (
	"context"
	"fmt"
	"time"

	"trading_bot/internal/config"
	"trading_bot/internal/core"

	"github.com/shopspring/decimal"
)

// resetCheckInterval is how often the reset loop looks at the clock;
// the daily_reset_date gate keeps the reset itself once a day.
const resetCheckInterval = time.Minute

// Counters roll at the first check on or after this market-local time
// on weekdays.
const (
	resetHour   = 9
	resetMinute = 30
)

// DailyReset clears the day's realized pnl and trade count shortly
// after the market opens. The circuit breaker survives resets; only a
// successful submission or an operator clears it.
type DailyReset struct {
	store  core.IStore
	loc    *time.Location
	logger core.ILogger
	now    func() time.Time
}

func NewDailyReset(cfg *config.Config, store core.IStore, logger core.ILogger) *DailyReset {
	return &DailyReset{
		store:  store,
		loc:    cfg.MarketLocation(),
		logger: logger.WithField("component", "daily_reset"),
		now:    time.Now,
	}
}

func (d *DailyReset) Run(ctx context.Context) error {
	ticker := time.NewTicker(resetCheckInterval)
	defer ticker.Stop()

	d.logger.Info("daily reset loop started", "market_timezone", d.loc.String())
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("daily reset loop stopped")
			return nil
		case <-ticker.C:
			if err := d.Tick(ctx); err != nil {
				d.logger.Warn("daily reset failed", "error", err)
			}
		}
	}
}

// Tick rolls the daily counters when the market-local time has passed
// the open on a weekday and today's reset has not run yet.
func (d *DailyReset) Tick(ctx context.Context) error {
	local := d.now().In(d.loc)
	if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return nil
	}
	open := time.Date(local.Year(), local.Month(), local.Day(), resetHour, resetMinute, 0, 0, d.loc)
	if local.Before(open) {
		return nil
	}

	today := local.Format("2006-01-02")
	last, _, err := d.store.GetState(ctx, core.StateDailyResetDate)
	if err != nil {
		return fmt.Errorf("daily reset: %w", err)
	}
	if last == today {
		return nil
	}

	// Zero the counters before stamping the date: a crash in between
	// re-runs the zeroing next tick instead of skipping a day.
	if err := d.store.SetStateDecimal(ctx, core.StateDailyRealizedPnL, decimal.Zero); err != nil {
		return fmt.Errorf("daily reset: %w", err)
	}
	if err := d.store.SetStateInt(ctx, core.StateDailyTradeCount, 0); err != nil {
		return fmt.Errorf("daily reset: %w", err)
	}
	if err := d.store.SetState(ctx, core.StateDailyResetDate, today); err != nil {
		return fmt.Errorf("daily reset: %w", err)
	}
	d.logger.Info("daily counters reset", "date", today)
	return nil
}
