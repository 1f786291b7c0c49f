package risk

import (
	"context"
	"fmt"

	"trading_bot/internal/core"

	"github.com/shopspring/decimal"
)

// PreflightChecker validates broker access and account health before the
// bot starts accepting events. Failures here are fatal at startup.
type PreflightChecker struct {
	logger core.ILogger
}

func NewPreflightChecker(logger core.ILogger) *PreflightChecker {
	return &PreflightChecker{logger: logger.WithField("component", "preflight")}
}

// Check exercises every broker read the bot depends on and rejects
// accounts that cannot trade.
func (p *PreflightChecker) Check(ctx context.Context, broker core.IBroker) error {
	p.logger.Info("starting preflight checks", "broker", broker.GetName())

	clock, err := broker.GetClock(ctx)
	if err != nil {
		return fmt.Errorf("preflight: clock access failed: %w", err)
	}
	p.logger.Info("market clock",
		"is_open", clock.IsOpen,
		"next_open", clock.NextOpen,
		"next_close", clock.NextClose)

	account, err := broker.GetAccount(ctx)
	if err != nil {
		return fmt.Errorf("preflight: account access failed: %w", err)
	}
	if account.IsAccountRestricted {
		return fmt.Errorf("preflight: account is restricted from trading")
	}
	if !account.IsTradable {
		return fmt.Errorf("preflight: account is not tradable")
	}
	if account.PortfolioValue.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("preflight: portfolio value %s is not positive", account.PortfolioValue)
	}
	if account.CashAvailable.LessThanOrEqual(decimal.Zero) {
		p.logger.Warn("no cash available, entries will be skipped",
			"cash", account.CashAvailable.String())
	}

	positions, err := broker.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("preflight: positions access failed: %w", err)
	}

	if _, err := broker.GetOpenOrders(ctx); err != nil {
		return fmt.Errorf("preflight: open orders access failed: %w", err)
	}

	p.logger.Info("preflight checks passed",
		"equity", account.PortfolioValue.String(),
		"cash", account.CashAvailable.String(),
		"open_positions", len(positions),
		"day_trades", account.DayTradeCount)
	return nil
}
