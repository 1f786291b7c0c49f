package trading

import (
	"trading_bot/internal/config"
	"trading_bot/internal/core"

	"github.com/shopspring/decimal"
)

// Exit reasons, in strict priority order. Protective stops outrank profit
// targets, which outrank the trailing stop.
const (
	ExitReasonATRStop      = "atr_stop"
	ExitReasonPctStop      = "pct_stop"
	ExitReasonATRTarget    = "atr_target"
	ExitReasonPctTarget    = "pct_target"
	ExitReasonTrailingStop = "trailing_stop"
)

// evaluateExitRules returns the first matching exit rule for a long lot
// at the given price, or ok=false when the position should be held.
// Callers must not pass positions with a non-positive ATR.
func evaluateExitRules(pos core.Position, price decimal.Decimal, cfg config.ExitConfig) (string, bool) {
	entry := pos.EntryPrice
	atr := pos.ATRValue

	atrStop := entry.Sub(decimal.NewFromFloat(cfg.ATRStopMultiplier).Mul(atr))
	if price.LessThanOrEqual(atrStop) {
		return ExitReasonATRStop, true
	}

	pctStop := entry.Mul(decimal.NewFromFloat(1 - cfg.StopLossPct))
	if price.LessThanOrEqual(pctStop) {
		return ExitReasonPctStop, true
	}

	atrTarget := entry.Add(decimal.NewFromFloat(cfg.ATRProfitMultiplier).Mul(atr))
	if price.GreaterThanOrEqual(atrTarget) {
		return ExitReasonATRTarget, true
	}

	pctTarget := entry.Mul(decimal.NewFromFloat(1 + cfg.ProfitTargetPct))
	if price.GreaterThanOrEqual(pctTarget) {
		return ExitReasonPctTarget, true
	}

	if price.LessThanOrEqual(pos.TrailingStopPrice) {
		return ExitReasonTrailingStop, true
	}

	return "", false
}
