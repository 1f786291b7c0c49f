package trading

import (
	"trading_bot/internal/config"

	"github.com/shopspring/decimal"
)

var one = decimal.NewFromInt(1)

// positionSize returns the share quantity for an entry at price, as the
// lesser of the equity cap and the risk cap, floored to whole shares and
// clamped to at least one share.
//
//	equityCap = floor(equity × maxPositionPct / price)
//	riskCap   = floor(equity × maxRiskPerTradePct / (price × stopLossPct))
func positionSize(equity, price decimal.Decimal, cfg config.RiskConfig) decimal.Decimal {
	if !price.IsPositive() || !equity.IsPositive() {
		return one
	}

	equityCap := equity.
		Mul(decimal.NewFromFloat(cfg.MaxPositionPct)).
		Div(price).
		Floor()

	riskPerShare := price.Mul(decimal.NewFromFloat(cfg.StopLossPct))
	riskCap := equityCap
	if riskPerShare.IsPositive() {
		riskCap = equity.
			Mul(decimal.NewFromFloat(cfg.MaxRiskPerTradePct)).
			Div(riskPerShare).
			Floor()
	}

	qty := decimal.Min(equityCap, riskCap)
	if qty.LessThan(one) {
		return one
	}
	return qty
}

// applyWarningMultiplier shrinks a computed quantity while the drawdown
// monitor sits at Warning. Never returns less than one share.
func applyWarningMultiplier(qty decimal.Decimal, multiplier float64) decimal.Decimal {
	if multiplier <= 0 || multiplier >= 1 {
		return qty
	}
	scaled := qty.Mul(decimal.NewFromFloat(multiplier)).Floor()
	if scaled.LessThan(one) {
		return one
	}
	return scaled
}
