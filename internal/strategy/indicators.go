// Package strategy holds the signal generators. Strategies are pure over
// the bar window they are handed plus whatever state they persist through
// the store; they never talk to the broker or the data source.
package strategy

import (
	"trading_bot/internal/core"

	"github.com/shopspring/decimal"
)

const (
	atrPeriod       = 14
	trendSMAPeriod  = 50
	trendingCutoff  = 1.5
	rangingCutoff   = 0.5
	strengthCeiling = 3.0
)

// SMA is the simple moving average of the last period closes. Returns
// zero when the window is too short.
func SMA(bars []core.Bar, period int) decimal.Decimal {
	if period <= 0 || len(bars) < period {
		return decimal.Zero
	}
	var sum decimal.Decimal
	for i := len(bars) - period; i < len(bars); i++ {
		sum = sum.Add(bars[i].Close)
	}
	return sum.Div(decimal.NewFromInt(int64(period)))
}

// ATR is the average true range over period, where
// TR = max(H−L, |H−prevClose|, |L−prevClose|). Needs period+1 bars.
func ATR(bars []core.Bar, period int) decimal.Decimal {
	if period <= 0 || len(bars) < period+1 {
		return decimal.Zero
	}
	var trSum decimal.Decimal
	for i := len(bars) - period; i < len(bars); i++ {
		cur := bars[i]
		prev := bars[i-1]

		tr := cur.High.Sub(cur.Low)
		if d := cur.High.Sub(prev.Close).Abs(); d.GreaterThan(tr) {
			tr = d
		}
		if d := cur.Low.Sub(prev.Close).Abs(); d.GreaterThan(tr) {
			tr = d
		}
		trSum = trSum.Add(tr)
	}
	return trSum.Div(decimal.NewFromInt(int64(period)))
}

// classifyRegime labels the window by trend strength
// |close − SMA50| / ATR14, normalised into [0,1] against strengthCeiling.
func classifyRegime(window []core.Bar, atr decimal.Decimal) (core.Regime, float64) {
	if len(window) < trendSMAPeriod || !atr.IsPositive() {
		return core.RegimeUnknown, 0
	}

	sma := SMA(window, trendSMAPeriod)
	last := window[len(window)-1].Close
	strength, _ := last.Sub(sma).Abs().Div(atr).Float64()

	normalized := min(strength/strengthCeiling, 1.0)
	switch {
	case strength >= trendingCutoff:
		return core.RegimeTrending, normalized
	case strength < rangingCutoff:
		return core.RegimeRanging, normalized
	default:
		return core.RegimeUnknown, normalized
	}
}
