package strategy

import (
	"context"
	"fmt"

	"trading_bot/internal/core"
	"trading_bot/pkg/telemetry"
)

// Name is stable: it feeds client order ids and gate keys, so renaming it
// would orphan persisted state.
const Name = "sma_crossover_multi"

type smaPair struct {
	fast int
	slow int
	tag  string
}

var smaPairs = []smaPair{
	{fast: 5, slow: 15, tag: "5_15"},
	{fast: 10, slow: 30, tag: "10_30"},
	{fast: 20, slow: 50, tag: "20_50"},
}

// confidence per regime, indexed by pair position: slower pairs earn more
// trust when trending, everything is discounted when ranging.
var confidenceByRegime = map[core.Regime][3]float64{
	core.RegimeTrending: {0.5, 0.7, 0.9},
	core.RegimeRanging:  {0.2, 0.3, 0.4},
	core.RegimeUnknown:  {0.5, 0.6, 0.7},
}

// SMACrossover emits a signal whenever a fast SMA crosses its slow SMA,
// independently for each configured pair. Consecutive same-side signals
// per (symbol, pair) are suppressed through persisted last-signal state,
// so a restart does not re-fire the cross it already acted on.
type SMACrossover struct {
	store   core.IStore
	logger  core.ILogger
	metrics *telemetry.MetricsHolder
}

var _ core.IStrategy = (*SMACrossover)(nil)

func NewSMACrossover(store core.IStore, logger core.ILogger) *SMACrossover {
	return &SMACrossover{
		store:   store,
		logger:  logger.WithField("strategy", Name),
		metrics: telemetry.GetGlobalMetrics(),
	}
}

func (s *SMACrossover) Name() string { return Name }

// OnBar evaluates every pair against the window, which is chronological
// and ends with bar. Pairs without enough history are skipped; the rest
// report a cross when the fast/slow relation flips between the previous
// bar and this one.
func (s *SMACrossover) OnBar(ctx context.Context, bar *core.Bar, window []core.Bar) ([]*core.Signal, error) {
	if len(window) < 2 {
		return nil, nil
	}

	atr := ATR(window, atrPeriod)
	regime, strength := classifyRegime(window, atr)

	var signals []*core.Signal
	for i, pair := range smaPairs {
		if len(window) < pair.slow+1 {
			continue
		}

		prev := window[:len(window)-1]
		fastPrev := SMA(prev, pair.fast)
		slowPrev := SMA(prev, pair.slow)
		fastCur := SMA(window, pair.fast)
		slowCur := SMA(window, pair.slow)

		var side core.Side
		switch {
		case fastPrev.LessThanOrEqual(slowPrev) && fastCur.GreaterThan(slowCur):
			side = core.SideBuy
		case fastPrev.GreaterThanOrEqual(slowPrev) && fastCur.LessThan(slowCur):
			side = core.SideSell
		default:
			continue
		}

		suppressed, err := s.suppressDuplicate(ctx, bar.Symbol, pair.tag, side)
		if err != nil {
			return nil, err
		}
		if suppressed {
			s.logger.Debug("duplicate signal suppressed",
				"symbol", bar.Symbol, "pair", pair.tag, "side", string(side))
			continue
		}

		signals = append(signals, &core.Signal{
			Strategy:       Name,
			Symbol:         bar.Symbol,
			Side:           side,
			Timeframe:      bar.Timeframe,
			Timestamp:      bar.Timestamp,
			ParamTag:       pair.tag,
			Price:          bar.Close,
			ATR:            atr,
			Regime:         regime,
			RegimeStrength: strength,
			Confidence:     confidenceByRegime[regime][i],
		})
	}

	if len(signals) > 0 {
		s.metrics.AddSignals(ctx, int64(len(signals)))
	}
	return signals, nil
}

// suppressDuplicate consults and updates last_signal:{symbol}:{tag}. The
// update happens on emit, so a suppressed signal leaves state untouched.
func (s *SMACrossover) suppressDuplicate(ctx context.Context, symbol, tag string, side core.Side) (bool, error) {
	key := core.LastSignalKey(symbol, tag)
	last, ok, err := s.store.GetState(ctx, key)
	if err != nil {
		return false, fmt.Errorf("read last signal state: %w", err)
	}
	if ok && last == string(side) {
		return true, nil
	}
	if err := s.store.SetState(ctx, key, string(side)); err != nil {
		return false, fmt.Errorf("write last signal state: %w", err)
	}
	return false, nil
}
