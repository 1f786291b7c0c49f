package market

import (
	"context"
	"fmt"
	"time"

	"trading_bot/internal/core"
	"trading_bot/pkg/telemetry"
)

// BarHandler normalises, persists and publishes incoming bars. The
// insert is the dedupe gate: a bar already in the store is a replay and
// never reaches the bus, so strategies see each (symbol, timeframe, ts)
// exactly once regardless of the source.
type BarHandler struct {
	store   core.IStore
	bus     core.IEventBus
	logger  core.ILogger
	metrics *telemetry.MetricsHolder
}

func NewBarHandler(store core.IStore, bus core.IEventBus, logger core.ILogger) *BarHandler {
	return &BarHandler{
		store:   store,
		bus:     bus,
		logger:  logger.WithField("component", "bar_handler"),
		metrics: telemetry.GetGlobalMetrics(),
	}
}

// HandleBar ingests one bar. Malformed bars are rejected, replayed bars
// are dropped silently.
func (h *BarHandler) HandleBar(ctx context.Context, bar *core.Bar) error {
	if err := validateBar(bar); err != nil {
		return err
	}

	_, barDur, err := ParseTimeframe(bar.Timeframe)
	if err != nil {
		return err
	}
	bar.Timestamp = bar.Timestamp.UTC().Truncate(barDur)

	inserted, err := h.store.InsertBar(ctx, bar)
	if err != nil {
		return fmt.Errorf("persist bar %s %s: %w", bar.Symbol, bar.Timestamp.Format(time.RFC3339), err)
	}
	if !inserted {
		h.logger.Debug("duplicate bar dropped",
			"symbol", bar.Symbol,
			"timeframe", bar.Timeframe,
			"ts", bar.Timestamp.Format(time.RFC3339),
		)
		return nil
	}

	h.metrics.AddBarsIngested(ctx, 1)
	h.bus.Publish(core.BarEvent{Bar: bar})
	return nil
}

func validateBar(bar *core.Bar) error {
	switch {
	case bar == nil:
		return fmt.Errorf("nil bar")
	case bar.Symbol == "":
		return fmt.Errorf("bar without symbol")
	case bar.Timestamp.IsZero():
		return fmt.Errorf("bar %s without timestamp", bar.Symbol)
	case !bar.Open.IsPositive() || !bar.High.IsPositive() || !bar.Low.IsPositive() || !bar.Close.IsPositive():
		return fmt.Errorf("bar %s with non-positive price", bar.Symbol)
	case bar.High.LessThan(bar.Low):
		return fmt.Errorf("bar %s with high %s below low %s", bar.Symbol, bar.High, bar.Low)
	case bar.Volume.IsNegative():
		return fmt.Errorf("bar %s with negative volume", bar.Symbol)
	}
	return nil
}
