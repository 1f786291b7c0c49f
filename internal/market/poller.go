package market

import (
	"context"
	"fmt"
	"time"

	"trading_bot/internal/core"

	"golang.org/x/time/rate"
)

const (
	defaultPollInterval = time.Minute
	symbolBatchSize     = 25
	warmupBarCount      = 500

	// Alpaca allows 200 data requests per minute on the basic plan.
	dataRequestInterval = 300 * time.Millisecond
)

// BarPoller fetches recent bars on a fixed cadence and feeds them to the
// handler. Only closed bars pass: a bar whose interval still overlaps now
// is dropped and picked up complete on a later cycle.
type BarPoller struct {
	md        core.IMarketData
	handler   *BarHandler
	symbols   []string
	timeframe string
	interval  time.Duration
	limiter   *rate.Limiter
	logger    core.ILogger
}

func NewBarPoller(md core.IMarketData, handler *BarHandler, symbols []string, timeframe string, logger core.ILogger) *BarPoller {
	return &BarPoller{
		md:        md,
		handler:   handler,
		symbols:   symbols,
		timeframe: timeframe,
		interval:  defaultPollInterval,
		limiter:   rate.NewLimiter(rate.Every(dataRequestInterval), 1),
		logger:    logger.WithField("component", "bar_poller"),
	}
}

// SetInterval overrides the polling cadence, mainly for tests.
func (p *BarPoller) SetInterval(d time.Duration) {
	if d > 0 {
		p.interval = d
	}
}

// WarmUp backfills history so indicator windows are full before the first
// live bar. Backfilled bars are persisted but not published: history must
// not generate signals.
func (p *BarPoller) WarmUp(ctx context.Context) error {
	for _, batch := range batchSymbols(p.symbols, symbolBatchSize) {
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}
		bars, err := p.md.GetBars(ctx, batch, p.timeframe, warmupBarCount)
		if err != nil {
			return fmt.Errorf("warm up bars: %w", err)
		}
		for symbol, history := range bars {
			inserted := 0
			for i := range history {
				ok, err := p.handler.store.InsertBar(ctx, &history[i])
				if err != nil {
					return fmt.Errorf("warm up %s: %w", symbol, err)
				}
				if ok {
					inserted++
				}
			}
			p.logger.Info("warmed up symbol history",
				"symbol", symbol, "bars", len(history), "new", inserted)
		}
	}
	return nil
}

func (p *BarPoller) Run(ctx context.Context) error {
	p.logger.Info("bar poller started",
		"symbols", len(p.symbols), "timeframe", p.timeframe, "interval", p.interval.String())

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("bar poller stopped")
			return nil
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

func (p *BarPoller) pollOnce(ctx context.Context) {
	_, barDur, err := ParseTimeframe(p.timeframe)
	if err != nil {
		p.logger.Error("bad timeframe", "timeframe", p.timeframe, "error", err)
		return
	}

	for _, batch := range batchSymbols(p.symbols, symbolBatchSize) {
		if err := p.limiter.Wait(ctx); err != nil {
			return
		}
		bars, err := p.md.GetBars(ctx, batch, p.timeframe, 2)
		if err != nil {
			p.logger.Warn("bar poll failed, will retry next cycle",
				"symbols", batch, "error", err)
			continue
		}

		now := time.Now().UTC()
		for _, symbolBars := range bars {
			for i := range symbolBars {
				bar := &symbolBars[i]
				if bar.Timestamp.Add(barDur).After(now) {
					continue // still forming
				}
				if err := p.handler.HandleBar(ctx, bar); err != nil {
					p.logger.Warn("bar rejected", "symbol", bar.Symbol, "error", err)
				}
			}
		}
	}
}

func batchSymbols(symbols []string, size int) [][]string {
	if size <= 0 {
		size = symbolBatchSize
	}
	var batches [][]string
	for start := 0; start < len(symbols); start += size {
		end := start + size
		if end > len(symbols) {
			end = len(symbols)
		}
		batches = append(batches, symbols[start:end])
	}
	return batches
}
