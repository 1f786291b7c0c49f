// Package market ingests bars: the Alpaca data adapter, the normalising
// bar handler, and the poll/stream sources that feed it. It also polls
// order status, which rides the same cadence machinery.
package market

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"trading_bot/internal/config"
	"trading_bot/internal/core"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"
)

// AlpacaMarketData serves normalised bars and quote snapshots from the
// Alpaca data API.
type AlpacaMarketData struct {
	client *marketdata.Client
	feed   marketdata.Feed
	logger core.ILogger
}

var _ core.IMarketData = (*AlpacaMarketData)(nil)

func NewAlpacaMarketData(cfg config.BrokerConfig, feed string, logger core.ILogger) *AlpacaMarketData {
	client := marketdata.NewClient(marketdata.ClientOpts{
		APIKey:    cfg.APIKey,
		APISecret: cfg.APISecret,
	})

	f := marketdata.IEX
	if feed == "sip" {
		f = marketdata.SIP
	}

	return &AlpacaMarketData{
		client: client,
		feed:   f,
		logger: logger.WithField("component", "alpaca_market_data"),
	}
}

// GetBars returns up to limit most recent bars per symbol, ascending by
// timestamp. The API pages forward from Start, so the window is padded
// for closed sessions and trimmed from the tail.
func (m *AlpacaMarketData) GetBars(ctx context.Context, symbols []string, timeframe string, limit int) (map[string][]core.Bar, error) {
	tf, barDur, err := ParseTimeframe(timeframe)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	raw, err := m.client.GetMultiBars(symbols, marketdata.GetBarsRequest{
		TimeFrame: tf,
		Start:     lookbackStart(time.Now().UTC(), barDur, limit),
		Feed:      m.feed,
	})
	if err != nil {
		return nil, fmt.Errorf("get bars: %w", err)
	}

	out := make(map[string][]core.Bar, len(raw))
	for symbol, bars := range raw {
		if len(bars) > limit {
			bars = bars[len(bars)-limit:]
		}
		converted := make([]core.Bar, 0, len(bars))
		for _, b := range bars {
			converted = append(converted, core.Bar{
				Symbol:    symbol,
				Timeframe: timeframe,
				Timestamp: b.Timestamp.UTC(),
				Open:      decimal.NewFromFloat(b.Open),
				High:      decimal.NewFromFloat(b.High),
				Low:       decimal.NewFromFloat(b.Low),
				Close:     decimal.NewFromFloat(b.Close),
				Volume:    decimal.NewFromInt(int64(b.Volume)),
			})
		}
		out[symbol] = converted
	}
	return out, nil
}

func (m *AlpacaMarketData) GetSnapshot(ctx context.Context, symbol string) (*core.Quote, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	snap, err := m.client.GetSnapshot(symbol, marketdata.GetSnapshotRequest{Feed: m.feed})
	if err != nil {
		return nil, fmt.Errorf("get snapshot %s: %w", symbol, err)
	}
	if snap == nil || snap.LatestQuote == nil {
		return nil, fmt.Errorf("get snapshot %s: no quote available", symbol)
	}

	q := snap.LatestQuote
	return &core.Quote{
		Symbol:    symbol,
		Bid:       decimal.NewFromFloat(q.BidPrice),
		Ask:       decimal.NewFromFloat(q.AskPrice),
		BidSize:   decimal.NewFromInt(int64(q.BidSize)),
		AskSize:   decimal.NewFromInt(int64(q.AskSize)),
		Timestamp: q.Timestamp.UTC(),
	}, nil
}

// ParseTimeframe maps the bot's timeframe strings ("1m", "5m", "1h",
// "1d") onto the Alpaca timeframe plus the bar's wall duration.
func ParseTimeframe(tf string) (marketdata.TimeFrame, time.Duration, error) {
	if len(tf) < 2 {
		return marketdata.TimeFrame{}, 0, fmt.Errorf("invalid timeframe %q", tf)
	}
	n, err := strconv.Atoi(tf[:len(tf)-1])
	if err != nil || n <= 0 {
		return marketdata.TimeFrame{}, 0, fmt.Errorf("invalid timeframe %q", tf)
	}
	switch tf[len(tf)-1] {
	case 'm':
		return marketdata.NewTimeFrame(n, marketdata.Min), time.Duration(n) * time.Minute, nil
	case 'h':
		return marketdata.NewTimeFrame(n, marketdata.Hour), time.Duration(n) * time.Hour, nil
	case 'd':
		return marketdata.NewTimeFrame(n, marketdata.Day), time.Duration(n) * 24 * time.Hour, nil
	}
	return marketdata.TimeFrame{}, 0, fmt.Errorf("unsupported timeframe %q", tf)
}

// lookbackStart pads the request window so [start, now] holds at least
// limit bars despite closed sessions. Regular sessions trade 390 minutes.
func lookbackStart(now time.Time, barDur time.Duration, limit int) time.Time {
	if barDur >= 24*time.Hour {
		return now.AddDate(0, 0, -(limit*2 + 5))
	}
	span := barDur * time.Duration(limit)
	tradingDays := int(span/(390*time.Minute)) + 1
	return now.AddDate(0, 0, -(tradingDays*2 + 3))
}
