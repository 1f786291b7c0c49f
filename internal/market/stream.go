package market

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"trading_bot/internal/config"
	"trading_bot/internal/core"
	"trading_bot/pkg/websocket"

	"github.com/shopspring/decimal"
)

const streamURLFormat = "wss://stream.data.alpaca.markets/v2/%s"

// streamMessage covers every frame type the data stream sends. Frames
// arrive as JSON arrays, discriminated by T.
type streamMessage struct {
	Type   string    `json:"T"`
	Msg    string    `json:"msg,omitempty"`
	Code   int       `json:"code,omitempty"`
	Symbol string    `json:"S,omitempty"`
	Open   float64   `json:"o,omitempty"`
	High   float64   `json:"h,omitempty"`
	Low    float64   `json:"l,omitempty"`
	Close  float64   `json:"c,omitempty"`
	Volume uint64    `json:"v,omitempty"`
	Time   time.Time `json:"t,omitempty"`
}

// AlpacaStream ingests minute bars over the data websocket. It is
// interchangeable with BarPoller: both end in BarHandler, which dedupes,
// so a reconnect replaying the last bar is harmless.
type AlpacaStream struct {
	client  *websocket.Client
	handler *BarHandler
	cfg     config.BrokerConfig
	symbols []string
	logger  core.ILogger

	mu  sync.Mutex
	ctx context.Context
}

// NewAlpacaStream wires the websocket client. The stream only carries
// one-minute bars, so any other timeframe must use the poller.
func NewAlpacaStream(cfg config.BrokerConfig, feed string, symbols []string, timeframe string, handler *BarHandler, logger core.ILogger) (*AlpacaStream, error) {
	if timeframe != "1m" {
		return nil, fmt.Errorf("streaming serves 1m bars only, got %q", timeframe)
	}
	if feed == "" {
		feed = "iex"
	}

	s := &AlpacaStream{
		handler: handler,
		cfg:     cfg,
		symbols: symbols,
		logger:  logger.WithField("component", "alpaca_stream"),
		ctx:     context.Background(),
	}
	s.client = websocket.NewClient(fmt.Sprintf(streamURLFormat, feed), s.onMessage, logger)
	s.client.SetOnConnected(s.authenticate)
	return s, nil
}

func (s *AlpacaStream) Run(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.logger.Info("bar stream starting", "symbols", len(s.symbols))
	s.client.Start()
	<-ctx.Done()
	s.client.Stop()
	s.logger.Info("bar stream stopped")
	return nil
}

// authenticate runs on every (re)connect: auth first, then re-subscribe.
func (s *AlpacaStream) authenticate() {
	auth := map[string]string{
		"action": "auth",
		"key":    s.cfg.APIKey,
		"secret": s.cfg.APISecret,
	}
	if err := s.client.Send(auth); err != nil {
		s.logger.Error("stream auth send failed", "error", err)
		return
	}

	sub := map[string]interface{}{
		"action": "subscribe",
		"bars":   s.symbols,
	}
	if err := s.client.Send(sub); err != nil {
		s.logger.Error("stream subscribe send failed", "error", err)
	}
}

func (s *AlpacaStream) onMessage(raw []byte) {
	var messages []streamMessage
	if err := json.Unmarshal(raw, &messages); err != nil {
		s.logger.Warn("unparseable stream frame", "error", err)
		return
	}

	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	for i := range messages {
		s.routeMessage(ctx, &messages[i])
	}
}

func (s *AlpacaStream) routeMessage(ctx context.Context, m *streamMessage) {
	switch m.Type {
	case "b":
		bar := &core.Bar{
			Symbol:    m.Symbol,
			Timeframe: "1m",
			Timestamp: m.Time.UTC(),
			Open:      decimal.NewFromFloat(m.Open),
			High:      decimal.NewFromFloat(m.High),
			Low:       decimal.NewFromFloat(m.Low),
			Close:     decimal.NewFromFloat(m.Close),
			Volume:    decimal.NewFromInt(int64(m.Volume)),
		}
		if err := s.handler.HandleBar(ctx, bar); err != nil {
			s.logger.Warn("stream bar rejected", "symbol", m.Symbol, "error", err)
		}
	case "success":
		s.logger.Info("stream handshake", "msg", m.Msg)
	case "subscription":
		s.logger.Info("stream subscription confirmed")
	case "error":
		s.logger.Error("stream error frame", "code", m.Code, "msg", m.Msg)
	default:
		s.logger.Debug("ignored stream frame", "type", m.Type)
	}
}
