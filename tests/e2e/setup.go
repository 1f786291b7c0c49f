package e2e

import (
	"context"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"trading_bot/internal/broker"
	"trading_bot/internal/bus"
	"trading_bot/internal/config"
	"trading_bot/internal/core"
	"trading_bot/internal/risk"
	"trading_bot/internal/store"
	"trading_bot/internal/trading"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type testLogger struct{}

func (testLogger) Debug(msg string, f ...interface{})               {}
func (testLogger) Info(msg string, f ...interface{})                {}
func (testLogger) Warn(msg string, f ...interface{})                {}
func (testLogger) Error(msg string, f ...interface{})               {}
func (testLogger) Fatal(msg string, f ...interface{})               {}
func (l testLogger) WithField(k string, v interface{}) core.ILogger { return l }
func (l testLogger) WithFields(f map[string]interface{}) core.ILogger {
	return l
}

// captureNotifier records alert traffic so scenarios can assert on it.
type captureNotifier struct {
	mu        sync.Mutex
	notices   []string
	criticals []string
}

func (n *captureNotifier) Notify(_ context.Context, title, message string, _ map[string]string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, title+": "+message)
}

func (n *captureNotifier) NotifyCritical(_ context.Context, title, message string, _ map[string]string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.criticals = append(n.criticals, title+": "+message)
}

func (n *captureNotifier) hasNotice(substr string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, s := range n.notices {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}

func (n *captureNotifier) hasCritical(substr string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, s := range n.criticals {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}

// idleStrategy never signals; scenarios drive the pipeline directly.
type idleStrategy struct{}

func (idleStrategy) Name() string { return "idle" }
func (idleStrategy) OnBar(ctx context.Context, bar *core.Bar, window []core.Bar) ([]*core.Signal, error) {
	return nil, nil
}

// recordingBus is the real event bus plus a tap on published exit
// signals, so tests can see which rule fired without unplugging the
// dispatcher.
type recordingBus struct {
	*bus.EventBus

	mu      sync.Mutex
	reasons []string
}

func (b *recordingBus) Publish(ev core.Event) bool {
	if exit, ok := ev.(core.ExitSignalEvent); ok {
		b.mu.Lock()
		b.reasons = append(b.reasons, exit.Signal.Reason)
		b.mu.Unlock()
	}
	return b.EventBus.Publish(ev)
}

func (b *recordingBus) exitReasons() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.reasons...)
}

// bot is the full trading core wired against the sim broker: real store,
// real bus, real risk gate, real order and exit managers.
type bot struct {
	cfg      *config.Config
	store    *store.SQLiteStore
	sim      *broker.SimBroker
	bus      *recordingBus
	tracker  *trading.PositionTracker
	notifier *captureNotifier
	drawdown *risk.DrawdownMonitor
	risk     *risk.Manager
	orders   *trading.OrderManager
	exits    *trading.ExitManager
}

func newBot(t *testing.T) *bot {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.System.DataDir = t.TempDir()
	// Session filters measure distance from the real 09:30 open, which
	// would make these scenarios depend on when they run. Push both
	// bounds out of the way; the market-hours SAFETY check still applies
	// through the sim clock.
	cfg.Filters.MinMinutesAfterOpen = math.MinInt32
	cfg.Filters.MinMinutesBeforeClose = math.MinInt32

	st, err := store.NewSQLiteStore(cfg.DatabasePath(), testLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	sim := broker.NewSimBroker()
	sim.SetMark("AAPL", decimal.NewFromInt(150))

	notifier := &captureNotifier{}
	rbus := &recordingBus{EventBus: bus.New(bus.DefaultMainCapacity, testLogger{})}
	tracker := trading.NewPositionTracker(cfg.Exit, st, testLogger{})
	drawdown := risk.NewDrawdownMonitor(cfg.Drawdown, st, sim, notifier, testLogger{})
	riskMgr := risk.NewManager(cfg, st, sim, tracker, drawdown, notifier, testLogger{})
	orders := trading.NewOrderManager(cfg, st, sim, riskMgr, tracker, drawdown, rbus, notifier, testLogger{})
	drawdown.SetOrderManager(orders)
	exits := trading.NewExitManager(cfg, st, sim, tracker, rbus, testLogger{})

	return &bot{
		cfg:      cfg,
		store:    st,
		sim:      sim,
		bus:      rbus,
		tracker:  tracker,
		notifier: notifier,
		drawdown: drawdown,
		risk:     riskMgr,
		orders:   orders,
		exits:    exits,
	}
}

func entrySignal(symbol string, side core.Side, ts time.Time) *core.Signal {
	return &core.Signal{
		Strategy:       "sma_crossover_multi",
		Symbol:         symbol,
		Side:           side,
		Timeframe:      "1m",
		Timestamp:      ts,
		ParamTag:       "5_15",
		Price:          decimal.NewFromInt(150),
		ATR:            decimal.NewFromInt(2),
		Regime:         core.RegimeTrending,
		RegimeStrength: 0.8,
		Confidence:     0.9,
	}
}
