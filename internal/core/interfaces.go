// Package core defines the core interfaces and domain types for the trading bot
package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// IBroker defines the execution endpoint contract. Market data is served
// separately by IMarketData; the broker only trades.
type IBroker interface {
	GetName() string

	// GetClock must hit the broker on every call. Risk checks depend on
	// the clock being fresh, so implementations must not cache it.
	GetClock(ctx context.Context) (*Clock, error)

	// Account and positions may be served from a short-TTL cache.
	GetAccount(ctx context.Context) (*Account, error)
	GetPositions(ctx context.Context) ([]BrokerPosition, error)

	GetOpenOrders(ctx context.Context) ([]Order, error)
	GetOrderByClientID(ctx context.Context, clientOrderID string) (*Order, error)

	// SubmitOrder is never retried by the implementation; a failure is
	// surfaced to the caller, which owns circuit-breaker accounting.
	SubmitOrder(ctx context.Context, req OrderRequest) (*Order, error)
	CancelOrder(ctx context.Context, brokerOrderID string) error
}

// IMarketData produces normalised bars and quote snapshots. Poll and
// stream implementations are interchangeable behind this contract.
type IMarketData interface {
	GetBars(ctx context.Context, symbols []string, timeframe string, limit int) (map[string][]Bar, error)
	GetSnapshot(ctx context.Context, symbol string) (*Quote, error)
}

// IEventBus is the in-process message fabric. Publish never blocks:
// main-channel events are shed when the channel is full, exit signals
// are always accepted.
type IEventBus interface {
	Publish(ev Event) bool
	Dispatch(ctx context.Context, handler func(context.Context, Event)) error
	Dropped() uint64
	ExitDropped() uint64
}

// IStrategy consumes one bar plus the symbol's recent history and emits
// zero or more signals. Strategies never touch the broker directly.
type IStrategy interface {
	Name() string
	OnBar(ctx context.Context, bar *Bar, window []Bar) ([]*Signal, error)
}

// IRiskManager vets a signal through the three-tier gate. SAFETY and RISK
// failures return an error; FILTERS failures return allowed=false, nil.
type IRiskManager interface {
	CheckSignal(ctx context.Context, sig *Signal) (allowed bool, err error)
	// CheckExit applies the SAFETY tier only.
	CheckExit(ctx context.Context, sig *Signal) error
}

// IOrderManager turns accepted signals into idempotent broker orders
type IOrderManager interface {
	SubmitEntry(ctx context.Context, sig *Signal) (clientOrderID string, err error)
	SubmitExit(ctx context.Context, sig *Signal) (clientOrderID string, err error)
	FlattenAll(ctx context.Context, reason string) error
	CancelAllOpen(ctx context.Context) error
}

// IPositionTracker is the in-memory projection of open positions
type IPositionTracker interface {
	OnOrderUpdate(ctx context.Context, order *Order) error
	OnBar(bar *Bar)
	Get(symbol string) (Position, bool)
	All() []Position
	SetPendingExit(symbol string, pending bool) bool
	Rehydrate(ctx context.Context) error
	Count() int
}

// IDrawdownMonitor exposes the current escalation level to sizing and risk
type IDrawdownMonitor interface {
	Level() DrawdownLevel
	Tick(ctx context.Context) error
}

// IStore owns all persistence. Every entity in the data model is read and
// written through this interface; nothing else touches the database.
type IStore interface {
	// Order intents
	SaveOrderIntent(ctx context.Context, intent *OrderIntent) error
	UpdateOrderIntent(ctx context.Context, intent *OrderIntent) error
	GetOrderIntent(ctx context.Context, clientOrderID string) (*OrderIntent, error)
	ListOpenOrderIntents(ctx context.Context) ([]*OrderIntent, error)

	// Fills and trades
	InsertFill(ctx context.Context, fill *Fill) (inserted bool, err error)
	InsertTrade(ctx context.Context, trade *Trade) error

	// Bars
	InsertBar(ctx context.Context, bar *Bar) (inserted bool, err error)
	ListRecentBars(ctx context.Context, symbol, timeframe string, limit int) ([]Bar, error)

	// Position tracking and snapshots
	SavePosition(ctx context.Context, pos *Position) error
	DeletePosition(ctx context.Context, symbol string) error
	ListOpenPositions(ctx context.Context) ([]Position, error)
	SnapshotPositions(ctx context.Context, positions []BrokerPosition, at time.Time) error

	// Equity curve
	InsertEquitySnapshot(ctx context.Context, snap *EquitySnapshot) (inserted bool, err error)
	// LatestEquitySnapshot returns nil when the curve is empty.
	LatestEquitySnapshot(ctx context.Context) (*EquitySnapshot, error)
	// PeakEquitySince reports the rolling peak for drawdown math; ok is
	// false when no snapshot exists in the window.
	PeakEquitySince(ctx context.Context, cutoff time.Time) (peak decimal.Decimal, ok bool, err error)

	// Bot state
	GetState(ctx context.Context, key string) (value string, ok bool, err error)
	SetState(ctx context.Context, key, value string) error
	GetStateInt(ctx context.Context, key string) (int, error)
	SetStateInt(ctx context.Context, key string, value int) error
	IncrementState(ctx context.Context, key string) (int, error)
	GetStateBool(ctx context.Context, key string) (bool, error)
	SetStateBool(ctx context.Context, key string, value bool) error
	GetStateDecimal(ctx context.Context, key string) (decimal.Decimal, error)
	SetStateDecimal(ctx context.Context, key string, value decimal.Decimal) error
	AddStateDecimal(ctx context.Context, key string, delta decimal.Decimal) (decimal.Decimal, error)

	// Same-bar gate. Must run at serializable isolation: under concurrent
	// attempts with the same (gateKey, barTs) exactly one call wins.
	GateTryAccept(ctx context.Context, gateKey string, barTs, now time.Time, cooldown time.Duration) (bool, error)

	// Reconciliation
	InsertReconciliationReport(ctx context.Context, report *ReconciliationReport) error
	ListRecentReconciliationReports(ctx context.Context, limit int) ([]ReconciliationReport, error)

	// Exit back-off bookkeeping
	RecordExitAttempt(ctx context.Context, symbol string, at time.Time) (attempts int, err error)
	GetExitAttempt(ctx context.Context, symbol string) (attempts int, last time.Time, err error)
	ClearExitAttempts(ctx context.Context, symbol string) error

	Close() error
}

// INotifier surfaces operator-visible events (breaker trips, drawdown
// transitions, reconciliation failures) to external channels.
type INotifier interface {
	Notify(ctx context.Context, title, message string, fields map[string]string)
	NotifyCritical(ctx context.Context, title, message string, fields map[string]string)
}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
