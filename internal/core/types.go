package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order or signal
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the other side
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderStatus is the lifecycle state of an order at the broker
type OrderStatus string

const (
	OrderStatusPendingNew      OrderStatus = "pending_new"
	OrderStatusAccepted        OrderStatus = "accepted"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusReplaced        OrderStatus = "replaced"
	OrderStatusPendingCancel   OrderStatus = "pending_cancel"
	OrderStatusPendingReplace  OrderStatus = "pending_replace"
	OrderStatusCanceled        OrderStatus = "canceled"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusExpired         OrderStatus = "expired"
	OrderStatusSuspended       OrderStatus = "suspended"
)

// IsTerminal reports whether the order can no longer transition.
// A partially filled order that was later canceled ends up Canceled, so
// the four states below cover every terminal path.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// Order is the broker's view of an order
type Order struct {
	BrokerOrderID    string
	ClientOrderID    string
	Symbol           string
	Side             Side
	Quantity         decimal.Decimal
	FilledQuantity   decimal.Decimal
	AverageFillPrice decimal.Decimal
	LimitPrice       decimal.Decimal // zero means market
	Status           OrderStatus
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// OrderRequest is a submission request to the broker
type OrderRequest struct {
	Symbol        string
	Side          Side
	Quantity      decimal.Decimal
	LimitPrice    decimal.Decimal // zero means market
	ClientOrderID string
}

// OrderIntent is the locally persisted record of an order decision.
// It is written before the broker ever sees the order, which is what
// makes crash recovery deterministic.
type OrderIntent struct {
	ClientOrderID    string
	Symbol           string
	Side             Side
	Quantity         decimal.Decimal
	LimitPrice       decimal.Decimal
	Status           OrderStatus
	BrokerOrderID    string
	FilledQuantity   decimal.Decimal
	AverageFillPrice decimal.Decimal
	EntryATR         decimal.Decimal // signal ATR carried through to the position at fill time
	IsExit           bool
	ErrorMessage     string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Fill is a deduplicated execution record.
// DedupeKey is brokerOrderId:filledQuantity:averagePrice.
type Fill struct {
	DedupeKey     string
	BrokerOrderID string
	ClientOrderID string
	Quantity      decimal.Decimal
	Price         decimal.Decimal
	FilledAt      time.Time
}

// Trade is a realized round-trip (or partial close) for P&L accounting
type Trade struct {
	Symbol      string
	Side        Side
	Quantity    decimal.Decimal
	Price       decimal.Decimal
	RealizedPnL decimal.Decimal
	ExecutedAt  time.Time
}

// Position is the tracker's view of an open lot for one symbol
type Position struct {
	Symbol            string
	Quantity          decimal.Decimal
	EntryPrice        decimal.Decimal
	ATRValue          decimal.Decimal // volatility reference captured at entry
	TrailingStopPrice decimal.Decimal
	PendingExit       bool
	OpenedAt          time.Time
	UpdatedAt         time.Time
}

// BrokerPosition is the broker's view of an open position
type BrokerPosition struct {
	Symbol            string
	Quantity          decimal.Decimal
	AverageEntryPrice decimal.Decimal
	CurrentPrice      decimal.Decimal
	UnrealizedPnL     decimal.Decimal
}

// Bar is one OHLCV candle, keyed by (symbol, timeframe, timestamp)
type Bar struct {
	Symbol    string
	Timeframe string
	Timestamp time.Time // always UTC
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
}

// Quote is a top-of-book snapshot
type Quote struct {
	Symbol    string
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	BidSize   decimal.Decimal
	AskSize   decimal.Decimal
	Timestamp time.Time
}

// Signal is a strategy trade candidate with its evaluation metadata
type Signal struct {
	Strategy       string
	Symbol         string
	Side           Side
	Timeframe      string
	Timestamp      time.Time // bar timestamp that produced the signal, UTC
	ParamTag       string    // e.g. "5_15" for an SMA pair
	Price          decimal.Decimal
	ATR            decimal.Decimal
	Regime         Regime
	RegimeStrength float64 // in [0,1]
	Confidence     float64 // in [0,1]
	Exit           bool    // exit signals bypass FILTERS and the same-bar gate
	Reason         string  // exit rule name, or empty for entries
}

// Regime labels recent price behaviour
type Regime string

const (
	RegimeTrending Regime = "trending"
	RegimeRanging  Regime = "ranging"
	RegimeUnknown  Regime = "unknown"
)

// Clock is the broker market clock. FetchedAt makes staleness auditable;
// risk checks must always use a freshly fetched clock.
type Clock struct {
	IsOpen    bool
	NextOpen  time.Time
	NextClose time.Time
	FetchedAt time.Time
}

// Account is the broker account snapshot
type Account struct {
	CashAvailable       decimal.Decimal
	PortfolioValue      decimal.Decimal
	DayTradeCount       int
	IsTradable          bool
	IsAccountRestricted bool
}

// EquitySnapshot is one row of the equity curve, idempotent by timestamp
type EquitySnapshot struct {
	Timestamp      time.Time
	PortfolioValue decimal.Decimal
	Cash           decimal.Decimal
	DailyPnL       decimal.Decimal
}

// Discrepancy is a single reconciliation finding
type Discrepancy struct {
	Kind    string `json:"kind"`
	Symbol  string `json:"symbol,omitempty"`
	OrderID string `json:"order_id,omitempty"`
	Detail  string `json:"detail"`
}

// ReconciliationReport records one reconciliation pass
type ReconciliationReport struct {
	ID            string        `json:"id"`
	Timestamp     time.Time     `json:"timestamp"`
	Duration      time.Duration `json:"duration"`
	Status        string        `json:"status"` // clean, repaired, failed
	Discrepancies []Discrepancy `json:"discrepancies"`
}

// DrawdownLevel orders severity from benign to severe
type DrawdownLevel int

const (
	DrawdownNormal DrawdownLevel = iota
	DrawdownWarning
	DrawdownHalt
	DrawdownEmergency
)

func (l DrawdownLevel) String() string {
	switch l {
	case DrawdownNormal:
		return "normal"
	case DrawdownWarning:
		return "warning"
	case DrawdownHalt:
		return "halt"
	case DrawdownEmergency:
		return "emergency"
	}
	return "unknown"
}

// ParseDrawdownLevel converts the persisted form back to a level
func ParseDrawdownLevel(s string) DrawdownLevel {
	switch s {
	case "warning":
		return DrawdownWarning
	case "halt":
		return DrawdownHalt
	case "emergency":
		return DrawdownEmergency
	}
	return DrawdownNormal
}

// BrokerHealth is the reconciler's assessment of the broker connection
type BrokerHealth string

const (
	BrokerHealthy  BrokerHealth = "healthy"
	BrokerDegraded BrokerHealth = "degraded"
)

// CircuitBreakerLimit is the consecutive-failure count at which new
// trading stops until a manual reset.
const CircuitBreakerLimit = 5

// Bot state keys. All mutable global state lives in the store under these
// keys; in-memory copies are never authoritative.
const (
	StateCircuitBreakerCount    = "circuit_breaker_count"
	StateDailyRealizedPnL       = "daily_realized_pnl"
	StateDailyTradeCount        = "daily_trade_count"
	StateDailyResetDate         = "daily_reset_date"
	StateTradingHalted          = "trading_halted"
	StateBrokerHealth           = "broker_health"
	StateDrawdownLevel          = "drawdown_level"
	StateDrawdownPeakEquity     = "drawdown_peak_equity"
	StateDrawdownLastPeakReset  = "drawdown_last_peak_reset"
	StateDrawdownManualRecovery = "drawdown_manual_recovery_requested"
)

// LastSignalKey returns the bot-state key recording the last emitted side
// for one (symbol, parameter tag) pair, used for duplicate suppression.
func LastSignalKey(symbol, paramTag string) string {
	return "last_signal:" + symbol + ":" + paramTag
}
