package core

import "time"

// EventType discriminates bus events
type EventType string

const (
	EventBar         EventType = "bar"
	EventSignal      EventType = "signal"
	EventExitSignal  EventType = "exit_signal"
	EventOrderUpdate EventType = "order_update"
	EventOrderIntent EventType = "order_intent"
)

// Event is anything the bus can carry
type Event interface {
	Type() EventType
	OccurredAt() time.Time
}

// BarEvent is published by the data handler after a bar is persisted
type BarEvent struct {
	Bar *Bar
}

func (e BarEvent) Type() EventType       { return EventBar }
func (e BarEvent) OccurredAt() time.Time { return e.Bar.Timestamp }

// SignalEvent carries an entry candidate from the strategy
type SignalEvent struct {
	Signal *Signal
}

func (e SignalEvent) Type() EventType       { return EventSignal }
func (e SignalEvent) OccurredAt() time.Time { return e.Signal.Timestamp }

// ExitSignalEvent carries an exit candidate. Exit events travel on the
// unbounded queue and are dispatched before anything else.
type ExitSignalEvent struct {
	Signal *Signal
}

func (e ExitSignalEvent) Type() EventType       { return EventExitSignal }
func (e ExitSignalEvent) OccurredAt() time.Time { return e.Signal.Timestamp }

// OrderUpdateEvent carries a broker-side order state change
type OrderUpdateEvent struct {
	Order *Order
}

func (e OrderUpdateEvent) Type() EventType       { return EventOrderUpdate }
func (e OrderUpdateEvent) OccurredAt() time.Time { return e.Order.UpdatedAt }

// OrderIntentEvent announces a locally persisted intent after submission
type OrderIntentEvent struct {
	Intent *OrderIntent
}

func (e OrderIntentEvent) Type() EventType       { return EventOrderIntent }
func (e OrderIntentEvent) OccurredAt() time.Time { return e.Intent.UpdatedAt }
