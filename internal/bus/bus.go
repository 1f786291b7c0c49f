// Package bus is the in-process event fabric: a bounded main channel that
// sheds load when full, and an unbounded exit lane that never drops.
package bus

import (
	"context"
	"sync"
	"sync/atomic"

	"trading_bot/internal/core"
	"trading_bot/pkg/telemetry"
)

// DefaultMainCapacity bounds the main channel. Exit signals do not count
// against it.
const DefaultMainCapacity = 10000

// EventBus implements core.IEventBus with two lanes. Exit signals protect
// capital, so they are queued without bound and always dispatched before
// anything waiting on the main channel.
type EventBus struct {
	main chan core.Event

	exitMu     sync.Mutex
	exitQueue  []core.Event
	exitNotify chan struct{}

	dropped     atomic.Uint64
	exitDropped atomic.Uint64

	logger  core.ILogger
	metrics *telemetry.MetricsHolder
}

var _ core.IEventBus = (*EventBus)(nil)

// New creates a bus with the given main-channel capacity; capacity <= 0
// uses DefaultMainCapacity.
func New(capacity int, logger core.ILogger) *EventBus {
	if capacity <= 0 {
		capacity = DefaultMainCapacity
	}
	return &EventBus{
		main:       make(chan core.Event, capacity),
		exitNotify: make(chan struct{}, 1),
		logger:     logger.WithField("component", "event_bus"),
		metrics:    telemetry.GetGlobalMetrics(),
	}
}

// Publish enqueues an event and reports whether it was accepted. Exit
// signals are always accepted. Main events are dropped when the channel is
// full: under overload shedding new work preserves the ordering of what is
// already in flight.
func (b *EventBus) Publish(ev core.Event) bool {
	if ev.Type() == core.EventExitSignal {
		b.exitMu.Lock()
		b.exitQueue = append(b.exitQueue, ev)
		b.exitMu.Unlock()

		select {
		case b.exitNotify <- struct{}{}:
		default:
		}
		return true
	}

	select {
	case b.main <- ev:
		return true
	default:
		n := b.dropped.Add(1)
		b.metrics.AddEventsDropped(context.Background(), 1)
		if n == 1 || n%1000 == 0 {
			b.logger.Warn("main channel full, dropping event", "type", ev.Type(), "total_dropped", n)
		}
		return false
	}
}

// Dropped returns the number of main-channel events shed so far
func (b *EventBus) Dropped() uint64 {
	return b.dropped.Load()
}

// ExitDropped returns the number of exit signals lost. It is always zero;
// the method exists so callers can assert the guarantee.
func (b *EventBus) ExitDropped() uint64 {
	return b.exitDropped.Load()
}

// Dispatch delivers events to handler until ctx is cancelled. It is the
// single consumer: every queued exit signal is handled before any main
// event, including exits that arrive while a main event is being awaited.
func (b *EventBus) Dispatch(ctx context.Context, handler func(context.Context, core.Event)) error {
	for {
		b.drainExits(ctx, handler)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.exitNotify:
			// handled at the top of the loop
		case ev := <-b.main:
			// An exit that landed while blocked above still goes first.
			b.drainExits(ctx, handler)
			b.handle(ctx, handler, ev)
		}
	}
}

func (b *EventBus) drainExits(ctx context.Context, handler func(context.Context, core.Event)) {
	for {
		b.exitMu.Lock()
		if len(b.exitQueue) == 0 {
			b.exitMu.Unlock()
			return
		}
		ev := b.exitQueue[0]
		b.exitQueue = b.exitQueue[1:]
		b.exitMu.Unlock()

		b.handle(ctx, handler, ev)
	}
}

// handle isolates handler panics so one failing handler cannot kill the
// dispatcher.
func (b *EventBus) handle(ctx context.Context, handler func(context.Context, core.Event), ev core.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "type", ev.Type(), "panic", r)
		}
	}()
	handler(ctx, ev)
}
