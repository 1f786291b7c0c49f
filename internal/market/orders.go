package market

import (
	"context"
	"errors"
	"time"

	"trading_bot/internal/core"
	"trading_bot/pkg/concurrency"
	apperrors "trading_bot/pkg/errors"
)

const defaultOrderPollInterval = 2 * time.Second

// OrderPoller watches open order intents and publishes an update event
// whenever the broker's view diverges from the stored one. It only
// detects; applying the update (intent sync, fills, positions) happens on
// the dispatch loop so all state changes stay single-threaded.
type OrderPoller struct {
	broker   core.IBroker
	store    core.IStore
	bus      core.IEventBus
	pool     *concurrency.WorkerPool
	interval time.Duration
	logger   core.ILogger
}

func NewOrderPoller(broker core.IBroker, store core.IStore, bus core.IEventBus, logger core.ILogger) *OrderPoller {
	return &OrderPoller{
		broker: broker,
		store:  store,
		bus:    bus,
		pool: concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name:       "order_poll",
			MaxWorkers: 10,
		}, logger),
		interval: defaultOrderPollInterval,
		logger:   logger.WithField("component", "order_poller"),
	}
}

// SetInterval overrides the polling cadence, mainly for tests.
func (p *OrderPoller) SetInterval(d time.Duration) {
	if d > 0 {
		p.interval = d
	}
}

func (p *OrderPoller) Run(ctx context.Context) error {
	p.logger.Info("order poller started", "interval", p.interval.String())

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	defer p.pool.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("order poller stopped")
			return nil
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

func (p *OrderPoller) pollOnce(ctx context.Context) {
	intents, err := p.store.ListOpenOrderIntents(ctx)
	if err != nil {
		p.logger.Error("list open intents failed", "error", err)
		return
	}
	if len(intents) == 0 {
		return
	}

	tasks := make([]func(), 0, len(intents))
	for _, intent := range intents {
		ic := intent
		tasks = append(tasks, func() { p.checkIntent(ctx, ic) })
	}
	p.pool.SubmitBatchAndWait(tasks)
}

func (p *OrderPoller) checkIntent(ctx context.Context, intent *core.OrderIntent) {
	order, err := p.broker.GetOrderByClientID(ctx, intent.ClientOrderID)
	if err != nil {
		if errors.Is(err, apperrors.ErrOrderNotFound) {
			// Not at the broker yet (dry run, or a submit that never
			// landed). Startup reconciliation owns the resolution.
			p.logger.Debug("intent unknown to broker",
				"client_order_id", intent.ClientOrderID, "status", string(intent.Status))
			return
		}
		p.logger.Warn("order status check failed",
			"client_order_id", intent.ClientOrderID, "error", err)
		return
	}

	if !orderChanged(intent, order) {
		return
	}
	p.bus.Publish(core.OrderUpdateEvent{Order: order})
}

func orderChanged(intent *core.OrderIntent, order *core.Order) bool {
	return order.Status != intent.Status ||
		!order.FilledQuantity.Equal(intent.FilledQuantity)
}
