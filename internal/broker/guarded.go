package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"trading_bot/internal/core"
	apperrors "trading_bot/pkg/errors"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/google/uuid"
)

const defaultCacheTTL = time.Second

// GuardedBroker wraps a broker with the execution guards: transient read
// failures retry with backoff behind a circuit breaker, account and
// position reads are cached for one second, and submissions pass the kill
// switch and dry-run gates. Submissions are never retried here because a
// timed-out submit may still have been accepted by the broker.
type GuardedBroker struct {
	inner      core.IBroker
	logger     core.ILogger
	killSwitch bool
	dryRun     bool
	cacheTTL   time.Duration
	now        func() time.Time

	readPipeline failsafe.Executor[any]

	accountMu      sync.Mutex
	accountCached  *core.Account
	accountFetched time.Time

	positionsMu      sync.Mutex
	positionsCached  []core.BrokerPosition
	positionsFetched time.Time
}

var _ core.IBroker = (*GuardedBroker)(nil)

func NewGuardedBroker(inner core.IBroker, killSwitch, dryRun bool, logger core.ILogger) *GuardedBroker {
	retryPolicy := retrypolicy.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool {
			return apperrors.IsTransient(err)
		}).
		WithBackoff(100*time.Millisecond, 2*time.Second).
		WithMaxRetries(3).
		Build()

	breaker := circuitbreaker.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool {
			return apperrors.IsTransient(err)
		}).
		WithFailureThresholdRatio(5, 10).
		WithDelay(10 * time.Second).
		Build()

	return &GuardedBroker{
		inner:        inner,
		logger:       logger.WithField("component", "guarded_broker"),
		killSwitch:   killSwitch,
		dryRun:       dryRun,
		cacheTTL:     defaultCacheTTL,
		now:          time.Now,
		readPipeline: failsafe.With[any](retryPolicy, breaker),
	}
}

func (g *GuardedBroker) GetName() string {
	return g.inner.GetName()
}

func (g *GuardedBroker) read(ctx context.Context, fn func() (any, error)) (any, error) {
	return g.readPipeline.GetWithExecution(func(_ failsafe.Execution[any]) (any, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return fn()
	})
}

// GetClock is never cached. Session checks need the broker's current view
// of the market, not a stale one.
func (g *GuardedBroker) GetClock(ctx context.Context) (*core.Clock, error) {
	out, err := g.read(ctx, func() (any, error) { return g.inner.GetClock(ctx) })
	if err != nil {
		return nil, err
	}
	return out.(*core.Clock), nil
}

func (g *GuardedBroker) GetAccount(ctx context.Context) (*core.Account, error) {
	g.accountMu.Lock()
	defer g.accountMu.Unlock()

	if g.accountCached != nil && g.now().Sub(g.accountFetched) < g.cacheTTL {
		return g.accountCached, nil
	}

	out, err := g.read(ctx, func() (any, error) { return g.inner.GetAccount(ctx) })
	if err != nil {
		return nil, err
	}
	g.accountCached = out.(*core.Account)
	g.accountFetched = g.now()
	return g.accountCached, nil
}

func (g *GuardedBroker) GetPositions(ctx context.Context) ([]core.BrokerPosition, error) {
	g.positionsMu.Lock()
	defer g.positionsMu.Unlock()

	if g.positionsCached != nil && g.now().Sub(g.positionsFetched) < g.cacheTTL {
		return g.positionsCached, nil
	}

	out, err := g.read(ctx, func() (any, error) { return g.inner.GetPositions(ctx) })
	if err != nil {
		return nil, err
	}
	g.positionsCached = out.([]core.BrokerPosition)
	g.positionsFetched = g.now()
	return g.positionsCached, nil
}

func (g *GuardedBroker) GetOpenOrders(ctx context.Context) ([]core.Order, error) {
	out, err := g.read(ctx, func() (any, error) { return g.inner.GetOpenOrders(ctx) })
	if err != nil {
		return nil, err
	}
	return out.([]core.Order), nil
}

func (g *GuardedBroker) GetOrderByClientID(ctx context.Context, clientOrderID string) (*core.Order, error) {
	out, err := g.read(ctx, func() (any, error) { return g.inner.GetOrderByClientID(ctx, clientOrderID) })
	if err != nil {
		return nil, err
	}
	return out.(*core.Order), nil
}

// SubmitOrder applies the dual gate before anything reaches the wire. A
// successful submission invalidates the account and position caches.
func (g *GuardedBroker) SubmitOrder(ctx context.Context, req core.OrderRequest) (*core.Order, error) {
	if g.killSwitch {
		return nil, fmt.Errorf("submit %s %s: %w", req.Side, req.Symbol, apperrors.ErrKillSwitchActive)
	}
	if g.dryRun {
		return g.syntheticOrder(req), nil
	}

	order, err := g.inner.SubmitOrder(ctx, req)
	if err != nil {
		return nil, err
	}
	g.invalidateCaches()
	return order, nil
}

// CancelOrder is allowed even under the kill switch: cancels only reduce
// exposure.
func (g *GuardedBroker) CancelOrder(ctx context.Context, brokerOrderID string) error {
	if g.dryRun {
		g.logger.Info("dry run: cancel not sent to broker", "broker_order_id", brokerOrderID)
		return nil
	}
	if err := g.inner.CancelOrder(ctx, brokerOrderID); err != nil {
		return err
	}
	g.invalidateCaches()
	return nil
}

func (g *GuardedBroker) syntheticOrder(req core.OrderRequest) *core.Order {
	now := g.now().UTC()
	g.logger.Info("dry run: order not sent to broker",
		"symbol", req.Symbol,
		"side", string(req.Side),
		"quantity", req.Quantity.String(),
		"client_order_id", req.ClientOrderID,
	)
	return &core.Order{
		BrokerOrderID: "dry-run-" + uuid.NewString(),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Quantity:      req.Quantity,
		LimitPrice:    req.LimitPrice,
		Status:        core.OrderStatusAccepted,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func (g *GuardedBroker) invalidateCaches() {
	g.accountMu.Lock()
	g.accountCached = nil
	g.accountMu.Unlock()

	g.positionsMu.Lock()
	g.positionsCached = nil
	g.positionsMu.Unlock()
}
