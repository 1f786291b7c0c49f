// Package broker provides the execution endpoint implementations: the
// Alpaca adapter, an in-memory simulator, and the guarded wrapper that
// enforces the safety gates around both.
package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"trading_bot/internal/config"
	"trading_bot/internal/core"
	apperrors "trading_bot/pkg/errors"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
)

const (
	liveEndpoint  = "https://api.alpaca.markets"
	paperEndpoint = "https://paper-api.alpaca.markets"
)

// AlpacaBroker adapts the Alpaca trading API to core.IBroker. It performs
// no retries and no caching itself; resilience lives in GuardedBroker.
type AlpacaBroker struct {
	client *alpaca.Client
	name   string
	logger core.ILogger
}

var _ core.IBroker = (*AlpacaBroker)(nil)

// NewAlpacaBroker selects the endpoint from mode unless the config
// overrides it.
func NewAlpacaBroker(cfg config.BrokerConfig, mode string, logger core.ILogger) *AlpacaBroker {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		if mode == "live" {
			baseURL = liveEndpoint
		} else {
			baseURL = paperEndpoint
		}
	}

	client := alpaca.NewClient(alpaca.ClientOpts{
		APIKey:     cfg.APIKey,
		APISecret:  cfg.APISecret,
		BaseURL:    baseURL,
		RetryLimit: 1, // backoff is owned by the guarded read pipeline
	})

	return &AlpacaBroker{
		client: client,
		name:   "alpaca:" + mode,
		logger: logger.WithField("component", "alpaca_broker"),
	}
}

func (b *AlpacaBroker) GetName() string {
	return b.name
}

// GetClock fetches the market clock. Never cached: risk checks require a
// fresh reading.
func (b *AlpacaBroker) GetClock(ctx context.Context) (*core.Clock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	clock, err := b.client.GetClock()
	if err != nil {
		return nil, classify("get clock", err)
	}
	return &core.Clock{
		IsOpen:    clock.IsOpen,
		NextOpen:  clock.NextOpen.UTC(),
		NextClose: clock.NextClose.UTC(),
		FetchedAt: time.Now().UTC(),
	}, nil
}

func (b *AlpacaBroker) GetAccount(ctx context.Context) (*core.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	acct, err := b.client.GetAccount()
	if err != nil {
		return nil, classify("get account", err)
	}

	restricted := acct.TradingBlocked || acct.AccountBlocked || acct.TradeSuspendedByUser
	return &core.Account{
		CashAvailable:       acct.Cash,
		PortfolioValue:      acct.Equity,
		DayTradeCount:       int(acct.DaytradeCount),
		IsTradable:          !restricted,
		IsAccountRestricted: restricted,
	}, nil
}

func (b *AlpacaBroker) GetPositions(ctx context.Context) ([]core.BrokerPosition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	positions, err := b.client.GetPositions()
	if err != nil {
		return nil, classify("get positions", err)
	}

	out := make([]core.BrokerPosition, 0, len(positions))
	for _, p := range positions {
		bp := core.BrokerPosition{
			Symbol:            p.Symbol,
			Quantity:          p.Qty,
			AverageEntryPrice: p.AvgEntryPrice,
		}
		if p.CurrentPrice != nil {
			bp.CurrentPrice = *p.CurrentPrice
		}
		if p.UnrealizedPL != nil {
			bp.UnrealizedPnL = *p.UnrealizedPL
		}
		out = append(out, bp)
	}
	return out, nil
}

func (b *AlpacaBroker) GetOpenOrders(ctx context.Context) ([]core.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	orders, err := b.client.GetOrders(alpaca.GetOrdersRequest{
		Status: "open",
		Limit:  500,
	})
	if err != nil {
		return nil, classify("get open orders", err)
	}

	out := make([]core.Order, 0, len(orders))
	for i := range orders {
		out = append(out, b.mapOrder(&orders[i]))
	}
	return out, nil
}

func (b *AlpacaBroker) GetOrderByClientID(ctx context.Context, clientOrderID string) (*core.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	order, err := b.client.GetOrderByClientOrderID(clientOrderID)
	if err != nil {
		return nil, classify("get order by client id", err)
	}
	mapped := b.mapOrder(order)
	return &mapped, nil
}

// SubmitOrder forwards one submission. Failures are returned as-is: the
// order manager owns circuit-breaker accounting, and a submit is never
// retried because the broker may have accepted it before the error.
func (b *AlpacaBroker) SubmitOrder(ctx context.Context, req core.OrderRequest) (*core.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	qty := req.Quantity
	placeReq := alpaca.PlaceOrderRequest{
		Symbol:        req.Symbol,
		Qty:           &qty,
		TimeInForce:   alpaca.Day,
		ClientOrderID: req.ClientOrderID,
	}
	if req.Side == core.SideBuy {
		placeReq.Side = alpaca.Buy
	} else {
		placeReq.Side = alpaca.Sell
	}
	if req.LimitPrice.IsZero() {
		placeReq.Type = alpaca.Market
	} else {
		placeReq.Type = alpaca.Limit
		limit := req.LimitPrice
		placeReq.LimitPrice = &limit
	}

	order, err := b.client.PlaceOrder(placeReq)
	if err != nil {
		return nil, classify("submit order", err)
	}
	mapped := b.mapOrder(order)
	return &mapped, nil
}

func (b *AlpacaBroker) CancelOrder(ctx context.Context, brokerOrderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.client.CancelOrder(brokerOrderID); err != nil {
		return classify("cancel order", err)
	}
	return nil
}

func (b *AlpacaBroker) mapOrder(o *alpaca.Order) core.Order {
	order := core.Order{
		BrokerOrderID:  o.ID,
		ClientOrderID:  o.ClientOrderID,
		Symbol:         o.Symbol,
		Side:           core.Side(o.Side),
		FilledQuantity: o.FilledQty,
		Status:         b.mapStatus(o.Status),
		CreatedAt:      o.CreatedAt.UTC(),
		UpdatedAt:      o.UpdatedAt.UTC(),
	}
	if o.Qty != nil {
		order.Quantity = *o.Qty
	}
	if o.FilledAvgPrice != nil {
		order.AverageFillPrice = *o.FilledAvgPrice
	}
	if o.LimitPrice != nil {
		order.LimitPrice = *o.LimitPrice
	}
	return order
}

// mapStatus folds Alpaca's long status vocabulary onto the bot's enum.
// Unknown statuses map to accepted with a warning rather than failing the
// poll cycle.
func (b *AlpacaBroker) mapStatus(status string) core.OrderStatus {
	switch status {
	case "new", "accepted", "accepted_for_bidding", "calculated":
		return core.OrderStatusAccepted
	case "pending_new":
		return core.OrderStatusPendingNew
	case "partially_filled":
		return core.OrderStatusPartiallyFilled
	case "filled":
		return core.OrderStatusFilled
	case "done_for_day", "expired":
		return core.OrderStatusExpired
	case "canceled", "stopped":
		return core.OrderStatusCanceled
	case "pending_cancel":
		return core.OrderStatusPendingCancel
	case "pending_replace":
		return core.OrderStatusPendingReplace
	case "replaced":
		return core.OrderStatusReplaced
	case "rejected":
		return core.OrderStatusRejected
	case "held", "suspended":
		return core.OrderStatusSuspended
	default:
		b.logger.Warn("unknown broker order status", "status", status)
		return core.OrderStatusAccepted
	}
}

// classify maps transport and API failures onto the bot's error kinds so
// callers can test with errors.Is.
func classify(op string, err error) error {
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 401:
			return fmt.Errorf("%s: %s: %w", op, apiErr.Message, apperrors.ErrAuthenticationFailed)
		case apiErr.StatusCode == 403 && strings.Contains(strings.ToLower(apiErr.Message), "insufficient"):
			return fmt.Errorf("%s: %s: %w", op, apiErr.Message, apperrors.ErrInsufficientFunds)
		case apiErr.StatusCode == 403:
			return fmt.Errorf("%s: %s: %w", op, apiErr.Message, apperrors.ErrAuthenticationFailed)
		case apiErr.StatusCode == 404:
			return fmt.Errorf("%s: %w", op, apperrors.ErrOrderNotFound)
		case apiErr.StatusCode == 422:
			return fmt.Errorf("%s: %s: %w", op, apiErr.Message, apperrors.ErrInvalidOrderParameter)
		case apiErr.StatusCode == 429:
			return fmt.Errorf("%s: %w", op, apperrors.ErrRateLimitExceeded)
		case apiErr.StatusCode >= 500:
			return fmt.Errorf("%s: %s: %w", op, apiErr.Message, apperrors.ErrNetwork)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	// Anything without an HTTP status is a transport problem.
	return fmt.Errorf("%s: %v: %w", op, err, apperrors.ErrNetwork)
}
