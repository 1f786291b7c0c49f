package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"trading_bot/internal/core"
	apperrors "trading_bot/pkg/errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SimBroker is an in-memory broker for tests and offline runs. Orders
// fill immediately at the configured mark price unless fill-on-submit is
// disabled, in which case they rest as accepted until FillOrder is called.
type SimBroker struct {
	mu sync.Mutex

	clock     core.Clock
	account   core.Account
	positions map[string]core.BrokerPosition
	orders    map[string]*core.Order // keyed by client order id
	marks     map[string]decimal.Decimal

	fillOnSubmit bool
	failSubmit   error
	failReads    error

	// call counters, read by cache tests
	ClockCalls     int
	AccountCalls   int
	PositionsCalls int
	SubmitCalls    int
	CancelCalls    int
}

var _ core.IBroker = (*SimBroker)(nil)

func NewSimBroker() *SimBroker {
	now := time.Now().UTC()
	return &SimBroker{
		clock: core.Clock{
			IsOpen:    true,
			NextOpen:  now.Add(18 * time.Hour),
			NextClose: now.Add(6 * time.Hour),
			FetchedAt: now,
		},
		account: core.Account{
			CashAvailable:  decimal.NewFromInt(100000),
			PortfolioValue: decimal.NewFromInt(100000),
			IsTradable:     true,
		},
		positions:    make(map[string]core.BrokerPosition),
		orders:       make(map[string]*core.Order),
		marks:        make(map[string]decimal.Decimal),
		fillOnSubmit: true,
	}
}

func (s *SimBroker) GetName() string { return "sim" }

// SetClock replaces the simulated market clock.
func (s *SimBroker) SetClock(clock core.Clock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
}

// SetAccount replaces the simulated account snapshot.
func (s *SimBroker) SetAccount(account core.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.account = account
}

// SetMark sets the price at which market orders for symbol fill.
func (s *SimBroker) SetMark(symbol string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marks[symbol] = price
}

// SetPosition seeds a broker-side position, e.g. for reconciliation tests.
func (s *SimBroker) SetPosition(pos core.BrokerPosition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pos.Quantity.IsZero() {
		delete(s.positions, pos.Symbol)
		return
	}
	s.positions[pos.Symbol] = pos
}

// SetFillOnSubmit toggles immediate fills. When disabled, submitted
// orders rest as accepted.
func (s *SimBroker) SetFillOnSubmit(fill bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fillOnSubmit = fill
}

// FailSubmitWith makes every subsequent SubmitOrder return err. Pass nil
// to clear.
func (s *SimBroker) FailSubmitWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failSubmit = err
}

// FailReadsWith makes every subsequent read return err. Pass nil to clear.
func (s *SimBroker) FailReadsWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failReads = err
}

func (s *SimBroker) GetClock(ctx context.Context) (*core.Clock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ClockCalls++
	if s.failReads != nil {
		return nil, s.failReads
	}
	clock := s.clock
	clock.FetchedAt = time.Now().UTC()
	return &clock, nil
}

func (s *SimBroker) GetAccount(ctx context.Context) (*core.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.AccountCalls++
	if s.failReads != nil {
		return nil, s.failReads
	}
	account := s.account
	return &account, nil
}

func (s *SimBroker) GetPositions(ctx context.Context) ([]core.BrokerPosition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PositionsCalls++
	if s.failReads != nil {
		return nil, s.failReads
	}
	out := make([]core.BrokerPosition, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p)
	}
	return out, nil
}

func (s *SimBroker) GetOpenOrders(ctx context.Context) ([]core.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failReads != nil {
		return nil, s.failReads
	}
	var out []core.Order
	for _, o := range s.orders {
		if !o.Status.IsTerminal() {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (s *SimBroker) GetOrderByClientID(ctx context.Context, clientOrderID string) (*core.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failReads != nil {
		return nil, s.failReads
	}
	o, ok := s.orders[clientOrderID]
	if !ok {
		return nil, fmt.Errorf("get order %s: %w", clientOrderID, apperrors.ErrOrderNotFound)
	}
	cp := *o
	return &cp, nil
}

func (s *SimBroker) SubmitOrder(ctx context.Context, req core.OrderRequest) (*core.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SubmitCalls++
	if s.failSubmit != nil {
		return nil, s.failSubmit
	}
	if _, exists := s.orders[req.ClientOrderID]; exists {
		return nil, fmt.Errorf("submit order %s: %w", req.ClientOrderID, apperrors.ErrDuplicateOrder)
	}

	now := time.Now().UTC()
	order := &core.Order{
		BrokerOrderID: "sim-" + uuid.NewString(),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Quantity:      req.Quantity,
		LimitPrice:    req.LimitPrice,
		Status:        core.OrderStatusAccepted,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.orders[req.ClientOrderID] = order
	if s.fillOnSubmit {
		s.fillLocked(order)
	}
	cp := *order
	return &cp, nil
}

// FillOrder fills a resting order, for tests that submit with
// fill-on-submit disabled.
func (s *SimBroker) FillOrder(clientOrderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[clientOrderID]
	if !ok {
		return fmt.Errorf("fill order %s: %w", clientOrderID, apperrors.ErrOrderNotFound)
	}
	s.fillLocked(o)
	return nil
}

func (s *SimBroker) fillLocked(order *core.Order) {
	price, ok := s.marks[order.Symbol]
	if !ok {
		price = order.LimitPrice
	}
	if price.IsZero() {
		price = decimal.NewFromInt(100)
	}

	order.Status = core.OrderStatusFilled
	order.FilledQuantity = order.Quantity
	order.AverageFillPrice = price
	order.UpdatedAt = time.Now().UTC()

	notional := order.Quantity.Mul(price)
	pos := s.positions[order.Symbol]
	pos.Symbol = order.Symbol
	pos.CurrentPrice = price
	if order.Side == core.SideBuy {
		total := pos.AverageEntryPrice.Mul(pos.Quantity).Add(notional)
		pos.Quantity = pos.Quantity.Add(order.Quantity)
		if !pos.Quantity.IsZero() {
			pos.AverageEntryPrice = total.Div(pos.Quantity)
		}
		s.account.CashAvailable = s.account.CashAvailable.Sub(notional)
	} else {
		pos.Quantity = pos.Quantity.Sub(order.Quantity)
		s.account.CashAvailable = s.account.CashAvailable.Add(notional)
	}
	if pos.Quantity.IsZero() {
		delete(s.positions, order.Symbol)
	} else {
		s.positions[order.Symbol] = pos
	}
}

func (s *SimBroker) CancelOrder(ctx context.Context, brokerOrderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CancelCalls++
	for _, o := range s.orders {
		if o.BrokerOrderID == brokerOrderID {
			if !o.Status.IsTerminal() {
				o.Status = core.OrderStatusCanceled
				o.UpdatedAt = time.Now().UTC()
			}
			return nil
		}
	}
	return fmt.Errorf("cancel order %s: %w", brokerOrderID, apperrors.ErrOrderNotFound)
}
