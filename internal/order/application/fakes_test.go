package application

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/veilware/storefront/internal/order/domain"
	paymentdomain "github.com/veilware/storefront/internal/payment/domain"
	"github.com/veilware/storefront/internal/payment/gateway"
	"github.com/veilware/storefront/pkg/outbox"
)

// memRepo implements the conditional-update contract in memory for tests.
type memRepo struct {
	mu     sync.Mutex
	orders map[string]domain.Order
	events []outbox.Pending
}

func newMemRepo() *memRepo {
	return &memRepo{orders: make(map[string]domain.Order)}
}

func (r *memRepo) Create(_ context.Context, o domain.Order, events ...outbox.Pending) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.orders[o.ID]; ok {
		return fmt.Errorf("order %s already exists", o.ID)
	}
	r.orders[o.ID] = o
	r.events = append(r.events, events...)
	return nil
}

func (r *memRepo) Get(_ context.Context, id string) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return domain.Order{}, fmt.Errorf("order %s: %w", id, domain.ErrOrderNotFound)
	}
	return o, nil
}

func (r *memRepo) UpdateConditional(_ context.Context, o domain.Order, expected domain.OrderStatus, events ...outbox.Pending) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.orders[o.ID]
	if !ok {
		return fmt.Errorf("order %s: %w", o.ID, domain.ErrOrderNotFound)
	}
	if current.Status != expected {
		return fmt.Errorf("order %s: expected status %s: %w", o.ID, expected, domain.ErrConcurrentModification)
	}
	r.orders[o.ID] = o
	r.events = append(r.events, events...)
	return nil
}

func (r *memRepo) eventTypes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]string, 0, len(r.events))
	for _, e := range r.events {
		types = append(types, e.Type)
	}
	return types
}

type memIntents struct {
	mu    sync.Mutex
	byRef map[string]paymentdomain.PaymentIntent
}

func newMemIntents() *memIntents {
	return &memIntents{byRef: make(map[string]paymentdomain.PaymentIntent)}
}

func (s *memIntents) Save(_ context.Context, intent paymentdomain.PaymentIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byRef[intent.ExternalReference] = intent
	return nil
}

func (s *memIntents) GetByReference(_ context.Context, ref string) (paymentdomain.PaymentIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	intent, ok := s.byRef[ref]
	if !ok {
		return paymentdomain.PaymentIntent{}, fmt.Errorf("%s: %w", ref, paymentdomain.ErrIntentNotFound)
	}
	return intent, nil
}

func (s *memIntents) GetCurrent(_ context.Context, orderID string) (paymentdomain.PaymentIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest paymentdomain.PaymentIntent
	found := false
	for _, intent := range s.byRef {
		if intent.OrderID == orderID && (!found || intent.CreatedAt.After(latest.CreatedAt)) {
			latest, found = intent, true
		}
	}
	if !found {
		return paymentdomain.PaymentIntent{}, fmt.Errorf("%s: %w", orderID, paymentdomain.ErrIntentNotFound)
	}
	return latest, nil
}

func (s *memIntents) Transition(_ context.Context, ref string, from, to paymentdomain.IntentStatus, confirmations int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	intent, ok := s.byRef[ref]
	if !ok {
		return fmt.Errorf("%s: %w", ref, paymentdomain.ErrIntentNotFound)
	}
	if intent.Status != from {
		return fmt.Errorf("intent %s: expected status %s: %w", ref, from, paymentdomain.ErrIntentConflict)
	}
	intent.Status = to
	intent.Confirmations = confirmations
	s.byRef[ref] = intent
	return nil
}

// stubGateway counts calls and delegates to injectable funcs.
type stubGateway struct {
	method      domain.PaymentMethod
	initiateFn  func(o domain.Order) (gateway.InitiateResult, error)
	captureFn   func(intent paymentdomain.PaymentIntent) (gateway.CaptureResult, error)
	refundErr   error
	captureCnt  int
	refundCnt   int
	refundTotal decimal.Decimal
}

func (g *stubGateway) Method() domain.PaymentMethod { return g.method }

func (g *stubGateway) Initiate(_ context.Context, o domain.Order) (gateway.InitiateResult, error) {
	if err := gateway.ValidateInitiate(o); err != nil {
		return gateway.InitiateResult{}, err
	}
	return g.initiateFn(o)
}

func (g *stubGateway) Capture(_ context.Context, intent paymentdomain.PaymentIntent) (gateway.CaptureResult, error) {
	g.captureCnt++
	if g.captureFn == nil {
		return gateway.CaptureResult{Reference: intent.ExternalReference, Amount: intent.ExpectedAmount}, nil
	}
	return g.captureFn(intent)
}

func (g *stubGateway) QueryStatus(_ context.Context, intent paymentdomain.PaymentIntent) (paymentdomain.IntentStatus, error) {
	return intent.Status, nil
}

func (g *stubGateway) Refund(_ context.Context, _ paymentdomain.PaymentIntent, amount decimal.Decimal) error {
	if g.refundErr != nil {
		return g.refundErr
	}
	g.refundCnt++
	g.refundTotal = g.refundTotal.Add(amount)
	return nil
}

type stubCatalog map[string]ProductSnapshot

func (c stubCatalog) Snapshot(_ context.Context, productID string) (ProductSnapshot, error) {
	snap, ok := c[productID]
	if !ok {
		return ProductSnapshot{}, fmt.Errorf("product %s not found", productID)
	}
	return snap, nil
}

type stubShipping map[string]domain.ShippingMethod

func (s stubShipping) Lookup(_ context.Context, id string) (domain.ShippingMethod, error) {
	m, ok := s[id]
	if !ok {
		return domain.ShippingMethod{}, fmt.Errorf("shipping method %s not found", id)
	}
	return m, nil
}
