package application

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/veilware/storefront/internal/order/domain"
	paymentdomain "github.com/veilware/storefront/internal/payment/domain"
	"github.com/veilware/storefront/pkg/outbox"
)

// OrderRepository is the only shared mutable resource. UpdateConditional is
// the concurrency primitive: the write commits only if the stored status
// still equals expected, otherwise domain.ErrConcurrentModification.
// Status mutation, history append and outbox rows commit atomically.
type OrderRepository interface {
	Create(ctx context.Context, o domain.Order, events ...outbox.Pending) error
	Get(ctx context.Context, id string) (domain.Order, error)
	UpdateConditional(ctx context.Context, o domain.Order, expected domain.OrderStatus, events ...outbox.Pending) error
}

type IntentRepository interface {
	Save(ctx context.Context, intent paymentdomain.PaymentIntent) error
	GetByReference(ctx context.Context, ref string) (paymentdomain.PaymentIntent, error)
	// GetCurrent returns the most recent intent for an order.
	GetCurrent(ctx context.Context, orderID string) (paymentdomain.PaymentIntent, error)
	Transition(ctx context.Context, ref string, from, to paymentdomain.IntentStatus, confirmations int) error
}

// Catalog supplies product snapshots at order-creation time only; prices are
// frozen into the order and never read back.
type Catalog interface {
	Snapshot(ctx context.Context, productID string) (ProductSnapshot, error)
}

type ProductSnapshot struct {
	ID            string
	Name          string
	Price         decimal.Decimal
	StockQuantity int
}

type ShippingMethods interface {
	Lookup(ctx context.Context, id string) (domain.ShippingMethod, error)
}

// Principal is the opaque authenticated caller handed in by the auth
// collaborator; credentials are never parsed here.
type Principal struct {
	ID   string
	Role string
}

const (
	RoleAdmin    = "admin"
	RoleCustomer = "customer"
)
