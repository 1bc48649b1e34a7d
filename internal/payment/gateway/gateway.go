// Package gateway defines the uniform contract implemented by each payment
// method adapter and the registry used to select one by method. Adapters own
// all provider-specific API calls, timeouts and error mapping; they hold no
// shared state beyond the intents they return.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	orderdomain "github.com/veilware/storefront/internal/order/domain"
	"github.com/veilware/storefront/internal/payment/domain"
)

var (
	ErrUnknownMethod = errors.New("no gateway registered for payment method")

	// ErrGatewayUnavailable wraps transient provider failures. Safe to retry
	// the same call; capture and queryStatus are idempotent by contract.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")

	// ErrCaptureNotSupported is returned by asynchronous methods whose
	// completion is driven by the confirmation tracker, not a capture call.
	ErrCaptureNotSupported = errors.New("capture not supported for this payment method")
)

// CaptureError is a definitive capture rejection: unknown reference, amount
// mismatch or provider decline. Not transient; not retried.
type CaptureError struct {
	Method    orderdomain.PaymentMethod
	Reference string
	Reason    string
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("capture failed (%s, ref %s): %s", e.Method, e.Reference, e.Reason)
}

// InitiateResult carries the intent plus the method-specific presentation
// data shown to the buyer. Exactly one of the presentation fields is set.
type InitiateResult struct {
	Intent         domain.PaymentIntent `json:"intent"`
	RedirectURL    string               `json:"redirect_url,omitempty"`
	DepositAddress string               `json:"deposit_address,omitempty"`
	QRPayload      string               `json:"qr_payload,omitempty"`
	PaymentURL     string               `json:"payment_url,omitempty"`
}

type CaptureResult struct {
	Reference  string
	Amount     decimal.Decimal
	CapturedAt time.Time
}

type Gateway interface {
	Method() orderdomain.PaymentMethod

	// Initiate contacts the provider and returns a new intent with its
	// presentation data. Requires a non-empty item list and positive total.
	Initiate(ctx context.Context, o orderdomain.Order) (InitiateResult, error)

	// Capture finalizes a synchronous (redirect) payment. Asynchronous
	// methods return ErrCaptureNotSupported.
	Capture(ctx context.Context, intent domain.PaymentIntent) (CaptureResult, error)

	// QueryStatus reads the provider-side status of an intent. No side
	// effects beyond the status read; safe to call repeatedly.
	QueryStatus(ctx context.Context, intent domain.PaymentIntent) (domain.IntentStatus, error)

	// Refund issues a refund instruction for a captured payment.
	Refund(ctx context.Context, intent domain.PaymentIntent, amount decimal.Decimal) error
}

// ValidateInitiate enforces the shared initiate preconditions.
func ValidateInitiate(o orderdomain.Order) error {
	if len(o.Items) == 0 {
		return errors.New("initiate: order has no items")
	}
	if o.TotalAmount.LessThanOrEqual(decimal.Zero) {
		return errors.New("initiate: order total must be positive")
	}
	return nil
}

type Registry struct {
	byMethod map[orderdomain.PaymentMethod]Gateway
}

func NewRegistry(gateways ...Gateway) *Registry {
	r := &Registry{byMethod: make(map[orderdomain.PaymentMethod]Gateway, len(gateways))}
	for _, gw := range gateways {
		r.byMethod[gw.Method()] = gw
	}
	return r
}

func (r *Registry) ForMethod(m orderdomain.PaymentMethod) (Gateway, error) {
	gw, ok := r.byMethod[m]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, m)
	}
	return gw, nil
}
