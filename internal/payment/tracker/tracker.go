// Package tracker converts external payment signals (webhook pushes and poll
// results) into at-most-one order advancement per intent. The conditional
// intent transition in the store is the exactly-once gate; everything behind
// it is idempotent.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/veilware/storefront/internal/payment/domain"
)

// Signal is one external observation about a payment. Exactly one of
// Confirmations (on-chain) or StatusCode (processor) is set.
type Signal struct {
	ExternalReference string `json:"reference"`
	Confirmations     *int   `json:"confirmations,omitempty"`
	StatusCode        string `json:"status,omitempty"`
}

type IntentStore interface {
	GetByReference(ctx context.Context, ref string) (domain.PaymentIntent, error)
	// Transition conditionally moves the intent between statuses and records
	// the latest confirmation count. Returns domain.ErrIntentConflict when
	// the stored status no longer matches from.
	Transition(ctx context.Context, ref string, from, to domain.IntentStatus, confirmations int) error
}

// OrderAdvancer is implemented by the order state machine. All methods are
// idempotent with respect to already-applied transitions.
type OrderAdvancer interface {
	CompletePayment(ctx context.Context, orderID string) error
	ExpirePayment(ctx context.Context, orderID string) error
	FailPayment(ctx context.Context, orderID string, reason string) error
}

type statusMapper func(code string, current domain.IntentStatus) domain.IntentStatus

type Tracker struct {
	log     *slog.Logger
	intents IntentStore
	orders  OrderAdvancer
	mapCode statusMapper
	now     func() time.Time
	tracer  trace.Tracer
}

func New(log *slog.Logger, intents IntentStore, orders OrderAdvancer, mapCode statusMapper) *Tracker {
	if mapCode == nil {
		mapCode = defaultStatusMapper
	}
	return &Tracker{
		log:     log,
		intents: intents,
		orders:  orders,
		mapCode: mapCode,
		now:     time.Now,
		tracer:  otel.Tracer("payment-tracker"),
	}
}

// HandleSignal is the single push/pull-agnostic consumer for payment
// progress. Safe to call with retried or duplicated signals.
func (t *Tracker) HandleSignal(ctx context.Context, sig Signal) error {
	ctx, span := t.tracer.Start(ctx, "HandlePaymentSignal")
	defer span.End()

	intent, err := t.intents.GetByReference(ctx, sig.ExternalReference)
	if err != nil {
		return fmt.Errorf("signal for ref %s: %w", sig.ExternalReference, err)
	}

	if intent.Terminal() {
		t.log.Info("signal for settled intent ignored",
			"reference", sig.ExternalReference, "intent_status", intent.Status)
		if intent.Status == domain.IntentCompleted {
			// Heals a crash between intent commit and order advancement;
			// the advancer no-ops when the order already moved.
			return t.orders.CompletePayment(ctx, intent.OrderID)
		}
		return nil
	}

	if intent.ExpiredAt(t.now()) {
		return t.expire(ctx, intent)
	}

	if sig.Confirmations != nil {
		return t.applyConfirmations(ctx, intent, *sig.Confirmations)
	}
	return t.applyStatusCode(ctx, intent, sig.StatusCode)
}

func (t *Tracker) applyConfirmations(ctx context.Context, intent domain.PaymentIntent, confirmations int) error {
	if confirmations < intent.RequiredConfirmations {
		if intent.Status == domain.IntentInitiated {
			err := t.intents.Transition(ctx, intent.ExternalReference,
				domain.IntentInitiated, domain.IntentAwaitingConfirmation, confirmations)
			if err != nil && !errors.Is(err, domain.ErrIntentConflict) {
				return err
			}
		}
		t.log.Info("payment below confirmation threshold",
			"reference", intent.ExternalReference,
			"confirmations", confirmations, "required", intent.RequiredConfirmations)
		return nil
	}
	return t.complete(ctx, intent, confirmations)
}

func (t *Tracker) applyStatusCode(ctx context.Context, intent domain.PaymentIntent, code string) error {
	switch t.mapCode(code, intent.Status) {
	case domain.IntentCompleted:
		return t.complete(ctx, intent, intent.RequiredConfirmations)
	case domain.IntentExpired:
		return t.expire(ctx, intent)
	case domain.IntentFailed:
		if err := t.intents.Transition(ctx, intent.ExternalReference,
			intent.Status, domain.IntentFailed, intent.Confirmations); err != nil {
			if errors.Is(err, domain.ErrIntentConflict) {
				return nil
			}
			return err
		}
		return t.orders.FailPayment(ctx, intent.OrderID, "processor reported "+code)
	default:
		t.log.Info("payment still pending", "reference", intent.ExternalReference, "code", code)
		return nil
	}
}

func (t *Tracker) complete(ctx context.Context, intent domain.PaymentIntent, confirmations int) error {
	err := t.intents.Transition(ctx, intent.ExternalReference,
		intent.Status, domain.IntentCompleted, confirmations)
	if err != nil {
		if errors.Is(err, domain.ErrIntentConflict) {
			// Another signal won the race; nothing left to apply.
			t.log.Info("duplicate completion signal ignored", "reference", intent.ExternalReference)
			return nil
		}
		return err
	}

	t.log.Info("payment confirmed",
		"reference", intent.ExternalReference, "order_id", intent.OrderID,
		"confirmations", confirmations)
	return t.orders.CompletePayment(ctx, intent.OrderID)
}

func (t *Tracker) expire(ctx context.Context, intent domain.PaymentIntent) error {
	err := t.intents.Transition(ctx, intent.ExternalReference,
		intent.Status, domain.IntentExpired, intent.Confirmations)
	if err != nil {
		if errors.Is(err, domain.ErrIntentConflict) {
			return nil
		}
		return err
	}

	t.log.Info("payment intent expired", "reference", intent.ExternalReference, "order_id", intent.OrderID)
	if err := t.orders.ExpirePayment(ctx, intent.OrderID); err != nil {
		return err
	}
	return fmt.Errorf("ref %s: %w", intent.ExternalReference, domain.ErrPaymentExpired)
}

func defaultStatusMapper(code string, current domain.IntentStatus) domain.IntentStatus {
	switch code {
	case "paid", "confirmed", "completed":
		return domain.IntentCompleted
	case "expired":
		return domain.IntentExpired
	case "failed", "cancelled":
		return domain.IntentFailed
	default:
		return current
	}
}
