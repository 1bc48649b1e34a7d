package domain

import (
	"fmt"
	"time"
)

// legalTransitions is the canonical table of fulfillment moves. Cancellation
// is only reachable while the order is pending or processing; delivered
// orders leave the happy path only through an approved return.
var legalTransitions = map[OrderStatus][]OrderStatus{
	StatusPending:        {StatusProcessing, StatusCancelled},
	StatusProcessing:     {StatusShipped, StatusCancelled},
	StatusShipped:        {StatusOutForDelivery},
	StatusOutForDelivery: {StatusDelivered},
	StatusDelivered:      {StatusReturned},
	StatusCancelled:      {},
	StatusReturned:       {},
}

func CanTransition(from, to OrderStatus) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition returns a new order snapshot with the target status applied and
// one history entry appended. The receiver is never mutated; callers persist
// the snapshot with a conditional update keyed on the prior status.
func Transition(o Order, to OrderStatus, note string, now time.Time) (Order, error) {
	if !CanTransition(o.Status, to) {
		return Order{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, to)
	}
	next := o
	next.Status = to
	next.UpdatedAt = now
	next.StatusHistory = appendHistory(o.StatusHistory, StatusEntry{Status: to, At: now, Note: note})
	if to == StatusDelivered {
		d := now
		next.DeliveryDate = &d
	}
	return next, nil
}

// WithPaymentStatus returns a snapshot with the payment status changed and a
// history note appended under the unchanged order status. Payment status is
// owned by the state machine alongside order status; no other component may
// write it.
func WithPaymentStatus(o Order, ps PaymentStatus, note string, now time.Time) Order {
	next := o
	next.PaymentStatus = ps
	next.UpdatedAt = now
	next.StatusHistory = appendHistory(o.StatusHistory, StatusEntry{Status: o.Status, At: now, Note: note})
	return next
}

func appendHistory(history []StatusEntry, entry StatusEntry) []StatusEntry {
	out := make([]StatusEntry, len(history), len(history)+1)
	copy(out, history)
	return append(out, entry)
}
