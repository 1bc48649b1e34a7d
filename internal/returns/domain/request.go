package domain

import (
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"

	orderdomain "github.com/veilware/storefront/internal/order/domain"
)

// EligibilityWindow is how long after delivery a return may be opened.
const EligibilityWindow = 30 * 24 * time.Hour

type Status string

const (
	StatusRequested    Status = "requested"
	StatusApproved     Status = "approved"
	StatusRejected     Status = "rejected"
	StatusRefundIssued Status = "refund_issued"
)

var (
	// ErrNotEligible is a business-rule violation: surfaced, never retried,
	// and no record is created.
	ErrNotEligible = errors.New("order not eligible for return")

	ErrRequestNotFound = errors.New("return request not found")

	// ErrRequestConflict is an optimistic-concurrency conflict on the
	// request's status.
	ErrRequestConflict = errors.New("return request modified concurrently")
)

type Item struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	Reason    string `json:"reason,omitempty"`
}

type Request struct {
	ID                string          `json:"id"`
	OrderID           string          `json:"order_id"`
	RequestNumber     string          `json:"request_number"`
	RequestDate       time.Time       `json:"request_date"`
	Items             []Item          `json:"items"`
	TotalRefundAmount decimal.Decimal `json:"total_refund_amount"`
	Status            Status          `json:"status"`
	ResolvedAt        *time.Time      `json:"resolved_at,omitempty"`
}

func (r Request) Terminal() bool {
	return r.Status == StatusRejected || r.Status == StatusRefundIssued
}

// CheckEligibility enforces the return window: the order must be delivered,
// within EligibilityWindow of the delivery date, and without an open request.
func CheckEligibility(o orderdomain.Order, now time.Time) error {
	if o.Status != orderdomain.StatusDelivered {
		return fmt.Errorf("%w: order status is %s", ErrNotEligible, o.Status)
	}
	if o.DeliveryDate == nil {
		return fmt.Errorf("%w: no delivery date recorded", ErrNotEligible)
	}
	if now.After(o.DeliveryDate.Add(EligibilityWindow)) {
		return fmt.Errorf("%w: return window closed", ErrNotEligible)
	}
	if o.HasReturnRequest {
		return fmt.Errorf("%w: a return request is already open", ErrNotEligible)
	}
	return nil
}

// NewRequest builds a return request for a subset of the order's items,
// priced from the order's frozen unit prices.
func NewRequest(id string, o orderdomain.Order, items []Item, now time.Time) (Request, error) {
	if len(items) == 0 {
		return Request{}, fmt.Errorf("%w: no items requested", ErrNotEligible)
	}

	byProduct := make(map[string]orderdomain.OrderItem, len(o.Items))
	for _, it := range o.Items {
		byProduct[it.ProductID] = it
	}

	refund := decimal.Zero
	for _, it := range items {
		ordered, ok := byProduct[it.ProductID]
		if !ok {
			return Request{}, fmt.Errorf("%w: product %s not on order", ErrNotEligible, it.ProductID)
		}
		if it.Quantity <= 0 || it.Quantity > ordered.Quantity {
			return Request{}, fmt.Errorf("%w: invalid quantity for %s", ErrNotEligible, it.ProductID)
		}
		refund = refund.Add(ordered.UnitPrice.Mul(decimal.NewFromInt(int64(it.Quantity))))
	}

	return Request{
		ID:                id,
		OrderID:           o.ID,
		RequestNumber:     fmt.Sprintf("RET-%d-%06d", now.Unix(), rand.Intn(1_000_000)),
		RequestDate:       now,
		Items:             items,
		TotalRefundAmount: refund,
		Status:            StatusRequested,
	}, nil
}
