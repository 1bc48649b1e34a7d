package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/veilware/storefront/internal/order/domain"
	paymentdomain "github.com/veilware/storefront/internal/payment/domain"
	"github.com/veilware/storefront/internal/payment/gateway"
	"github.com/veilware/storefront/pkg/outbox"
)

var (
	ErrEmptyCart              = errors.New("cart has no items")
	ErrInsufficientStock      = errors.New("insufficient stock")
	ErrNotAuthorized          = errors.New("caller not authorized for this operation")
	ErrPaymentAlreadyComplete = errors.New("payment already completed")
	ErrReturnAlreadyRequested = errors.New("order already has an open return request")
)

type CartLine struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type TrackingInfo struct {
	Number string `json:"tracking_number"`
	URL    string `json:"tracking_url,omitempty"`
}

// Service is the order state machine: the sole authority over status and
// payment status transitions. All writes go through the repository's
// conditional update, so two concurrent signals for one order cannot both
// succeed.
type Service struct {
	log      *slog.Logger
	repo     OrderRepository
	intents  IntentRepository
	gateways *gateway.Registry
	catalog  Catalog
	shipping ShippingMethods
	taxRate  decimal.Decimal
	now      func() time.Time
	tracer   trace.Tracer
}

func NewService(log *slog.Logger, repo OrderRepository, intents IntentRepository, gateways *gateway.Registry, catalog Catalog, shipping ShippingMethods, taxRate decimal.Decimal) *Service {
	return &Service{
		log:      log,
		repo:     repo,
		intents:  intents,
		gateways: gateways,
		catalog:  catalog,
		shipping: shipping,
		taxRate:  taxRate,
		now:      time.Now,
		tracer:   otel.Tracer("order-service"),
	}
}

func (s *Service) Get(ctx context.Context, orderID string) (domain.Order, error) {
	return s.repo.Get(ctx, orderID)
}

// CreateOrder snapshots catalog prices into a new pending/unpaid order.
// Totals are computed once here and frozen. A zero billing address aliases
// the shipping address.
func (s *Service) CreateOrder(ctx context.Context, customerID string, lines []CartLine, shipping, billing domain.Address, shippingMethodID string, method domain.PaymentMethod) (domain.Order, error) {
	ctx, span := s.tracer.Start(ctx, "CreateOrder")
	defer span.End()

	if len(lines) == 0 {
		return domain.Order{}, ErrEmptyCart
	}

	shipMethod, err := s.shipping.Lookup(ctx, shippingMethodID)
	if err != nil {
		return domain.Order{}, fmt.Errorf("shipping method %s: %w", shippingMethodID, err)
	}

	items := make([]domain.OrderItem, 0, len(lines))
	subtotal := decimal.Zero
	for _, line := range lines {
		if line.Quantity <= 0 {
			return domain.Order{}, fmt.Errorf("%w: quantity must be positive for %s", ErrEmptyCart, line.ProductID)
		}
		snap, err := s.catalog.Snapshot(ctx, line.ProductID)
		if err != nil {
			return domain.Order{}, fmt.Errorf("product %s: %w", line.ProductID, err)
		}
		if snap.StockQuantity < line.Quantity {
			return domain.Order{}, fmt.Errorf("%w: %s", ErrInsufficientStock, line.ProductID)
		}
		items = append(items, domain.OrderItem{
			ProductID: snap.ID,
			Name:      snap.Name,
			UnitPrice: snap.Price,
			Quantity:  line.Quantity,
		})
		subtotal = subtotal.Add(snap.Price.Mul(decimal.NewFromInt(int64(line.Quantity))))
	}

	if (billing == domain.Address{}) {
		billing = shipping
	}
	tax := subtotal.Mul(s.taxRate).Round(2)

	o := domain.NewOrder(uuid.NewString(), customerID, items, shipping, billing, shipMethod, method, tax, s.now())

	payload, _ := json.Marshal(domain.OrderCreated{
		OrderID:     o.ID,
		OrderNumber: o.OrderNumber,
		CustomerID:  o.CustomerID,
		TotalAmount: o.TotalAmount,
		Method:      o.PaymentMethod,
		Items:       o.Items,
	})
	if err := s.repo.Create(ctx, o, outbox.Pending{Type: "OrderCreated", Payload: payload}); err != nil {
		return domain.Order{}, err
	}

	s.log.Info("order created", "order_id", o.ID, "order_number", o.OrderNumber, "total", o.TotalAmount)
	return o, nil
}

// InitiatePayment starts a payment attempt through the order's gateway and
// records the resulting intent. A retry after a failed capture is allowed;
// a completed payment is not re-initiated.
func (s *Service) InitiatePayment(ctx context.Context, orderID string) (gateway.InitiateResult, error) {
	ctx, span := s.tracer.Start(ctx, "InitiatePayment")
	defer span.End()

	o, err := s.repo.Get(ctx, orderID)
	if err != nil {
		return gateway.InitiateResult{}, err
	}
	if o.Status != domain.StatusPending {
		return gateway.InitiateResult{}, fmt.Errorf("%w: initiate payment in status %s", domain.ErrInvalidTransition, o.Status)
	}
	if o.PaymentStatus == domain.PaymentCompleted {
		return gateway.InitiateResult{}, ErrPaymentAlreadyComplete
	}

	gw, err := s.gateways.ForMethod(o.PaymentMethod)
	if err != nil {
		return gateway.InitiateResult{}, err
	}
	res, err := gw.Initiate(ctx, o)
	if err != nil {
		return gateway.InitiateResult{}, err
	}
	if err := s.intents.Save(ctx, res.Intent); err != nil {
		return gateway.InitiateResult{}, err
	}

	s.log.Info("payment initiated",
		"order_id", o.ID, "method", o.PaymentMethod, "reference", res.Intent.ExternalReference)
	return res, nil
}

// CapturePayment finalizes a redirect payment. Idempotent: capturing an
// already-completed reference returns the current order without a second
// charge or a duplicate history entry.
func (s *Service) CapturePayment(ctx context.Context, orderID, externalRef string) (domain.Order, error) {
	ctx, span := s.tracer.Start(ctx, "CapturePayment")
	defer span.End()

	o, err := s.repo.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	intent, err := s.intents.GetByReference(ctx, externalRef)
	if err != nil {
		return domain.Order{}, fmt.Errorf("capture order %s: %w", orderID, err)
	}
	if intent.OrderID != orderID {
		return domain.Order{}, &gateway.CaptureError{
			Method: o.PaymentMethod, Reference: externalRef,
			Reason: "reference does not belong to order",
		}
	}

	if intent.Status == paymentdomain.IntentCompleted || o.PaymentStatus == domain.PaymentCompleted {
		return o, nil
	}

	gw, err := s.gateways.ForMethod(o.PaymentMethod)
	if err != nil {
		return domain.Order{}, err
	}

	if _, err := gw.Capture(ctx, intent); err != nil {
		var capErr *gateway.CaptureError
		if errors.As(err, &capErr) {
			if markErr := s.markPaymentFailed(ctx, o, capErr.Reason); markErr != nil {
				s.log.Error("mark payment failed", "order_id", o.ID, "err", markErr)
			}
		}
		return domain.Order{}, err
	}

	if err := s.intents.Transition(ctx, externalRef, intent.Status, paymentdomain.IntentCompleted, intent.RequiredConfirmations); err != nil &&
		!errors.Is(err, paymentdomain.ErrIntentConflict) {
		return domain.Order{}, err
	}
	if err := s.CompletePayment(ctx, orderID); err != nil {
		return domain.Order{}, err
	}
	return s.repo.Get(ctx, orderID)
}

// CompletePayment moves a paid order from pending to processing. Idempotent:
// an already-completed payment is a no-op.
func (s *Service) CompletePayment(ctx context.Context, orderID string) error {
	o, err := s.repo.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if o.PaymentStatus == domain.PaymentCompleted {
		return nil
	}

	next, err := domain.Transition(o, domain.StatusProcessing, "payment completed", s.now())
	if err != nil {
		return err
	}
	next.PaymentStatus = domain.PaymentCompleted

	payload, _ := json.Marshal(domain.OrderPaymentCompleted{
		OrderID: o.ID, Amount: o.TotalAmount, Method: o.PaymentMethod,
	})
	if err := s.repo.UpdateConditional(ctx, next, o.Status, outbox.Pending{Type: "OrderPaymentCompleted", Payload: payload}); err != nil {
		return err
	}
	s.log.Info("payment completed", "order_id", o.ID, "method", o.PaymentMethod)
	return nil
}

// FailPayment records a failed attempt. The order stays where it is so the
// buyer can retry InitiatePayment without creating a duplicate order.
func (s *Service) FailPayment(ctx context.Context, orderID, reason string) error {
	o, err := s.repo.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if o.PaymentStatus == domain.PaymentCompleted {
		return fmt.Errorf("%w: fail payment after completion", domain.ErrInvalidTransition)
	}
	return s.markPaymentFailed(ctx, o, reason)
}

// ExpirePayment cancels an order whose intent passed its deadline before
// anything was captured. No refund is issued.
func (s *Service) ExpirePayment(ctx context.Context, orderID string) error {
	o, err := s.repo.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if o.Status == domain.StatusCancelled {
		return nil
	}

	next, err := domain.Transition(o, domain.StatusCancelled, "payment window expired", s.now())
	if err != nil {
		return err
	}
	next.PaymentStatus = domain.PaymentFailed

	cancelled, _ := json.Marshal(domain.OrderCancelled{OrderID: o.ID, Refunded: false, Reason: "payment window expired"})
	release, _ := json.Marshal(domain.StockReleaseRequested{OrderID: o.ID, Items: o.Items})
	if err := s.repo.UpdateConditional(ctx, next, o.Status,
		outbox.Pending{Type: "OrderCancelled", Payload: cancelled},
		outbox.Pending{Type: "StockReleaseRequested", Payload: release},
	); err != nil {
		return err
	}
	s.log.Info("order cancelled on payment expiry", "order_id", o.ID)
	return nil
}

// CancelOrder cancels a pending or processing order. When payment has
// completed, the refund instruction must succeed before the status flips;
// a refund failure leaves the order untouched.
func (s *Service) CancelOrder(ctx context.Context, orderID string, p Principal) (domain.Order, error) {
	ctx, span := s.tracer.Start(ctx, "CancelOrder")
	defer span.End()

	o, err := s.repo.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if p.Role != RoleAdmin && o.CustomerID != p.ID {
		return domain.Order{}, ErrNotAuthorized
	}
	if !domain.CanTransition(o.Status, domain.StatusCancelled) {
		return domain.Order{}, fmt.Errorf("%w: cancel in status %s", domain.ErrInvalidTransition, o.Status)
	}

	refunded := false
	if o.PaymentStatus == domain.PaymentCompleted {
		intent, err := s.intents.GetCurrent(ctx, orderID)
		if err != nil {
			return domain.Order{}, fmt.Errorf("cancel order %s: %w", orderID, err)
		}
		gw, err := s.gateways.ForMethod(o.PaymentMethod)
		if err != nil {
			return domain.Order{}, err
		}
		if err := gw.Refund(ctx, intent, o.TotalAmount); err != nil {
			return domain.Order{}, fmt.Errorf("refund for cancellation of %s: %w", orderID, err)
		}
		refunded = true
	}

	next, err := domain.Transition(o, domain.StatusCancelled, "cancelled by "+p.Role, s.now())
	if err != nil {
		return domain.Order{}, err
	}
	if refunded {
		next.PaymentStatus = domain.PaymentRefunded
	}

	cancelled, _ := json.Marshal(domain.OrderCancelled{OrderID: o.ID, Refunded: refunded})
	release, _ := json.Marshal(domain.StockReleaseRequested{OrderID: o.ID, Items: o.Items})
	if err := s.repo.UpdateConditional(ctx, next, o.Status,
		outbox.Pending{Type: "OrderCancelled", Payload: cancelled},
		outbox.Pending{Type: "StockReleaseRequested", Payload: release},
	); err != nil {
		return domain.Order{}, err
	}

	s.log.Info("order cancelled", "order_id", o.ID, "refunded", refunded, "by", p.Role)
	return next, nil
}

// AdvanceFulfillment drives admin-side fulfillment: processing -> shipped ->
// out_for_delivery -> delivered. Shipping requires tracking info; delivery
// stamps the delivery date.
func (s *Service) AdvanceFulfillment(ctx context.Context, orderID string, next domain.OrderStatus, tracking *TrackingInfo, p Principal) (domain.Order, error) {
	ctx, span := s.tracer.Start(ctx, "AdvanceFulfillment")
	defer span.End()

	if p.Role != RoleAdmin {
		return domain.Order{}, ErrNotAuthorized
	}
	switch next {
	case domain.StatusShipped, domain.StatusOutForDelivery, domain.StatusDelivered:
	default:
		return domain.Order{}, fmt.Errorf("%w: %s is not a fulfillment status", domain.ErrInvalidTransition, next)
	}

	o, err := s.repo.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}

	note := "fulfillment advanced"
	if next == domain.StatusShipped {
		if tracking == nil || tracking.Number == "" {
			return domain.Order{}, fmt.Errorf("%w: shipping requires tracking info", domain.ErrInvalidTransition)
		}
		note = "shipped with tracking " + tracking.Number
	}

	updated, err := domain.Transition(o, next, note, s.now())
	if err != nil {
		return domain.Order{}, err
	}
	if next == domain.StatusShipped {
		updated.TrackingNumber = tracking.Number
		updated.TrackingURL = tracking.URL
	}

	var event outbox.Pending
	switch next {
	case domain.StatusShipped:
		payload, _ := json.Marshal(domain.OrderShipped{OrderID: o.ID, TrackingNumber: tracking.Number, TrackingURL: tracking.URL})
		event = outbox.Pending{Type: "OrderShipped", Payload: payload}
	case domain.StatusDelivered:
		payload, _ := json.Marshal(domain.OrderDelivered{OrderID: o.ID})
		event = outbox.Pending{Type: "OrderDelivered", Payload: payload}
	default:
		payload, _ := json.Marshal(map[string]string{"order_id": o.ID, "status": string(next)})
		event = outbox.Pending{Type: "OrderFulfillmentAdvanced", Payload: payload}
	}

	if err := s.repo.UpdateConditional(ctx, updated, o.Status, event); err != nil {
		return domain.Order{}, err
	}
	s.log.Info("fulfillment advanced", "order_id", o.ID, "status", next)
	return updated, nil
}

// MarkReturnRequested flips the order's open-return flag; at most one
// non-terminal return request may exist per order.
func (s *Service) MarkReturnRequested(ctx context.Context, orderID string) error {
	o, err := s.repo.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if o.HasReturnRequest {
		return ErrReturnAlreadyRequested
	}
	next := o
	next.HasReturnRequest = true
	next.UpdatedAt = s.now()
	return s.repo.UpdateConditional(ctx, next, o.Status)
}

// ClearReturnRequest reopens return eligibility after a rejection.
func (s *Service) ClearReturnRequest(ctx context.Context, orderID string) error {
	o, err := s.repo.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if !o.HasReturnRequest {
		return nil
	}
	next := o
	next.HasReturnRequest = false
	next.UpdatedAt = s.now()
	return s.repo.UpdateConditional(ctx, next, o.Status)
}

// CompleteReturn refunds an approved return through the original gateway and
// moves the order to returned. A refund failure leaves the order delivered.
func (s *Service) CompleteReturn(ctx context.Context, orderID string, amount decimal.Decimal) error {
	ctx, span := s.tracer.Start(ctx, "CompleteReturn")
	defer span.End()

	o, err := s.repo.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if !domain.CanTransition(o.Status, domain.StatusReturned) {
		return fmt.Errorf("%w: return in status %s", domain.ErrInvalidTransition, o.Status)
	}

	intent, err := s.intents.GetCurrent(ctx, orderID)
	if err != nil {
		return fmt.Errorf("return for order %s: %w", orderID, err)
	}
	gw, err := s.gateways.ForMethod(o.PaymentMethod)
	if err != nil {
		return err
	}
	if err := gw.Refund(ctx, intent, amount); err != nil {
		return fmt.Errorf("return refund for %s: %w", orderID, err)
	}

	next, err := domain.Transition(o, domain.StatusReturned, "return refund issued", s.now())
	if err != nil {
		return err
	}
	next.PaymentStatus = domain.PaymentRefunded
	next.HasReturnRequest = false

	payload, _ := json.Marshal(domain.OrderReturned{OrderID: o.ID, RefundAmount: amount})
	if err := s.repo.UpdateConditional(ctx, next, o.Status, outbox.Pending{Type: "OrderReturned", Payload: payload}); err != nil {
		return err
	}
	s.log.Info("order returned", "order_id", o.ID, "refund", amount)
	return nil
}

func (s *Service) markPaymentFailed(ctx context.Context, o domain.Order, reason string) error {
	next := domain.WithPaymentStatus(o, domain.PaymentFailed, "payment failed: "+reason, s.now())
	payload, _ := json.Marshal(domain.OrderPaymentFailed{OrderID: o.ID, Reason: reason})
	return s.repo.UpdateConditional(ctx, next, o.Status, outbox.Pending{Type: "OrderPaymentFailed", Payload: payload})
}
