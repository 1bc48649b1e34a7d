package application

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilware/storefront/internal/order/domain"
	paymentdomain "github.com/veilware/storefront/internal/payment/domain"
	"github.com/veilware/storefront/internal/payment/gateway"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func discardLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func redirectGateway() *stubGateway {
	return &stubGateway{
		method: domain.MethodCardRedirect,
		initiateFn: func(o domain.Order) (gateway.InitiateResult, error) {
			now := time.Now().UTC()
			return gateway.InitiateResult{
				Intent: paymentdomain.PaymentIntent{
					ID:                "intent-" + o.ID,
					OrderID:           o.ID,
					Method:            domain.MethodCardRedirect,
					ExternalReference: "pp-" + o.ID,
					ExpectedAmount:    o.TotalAmount,
					Status:            paymentdomain.IntentInitiated,
					CreatedAt:         now,
					UpdatedAt:         now,
				},
				RedirectURL: "https://pay.example.com/approve/pp-" + o.ID,
			}, nil
		},
	}
}

func newTestService(t *testing.T, gw gateway.Gateway) (*Service, *memRepo, *memIntents, stubCatalog) {
	t.Helper()
	repo := newMemRepo()
	intents := newMemIntents()
	catalog := stubCatalog{
		"phone":  {ID: "phone", Name: "Privacy Phone", Price: d("699.99"), StockQuantity: 5},
		"faraday": {ID: "faraday", Name: "Faraday Pouch", Price: d("9.99"), StockQuantity: 100},
	}
	shipping := stubShipping{
		"express": {ID: "express", Name: "Express", Cost: d("15.99"), EstimatedDelivery: "1-2 days"},
	}
	svc := NewService(discardLog(), repo, intents, gateway.NewRegistry(gw), catalog, shipping, decimal.Zero)
	return svc, repo, intents, catalog
}

func createTestOrder(t *testing.T, svc *Service) domain.Order {
	t.Helper()
	o, err := svc.CreateOrder(context.Background(), "cust-1",
		[]CartLine{{ProductID: "phone", Quantity: 1}},
		domain.Address{Line1: "1 High St", City: "London", PostalCode: "N1 9GU", Country: "GB"},
		domain.Address{}, "express", domain.MethodCardRedirect)
	require.NoError(t, err)
	return o
}

func payTestOrder(t *testing.T, svc *Service, orderID string) domain.Order {
	t.Helper()
	ctx := context.Background()
	res, err := svc.InitiatePayment(ctx, orderID)
	require.NoError(t, err)
	o, err := svc.CapturePayment(ctx, orderID, res.Intent.ExternalReference)
	require.NoError(t, err)
	return o
}

func TestCreateOrderFreezesTotals(t *testing.T) {
	svc, _, _, catalog := newTestService(t, redirectGateway())

	o := createTestOrder(t, svc)
	assert.True(t, o.TotalAmount.Equal(d("715.98")), "total %s", o.TotalAmount)
	assert.True(t, o.TotalAmount.Equal(o.Subtotal.Add(o.ShippingCost).Add(o.Tax)))

	// A later catalog price change must not leak into the frozen snapshot.
	snap := catalog["phone"]
	snap.Price = d("999.99")
	catalog["phone"] = snap

	got, err := svc.Get(context.Background(), o.ID)
	require.NoError(t, err)
	assert.True(t, got.Items[0].UnitPrice.Equal(d("699.99")))
	assert.True(t, got.TotalAmount.Equal(d("715.98")))
}

func TestCreateOrderBillingAliasesShipping(t *testing.T) {
	svc, _, _, _ := newTestService(t, redirectGateway())
	o := createTestOrder(t, svc)
	assert.Equal(t, o.ShippingAddress, o.BillingAddress)
}

func TestCreateOrderRejectsEmptyCart(t *testing.T) {
	svc, _, _, _ := newTestService(t, redirectGateway())
	_, err := svc.CreateOrder(context.Background(), "cust-1", nil,
		domain.Address{}, domain.Address{}, "express", domain.MethodCardRedirect)
	require.ErrorIs(t, err, ErrEmptyCart)
}

func TestCreateOrderRejectsInsufficientStock(t *testing.T) {
	svc, _, _, _ := newTestService(t, redirectGateway())
	_, err := svc.CreateOrder(context.Background(), "cust-1",
		[]CartLine{{ProductID: "phone", Quantity: 6}},
		domain.Address{}, domain.Address{}, "express", domain.MethodCardRedirect)
	require.ErrorIs(t, err, ErrInsufficientStock)
}

func TestInitiatePaymentReturnsRedirect(t *testing.T) {
	svc, _, intents, _ := newTestService(t, redirectGateway())
	o := createTestOrder(t, svc)

	res, err := svc.InitiatePayment(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Contains(t, res.RedirectURL, "pay.example.com")

	saved, err := intents.GetByReference(context.Background(), res.Intent.ExternalReference)
	require.NoError(t, err)
	assert.Equal(t, o.ID, saved.OrderID)
}

func TestCapturePaymentCompletesOrder(t *testing.T) {
	svc, repo, _, _ := newTestService(t, redirectGateway())
	o := createTestOrder(t, svc)

	paid := payTestOrder(t, svc, o.ID)
	assert.Equal(t, domain.StatusProcessing, paid.Status)
	assert.Equal(t, domain.PaymentCompleted, paid.PaymentStatus)
	require.Len(t, paid.StatusHistory, 2)
	assert.Contains(t, repo.eventTypes(), "OrderPaymentCompleted")
}

func TestCapturePaymentIdempotent(t *testing.T) {
	gw := redirectGateway()
	svc, _, _, _ := newTestService(t, gw)
	o := createTestOrder(t, svc)

	ctx := context.Background()
	res, err := svc.InitiatePayment(ctx, o.ID)
	require.NoError(t, err)

	first, err := svc.CapturePayment(ctx, o.ID, res.Intent.ExternalReference)
	require.NoError(t, err)
	second, err := svc.CapturePayment(ctx, o.ID, res.Intent.ExternalReference)
	require.NoError(t, err)

	assert.Equal(t, 1, gw.captureCnt, "no double charge")
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.PaymentStatus, second.PaymentStatus)
	assert.Len(t, second.StatusHistory, len(first.StatusHistory), "no duplicate history entries")
}

func TestCapturePaymentFailureLeavesOrderRetryable(t *testing.T) {
	gw := redirectGateway()
	gw.captureFn = func(intent paymentdomain.PaymentIntent) (gateway.CaptureResult, error) {
		return gateway.CaptureResult{}, &gateway.CaptureError{
			Method: domain.MethodCardRedirect, Reference: intent.ExternalReference, Reason: "card declined",
		}
	}
	svc, _, _, _ := newTestService(t, gw)
	o := createTestOrder(t, svc)

	ctx := context.Background()
	res, err := svc.InitiatePayment(ctx, o.ID)
	require.NoError(t, err)

	_, err = svc.CapturePayment(ctx, o.ID, res.Intent.ExternalReference)
	var capErr *gateway.CaptureError
	require.ErrorAs(t, err, &capErr)

	got, err := svc.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Equal(t, domain.PaymentFailed, got.PaymentStatus)

	// A retry of InitiatePayment is allowed without creating a new order.
	gw.captureFn = nil
	_, err = svc.InitiatePayment(ctx, o.ID)
	require.NoError(t, err)
}

func TestCapturePaymentGatewayUnavailableNoStateChange(t *testing.T) {
	gw := redirectGateway()
	gw.captureFn = func(paymentdomain.PaymentIntent) (gateway.CaptureResult, error) {
		return gateway.CaptureResult{}, gateway.ErrGatewayUnavailable
	}
	svc, _, _, _ := newTestService(t, gw)
	o := createTestOrder(t, svc)

	ctx := context.Background()
	res, err := svc.InitiatePayment(ctx, o.ID)
	require.NoError(t, err)

	before, _ := svc.Get(ctx, o.ID)
	_, err = svc.CapturePayment(ctx, o.ID, res.Intent.ExternalReference)
	require.ErrorIs(t, err, gateway.ErrGatewayUnavailable)

	after, _ := svc.Get(ctx, o.ID)
	assert.Equal(t, before, after)
}

func TestCapturePaymentRejectsForeignReference(t *testing.T) {
	svc, _, _, _ := newTestService(t, redirectGateway())
	o := createTestOrder(t, svc)
	other := createTestOrder(t, svc)

	ctx := context.Background()
	res, err := svc.InitiatePayment(ctx, other.ID)
	require.NoError(t, err)

	_, err = svc.CapturePayment(ctx, o.ID, res.Intent.ExternalReference)
	var capErr *gateway.CaptureError
	require.ErrorAs(t, err, &capErr)
}

func TestCompletePaymentIdempotent(t *testing.T) {
	svc, repo, _, _ := newTestService(t, redirectGateway())
	o := createTestOrder(t, svc)
	payTestOrder(t, svc, o.ID)

	require.NoError(t, svc.CompletePayment(context.Background(), o.ID))

	got, _ := svc.Get(context.Background(), o.ID)
	assert.Len(t, got.StatusHistory, 2)

	count := 0
	for _, typ := range repo.eventTypes() {
		if typ == "OrderPaymentCompleted" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestCancelOrderRefundCoupling(t *testing.T) {
	gw := redirectGateway()
	svc, repo, _, _ := newTestService(t, gw)
	o := createTestOrder(t, svc)
	payTestOrder(t, svc, o.ID)

	cancelled, err := svc.CancelOrder(context.Background(), o.ID, Principal{ID: "cust-1", Role: RoleCustomer})
	require.NoError(t, err)

	assert.Equal(t, 1, gw.refundCnt, "exactly one refund instruction")
	assert.True(t, gw.refundTotal.Equal(d("715.98")))
	assert.Equal(t, domain.StatusCancelled, cancelled.Status)
	assert.Equal(t, domain.PaymentRefunded, cancelled.PaymentStatus)
	assert.Contains(t, repo.eventTypes(), "StockReleaseRequested")
}

func TestCancelOrderRefundFailureLeavesOrderUntouched(t *testing.T) {
	gw := redirectGateway()
	svc, _, _, _ := newTestService(t, gw)
	o := createTestOrder(t, svc)
	payTestOrder(t, svc, o.ID)

	gw.refundErr = gateway.ErrGatewayUnavailable
	before, _ := svc.Get(context.Background(), o.ID)

	_, err := svc.CancelOrder(context.Background(), o.ID, Principal{ID: "cust-1", Role: RoleCustomer})
	require.ErrorIs(t, err, gateway.ErrGatewayUnavailable)

	after, _ := svc.Get(context.Background(), o.ID)
	assert.Equal(t, before, after, "no partial cancellation")
	assert.Equal(t, 0, gw.refundCnt)
}

func TestCancelOrderUnpaidSkipsRefund(t *testing.T) {
	gw := redirectGateway()
	svc, _, _, _ := newTestService(t, gw)
	o := createTestOrder(t, svc)

	cancelled, err := svc.CancelOrder(context.Background(), o.ID, Principal{ID: "cust-1", Role: RoleCustomer})
	require.NoError(t, err)
	assert.Equal(t, 0, gw.refundCnt)
	assert.Equal(t, domain.PaymentPending, cancelled.PaymentStatus)
}

func TestCancelOrderWindowClosesOnceShipped(t *testing.T) {
	svc, _, _, _ := newTestService(t, redirectGateway())
	o := createTestOrder(t, svc)
	payTestOrder(t, svc, o.ID)
	admin := Principal{ID: "admin-1", Role: RoleAdmin}

	_, err := svc.AdvanceFulfillment(context.Background(), o.ID, domain.StatusShipped,
		&TrackingInfo{Number: "TRK123"}, admin)
	require.NoError(t, err)

	_, err = svc.CancelOrder(context.Background(), o.ID, admin)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestCancelOrderAuthorization(t *testing.T) {
	svc, _, _, _ := newTestService(t, redirectGateway())
	o := createTestOrder(t, svc)

	_, err := svc.CancelOrder(context.Background(), o.ID, Principal{ID: "cust-2", Role: RoleCustomer})
	require.ErrorIs(t, err, ErrNotAuthorized)

	_, err = svc.CancelOrder(context.Background(), o.ID, Principal{ID: "admin-1", Role: RoleAdmin})
	require.NoError(t, err)
}

func TestAdvanceFulfillment(t *testing.T) {
	svc, _, _, _ := newTestService(t, redirectGateway())
	o := createTestOrder(t, svc)
	payTestOrder(t, svc, o.ID)
	ctx := context.Background()
	admin := Principal{ID: "admin-1", Role: RoleAdmin}

	t.Run("admin only", func(t *testing.T) {
		_, err := svc.AdvanceFulfillment(ctx, o.ID, domain.StatusShipped,
			&TrackingInfo{Number: "TRK123"}, Principal{ID: "cust-1", Role: RoleCustomer})
		require.ErrorIs(t, err, ErrNotAuthorized)
	})

	t.Run("shipping requires tracking", func(t *testing.T) {
		_, err := svc.AdvanceFulfillment(ctx, o.ID, domain.StatusShipped, nil, admin)
		require.ErrorIs(t, err, domain.ErrInvalidTransition)
	})

	t.Run("cannot skip ahead", func(t *testing.T) {
		_, err := svc.AdvanceFulfillment(ctx, o.ID, domain.StatusDelivered, nil, admin)
		require.ErrorIs(t, err, domain.ErrInvalidTransition)
	})

	t.Run("full fulfillment path", func(t *testing.T) {
		shipped, err := svc.AdvanceFulfillment(ctx, o.ID, domain.StatusShipped,
			&TrackingInfo{Number: "TRK123", URL: "https://track.example.com/TRK123"}, admin)
		require.NoError(t, err)
		assert.Equal(t, "TRK123", shipped.TrackingNumber)

		_, err = svc.AdvanceFulfillment(ctx, o.ID, domain.StatusOutForDelivery, nil, admin)
		require.NoError(t, err)

		delivered, err := svc.AdvanceFulfillment(ctx, o.ID, domain.StatusDelivered, nil, admin)
		require.NoError(t, err)
		require.NotNil(t, delivered.DeliveryDate)
	})
}

func TestExpirePaymentCancelsWithoutRefund(t *testing.T) {
	gw := redirectGateway()
	svc, repo, _, _ := newTestService(t, gw)
	o := createTestOrder(t, svc)

	require.NoError(t, svc.ExpirePayment(context.Background(), o.ID))

	got, _ := svc.Get(context.Background(), o.ID)
	assert.Equal(t, domain.StatusCancelled, got.Status)
	assert.Equal(t, domain.PaymentFailed, got.PaymentStatus)
	assert.Equal(t, 0, gw.refundCnt, "nothing was captured, nothing to refund")
	assert.Contains(t, repo.eventTypes(), "StockReleaseRequested")

	// Repeated expiry signals are no-ops.
	require.NoError(t, svc.ExpirePayment(context.Background(), o.ID))
}
