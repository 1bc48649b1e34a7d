package paypal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	orderdomain "github.com/veilware/storefront/internal/order/domain"
	"github.com/veilware/storefront/internal/payment/domain"
	"github.com/veilware/storefront/internal/payment/gateway"
)

func testOrder() orderdomain.Order {
	return orderdomain.Order{
		ID:            "order-1",
		CustomerID:    "cust-1",
		PaymentMethod: orderdomain.MethodCardRedirect,
		Items: []orderdomain.OrderItem{
			{ProductID: "phone", Name: "Privacy Phone", UnitPrice: decimal.RequireFromString("699.99"), Quantity: 1},
		},
		TotalAmount: decimal.RequireFromString("715.98"),
	}
}

func TestInitiateReturnsApprovalURL(t *testing.T) {
	var gotAmount string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v2/checkout/orders", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NotEmpty(t, r.Header.Get("PayPal-Request-Id"))

		var payload struct {
			PurchaseUnits []struct {
				Amount struct {
					Value string `json:"value"`
				} `json:"amount"`
			} `json:"purchase_units"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		gotAmount = payload.PurchaseUnits[0].Amount.Value

		json.NewEncoder(w).Encode(map[string]any{
			"id":     "PP-REF-1",
			"status": "CREATED",
			"links": []map[string]string{
				{"rel": "self", "href": "https://provider.example.com/orders/PP-REF-1"},
				{"rel": "approve", "href": "https://provider.example.com/checkoutnow?token=PP-REF-1"},
			},
		})
	}))
	defer srv.Close()

	a := New(srv.Client(), srv.URL, "test-key")
	res, err := a.Initiate(context.Background(), testOrder())
	require.NoError(t, err)

	assert.Equal(t, "715.98", gotAmount)
	assert.Equal(t, "PP-REF-1", res.Intent.ExternalReference)
	assert.Contains(t, res.RedirectURL, "checkoutnow")
	assert.Equal(t, domain.IntentInitiated, res.Intent.Status)
	assert.True(t, res.Intent.ExpectedAmount.Equal(decimal.RequireFromString("715.98")))
}

func TestInitiateWithoutApprovalLinkIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"id": "PP-REF-1", "status": "CREATED"})
	}))
	defer srv.Close()

	a := New(srv.Client(), srv.URL, "test-key")
	_, err := a.Initiate(context.Background(), testOrder())
	require.ErrorIs(t, err, gateway.ErrGatewayUnavailable)
}

func TestInitiateRejectsEmptyOrder(t *testing.T) {
	a := New(nil, "http://unused.invalid", "test-key")
	o := testOrder()
	o.Items = nil
	_, err := a.Initiate(context.Background(), o)
	require.Error(t, err)
}

func TestCapture(t *testing.T) {
	intent := domain.PaymentIntent{
		OrderID:           "order-1",
		Method:            orderdomain.MethodCardRedirect,
		ExternalReference: "PP-REF-1",
		ExpectedAmount:    decimal.RequireFromString("715.98"),
		Status:            domain.IntentInitiated,
	}

	t.Run("completed", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/v2/checkout/orders/PP-REF-1/capture", r.URL.Path)
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(map[string]string{"id": "PP-REF-1", "status": "COMPLETED"})
		}))
		defer srv.Close()

		a := New(srv.Client(), srv.URL, "test-key")
		res, err := a.Capture(context.Background(), intent)
		require.NoError(t, err)
		assert.Equal(t, "PP-REF-1", res.Reference)
		assert.True(t, res.Amount.Equal(intent.ExpectedAmount))
	})

	t.Run("unknown reference is definitive", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer srv.Close()

		a := New(srv.Client(), srv.URL, "test-key")
		_, err := a.Capture(context.Background(), intent)
		var capErr *gateway.CaptureError
		require.ErrorAs(t, err, &capErr)
		assert.Equal(t, "unknown reference", capErr.Reason)
	})

	t.Run("decline is definitive", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnprocessableEntity)
			json.NewEncoder(w).Encode(map[string]string{"name": "ORDER_NOT_APPROVED"})
		}))
		defer srv.Close()

		a := New(srv.Client(), srv.URL, "test-key")
		_, err := a.Capture(context.Background(), intent)
		var capErr *gateway.CaptureError
		require.ErrorAs(t, err, &capErr)
		assert.Equal(t, "ORDER_NOT_APPROVED", capErr.Reason)
	})

	t.Run("server error is transient", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		a := New(srv.Client(), srv.URL, "test-key")
		_, err := a.Capture(context.Background(), intent)
		require.ErrorIs(t, err, gateway.ErrGatewayUnavailable)
	})
}

func TestQueryStatus(t *testing.T) {
	intent := domain.PaymentIntent{ExternalReference: "PP-REF-1", Status: domain.IntentInitiated}

	cases := []struct {
		provider string
		want     domain.IntentStatus
	}{
		{"COMPLETED", domain.IntentCompleted},
		{"VOIDED", domain.IntentFailed},
		{"CREATED", domain.IntentInitiated},
	}
	for _, tc := range cases {
		t.Run(tc.provider, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				require.Equal(t, "/v2/checkout/orders/PP-REF-1", r.URL.Path)
				json.NewEncoder(w).Encode(map[string]string{"id": "PP-REF-1", "status": tc.provider})
			}))
			defer srv.Close()

			a := New(srv.Client(), srv.URL, "test-key")
			got, err := a.QueryStatus(context.Background(), intent)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestRefundSendsAmount(t *testing.T) {
	var gotValue string
	var requestIDs []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v2/payments/captures/PP-REF-1/refund", r.URL.Path)
		requestIDs = append(requestIDs, r.Header.Get("PayPal-Request-Id"))
		var payload struct {
			Amount struct {
				Value string `json:"value"`
			} `json:"amount"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		gotValue = payload.Amount.Value
		json.NewEncoder(w).Encode(map[string]string{"id": "REFUND-1", "status": "COMPLETED"})
	}))
	defer srv.Close()

	a := New(srv.Client(), srv.URL, "test-key")
	intent := domain.PaymentIntent{ID: "intent-1", ExternalReference: "PP-REF-1"}
	require.NoError(t, a.Refund(context.Background(), intent, decimal.RequireFromString("715.98")))
	assert.Equal(t, "715.98", gotValue)

	// A retried refund for the same intent carries the same request id, so
	// the processor collapses it into the original.
	require.NoError(t, a.Refund(context.Background(), intent, decimal.RequireFromString("715.98")))
	require.Len(t, requestIDs, 2)
	assert.Equal(t, "refund-intent-1", requestIDs[0])
	assert.Equal(t, requestIDs[0], requestIDs[1])
}
