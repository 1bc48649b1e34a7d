package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/veilware/storefront/internal/order/application"
	"github.com/veilware/storefront/internal/order/domain"
	paymentdomain "github.com/veilware/storefront/internal/payment/domain"
	"github.com/veilware/storefront/internal/payment/gateway"
	"github.com/veilware/storefront/internal/payment/tracker"
	returnsapp "github.com/veilware/storefront/internal/returns/application"
	returndomain "github.com/veilware/storefront/internal/returns/domain"
)

// SignalDeduper drops redelivered payment signals. Seen claims the key;
// Forget releases the claim when handling fails so the retry gets through.
type SignalDeduper interface {
	SignalKey(method, reference string, body []byte) string
	Seen(ctx context.Context, key string) (bool, error)
	Forget(ctx context.Context, key string) error
}

// Handler exposes the order lifecycle operations and the payment webhook.
// Authentication happens upstream; the principal arrives as trusted headers.
type Handler struct {
	log     *slog.Logger
	orders  *application.Service
	returns *returnsapp.Service
	tracker *tracker.Tracker
	dedup   SignalDeduper
	tracer  trace.Tracer
}

func NewHandler(log *slog.Logger, orders *application.Service, returns *returnsapp.Service, tr *tracker.Tracker, dedup SignalDeduper) *Handler {
	return &Handler{
		log:     log,
		orders:  orders,
		returns: returns,
		tracker: tr,
		dedup:   dedup,
		tracer:  otel.Tracer("order-http"),
	}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Post("/orders", h.createOrder)
	r.Get("/orders/{id}", h.getOrder)
	r.Post("/orders/{id}/payment", h.initiatePayment)
	r.Post("/orders/{id}/capture", h.capturePayment)
	r.Post("/orders/{id}/cancel", h.cancelOrder)
	r.Post("/orders/{id}/fulfillment", h.advanceFulfillment)
	r.Post("/orders/{id}/returns", h.requestReturn)
	r.Post("/returns/{id}/resolve", h.resolveReturn)
	r.Post("/webhooks/payments/{method}", h.paymentWebhook)
	return r
}

func principalFrom(r *http.Request) application.Principal {
	return application.Principal{
		ID:   r.Header.Get("X-Principal-Id"),
		Role: r.Header.Get("X-Principal-Role"),
	}
}

type createOrderReq struct {
	CustomerID       string                 `json:"customer_id"`
	Items            []application.CartLine `json:"items"`
	ShippingAddress  domain.Address         `json:"shipping_address"`
	BillingAddress   domain.Address         `json:"billing_address"`
	ShippingMethodID string                 `json:"shipping_method_id"`
	PaymentMethod    domain.PaymentMethod   `json:"payment_method"`
}

func (h *Handler) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "CreateOrder")
	defer span.End()

	var req createOrderReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if p := principalFrom(r); req.CustomerID == "" {
		req.CustomerID = p.ID
	}

	o, err := h.orders.CreateOrder(ctx, req.CustomerID, req.Items, req.ShippingAddress, req.BillingAddress, req.ShippingMethodID, req.PaymentMethod)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, o)
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.orders.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, o)
}

func (h *Handler) initiatePayment(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "InitiatePayment")
	defer span.End()

	res, err := h.orders.InitiatePayment(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

func (h *Handler) capturePayment(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "CapturePayment")
	defer span.End()

	var req struct {
		Reference string `json:"reference"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Reference == "" {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	o, err := h.orders.CapturePayment(ctx, chi.URLParam(r, "id"), req.Reference)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, o)
}

func (h *Handler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "CancelOrder")
	defer span.End()

	o, err := h.orders.CancelOrder(ctx, chi.URLParam(r, "id"), principalFrom(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, o)
}

func (h *Handler) advanceFulfillment(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "AdvanceFulfillment")
	defer span.End()

	var req struct {
		Status   domain.OrderStatus        `json:"status"`
		Tracking *application.TrackingInfo `json:"tracking,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	o, err := h.orders.AdvanceFulfillment(ctx, chi.URLParam(r, "id"), req.Status, req.Tracking, principalFrom(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, o)
}

func (h *Handler) requestReturn(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "RequestReturn")
	defer span.End()

	var req struct {
		Items []returndomain.Item `json:"items"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	rr, err := h.returns.Request(ctx, chi.URLParam(r, "id"), req.Items)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, rr)
}

func (h *Handler) resolveReturn(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "ResolveReturn")
	defer span.End()

	if principalFrom(r).Role != application.RoleAdmin {
		http.Error(w, "admin only", http.StatusForbidden)
		return
	}

	var req struct {
		Decision returnsapp.Decision `json:"decision"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	rr, err := h.returns.Resolve(ctx, chi.URLParam(r, "id"), req.Decision)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rr)
}

// paymentWebhook is the push producer feeding the confirmation tracker.
// Redelivered webhooks are dropped by the dedup store before they reach the
// tracker; the tracker itself is idempotent regardless.
func (h *Handler) paymentWebhook(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "PaymentWebhook")
	defer span.End()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	var sig tracker.Signal
	if err := json.Unmarshal(body, &sig); err != nil || sig.ExternalReference == "" {
		http.Error(w, "invalid signal", http.StatusBadRequest)
		return
	}

	method := chi.URLParam(r, "method")
	var claimed string
	if h.dedup != nil {
		key := h.dedup.SignalKey(method, sig.ExternalReference, body)
		seen, err := h.dedup.Seen(ctx, key)
		if err != nil {
			h.log.Error("webhook dedup check failed", "reference", sig.ExternalReference, "err", err)
		} else if seen {
			h.log.Info("duplicate webhook dropped", "method", method, "reference", sig.ExternalReference)
			w.WriteHeader(http.StatusOK)
			return
		} else {
			claimed = key
		}
	}

	if err := h.tracker.HandleSignal(ctx, sig); err != nil && !errors.Is(err, paymentdomain.ErrPaymentExpired) {
		// Release the claim so the provider's retry is not swallowed as a
		// duplicate while the failure was transient.
		if claimed != "" {
			if ferr := h.dedup.Forget(ctx, claimed); ferr != nil {
				h.log.Error("release webhook dedup claim failed", "reference", sig.ExternalReference, "err", ferr)
			}
		}
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var capErr *gateway.CaptureError
	switch {
	case errors.Is(err, domain.ErrOrderNotFound),
		errors.Is(err, paymentdomain.ErrIntentNotFound),
		errors.Is(err, returndomain.ErrRequestNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, returndomain.ErrNotEligible),
		errors.Is(err, application.ErrReturnAlreadyRequested):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, domain.ErrConcurrentModification),
		errors.Is(err, paymentdomain.ErrIntentConflict),
		errors.Is(err, returndomain.ErrRequestConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, application.ErrNotAuthorized):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, gateway.ErrGatewayUnavailable):
		http.Error(w, err.Error(), http.StatusBadGateway)
	case errors.As(err, &capErr):
		http.Error(w, err.Error(), http.StatusPaymentRequired)
	case errors.Is(err, application.ErrEmptyCart),
		errors.Is(err, application.ErrInsufficientStock):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		h.log.Error("request failed", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
