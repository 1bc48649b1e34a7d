// Package monero integrates a third-party crypto payment processor. Initiate
// returns the processor's hosted payment URL; status advances through webhook
// callbacks into the confirmation tracker.
package monero

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	orderdomain "github.com/veilware/storefront/internal/order/domain"
	"github.com/veilware/storefront/internal/payment/domain"
	"github.com/veilware/storefront/internal/payment/gateway"
)

const (
	// The processor is custodial; a single processor-side confirmation is
	// enough, unlike raw on-chain payment.
	RequiredConfirmations = 1

	defaultPaymentWindow = 2 * time.Hour
	cryptoPrecision      = 12
)

type Adapter struct {
	httpClient    *http.Client
	baseURL       string
	apiKey        string
	rates         gateway.RateSource
	callbackURL   string
	paymentWindow time.Duration
	now           func() time.Time
}

func New(client *http.Client, baseURL, apiKey, callbackURL string, rates gateway.RateSource) *Adapter {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Adapter{
		httpClient:    client,
		baseURL:       baseURL,
		apiKey:        apiKey,
		rates:         rates,
		callbackURL:   callbackURL,
		paymentWindow: defaultPaymentWindow,
		now:           time.Now,
	}
}

func (a *Adapter) Method() orderdomain.PaymentMethod { return orderdomain.MethodMonero }

type paymentResponse struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	PaymentURL string `json:"payment_url"`
}

func (a *Adapter) Initiate(ctx context.Context, o orderdomain.Order) (gateway.InitiateResult, error) {
	if err := gateway.ValidateInitiate(o); err != nil {
		return gateway.InitiateResult{}, err
	}

	rate, err := a.rates.Rate(ctx, "XMR")
	if err != nil {
		return gateway.InitiateResult{}, err
	}
	xmrAmount := o.TotalAmount.Mul(rate).Round(cryptoPrecision)

	payload := map[string]any{
		"amount":       xmrAmount.String(),
		"currency":     "XMR",
		"order_id":     o.ID,
		"callback_url": a.callbackURL,
	}
	var resp paymentResponse
	if err := a.post(ctx, "/v1/payments", uuid.NewString(), payload, &resp); err != nil {
		return gateway.InitiateResult{}, err
	}
	if resp.ID == "" || resp.PaymentURL == "" {
		return gateway.InitiateResult{}, fmt.Errorf("%w: create payment returned no payment url", gateway.ErrGatewayUnavailable)
	}

	now := a.now()
	intent := domain.PaymentIntent{
		ID:                    uuid.NewString(),
		OrderID:               o.ID,
		Method:                a.Method(),
		ExternalReference:     resp.ID,
		ExpectedAmount:        o.TotalAmount,
		CryptoAmount:          xmrAmount,
		ExchangeRate:          rate,
		RequiredConfirmations: RequiredConfirmations,
		ExpiresAt:             now.Add(a.paymentWindow),
		Status:                domain.IntentInitiated,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	return gateway.InitiateResult{Intent: intent, PaymentURL: resp.PaymentURL}, nil
}

func (a *Adapter) Capture(_ context.Context, intent domain.PaymentIntent) (gateway.CaptureResult, error) {
	return gateway.CaptureResult{}, fmt.Errorf("%w: processor payment ref %s", gateway.ErrCaptureNotSupported, intent.ExternalReference)
}

func (a *Adapter) QueryStatus(ctx context.Context, intent domain.PaymentIntent) (domain.IntentStatus, error) {
	if intent.ExpiredAt(a.now()) {
		return domain.IntentExpired, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/v1/payments/"+intent.ExternalReference, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: query payment %s: %v", gateway.ErrGatewayUnavailable, intent.ExternalReference, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: query payment %s: http %d", gateway.ErrGatewayUnavailable, intent.ExternalReference, resp.StatusCode)
	}

	var pr paymentResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return "", fmt.Errorf("decode payment status: %w", err)
	}
	return StatusFromCode(pr.Status, intent.Status), nil
}

func (a *Adapter) Refund(ctx context.Context, intent domain.PaymentIntent, amount decimal.Decimal) error {
	xmrAmount := amount.Mul(intent.ExchangeRate).Round(cryptoPrecision)
	payload := map[string]any{"amount": xmrAmount.String()}
	var resp paymentResponse
	path := fmt.Sprintf("/v1/payments/%s/refund", intent.ExternalReference)
	// Keyed off the intent so a retried cancellation cannot double-refund.
	return a.post(ctx, path, "refund-"+intent.ID, payload, &resp)
}

// StatusFromCode maps processor status codes to intent statuses. Unknown
// codes leave the intent where it is.
func StatusFromCode(code string, current domain.IntentStatus) domain.IntentStatus {
	switch code {
	case "paid", "confirmed", "completed":
		return domain.IntentCompleted
	case "pending", "unconfirmed":
		return domain.IntentAwaitingConfirmation
	case "expired":
		return domain.IntentExpired
	case "failed", "cancelled":
		return domain.IntentFailed
	default:
		return current
	}
}

func (a *Adapter) post(ctx context.Context, path, idemKey string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+a.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idemKey)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", gateway.ErrGatewayUnavailable, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %s: http %d", gateway.ErrGatewayUnavailable, path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
