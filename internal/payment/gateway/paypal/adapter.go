// Package paypal implements the redirect-based card gateway. Initiate creates
// a provider order and returns its approval URL; Capture is the only
// transition point to completed and is called when the buyer returns from the
// external flow.
package paypal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	orderdomain "github.com/veilware/storefront/internal/order/domain"
	"github.com/veilware/storefront/internal/payment/domain"
	"github.com/veilware/storefront/internal/payment/gateway"
)

const defaultBaseURL = "https://api.paypal.example.com"

type Adapter struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	currency   string
	now        func() time.Time
}

func New(client *http.Client, baseURL, apiKey string) *Adapter {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Adapter{
		httpClient: client,
		baseURL:    baseURL,
		apiKey:     apiKey,
		currency:   "GBP",
		now:        time.Now,
	}
}

func (a *Adapter) Method() orderdomain.PaymentMethod { return orderdomain.MethodCardRedirect }

type createOrderResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Links  []struct {
		Rel  string `json:"rel"`
		Href string `json:"href"`
	} `json:"links"`
}

type errorResponse struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

func (a *Adapter) Initiate(ctx context.Context, o orderdomain.Order) (gateway.InitiateResult, error) {
	if err := gateway.ValidateInitiate(o); err != nil {
		return gateway.InitiateResult{}, err
	}

	payload := map[string]any{
		"intent": "CAPTURE",
		"purchase_units": []map[string]any{{
			"reference_id": o.ID,
			"amount": map[string]string{
				"currency_code": a.currency,
				"value":         o.TotalAmount.StringFixed(2),
			},
		}},
	}

	var resp createOrderResponse
	if err := a.post(ctx, "/v2/checkout/orders", uuid.NewString(), payload, &resp); err != nil {
		return gateway.InitiateResult{}, err
	}

	approvalURL := ""
	for _, l := range resp.Links {
		if l.Rel == "approve" {
			approvalURL = l.Href
		}
	}
	if resp.ID == "" || approvalURL == "" {
		return gateway.InitiateResult{}, fmt.Errorf("%w: create order returned no approval link", gateway.ErrGatewayUnavailable)
	}

	now := a.now()
	intent := domain.PaymentIntent{
		ID:                uuid.NewString(),
		OrderID:           o.ID,
		Method:            a.Method(),
		ExternalReference: resp.ID,
		ExpectedAmount:    o.TotalAmount,
		Status:            domain.IntentInitiated,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	return gateway.InitiateResult{Intent: intent, RedirectURL: approvalURL}, nil
}

type captureResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func (a *Adapter) Capture(ctx context.Context, intent domain.PaymentIntent) (gateway.CaptureResult, error) {
	path := fmt.Sprintf("/v2/checkout/orders/%s/capture", intent.ExternalReference)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, nil)
	if err != nil {
		return gateway.CaptureResult{}, err
	}
	req.Header.Set("Authorization", "Bearer "+a.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return gateway.CaptureResult{}, fmt.Errorf("%w: capture ref %s: %v", gateway.ErrGatewayUnavailable, intent.ExternalReference, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		var cr captureResponse
		if err := json.Unmarshal(body, &cr); err != nil {
			return gateway.CaptureResult{}, fmt.Errorf("decode capture response: %w", err)
		}
		if cr.Status != "COMPLETED" {
			return gateway.CaptureResult{}, &gateway.CaptureError{
				Method: a.Method(), Reference: intent.ExternalReference,
				Reason: "provider status " + cr.Status,
			}
		}
		return gateway.CaptureResult{
			Reference:  intent.ExternalReference,
			Amount:     intent.ExpectedAmount,
			CapturedAt: a.now(),
		}, nil

	case resp.StatusCode == http.StatusNotFound:
		return gateway.CaptureResult{}, &gateway.CaptureError{
			Method: a.Method(), Reference: intent.ExternalReference, Reason: "unknown reference",
		}

	case resp.StatusCode == http.StatusUnprocessableEntity:
		var er errorResponse
		_ = json.Unmarshal(body, &er)
		return gateway.CaptureResult{}, &gateway.CaptureError{
			Method: a.Method(), Reference: intent.ExternalReference,
			Reason: nonEmpty(er.Name, "order not capturable"),
		}

	default:
		return gateway.CaptureResult{}, fmt.Errorf("%w: capture ref %s: http %d", gateway.ErrGatewayUnavailable, intent.ExternalReference, resp.StatusCode)
	}
}

func (a *Adapter) QueryStatus(ctx context.Context, intent domain.PaymentIntent) (domain.IntentStatus, error) {
	var resp createOrderResponse
	if err := a.get(ctx, "/v2/checkout/orders/"+intent.ExternalReference, &resp); err != nil {
		return "", err
	}
	switch resp.Status {
	case "COMPLETED":
		return domain.IntentCompleted, nil
	case "VOIDED":
		return domain.IntentFailed, nil
	default:
		return intent.Status, nil
	}
}

func (a *Adapter) Refund(ctx context.Context, intent domain.PaymentIntent, amount decimal.Decimal) error {
	payload := map[string]any{
		"amount": map[string]string{
			"currency_code": a.currency,
			"value":         amount.StringFixed(2),
		},
	}
	// The request id is derived from the intent so a retried cancellation
	// cannot issue a second refund for the same payment.
	var resp captureResponse
	path := fmt.Sprintf("/v2/payments/captures/%s/refund", intent.ExternalReference)
	if err := a.post(ctx, path, "refund-"+intent.ID, payload, &resp); err != nil {
		return err
	}
	return nil
}

func (a *Adapter) post(ctx context.Context, path, requestID string, payload, out any) error {
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
	req.Header.Set("PayPal-Request-Id", requestID)
	return a.do(req, path, out)
}

func (a *Adapter) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+a.apiKey)
	return a.do(req, path, out)
}

func (a *Adapter) do(req *http.Request, path string, out any) error {
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", gateway.ErrGatewayUnavailable, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var er errorResponse
		_ = json.NewDecoder(resp.Body).Decode(&er)
		return fmt.Errorf("%w: %s: http %d %s", gateway.ErrGatewayUnavailable, path, resp.StatusCode, er.Name)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func nonEmpty(s, fallback string) string {
	if s != "" {
		return s
	}
	return fallback
}
