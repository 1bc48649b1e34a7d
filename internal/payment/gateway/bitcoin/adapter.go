// Package bitcoin implements on-chain payment. Initiate issues a one-time
// deposit address from the wallet service and freezes the BTC amount at the
// current exchange rate; completion is driven entirely by the confirmation
// tracker, so Capture is not applicable.
package bitcoin

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
	// RequiredConfirmations is intentionally higher than for custodial
	// processors; on-chain finality is probabilistic.
	RequiredConfirmations = 2

	defaultPaymentWindow = time.Hour
	cryptoPrecision      = 8
)

type Adapter struct {
	httpClient    *http.Client
	walletBaseURL string
	rates         gateway.RateSource
	paymentWindow time.Duration
	now           func() time.Time
}

func New(client *http.Client, walletBaseURL string, rates gateway.RateSource) *Adapter {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Adapter{
		httpClient:    client,
		walletBaseURL: walletBaseURL,
		rates:         rates,
		paymentWindow: defaultPaymentWindow,
		now:           time.Now,
	}
}

func (a *Adapter) Method() orderdomain.PaymentMethod { return orderdomain.MethodBitcoin }

type newAddressResponse struct {
	Address string `json:"address"`
}

type addressStatusResponse struct {
	Address       string          `json:"address"`
	Received      decimal.Decimal `json:"received"`
	Confirmations int             `json:"confirmations"`
}

func (a *Adapter) Initiate(ctx context.Context, o orderdomain.Order) (gateway.InitiateResult, error) {
	if err := gateway.ValidateInitiate(o); err != nil {
		return gateway.InitiateResult{}, err
	}

	rate, err := a.rates.Rate(ctx, "BTC")
	if err != nil {
		return gateway.InitiateResult{}, err
	}
	btcAmount := o.TotalAmount.Mul(rate).Round(cryptoPrecision)

	body, _ := json.Marshal(map[string]string{"label": o.ID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.walletBaseURL+"/addresses", bytes.NewReader(body))
	if err != nil {
		return gateway.InitiateResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return gateway.InitiateResult{}, fmt.Errorf("%w: issue address: %v", gateway.ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return gateway.InitiateResult{}, fmt.Errorf("%w: issue address: http %d", gateway.ErrGatewayUnavailable, resp.StatusCode)
	}

	var addr newAddressResponse
	if err := json.NewDecoder(resp.Body).Decode(&addr); err != nil || addr.Address == "" {
		return gateway.InitiateResult{}, fmt.Errorf("decode address response: %w", err)
	}

	now := a.now()
	intent := domain.PaymentIntent{
		ID:                    uuid.NewString(),
		OrderID:               o.ID,
		Method:                a.Method(),
		ExternalReference:     addr.Address,
		ExpectedAmount:        o.TotalAmount,
		CryptoAmount:          btcAmount,
		ExchangeRate:          rate,
		RequiredConfirmations: RequiredConfirmations,
		ExpiresAt:             now.Add(a.paymentWindow),
		Status:                domain.IntentInitiated,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	return gateway.InitiateResult{
		Intent:         intent,
		DepositAddress: addr.Address,
		QRPayload:      fmt.Sprintf("bitcoin:%s?amount=%s", addr.Address, btcAmount.String()),
	}, nil
}

func (a *Adapter) Capture(_ context.Context, intent domain.PaymentIntent) (gateway.CaptureResult, error) {
	return gateway.CaptureResult{}, fmt.Errorf("%w: on-chain payment ref %s", gateway.ErrCaptureNotSupported, intent.ExternalReference)
}

// QueryStatus maps the observed confirmation count through the intent's
// threshold. The expiry deadline is enforced here as well so that any poll
// after the window forces the expired state.
func (a *Adapter) QueryStatus(ctx context.Context, intent domain.PaymentIntent) (domain.IntentStatus, error) {
	if intent.ExpiredAt(a.now()) {
		return domain.IntentExpired, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.walletBaseURL+"/addresses/"+intent.ExternalReference, nil)
	if err != nil {
		return "", err
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: query address %s: %v", gateway.ErrGatewayUnavailable, intent.ExternalReference, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: query address %s: http %d", gateway.ErrGatewayUnavailable, intent.ExternalReference, resp.StatusCode)
	}

	var status addressStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return "", fmt.Errorf("decode address status: %w", err)
	}

	switch {
	case status.Received.LessThan(intent.CryptoAmount):
		return domain.IntentInitiated, nil
	case status.Confirmations >= intent.RequiredConfirmations:
		return domain.IntentCompleted, nil
	default:
		return domain.IntentAwaitingConfirmation, nil
	}
}

func (a *Adapter) Refund(ctx context.Context, intent domain.PaymentIntent, amount decimal.Decimal) error {
	btcAmount := amount.Mul(intent.ExchangeRate).Round(cryptoPrecision)
	body, _ := json.Marshal(map[string]string{
		"source_address": intent.ExternalReference,
		"amount":         btcAmount.String(),
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.walletBaseURL+"/refunds", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	// Keyed off the intent so a retried cancellation cannot double-refund.
	req.Header.Set("Idempotency-Key", "refund-"+intent.ID)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: refund ref %s: %v", gateway.ErrGatewayUnavailable, intent.ExternalReference, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("%w: refund ref %s: http %d", gateway.ErrGatewayUnavailable, intent.ExternalReference, resp.StatusCode)
	}
	return nil
}
