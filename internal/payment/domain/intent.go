package domain

import (
	"time"

	"github.com/shopspring/decimal"

	orderdomain "github.com/veilware/storefront/internal/order/domain"
)

type IntentStatus string

const (
	IntentInitiated            IntentStatus = "initiated"
	IntentAwaitingConfirmation IntentStatus = "awaiting_confirmation"
	IntentCompleted            IntentStatus = "completed"
	IntentExpired              IntentStatus = "expired"
	IntentFailed               IntentStatus = "failed"
)

// PaymentIntent is one payment attempt against an order. ExternalReference is
// the gateway order id, deposit address or processor payment id, depending on
// the method. Crypto amounts are converted once at initiation with a
// snapshotted exchange rate.
type PaymentIntent struct {
	ID                    string                    `json:"id"`
	OrderID               string                    `json:"order_id"`
	Method                orderdomain.PaymentMethod `json:"method"`
	ExternalReference     string                    `json:"external_reference"`
	ExpectedAmount        decimal.Decimal           `json:"expected_amount"`
	CryptoAmount          decimal.Decimal           `json:"crypto_amount,omitempty"`
	ExchangeRate          decimal.Decimal           `json:"exchange_rate,omitempty"`
	RequiredConfirmations int                       `json:"required_confirmations"`
	Confirmations         int                       `json:"confirmations"`
	ExpiresAt             time.Time                 `json:"expires_at,omitempty"`
	Status                IntentStatus              `json:"status"`
	CreatedAt             time.Time                 `json:"created_at"`
	UpdatedAt             time.Time                 `json:"updated_at"`
}

// ExpiredAt reports whether the intent's deadline has passed while it is
// still open. Intents with no deadline (redirect methods) never expire.
func (i PaymentIntent) ExpiredAt(now time.Time) bool {
	if i.ExpiresAt.IsZero() {
		return false
	}
	return now.After(i.ExpiresAt) && !i.Terminal()
}

func (i PaymentIntent) Terminal() bool {
	switch i.Status {
	case IntentCompleted, IntentExpired, IntentFailed:
		return true
	}
	return false
}
