package domain

import "errors"

var (
	ErrIntentNotFound = errors.New("payment intent not found")

	// ErrIntentConflict means a conditional intent transition lost the race:
	// the stored status no longer matches the expected one.
	ErrIntentConflict = errors.New("payment intent modified concurrently")

	// ErrPaymentExpired marks an intent that passed its deadline before
	// completing. Surfaced as an order cancellation, not a generic failure.
	ErrPaymentExpired = errors.New("payment intent expired")
)
