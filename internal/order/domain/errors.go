package domain

import "errors"

var (
	// ErrInvalidTransition is returned when a requested status change is not
	// legal from the order's current state. Never retried.
	ErrInvalidTransition = errors.New("invalid order status transition")

	// ErrConcurrentModification is an optimistic-concurrency conflict: the
	// order's status no longer matches what the transition expected. The
	// caller should re-read and retry.
	ErrConcurrentModification = errors.New("order modified concurrently")

	ErrOrderNotFound = errors.New("order not found")
)
