package outbox

import "time"

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusSent       Status = "sent"
	StatusFailed     Status = "failed"
)

// Event is a single outbox row, written in the same transaction as the
// state change it announces and published asynchronously by the relay.
type Event struct {
	ID            int64
	AggregateType string
	AggregateID   string
	Type          string
	Payload       []byte
	Traceparent   string
	CreatedAt     time.Time
	Status        Status
	RelayID       string
	RetryCount    int
	LastError     *string
}

// Pending is an event not yet written to the store, produced by the domain
// services and persisted together with the order mutation.
type Pending struct {
	Type    string
	Payload []byte
}
