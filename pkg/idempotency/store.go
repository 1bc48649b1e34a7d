package idempotency

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store deduplicates externally delivered signals (retried webhooks, replayed
// poll results) with a redis SetNX marker per signal.
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{rdb: rdb, ttl: ttl}
}

// SignalKey identifies one delivery of a payment signal: same reference and
// same body hash to the same key, so an identical redelivery is dropped while
// a new confirmation count for the same reference passes through.
func (s *Store) SignalKey(method, reference string, body []byte) string {
	h := fnv.New64a()
	_, _ = h.Write(body)
	return fmt.Sprintf("signal:%s:%s:%x", method, reference, h.Sum64())
}

// Seen claims the key for this delivery. The claim must be released with
// Forget if handling fails, otherwise the provider's retry of the same
// signal would be dropped as a duplicate.
func (s *Store) Seen(ctx context.Context, key string) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, key, "1", s.ttl).Result()
	if err != nil {
		return false, err
	}
	return !ok, nil
}

// Forget releases a claimed key after a failed handling attempt so the next
// delivery of the same signal is processed again.
func (s *Store) Forget(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, key).Err()
}
