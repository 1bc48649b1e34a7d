package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	paymentdomain "github.com/veilware/storefront/internal/payment/domain"
)

// IntentStore persists payment intents keyed by external reference so that
// webhook lookups and the reaper survive restarts.
type IntentStore struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewIntentStore(log *slog.Logger, pool *pgxpool.Pool) *IntentStore {
	return &IntentStore{log: log, pool: pool}
}

func (s *IntentStore) Save(ctx context.Context, intent paymentdomain.PaymentIntent) error {
	doc, err := json.Marshal(intent)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO payment_intents (id, order_id, external_reference, method, status, expires_at, doc, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		intent.ID, intent.OrderID, intent.ExternalReference, intent.Method, intent.Status,
		nullableTime(intent.ExpiresAt), doc, intent.CreatedAt, intent.UpdatedAt)
	return err
}

func (s *IntentStore) GetByReference(ctx context.Context, ref string) (paymentdomain.PaymentIntent, error) {
	return s.scanOne(ctx, `SELECT doc FROM payment_intents WHERE external_reference=$1`, ref)
}

func (s *IntentStore) GetCurrent(ctx context.Context, orderID string) (paymentdomain.PaymentIntent, error) {
	return s.scanOne(ctx, `SELECT doc FROM payment_intents WHERE order_id=$1 ORDER BY created_at DESC LIMIT 1`, orderID)
}

// Transition is the exactly-once gate for payment signals: it commits only
// when the stored status still matches from.
func (s *IntentStore) Transition(ctx context.Context, ref string, from, to paymentdomain.IntentStatus, confirmations int) error {
	intent, err := s.GetByReference(ctx, ref)
	if err != nil {
		return err
	}
	intent.Status = to
	intent.Confirmations = confirmations
	intent.UpdatedAt = time.Now().UTC()
	doc, err := json.Marshal(intent)
	if err != nil {
		return err
	}

	ct, err := s.pool.Exec(ctx, `UPDATE payment_intents SET status=$2, doc=$3, updated_at=$4
		WHERE external_reference=$1 AND status=$5`,
		ref, to, doc, intent.UpdatedAt, from)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("intent %s: expected status %s: %w", ref, from, paymentdomain.ErrIntentConflict)
	}
	return nil
}

func (s *IntentStore) ListOpen(ctx context.Context, limit int) ([]paymentdomain.PaymentIntent, error) {
	rows, err := s.pool.Query(ctx, `SELECT doc FROM payment_intents
		WHERE status IN ('initiated','awaiting_confirmation')
		ORDER BY created_at LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var intents []paymentdomain.PaymentIntent
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var intent paymentdomain.PaymentIntent
		if err := json.Unmarshal(doc, &intent); err != nil {
			return nil, err
		}
		intents = append(intents, intent)
	}
	return intents, rows.Err()
}

func (s *IntentStore) scanOne(ctx context.Context, query, arg string) (paymentdomain.PaymentIntent, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, query, arg).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return paymentdomain.PaymentIntent{}, fmt.Errorf("%s: %w", arg, paymentdomain.ErrIntentNotFound)
	}
	if err != nil {
		return paymentdomain.PaymentIntent{}, err
	}
	var intent paymentdomain.PaymentIntent
	if err := json.Unmarshal(doc, &intent); err != nil {
		return paymentdomain.PaymentIntent{}, err
	}
	return intent, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
