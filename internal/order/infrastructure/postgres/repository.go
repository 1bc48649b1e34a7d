// Package postgres persists order documents, payment intents and return
// requests. Orders are stored as one row per order with the full document
// (items, addresses, append-only status history) in a jsonb column; the
// status column is duplicated out of the document so transitions can use a
// conditional UPDATE as the optimistic-concurrency primitive. Outbox rows are
// written in the same transaction as the mutation they announce.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/veilware/storefront/internal/order/domain"
	"github.com/veilware/storefront/pkg/outbox"
	"github.com/veilware/storefront/pkg/tracing"
)

type Repository struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewRepository(log *slog.Logger, pool *pgxpool.Pool) *Repository {
	return &Repository{log: log, pool: pool}
}

func (r *Repository) Create(ctx context.Context, o domain.Order, events ...outbox.Pending) error {
	doc, err := json.Marshal(o)
	if err != nil {
		return err
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `INSERT INTO orders (id, order_number, customer_id, status, payment_status, doc, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		o.ID, o.OrderNumber, o.CustomerID, o.Status, o.PaymentStatus, doc, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return err
	}

	if err := insertOutbox(ctx, tx, "order", o.ID, tracing.Traceparent(ctx), events); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *Repository) Get(ctx context.Context, id string) (domain.Order, error) {
	var doc []byte
	err := r.pool.QueryRow(ctx, `SELECT doc FROM orders WHERE id=$1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Order{}, fmt.Errorf("order %s: %w", id, domain.ErrOrderNotFound)
	}
	if err != nil {
		return domain.Order{}, err
	}

	var o domain.Order
	if err := json.Unmarshal(doc, &o); err != nil {
		return domain.Order{}, fmt.Errorf("decode order %s: %w", id, err)
	}
	return o, nil
}

// UpdateConditional commits the new snapshot only if the stored status still
// matches expected. A zero row count caused by a status mismatch surfaces as
// domain.ErrConcurrentModification so the caller can re-read and retry.
func (r *Repository) UpdateConditional(ctx context.Context, o domain.Order, expected domain.OrderStatus, events ...outbox.Pending) error {
	doc, err := json.Marshal(o)
	if err != nil {
		return err
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ct, err := tx.Exec(ctx, `UPDATE orders SET status=$2, payment_status=$3, doc=$4, updated_at=$5
		WHERE id=$1 AND status=$6`,
		o.ID, o.Status, o.PaymentStatus, doc, o.UpdatedAt, expected)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id=$1)`, o.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("order %s: %w", o.ID, domain.ErrOrderNotFound)
		}
		return fmt.Errorf("order %s: expected status %s: %w", o.ID, expected, domain.ErrConcurrentModification)
	}

	if err := insertOutbox(ctx, tx, "order", o.ID, tracing.Traceparent(ctx), events); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func insertOutbox(ctx context.Context, tx pgx.Tx, aggregateType, aggregateID, traceparent string, events []outbox.Pending) error {
	if len(events) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range events {
		batch.Queue(`INSERT INTO outbox (aggregate_type, aggregate_id, type, payload, traceparent, status)
			VALUES ($1,$2,$3,$4,$5,'pending')`,
			aggregateType, aggregateID, e.Type, e.Payload, traceparent)
	}
	return tx.SendBatch(ctx, batch).Close()
}
