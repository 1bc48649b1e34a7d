package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	returndomain "github.com/veilware/storefront/internal/returns/domain"
)

type ReturnStore struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewReturnStore(log *slog.Logger, pool *pgxpool.Pool) *ReturnStore {
	return &ReturnStore{log: log, pool: pool}
}

func (s *ReturnStore) Create(ctx context.Context, r returndomain.Request) error {
	doc, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO return_requests (id, order_id, request_number, status, doc, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		r.ID, r.OrderID, r.RequestNumber, r.Status, doc, r.RequestDate)
	return err
}

func (s *ReturnStore) Get(ctx context.Context, id string) (returndomain.Request, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM return_requests WHERE id=$1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return returndomain.Request{}, fmt.Errorf("return %s: %w", id, returndomain.ErrRequestNotFound)
	}
	if err != nil {
		return returndomain.Request{}, err
	}
	var r returndomain.Request
	if err := json.Unmarshal(doc, &r); err != nil {
		return returndomain.Request{}, err
	}
	return r, nil
}

func (s *ReturnStore) UpdateConditional(ctx context.Context, r returndomain.Request, expected returndomain.Status) error {
	doc, err := json.Marshal(r)
	if err != nil {
		return err
	}
	ct, err := s.pool.Exec(ctx, `UPDATE return_requests SET status=$2, doc=$3 WHERE id=$1 AND status=$4`,
		r.ID, r.Status, doc, expected)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("return %s: expected status %s: %w", r.ID, expected, returndomain.ErrRequestConflict)
	}
	return nil
}
