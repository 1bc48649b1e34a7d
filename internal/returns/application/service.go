package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	orderdomain "github.com/veilware/storefront/internal/order/domain"
	"github.com/veilware/storefront/internal/returns/domain"
)

type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

var ErrInvalidDecision = errors.New("decision must be approve or reject")

type ReturnRepository interface {
	Create(ctx context.Context, r domain.Request) error
	Get(ctx context.Context, id string) (domain.Request, error)
	// UpdateConditional commits only if the stored status still matches
	// expected; otherwise domain.ErrRequestConflict.
	UpdateConditional(ctx context.Context, r domain.Request, expected domain.Status) error
}

// Orders is the slice of the order state machine the return workflow needs.
type Orders interface {
	Get(ctx context.Context, orderID string) (orderdomain.Order, error)
	MarkReturnRequested(ctx context.Context, orderID string) error
	ClearReturnRequest(ctx context.Context, orderID string) error
	CompleteReturn(ctx context.Context, orderID string, amount decimal.Decimal) error
}

type Service struct {
	log     *slog.Logger
	returns ReturnRepository
	orders  Orders
	now     func() time.Time
	tracer  trace.Tracer
}

func NewService(log *slog.Logger, returns ReturnRepository, orders Orders) *Service {
	return &Service{
		log:     log,
		returns: returns,
		orders:  orders,
		now:     time.Now,
		tracer:  otel.Tracer("returns-service"),
	}
}

// Request opens a return for a delivered order inside its eligibility
// window. No record is created when any eligibility clause fails.
func (s *Service) Request(ctx context.Context, orderID string, items []domain.Item) (domain.Request, error) {
	ctx, span := s.tracer.Start(ctx, "RequestReturn")
	defer span.End()

	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return domain.Request{}, err
	}
	if err := domain.CheckEligibility(o, s.now()); err != nil {
		return domain.Request{}, err
	}

	req, err := domain.NewRequest(uuid.NewString(), o, items, s.now())
	if err != nil {
		return domain.Request{}, err
	}

	if err := s.orders.MarkReturnRequested(ctx, orderID); err != nil {
		return domain.Request{}, err
	}
	if err := s.returns.Create(ctx, req); err != nil {
		// Roll the flag back so the customer may try again.
		if clearErr := s.orders.ClearReturnRequest(ctx, orderID); clearErr != nil {
			s.log.Error("clear return flag after failed create", "order_id", orderID, "err", clearErr)
		}
		return domain.Request{}, err
	}

	s.log.Info("return requested",
		"return_id", req.ID, "order_id", orderID, "refund", req.TotalRefundAmount)
	return req, nil
}

// Resolve approves or rejects an open return. Approval issues the refund
// through the original gateway; only on refund success does the request reach
// refund_issued and the order flip to returned.
func (s *Service) Resolve(ctx context.Context, returnID string, decision Decision) (domain.Request, error) {
	ctx, span := s.tracer.Start(ctx, "ResolveReturn")
	defer span.End()

	req, err := s.returns.Get(ctx, returnID)
	if err != nil {
		return domain.Request{}, err
	}
	if req.Terminal() {
		return domain.Request{}, fmt.Errorf("%w: return %s is %s", domain.ErrRequestConflict, returnID, req.Status)
	}

	switch decision {
	case DecisionReject:
		if req.Status != domain.StatusRequested {
			return domain.Request{}, fmt.Errorf("%w: return %s is %s", domain.ErrRequestConflict, returnID, req.Status)
		}
		resolved := s.now()
		next := req
		next.Status = domain.StatusRejected
		next.ResolvedAt = &resolved
		if err := s.returns.UpdateConditional(ctx, next, domain.StatusRequested); err != nil {
			return domain.Request{}, err
		}
		if err := s.orders.ClearReturnRequest(ctx, req.OrderID); err != nil {
			s.log.Error("clear return flag after rejection", "order_id", req.OrderID, "err", err)
		}
		s.log.Info("return rejected", "return_id", req.ID, "order_id", req.OrderID)
		return next, nil

	case DecisionApprove:
		approved := req
		if req.Status == domain.StatusRequested {
			approved.Status = domain.StatusApproved
			if err := s.returns.UpdateConditional(ctx, approved, domain.StatusRequested); err != nil {
				return domain.Request{}, err
			}
		}
		// An already-approved request is a refund retry after an earlier
		// gateway failure.

		if err := s.orders.CompleteReturn(ctx, req.OrderID, req.TotalRefundAmount); err != nil {
			// Refund failed: the request stays approved for a retry; the
			// order is untouched.
			return approved, fmt.Errorf("resolve return %s: %w", returnID, err)
		}

		resolved := s.now()
		issued := approved
		issued.Status = domain.StatusRefundIssued
		issued.ResolvedAt = &resolved
		if err := s.returns.UpdateConditional(ctx, issued, domain.StatusApproved); err != nil {
			return domain.Request{}, err
		}
		s.log.Info("return refund issued",
			"return_id", req.ID, "order_id", req.OrderID, "refund", req.TotalRefundAmount)
		return issued, nil

	default:
		return domain.Request{}, ErrInvalidDecision
	}
}
