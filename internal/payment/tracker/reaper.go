package tracker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/veilware/storefront/internal/payment/domain"
	"github.com/veilware/storefront/internal/payment/gateway"
)

type OpenIntentLister interface {
	IntentStore
	ListOpen(ctx context.Context, limit int) ([]domain.PaymentIntent, error)
}

// Reaper polls open intents against their gateways on a fixed interval,
// feeding results into the tracker. This is where lazy expiration happens for
// buyers who simply walk away: the poll after the deadline forces the expired
// transition.
type Reaper struct {
	log      *slog.Logger
	intents  OpenIntentLister
	gateways *gateway.Registry
	tracker  *Tracker
	interval time.Duration
	batch    int
}

func NewReaper(log *slog.Logger, intents OpenIntentLister, gateways *gateway.Registry, tr *Tracker) *Reaper {
	return &Reaper{
		log:      log,
		intents:  intents,
		gateways: gateways,
		tracker:  tr,
		interval: 30 * time.Second,
		batch:    200,
	}
}

func (r *Reaper) Run(ctx context.Context) error {
	t := time.NewTicker(r.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("reaper stopping")
			return nil
		case <-t.C:
			if err := r.Sweep(ctx); err != nil {
				r.log.Error("sweep error", "err", err)
			}
		}
	}
}

func (r *Reaper) Sweep(ctx context.Context) error {
	intents, err := r.intents.ListOpen(ctx, r.batch)
	if err != nil {
		return err
	}

	for _, intent := range intents {
		gw, err := r.gateways.ForMethod(intent.Method)
		if err != nil {
			r.log.Error("open intent with unknown method", "reference", intent.ExternalReference, "method", intent.Method)
			continue
		}

		status, err := gw.QueryStatus(ctx, intent)
		if err != nil {
			// Transient provider failures are retried on the next sweep.
			r.log.Warn("query status failed", "reference", intent.ExternalReference, "err", err)
			continue
		}
		if status == intent.Status {
			continue
		}

		sig := Signal{ExternalReference: intent.ExternalReference, StatusCode: signalCode(status)}
		if err := r.tracker.HandleSignal(ctx, sig); err != nil && !errors.Is(err, domain.ErrPaymentExpired) {
			r.log.Error("poll signal failed", "reference", intent.ExternalReference, "err", err)
		}
	}
	return nil
}

func signalCode(s domain.IntentStatus) string {
	switch s {
	case domain.IntentCompleted:
		return "completed"
	case domain.IntentExpired:
		return "expired"
	case domain.IntentFailed:
		return "failed"
	default:
		return "pending"
	}
}
