// Package kafka consumes payment signals published by external watchers
// (blockchain monitors, processor bridges) and feeds them into the same
// tracker consumer the webhook endpoint uses.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	paymentdomain "github.com/veilware/storefront/internal/payment/domain"
	"github.com/veilware/storefront/internal/payment/tracker"
	"github.com/veilware/storefront/pkg/tracing"
)

// Deduper claims one delivery of a signal; the claim is released on a failed
// handling attempt so the redelivered message is processed again.
type Deduper interface {
	SignalKey(method, reference string, body []byte) string
	Seen(ctx context.Context, key string) (bool, error)
	Forget(ctx context.Context, key string) error
}

type Consumer struct {
	log    *slog.Logger
	reader *kafka.Reader
	trk    *tracker.Tracker
	idem   Deduper
	tracer trace.Tracer
}

func NewConsumer(log *slog.Logger, brokers []string, topic, group string, trk *tracker.Tracker, idem Deduper) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers,
		Topic:   topic,
		GroupID: group,
	})
	return &Consumer{
		log:    log,
		reader: r,
		trk:    trk,
		idem:   idem,
		tracer: otel.Tracer("payment-signal-consumer"),
	}
}

func (c *Consumer) Run(ctx context.Context) error {
	defer c.reader.Close()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			return err
		}

		var sig tracker.Signal
		if err := json.Unmarshal(msg.Value, &sig); err != nil || sig.ExternalReference == "" {
			c.log.Error("malformed payment signal", "err", err)
			_ = c.reader.CommitMessages(ctx, msg)
			continue
		}

		key := c.idem.SignalKey(headerValue(msg.Headers, "method"), sig.ExternalReference, msg.Value)
		seen, err := c.idem.Seen(ctx, key)
		if err != nil {
			c.log.Error("idempotency check failed", "err", err)
			continue
		}
		if seen {
			c.log.Info("duplicate signal skipped", "reference", sig.ExternalReference)
			_ = c.reader.CommitMessages(ctx, msg)
			continue
		}

		msgCtx := tracing.ExtractKafkaHeaders(ctx, msg.Headers)
		msgCtx, span := c.tracer.Start(msgCtx, "ConsumePaymentSignal")
		err = c.trk.HandleSignal(msgCtx, sig)
		span.End()

		if err != nil && !errors.Is(err, paymentdomain.ErrPaymentExpired) {
			c.log.Error("payment signal failed", "reference", sig.ExternalReference, "err", err)
			// Release the claim and leave the message uncommitted so the
			// broker redelivers it.
			if ferr := c.idem.Forget(ctx, key); ferr != nil {
				c.log.Error("release signal dedup claim failed", "reference", sig.ExternalReference, "err", ferr)
			}
			continue
		}
		_ = c.reader.CommitMessages(ctx, msg)
	}
}

func headerValue(h []kafka.Header, key string) string {
	for _, hh := range h {
		if hh.Key == key {
			return string(hh.Value)
		}
	}
	return ""
}
