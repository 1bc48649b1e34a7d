package outbox

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

type capturingProducer struct {
	msgs []kafka.Message
}

func (p *capturingProducer) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	p.msgs = append(p.msgs, msgs...)
	return nil
}

func headerValue(h []kafka.Header, key string) string {
	for _, hh := range h {
		if hh.Key == key {
			return string(hh.Value)
		}
	}
	return ""
}

func TestDispatchUsesPersistedTraceparent(t *testing.T) {
	p := &capturingProducer{}
	d := NewDispatcher(slog.New(slog.NewTextHandler(io.Discard, nil)), p, "order.events")

	err := d.Dispatch(context.Background(), Event{
		ID:            1,
		AggregateType: "order",
		AggregateID:   "order-1",
		Type:          "OrderCreated",
		Payload:       []byte(`{"order_id":"order-1"}`),
		Traceparent:   "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01",
	})
	require.NoError(t, err)
	require.Len(t, p.msgs, 1)

	msg := p.msgs[0]
	assert.Equal(t, "order.events", msg.Topic)
	assert.Equal(t, "order-1", string(msg.Key))
	assert.Equal(t, "OrderCreated", headerValue(msg.Headers, "event_type"))
	assert.Equal(t, "order", headerValue(msg.Headers, "aggregate_type"))
	assert.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01",
		headerValue(msg.Headers, "traceparent"))
}

func TestDispatchInjectsAmbientSpanContext(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	defer otel.SetTextMapPropagator(prev)

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x4b, 0xf9, 0x2f, 0x35, 0x77, 0xb3, 0x4d, 0xa6, 0xa3, 0xce, 0x92, 0x9d, 0x0e, 0x0e, 0x47, 0x36},
		SpanID:     trace.SpanID{0x00, 0xf0, 0x67, 0xaa, 0x0b, 0xa9, 0x02, 0xb7},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	p := &capturingProducer{}
	d := NewDispatcher(slog.New(slog.NewTextHandler(io.Discard, nil)), p, "order.events")

	err := d.Dispatch(ctx, Event{
		ID:            2,
		AggregateType: "order",
		AggregateID:   "order-2",
		Type:          "OrderCancelled",
		Payload:       []byte(`{"order_id":"order-2"}`),
	})
	require.NoError(t, err)
	require.Len(t, p.msgs, 1)

	assert.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01",
		headerValue(p.msgs[0].Headers, "traceparent"))
}
