package otel

import (
	"context"
	"fmt"

	cloudevents "github.com/cloudevents/sdk-go/v2/event"
	"github.com/terraskye/cqrs"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var _ cqrs.EventBus = (*TelemetryEventBus)(nil)

// TelemetryEventBus wraps an EventBus with OpenTelemetry tracing and metrics.
//
// Publish and PublishOutput get producer spans and count what they send.
// Subscribe wraps the handler so that every delivered book runs inside a
// consumer span named "subscription.receive {name}".
type TelemetryEventBus struct {
	next cqrs.EventBus
	cfg  *config
	inst *instruments
}

// WithEventBusTelemetry wraps an EventBus with OpenTelemetry tracing and metrics.
//
// Example Usage:
//
//	bus := otel.WithEventBusTelemetry(eventBus,
//	    otel.WithAttributes(attribute.String("service", "orders")),
//	)
//	err := bus.Subscribe(ctx, "order-summary", "order", handler)
func WithEventBusTelemetry(next cqrs.EventBus, options ...Option) *TelemetryEventBus {
	cfg := newConfig(options)
	return &TelemetryEventBus{next: next, cfg: cfg, inst: newInstruments(cfg)}
}

func (t *TelemetryEventBus) Publish(ctx context.Context, book cqrs.EventBook) error {
	attr := append(coverAttributes(book.Cover), AttrEventCount.Int(len(book.Pages)))
	ctx, span := t.inst.tracer.Start(ctx, fmt.Sprintf("eventbus.publish %s", book.Cover.Domain),
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(t.cfg.spanAttributes(ctx, attr...)...),
	)
	defer span.End()

	err := t.next.Publish(ctx, book)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return err
	}
	t.inst.busPublished.Add(ctx, 1, metric.WithAttributes(AttrDomain.String(book.Cover.Domain)))
	span.SetStatus(codes.Ok, "")
	return nil
}

func (t *TelemetryEventBus) PublishOutput(ctx context.Context, events []cloudevents.Event) error {
	ctx, span := t.inst.tracer.Start(ctx, "eventbus.publish_output",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(t.cfg.spanAttributes(ctx, AttrEventCount.Int(len(events)))...),
	)
	defer span.End()

	err := t.next.PublishOutput(ctx, events)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return err
	}
	for _, ev := range events {
		t.inst.outputPublished.Add(ctx, 1, metric.WithAttributes(attribute.String("cloudevents.type", ev.Type())))
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

// Subscribe registers handler wrapped with a consumer span and metrics.
func (t *TelemetryEventBus) Subscribe(ctx context.Context, name, domain string, handler cqrs.EventBookHandler) error {
	return t.next.Subscribe(ctx, name, domain, eventBookTelemetry(t.cfg, t.inst, name, handler))
}

// Errors returns the error channel from the underlying event bus.
func (t *TelemetryEventBus) Errors() <-chan error {
	return t.next.Errors()
}

// Close closes the underlying event bus.
func (t *TelemetryEventBus) Close() error {
	return t.next.Close()
}
