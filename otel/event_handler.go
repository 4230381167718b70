package otel

import (
	"context"
	"fmt"
	"time"

	"github.com/terraskye/cqrs"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// WithEventBookTelemetry wraps the handler of subscription name with a
// consumer span and the cqrs.eventbus.handled, duration and errors metrics.
func WithEventBookTelemetry(name string, next cqrs.EventBookHandler, options ...Option) cqrs.EventBookHandler {
	cfg := newConfig(options)
	return eventBookTelemetry(cfg, newInstruments(cfg), name, next)
}

func eventBookTelemetry(cfg *config, inst *instruments, name string, next cqrs.EventBookHandler) cqrs.EventBookHandler {
	return func(ctx context.Context, book cqrs.EventBook) error {
		attr := append(coverAttributes(book.Cover),
			AttrHandlerName.String(name),
			AttrEventCount.Int(len(book.Pages)),
		)
		if last, ok := book.LastSequence(); ok {
			attr = append(attr, AttrSequence.Int64(int64(last)))
		}

		ctx, span := inst.tracer.Start(ctx, fmt.Sprintf("subscription.receive %s", name),
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(cfg.spanAttributes(ctx, attr...)...),
		)
		defer span.End()

		metricAttrs := metric.WithAttributes(
			AttrHandlerName.String(name),
			AttrDomain.String(book.Cover.Domain),
		)
		inst.busHandled.Add(ctx, 1, metricAttrs)

		startTime := time.Now()
		err := next(cqrs.WithHandler(ctx, name), book)
		inst.busDuration.Record(ctx, milliseconds(time.Since(startTime)), metricAttrs)

		if err != nil {
			inst.busErrors.Add(ctx, 1, metricAttrs)
			span.SetStatus(codes.Error, err.Error())
			span.RecordError(err, trace.WithAttributes(attribute.Bool("transient", cqrs.IsTransient(err))))
			return err
		}
		span.SetStatus(codes.Ok, "")
		return nil
	}
}
