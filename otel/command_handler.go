package otel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/terraskye/cqrs"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// WithCommandTelemetry wraps a CommandHandler with OpenTelemetry tracing and metrics.
//
// For each command book the wrapper:
//  1. Starts a span named "command.handle {domain}" carrying the cover and
//     the type of the first command page.
//  2. Tracks the book in cqrs.commands.in_flight while the handler runs.
//  3. Records cqrs.commands.duration and cqrs.commands.handled labelled with
//     the outcome: accepted, rejected, conflict or unavailable.
//
// A rejection is a business decision, so the span stays OK and gets a
// "command_rejected" event with the reason. A conflict additionally counts in
// cqrs.concurrency.conflicts. Only unavailable outcomes mark the span as an
// error.
//
// Example Usage:
//
//	handler := otel.WithCommandTelemetry(coordinator)
//	events, err := handler.Handle(ctx, cmd)
func WithCommandTelemetry(next cqrs.CommandHandler, options ...Option) cqrs.CommandHandler {
	cfg := newConfig(options)
	inst := newInstruments(cfg)

	return cqrs.CommandHandlerFunc(func(ctx context.Context, cmd cqrs.CommandBook) (cqrs.EventBook, error) {
		commandType := ""
		if len(cmd.Pages) > 0 {
			commandType = cmd.Pages[0].TypeName()
		}
		metricAttrs := []attribute.KeyValue{
			AttrDomain.String(cmd.Cover.Domain),
			AttrCommandType.String(commandType),
		}

		attr := append(coverAttributes(cmd.Cover), AttrCommandType.String(commandType))
		if expected, ok := cmd.ExpectedSequence(); ok {
			attr = append(attr, AttrExpected.Int64(int64(expected)))
		}

		ctx, span := inst.tracer.Start(ctx, fmt.Sprintf("command.handle %s", cmd.Cover.Domain),
			trace.WithSpanKind(trace.SpanKindInternal),
			trace.WithAttributes(cfg.spanAttributes(ctx, attr...)...),
		)
		defer span.End()

		inst.commandsInFlight.Add(ctx, 1, metric.WithAttributes(metricAttrs...))
		defer inst.commandsInFlight.Add(ctx, -1, metric.WithAttributes(metricAttrs...))

		startTime := time.Now()
		result, err := next.Handle(ctx, cmd)

		outcome := cqrs.Classify(err)
		metricAttrs = append(metricAttrs, AttrOutcome.String(outcome.String()))
		inst.commandsDuration.Record(ctx, milliseconds(time.Since(startTime)), metric.WithAttributes(metricAttrs...))
		inst.commandsHandled.Add(ctx, 1, metric.WithAttributes(metricAttrs...))

		span.SetAttributes(AttrOutcome.String(outcome.String()), AttrEventCount.Int(len(result.Pages)))
		if last, ok := result.LastSequence(); ok {
			span.SetAttributes(AttrSequence.Int64(int64(last)))
		}

		switch outcome {
		case cqrs.Accepted:
			span.SetStatus(codes.Ok, "")
		case cqrs.Rejected:
			var rejection *cqrs.RejectionError
			reason := err.Error()
			if errors.As(err, &rejection) {
				reason = rejection.Reason
			}
			span.SetStatus(codes.Ok, "")
			span.AddEvent("command_rejected", trace.WithAttributes(attribute.String("reason", reason)))
		case cqrs.Conflict:
			inst.conflicts.Add(ctx, 1, metric.WithAttributes(AttrDomain.String(cmd.Cover.Domain)))
			span.AddEvent("concurrency_conflict", trace.WithAttributes(AttrStreamID.String(cmd.Cover.StreamID())))
		default:
			// Real system error
			span.SetStatus(codes.Error, err.Error())
			span.RecordError(err)
		}
		return result, err
	})
}
