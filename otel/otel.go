// Package otel decorates storage, command handlers, buses and business-logic
// clients with OpenTelemetry spans and metrics. Decorators are transparent:
// results and errors pass through unchanged.
package otel

import (
	"time"

	"github.com/terraskye/cqrs"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "github.com/terraskye/cqrs"
)

// Semantic attribute keys following OpenTelemetry conventions
const (
	// Stream attributes
	AttrDomain        = attribute.Key("cqrs.domain")
	AttrRoot          = attribute.Key("cqrs.root")
	AttrEdition       = attribute.Key("cqrs.edition")
	AttrCorrelationID = attribute.Key("cqrs.correlation_id")
	AttrStreamID      = attribute.Key("cqrs.stream.id")
	AttrSequence      = attribute.Key("cqrs.sequence")
	AttrExpected      = attribute.Key("cqrs.sequence.expected")

	// Payload attributes
	AttrCommandType = attribute.Key("cqrs.command.type")
	AttrEventCount  = attribute.Key("cqrs.events.count")

	// Handler attributes
	AttrHandlerName = attribute.Key("cqrs.handler.name")
	AttrLogicKind   = attribute.Key("cqrs.logic.kind")

	// Operation attributes
	AttrOperation = attribute.Key("cqrs.operation")
	AttrOutcome   = attribute.Key("cqrs.outcome")
)

var durationBuckets = metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000)

type instruments struct {
	tracer trace.Tracer

	// Command metrics
	commandsHandled  metric.Int64Counter
	commandsDuration metric.Float64Histogram
	commandsInFlight metric.Int64UpDownCounter
	conflicts        metric.Int64Counter

	// Storage metrics
	storageOperations metric.Int64Counter
	storageDuration   metric.Float64Histogram
	storageErrors     metric.Int64Counter
	eventsAppended    metric.Int64Counter
	eventsLoaded      metric.Int64Counter

	// EventBus metrics
	busPublished    metric.Int64Counter
	busHandled      metric.Int64Counter
	busErrors       metric.Int64Counter
	busDuration     metric.Float64Histogram
	outputPublished metric.Int64Counter

	// Business logic metrics
	logicCalls    metric.Int64Counter
	logicDuration metric.Float64Histogram
}

func newInstruments(cfg *config) *instruments {
	meter := cfg.meterProvider.Meter(instrumentationName, metric.WithInstrumentationVersion(cqrs.InstrumentationVersion))
	in := &instruments{
		tracer: cfg.tracerProvider.Tracer(instrumentationName, trace.WithInstrumentationVersion(cqrs.InstrumentationVersion)),
	}

	in.commandsHandled, _ = meter.Int64Counter(
		"cqrs.commands.handled",
		metric.WithDescription("Number of command books handled, by outcome"),
		metric.WithUnit("{command}"),
	)
	in.commandsDuration, _ = meter.Float64Histogram(
		"cqrs.commands.duration",
		metric.WithDescription("Command handling duration"),
		metric.WithUnit("ms"),
		durationBuckets,
	)
	in.commandsInFlight, _ = meter.Int64UpDownCounter(
		"cqrs.commands.in_flight",
		metric.WithDescription("Number of commands currently being processed"),
		metric.WithUnit("{command}"),
	)
	in.conflicts, _ = meter.Int64Counter(
		"cqrs.concurrency.conflicts",
		metric.WithDescription("Number of concurrency conflicts"),
		metric.WithUnit("{conflict}"),
	)

	in.storageOperations, _ = meter.Int64Counter(
		"cqrs.storage.operations",
		metric.WithDescription("Number of storage operations, by operation and outcome"),
		metric.WithUnit("{operation}"),
	)
	in.storageDuration, _ = meter.Float64Histogram(
		"cqrs.storage.duration",
		metric.WithDescription("Storage operation duration"),
		metric.WithUnit("ms"),
		durationBuckets,
	)
	in.storageErrors, _ = meter.Int64Counter(
		"cqrs.storage.errors",
		metric.WithDescription("Number of failed storage operations"),
		metric.WithUnit("{error}"),
	)
	in.eventsAppended, _ = meter.Int64Counter(
		"cqrs.events.appended",
		metric.WithDescription("Number of events appended to streams"),
		metric.WithUnit("{event}"),
	)
	in.eventsLoaded, _ = meter.Int64Counter(
		"cqrs.events.loaded",
		metric.WithDescription("Number of events loaded from streams"),
		metric.WithUnit("{event}"),
	)

	in.busPublished, _ = meter.Int64Counter(
		"cqrs.eventbus.published",
		metric.WithDescription("Number of event books published to the bus"),
		metric.WithUnit("{book}"),
	)
	in.busHandled, _ = meter.Int64Counter(
		"cqrs.eventbus.handled",
		metric.WithDescription("Number of event books handled by subscribers"),
		metric.WithUnit("{book}"),
	)
	in.busErrors, _ = meter.Int64Counter(
		"cqrs.eventbus.errors",
		metric.WithDescription("Number of event bus handler errors"),
		metric.WithUnit("{error}"),
	)
	in.busDuration, _ = meter.Float64Histogram(
		"cqrs.eventbus.duration",
		metric.WithDescription("Event bus handler duration"),
		metric.WithUnit("ms"),
		durationBuckets,
	)
	in.outputPublished, _ = meter.Int64Counter(
		"cqrs.output.published",
		metric.WithDescription("Number of projector output events published"),
		metric.WithUnit("{event}"),
	)

	in.logicCalls, _ = meter.Int64Counter(
		"cqrs.logic.calls",
		metric.WithDescription("Number of business logic calls, by kind and outcome"),
		metric.WithUnit("{call}"),
	)
	in.logicDuration, _ = meter.Float64Histogram(
		"cqrs.logic.duration",
		metric.WithDescription("Business logic call duration"),
		metric.WithUnit("ms"),
		durationBuckets,
	)
	return in
}

func milliseconds(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func coverAttributes(cover cqrs.Cover) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrDomain.String(cover.Domain),
		AttrRoot.String(cover.Root.String()),
		AttrEdition.String(cover.Edition),
	}
	if cover.CorrelationID != "" {
		attrs = append(attrs, AttrCorrelationID.String(cover.CorrelationID))
	}
	return attrs
}
