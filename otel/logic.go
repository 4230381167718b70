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

// LogicTelemetry instruments calls into business logic, usually remote. Each
// call gets a client span named "logic.{kind} {name}" and is counted in
// cqrs.logic.calls and cqrs.logic.duration with its outcome.
type LogicTelemetry struct {
	cfg  *config
	inst *instruments
}

// NewLogicTelemetry builds the instruments shared by the wrappers below.
func NewLogicTelemetry(options ...Option) *LogicTelemetry {
	cfg := newConfig(options)
	return &LogicTelemetry{cfg: cfg, inst: newInstruments(cfg)}
}

// Aggregate wraps the business logic of domain.
func (l *LogicTelemetry) Aggregate(domain string, next cqrs.AggregateLogic) cqrs.AggregateLogic {
	return cqrs.AggregateLogicFunc(func(ctx context.Context, cmd cqrs.ContextualCommand) (cqrs.Decision, error) {
		var decision cqrs.Decision
		err := l.observe(ctx, "aggregate", domain, cmd.Command.Cover, func(ctx context.Context, span trace.Span) error {
			var err error
			decision, err = next.Handle(ctx, cmd)
			span.SetAttributes(AttrEventCount.Int(len(decision.Events)))
			return err
		})
		return decision, err
	})
}

// Projector wraps the projector called name.
func (l *LogicTelemetry) Projector(name string, next cqrs.Projector) cqrs.Projector {
	return cqrs.ProjectorFunc(func(ctx context.Context, book cqrs.EventBook) (cqrs.ProjectorOutput, error) {
		var out cqrs.ProjectorOutput
		err := l.observe(ctx, "project", name, book.Cover, func(ctx context.Context, span trace.Span) error {
			var err error
			out, err = next.Project(ctx, book)
			span.SetAttributes(AttrEventCount.Int(len(out.Events)))
			return err
		})
		return out, err
	})
}

// Reactor wraps single-step saga logic called name.
func (l *LogicTelemetry) Reactor(name string, next cqrs.SagaReactor) cqrs.SagaReactor {
	return cqrs.SagaReactorFunc(func(ctx context.Context, source cqrs.EventBook) ([]cqrs.CommandBook, error) {
		var cmds []cqrs.CommandBook
		err := l.observe(ctx, "react", name, source.Cover, func(ctx context.Context, span trace.Span) error {
			var err error
			cmds, err = next.React(ctx, source)
			span.SetAttributes(attribute.Int("cqrs.commands.count", len(cmds)))
			return err
		})
		return cmds, err
	})
}

// Orchestrator wraps both phases of two-phase saga logic called name.
func (l *LogicTelemetry) Orchestrator(name string, next cqrs.SagaOrchestrator) cqrs.SagaOrchestrator {
	return &orchestratorTelemetry{telemetry: l, name: name, next: next}
}

type orchestratorTelemetry struct {
	telemetry *LogicTelemetry
	name      string
	next      cqrs.SagaOrchestrator
}

func (o *orchestratorTelemetry) Prepare(ctx context.Context, source cqrs.EventBook) ([]cqrs.Cover, error) {
	var covers []cqrs.Cover
	err := o.telemetry.observe(ctx, "prepare", o.name, source.Cover, func(ctx context.Context, span trace.Span) error {
		var err error
		covers, err = o.next.Prepare(ctx, source)
		span.SetAttributes(attribute.Int("cqrs.destinations.count", len(covers)))
		return err
	})
	return covers, err
}

func (o *orchestratorTelemetry) Execute(ctx context.Context, source cqrs.EventBook, destinations []cqrs.EventBook) ([]cqrs.CommandBook, error) {
	var cmds []cqrs.CommandBook
	err := o.telemetry.observe(ctx, "execute", o.name, source.Cover, func(ctx context.Context, span trace.Span) error {
		var err error
		cmds, err = o.next.Execute(ctx, source, destinations)
		span.SetAttributes(attribute.Int("cqrs.commands.count", len(cmds)))
		return err
	})
	return cmds, err
}

func (l *LogicTelemetry) observe(ctx context.Context, kind, name string, cover cqrs.Cover, fn func(ctx context.Context, span trace.Span) error) error {
	attr := append(coverAttributes(cover), AttrLogicKind.String(kind), AttrHandlerName.String(name))
	ctx, span := l.inst.tracer.Start(ctx, fmt.Sprintf("logic.%s %s", kind, name),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(l.cfg.spanAttributes(ctx, attr...)...),
	)
	defer span.End()

	start := time.Now()
	err := fn(ctx, span)
	outcome := cqrs.Classify(err).String()

	metricAttrs := metric.WithAttributes(
		AttrLogicKind.String(kind),
		AttrHandlerName.String(name),
		AttrOutcome.String(outcome),
	)
	l.inst.logicDuration.Record(ctx, milliseconds(time.Since(start)), metricAttrs)
	l.inst.logicCalls.Add(ctx, 1, metricAttrs)
	span.SetAttributes(AttrOutcome.String(outcome))

	switch cqrs.Classify(err) {
	case cqrs.Accepted:
		span.SetStatus(codes.Ok, "")
	case cqrs.Rejected:
		span.SetStatus(codes.Ok, "")
		span.AddEvent("command_rejected", trace.WithAttributes(attribute.String("reason", err.Error())))
	default:
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
	}
	return err
}
