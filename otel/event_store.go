package otel

import (
	"context"
	"errors"
	"time"

	"github.com/terraskye/cqrs"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var _ cqrs.Storage = (*TelemetryStorage)(nil)

// TelemetryStorage wraps a Storage with a client span, a duration histogram
// and operation counters per call.
type TelemetryStorage struct {
	next cqrs.Storage
	cfg  *config
	inst *instruments
}

// WithStorageTelemetry decorates next.
//
// Every operation records cqrs.storage.operations and cqrs.storage.duration
// labelled with the operation, the domain and an outcome. Concurrency
// conflicts and unsupported capabilities are outcomes, not errors: they are
// counted but leave the span status unset. Everything else that fails counts
// in cqrs.storage.errors and marks the span as failed.
func WithStorageTelemetry(next cqrs.Storage, options ...Option) *TelemetryStorage {
	cfg := newConfig(options)
	return &TelemetryStorage{next: next, cfg: cfg, inst: newInstruments(cfg)}
}

func (t *TelemetryStorage) Append(ctx context.Context, cover cqrs.Cover, expected uint32, events []cqrs.EventPage) (cqrs.EventBook, error) {
	var book cqrs.EventBook
	err := t.observe(ctx, "append", cover.Domain, func(ctx context.Context, span trace.Span) error {
		span.SetAttributes(append(coverAttributes(cover),
			AttrExpected.Int64(int64(expected)),
			AttrEventCount.Int(len(events)),
		)...)

		var err error
		book, err = t.next.Append(ctx, cover, expected, events)
		if err == nil {
			t.inst.eventsAppended.Add(ctx, int64(len(book.Pages)), metric.WithAttributes(AttrDomain.String(cover.Domain)))
			return nil
		}

		var conflict *cqrs.ConcurrencyConflictError
		if errors.As(err, &conflict) {
			t.inst.conflicts.Add(ctx, 1, metric.WithAttributes(AttrDomain.String(cover.Domain)))
			span.AddEvent("concurrency_conflict", trace.WithAttributes(
				AttrStreamID.String(cover.StreamID()),
				AttrExpected.Int64(int64(conflict.Expected)),
				AttrSequence.Int64(int64(conflict.Actual)),
			))
		}
		return err
	})
	return book, err
}

func (t *TelemetryStorage) Load(ctx context.Context, cover cqrs.Cover, from uint32) (cqrs.EventBook, error) {
	var book cqrs.EventBook
	err := t.observe(ctx, "load", cover.Domain, func(ctx context.Context, span trace.Span) error {
		span.SetAttributes(append(coverAttributes(cover), AttrSequence.Int64(int64(from)))...)

		var err error
		book, err = t.next.Load(ctx, cover, from)
		if err == nil {
			span.SetAttributes(AttrEventCount.Int(len(book.Pages)))
			t.inst.eventsLoaded.Add(ctx, int64(len(book.Pages)), metric.WithAttributes(AttrDomain.String(cover.Domain)))
		}
		return err
	})
	return book, err
}

func (t *TelemetryStorage) LoadByCorrelation(ctx context.Context, correlationID string) ([]cqrs.EventBook, error) {
	var books []cqrs.EventBook
	err := t.observe(ctx, "load_by_correlation", "", func(ctx context.Context, span trace.Span) error {
		span.SetAttributes(AttrCorrelationID.String(correlationID))

		var err error
		books, err = t.next.LoadByCorrelation(ctx, correlationID)
		var n int
		for _, book := range books {
			n += len(book.Pages)
		}
		if err == nil {
			span.SetAttributes(AttrEventCount.Int(n))
			t.inst.eventsLoaded.Add(ctx, int64(n))
		}
		return err
	})
	return books, err
}

func (t *TelemetryStorage) SaveSnapshot(ctx context.Context, cover cqrs.Cover, snap cqrs.Snapshot) error {
	return t.observe(ctx, "save_snapshot", cover.Domain, func(ctx context.Context, span trace.Span) error {
		span.SetAttributes(append(coverAttributes(cover), AttrSequence.Int64(int64(snap.Sequence)))...)
		return t.next.SaveSnapshot(ctx, cover, snap)
	})
}

func (t *TelemetryStorage) LoadSnapshot(ctx context.Context, cover cqrs.Cover) (*cqrs.Snapshot, error) {
	var snap *cqrs.Snapshot
	err := t.observe(ctx, "load_snapshot", cover.Domain, func(ctx context.Context, span trace.Span) error {
		span.SetAttributes(coverAttributes(cover)...)

		var err error
		snap, err = t.next.LoadSnapshot(ctx, cover)
		if snap != nil {
			span.SetAttributes(AttrSequence.Int64(int64(snap.Sequence)))
		}
		return err
	})
	return snap, err
}

func (t *TelemetryStorage) GetPosition(ctx context.Context, handler string, cover cqrs.Cover) (uint32, bool, error) {
	var (
		seq   uint32
		found bool
	)
	err := t.observe(ctx, "get_position", cover.Domain, func(ctx context.Context, span trace.Span) error {
		span.SetAttributes(append(coverAttributes(cover), AttrHandlerName.String(handler))...)

		var err error
		seq, found, err = t.next.GetPosition(ctx, handler, cover)
		if found {
			span.SetAttributes(AttrSequence.Int64(int64(seq)))
		}
		return err
	})
	return seq, found, err
}

func (t *TelemetryStorage) SetPosition(ctx context.Context, handler string, cover cqrs.Cover, sequence uint32) error {
	return t.observe(ctx, "set_position", cover.Domain, func(ctx context.Context, span trace.Span) error {
		span.SetAttributes(append(coverAttributes(cover),
			AttrHandlerName.String(handler),
			AttrSequence.Int64(int64(sequence)),
		)...)
		return t.next.SetPosition(ctx, handler, cover, sequence)
	})
}

// Close just forwards
func (t *TelemetryStorage) Close() error {
	return t.next.Close()
}

func (t *TelemetryStorage) observe(ctx context.Context, op, domain string, fn func(ctx context.Context, span trace.Span) error) error {
	ctx, span := t.inst.tracer.Start(ctx, "Storage."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(t.cfg.spanAttributes(ctx, AttrOperation.String(op))...),
	)
	defer span.End()

	start := time.Now()
	err := fn(ctx, span)
	outcome := storageOutcome(err)

	attrs := []attribute.KeyValue{AttrOperation.String(op), AttrOutcome.String(outcome)}
	if domain != "" {
		attrs = append(attrs, AttrDomain.String(domain))
	}
	t.inst.storageDuration.Record(ctx, milliseconds(time.Since(start)), metric.WithAttributes(attrs...))
	t.inst.storageOperations.Add(ctx, 1, metric.WithAttributes(attrs...))
	span.SetAttributes(AttrOutcome.String(outcome))

	switch outcome {
	case "ok":
		span.SetStatus(codes.Ok, "")
	case "conflict", "unsupported":
	default:
		t.inst.storageErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func storageOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, cqrs.ErrConcurrencyConflict):
		return "conflict"
	case errors.Is(err, cqrs.ErrUnsupported):
		return "unsupported"
	case errors.Is(err, cqrs.ErrInvalidCover), errors.Is(err, cqrs.ErrInvalidEventBatch):
		return "invalid"
	case errors.Is(err, cqrs.ErrDecode):
		return "decode"
	default:
		return "error"
	}
}
