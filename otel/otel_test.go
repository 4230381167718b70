package otel

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/terraskye/cqrs"
	"github.com/terraskye/cqrs/fixtures"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

type telemetry struct {
	reader *sdkmetric.ManualReader
	spans  *tracetest.SpanRecorder
}

func newTelemetry(t *testing.T) (*telemetry, []Option) {
	t.Helper()
	tel := &telemetry{
		reader: sdkmetric.NewManualReader(),
		spans:  tracetest.NewSpanRecorder(),
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(tel.reader))
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(tel.spans))
	t.Cleanup(func() {
		_ = mp.Shutdown(context.Background())
		_ = tp.Shutdown(context.Background())
	})
	return tel, []Option{WithMeterProvider(mp), WithTracerProvider(tp)}
}

func matches(set attribute.Set, want []attribute.KeyValue) bool {
	for _, kv := range want {
		v, ok := set.Value(kv.Key)
		if !ok || v.Emit() != kv.Value.Emit() {
			return false
		}
	}
	return true
}

// sum adds up the counter points of name whose attributes include want.
func (tel *telemetry) sum(t *testing.T, name string, want ...attribute.KeyValue) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := tel.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			data, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("%s is %T, not an int64 sum", name, m.Data)
			}
			for _, dp := range data.DataPoints {
				if matches(dp.Attributes, want) {
					total += dp.Value
				}
			}
		}
	}
	return total
}

// observations counts histogram observations of name whose attributes include want.
func (tel *telemetry) observations(t *testing.T, name string, want ...attribute.KeyValue) uint64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := tel.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	var total uint64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			data, ok := m.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("%s is %T, not a float64 histogram", name, m.Data)
			}
			for _, dp := range data.DataPoints {
				if matches(dp.Attributes, want) {
					total += dp.Count
				}
			}
		}
	}
	return total
}

func (tel *telemetry) span(t *testing.T, name string) sdktrace.ReadOnlySpan {
	t.Helper()
	ended := tel.spans.Ended()
	for i := len(ended) - 1; i >= 0; i-- {
		if ended[i].Name() == name {
			return ended[i]
		}
	}
	names := make([]string, len(ended))
	for i, s := range ended {
		names[i] = s.Name()
	}
	t.Fatalf("no span %q among %v", name, names)
	return nil
}

func hasEvent(span sdktrace.ReadOnlySpan, name string) bool {
	for _, ev := range span.Events() {
		if ev.Name == name {
			return true
		}
	}
	return false
}

func TestStorageTelemetry_Append(t *testing.T) {
	tel, opts := newTelemetry(t)
	store := WithStorageTelemetry(fixtures.NewStoreSpy(), opts...)
	cover := fixtures.OrderCover()

	book, err := store.Append(t.Context(), cover, 0, fixtures.Pages(0, fixtures.OrderCreated{Customer: "ann"}, fixtures.ItemAdded{SKU: "a"}))
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if len(book.Pages) != 2 {
		t.Fatalf("decorator changed the result: %+v", book)
	}

	if got := tel.sum(t, "cqrs.events.appended", AttrDomain.String(fixtures.OrderDomain)); got != 2 {
		t.Errorf("events appended = %d, want 2", got)
	}
	if got := tel.sum(t, "cqrs.storage.operations", AttrOperation.String("append"), AttrOutcome.String("ok")); got != 1 {
		t.Errorf("append operations = %d, want 1", got)
	}
	if got := tel.observations(t, "cqrs.storage.duration", AttrOperation.String("append")); got != 1 {
		t.Errorf("append durations = %d, want 1", got)
	}
	span := tel.span(t, "Storage.append")
	if span.SpanKind() != trace.SpanKindClient || span.Status().Code != codes.Ok {
		t.Errorf("span kind %v status %v", span.SpanKind(), span.Status())
	}
}

func TestStorageTelemetry_Outcomes(t *testing.T) {
	tests := []struct {
		name        string
		op          string
		inject      error
		call        func(ctx context.Context, s cqrs.Storage) error
		wantOutcome string
		wantErrors  int64
		wantStatus  codes.Code
	}{
		{
			name: "conflict is not an error",
			op:   fixtures.OpAppend,
			call: func(ctx context.Context, s cqrs.Storage) error {
				_, err := s.Append(ctx, fixtures.OrderCover(), 3, fixtures.Pages(0, fixtures.OrderCreated{}))
				return err
			},
			wantOutcome: "conflict",
			wantStatus:  codes.Unset,
		},
		{
			name:   "unsupported is not an error",
			op:     fixtures.OpLoadByCorrelation,
			inject: fmt.Errorf("bolt: %w", cqrs.ErrUnsupported),
			call: func(ctx context.Context, s cqrs.Storage) error {
				_, err := s.LoadByCorrelation(ctx, "corr-1")
				return err
			},
			wantOutcome: "unsupported",
			wantStatus:  codes.Unset,
		},
		{
			name:   "transport failure",
			op:     fixtures.OpLoad,
			inject: cqrs.WrapTransport("load", errors.New("connection reset")),
			call: func(ctx context.Context, s cqrs.Storage) error {
				_, err := s.Load(ctx, fixtures.OrderCover(), 0)
				return err
			},
			wantOutcome: "error",
			wantErrors:  1,
			wantStatus:  codes.Error,
		},
		{
			name: "empty batch",
			op:   fixtures.OpAppend,
			call: func(ctx context.Context, s cqrs.Storage) error {
				_, err := s.Append(ctx, fixtures.OrderCover(), 0, nil)
				return err
			},
			wantOutcome: "invalid",
			wantErrors:  1,
			wantStatus:  codes.Error,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tel, opts := newTelemetry(t)
			spy := fixtures.NewStoreSpy()
			if tt.inject != nil {
				spy.Fail(tt.op, tt.inject)
			}
			store := WithStorageTelemetry(spy, opts...)

			if err := tt.call(t.Context(), store); err == nil {
				t.Fatal("expected the underlying error to pass through")
			}
			if got := tel.sum(t, "cqrs.storage.operations", AttrOutcome.String(tt.wantOutcome)); got != 1 {
				t.Errorf("operations with outcome %s = %d, want 1", tt.wantOutcome, got)
			}
			if got := tel.sum(t, "cqrs.storage.errors"); got != tt.wantErrors {
				t.Errorf("storage errors = %d, want %d", got, tt.wantErrors)
			}
			ended := tel.spans.Ended()
			if last := ended[len(ended)-1]; last.Status().Code != tt.wantStatus {
				t.Errorf("span status = %v, want %v", last.Status().Code, tt.wantStatus)
			}
		})
	}
}

func TestStorageTelemetry_ConflictEvent(t *testing.T) {
	tel, opts := newTelemetry(t)
	store := WithStorageTelemetry(fixtures.NewStoreSpy(), opts...)

	_, err := store.Append(t.Context(), fixtures.OrderCover(), 2, fixtures.Pages(0, fixtures.OrderCreated{}))
	if !errors.Is(err, cqrs.ErrConcurrencyConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if got := tel.sum(t, "cqrs.concurrency.conflicts"); got != 1 {
		t.Errorf("conflicts = %d, want 1", got)
	}
	if !hasEvent(tel.span(t, "Storage.append"), "concurrency_conflict") {
		t.Error("append span lacks the concurrency_conflict event")
	}
}

func TestStorageTelemetry_ForwardsEveryOperation(t *testing.T) {
	_, opts := newTelemetry(t)
	spy := fixtures.NewStoreSpy()
	store := WithStorageTelemetry(spy, opts...)
	ctx := t.Context()
	cover := fixtures.OrderCover()

	if _, err := store.Append(ctx, cover, 0, fixtures.Pages(0, fixtures.OrderCreated{Customer: "ann"})); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Load(ctx, cover, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := store.LoadByCorrelation(ctx, cover.CorrelationID); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveSnapshot(ctx, cover, cqrs.Snapshot{Sequence: 0, State: fixtures.MustPack(fixtures.OrderCreated{})}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.LoadSnapshot(ctx, cover); err != nil {
		t.Fatal(err)
	}
	if err := store.SetPosition(ctx, "summary", cover, 0); err != nil {
		t.Fatal(err)
	}
	if seq, found, err := store.GetPosition(ctx, "summary", cover); err != nil || !found || seq != 0 {
		t.Fatalf("GetPosition() = %d, %v, %v", seq, found, err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	for _, op := range []string{
		fixtures.OpAppend, fixtures.OpLoad, fixtures.OpLoadByCorrelation, fixtures.OpSaveSnapshot,
		fixtures.OpLoadSnapshot, fixtures.OpSetPosition, fixtures.OpGetPosition, fixtures.OpClose,
	} {
		if spy.Calls(op) != 1 {
			t.Errorf("%s forwarded %d times, want 1", op, spy.Calls(op))
		}
	}
}

func TestCommandTelemetry(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantOutcome string
		wantStatus  codes.Code
		wantEvent   string
	}{
		{"accepted", nil, "accepted", codes.Ok, ""},
		{"rejected", cqrs.Reject("order is cancelled"), "rejected", codes.Ok, "command_rejected"},
		{"conflict", &cqrs.ConcurrencyConflictError{Expected: 1, Actual: 2}, "conflict", codes.Unset, "concurrency_conflict"},
		{"unavailable", cqrs.WrapTransport("logic", errors.New("timeout")), "unavailable", codes.Error, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tel, opts := newTelemetry(t)
			cover := fixtures.OrderCover()
			next := cqrs.CommandHandlerFunc(func(ctx context.Context, cmd cqrs.CommandBook) (cqrs.EventBook, error) {
				if tt.err != nil {
					return cqrs.EventBook{}, tt.err
				}
				return fixtures.Book(cover, 0, fixtures.OrderCreated{Customer: "ann"}), nil
			})
			handler := WithCommandTelemetry(next, opts...)

			_, err := handler.Handle(t.Context(), fixtures.NewCommand(cover).With(fixtures.CreateOrder{Customer: "ann"}).Build())
			if err != tt.err {
				t.Fatalf("error changed: %v", err)
			}

			if got := tel.sum(t, "cqrs.commands.handled",
				AttrOutcome.String(tt.wantOutcome), AttrCommandType.String("CreateOrder")); got != 1 {
				t.Errorf("handled with outcome %s = %d, want 1", tt.wantOutcome, got)
			}
			if got := tel.sum(t, "cqrs.commands.in_flight"); got != 0 {
				t.Errorf("in flight = %d after completion", got)
			}
			span := tel.span(t, "command.handle order")
			if span.Status().Code != tt.wantStatus {
				t.Errorf("status = %v, want %v", span.Status().Code, tt.wantStatus)
			}
			if tt.wantEvent != "" && !hasEvent(span, tt.wantEvent) {
				t.Errorf("span lacks event %s", tt.wantEvent)
			}
		})
	}
}

func TestEventBusTelemetry(t *testing.T) {
	tel, opts := newTelemetry(t)
	spy := fixtures.NewEventBusSpy()
	bus := WithEventBusTelemetry(spy, opts...)
	cover := fixtures.OrderCover()
	book := fixtures.Book(cover, 0, fixtures.OrderCreated{Customer: "ann"})

	if err := bus.Publish(t.Context(), book); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if spy.PublishedCount() != 1 {
		t.Fatal("publish was not forwarded")
	}
	if got := tel.sum(t, "cqrs.eventbus.published", AttrDomain.String("order")); got != 1 {
		t.Errorf("published = %d, want 1", got)
	}
	if kind := tel.span(t, "eventbus.publish order").SpanKind(); kind != trace.SpanKindProducer {
		t.Errorf("publish span kind = %v", kind)
	}

	var handlerName string
	fail := true
	err := bus.Subscribe(t.Context(), "summary", "order", func(ctx context.Context, b cqrs.EventBook) error {
		handlerName = cqrs.HandlerFromContext(ctx)
		if fail {
			return errors.New("view store down")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	if err := spy.Deliver(t.Context(), "summary", book); err == nil {
		t.Fatal("handler error must pass through")
	}
	fail = false
	if err := spy.Deliver(t.Context(), "summary", book); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}

	if handlerName != "summary" {
		t.Errorf("handler name in context = %q", handlerName)
	}
	if got := tel.sum(t, "cqrs.eventbus.handled", AttrHandlerName.String("summary")); got != 2 {
		t.Errorf("handled = %d, want 2", got)
	}
	if got := tel.sum(t, "cqrs.eventbus.errors"); got != 1 {
		t.Errorf("errors = %d, want 1", got)
	}
	span := tel.span(t, "subscription.receive summary")
	if span.SpanKind() != trace.SpanKindConsumer || span.Status().Code != codes.Ok {
		t.Errorf("receive span kind %v status %v", span.SpanKind(), span.Status())
	}
}

func TestLogicTelemetry(t *testing.T) {
	tel, opts := newTelemetry(t)
	logic := NewLogicTelemetry(opts...)

	aggregate := logic.Aggregate("order", cqrs.AggregateLogicFunc(func(ctx context.Context, cmd cqrs.ContextualCommand) (cqrs.Decision, error) {
		return cqrs.Decision{}, cqrs.Reject("customer is required")
	}))
	cmd := cqrs.ContextualCommand{Command: fixtures.NewCommand(fixtures.OrderCover()).With(fixtures.CreateOrder{}).Build()}
	if _, err := aggregate.Handle(t.Context(), cmd); !errors.Is(err, cqrs.ErrRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}

	saga := &fixtures.FulfillmentSaga{}
	orchestrator := logic.Orchestrator("fulfillment", saga)
	source := fixtures.Book(fixtures.OrderCover(), 0, fixtures.OrderCreated{Customer: "ann"})
	if _, err := orchestrator.Prepare(t.Context(), source); err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if saga.PrepareCalls.Load() != 1 {
		t.Fatal("Prepare was not forwarded")
	}

	if got := tel.sum(t, "cqrs.logic.calls", AttrLogicKind.String("aggregate"), AttrOutcome.String("rejected")); got != 1 {
		t.Errorf("rejected aggregate calls = %d, want 1", got)
	}
	if got := tel.sum(t, "cqrs.logic.calls", AttrLogicKind.String("prepare"), AttrOutcome.String("accepted")); got != 1 {
		t.Errorf("prepare calls = %d, want 1", got)
	}
	if span := tel.span(t, "logic.aggregate order"); !hasEvent(span, "command_rejected") || span.Status().Code != codes.Ok {
		t.Errorf("rejection span status %v", span.Status())
	}
}
