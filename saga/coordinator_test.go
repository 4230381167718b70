package saga

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/terraskye/cqrs"
	"github.com/terraskye/cqrs/aggregate"
	"github.com/terraskye/cqrs/fixtures"
)

const sagaName = "fulfillment-saga"

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

type harness struct {
	store    *fixtures.StoreSpy
	commands *fixtures.CommandHandlerSpy
	logic    *fixtures.FulfillmentSaga
	saga     *Coordinator
}

func newHarness(t *testing.T, strategy func(*fixtures.FulfillmentSaga) Strategy, opts ...Option) *harness {
	t.Helper()
	logger := quietLogger()
	store := fixtures.NewStoreSpy()
	agg := aggregate.NewCoordinator(store, map[string]cqrs.AggregateLogic{
		fixtures.OrderDomain:       fixtures.NewOrderLogic(logger),
		fixtures.FulfillmentDomain: fixtures.NewFulfillmentLogic(logger),
	}, aggregate.WithLogger(logger))
	t.Cleanup(func() { _ = agg.Close() })

	logic := &fixtures.FulfillmentSaga{}
	commands := fixtures.NewCommandHandlerSpy(agg)
	opts = append([]Option{
		WithLogger(logger),
		WithCompensator(logic),
		WithRetry(time.Millisecond, 20*time.Millisecond),
	}, opts...)

	c, err := NewCoordinator(sagaName, fixtures.OrderDomain, strategy(logic), store, commands, opts...)
	if err != nil {
		t.Fatalf("NewCoordinator() error = %v", err)
	}
	return &harness{store: store, commands: commands, logic: logic, saga: c}
}

func twoPhase(l *fixtures.FulfillmentSaga) Strategy { return TwoPhase(l) }
func simple(l *fixtures.FulfillmentSaga) Strategy   { return Simple(l) }

// placeOrder commits a created, filled and completed order and returns its
// full history.
func (h *harness) placeOrder(t *testing.T) cqrs.EventBook {
	t.Helper()
	cover := fixtures.OrderCover()
	cmd := fixtures.NewCommand(cover).
		With(fixtures.CreateOrder{Customer: "ann"}).
		With(fixtures.AddItem{SKU: "sku-1", Quantity: 1}).
		With(fixtures.CompleteOrder{}).
		Build()
	book, err := h.commands.Handle(t.Context(), cmd)
	if err != nil {
		t.Fatalf("place order: %v", err)
	}
	if len(book.Pages) != 3 {
		t.Fatalf("expected 3 committed events, got %d", len(book.Pages))
	}
	return book
}

func (h *harness) position(t *testing.T, cover cqrs.Cover) (uint32, bool) {
	t.Helper()
	seq, found, err := h.store.GetPosition(t.Context(), sagaName, cover)
	if err != nil {
		t.Fatalf("GetPosition() error = %v", err)
	}
	return seq, found
}

func TestNewCoordinator_Validates(t *testing.T) {
	store := fixtures.NewStoreSpy()
	commands := fixtures.NewCommandHandlerSpy(nil)
	logic := &fixtures.FulfillmentSaga{}

	tests := []struct {
		name     string
		saga     string
		domain   string
		strategy Strategy
	}{
		{"missing name", "", "order", TwoPhase(logic)},
		{"missing domain", "s", "", TwoPhase(logic)},
		{"zero strategy", "s", "order", Strategy{}},
		{"nil reactor", "s", "order", Simple(nil)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewCoordinator(tt.saga, tt.domain, tt.strategy, store, commands); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestCoordinator_PrepareIgnoresIrrelevantSource(t *testing.T) {
	h := newHarness(t, twoPhase)
	source := fixtures.Book(fixtures.OrderCover(), 0, fixtures.ItemAdded{SKU: "a"})

	resp, err := h.saga.Handle(t.Context(), source)
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if h.logic.PrepareCalls.Load() != 1 {
		t.Fatalf("Prepare calls = %d, want 1", h.logic.PrepareCalls.Load())
	}
	if h.logic.ExecuteCalls.Load() != 0 {
		t.Fatal("Execute must not run when Prepare returns no destinations")
	}
	if len(resp.Commands) != 0 || h.commands.Count() != 0 {
		t.Fatalf("expected no commands, got %d", h.commands.Count())
	}
	if seq, found := h.position(t, source.Cover); !found || seq != 0 {
		t.Fatalf("position = %d, %v; want 0, true", seq, found)
	}
}

func TestCoordinator_TwoPhaseShipsCompletedOrder(t *testing.T) {
	h := newHarness(t, twoPhase)
	source := h.placeOrder(t)

	resp, err := h.saga.Handle(t.Context(), source)
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if len(resp.Commands) != 1 {
		t.Fatalf("expected 1 accepted command, got %d", len(resp.Commands))
	}
	if target, ok := resp.Commands[0].ExpectedSequence(); !ok || target != 0 {
		t.Fatalf("expected target sequence 0, got %d, %v", target, ok)
	}

	shipment, err := h.store.Load(t.Context(), fixtures.ShipmentCover(source.Cover), 0)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(shipment.Pages) != 1 || shipment.Pages[0].TypeName() != "ShipmentCreated" {
		t.Fatalf("unexpected shipment stream %+v", shipment.Pages)
	}

	related, err := h.store.LoadByCorrelation(t.Context(), source.Cover.CorrelationID)
	if err != nil {
		t.Fatalf("LoadByCorrelation() error = %v", err)
	}
	if len(related) != 2 {
		t.Fatalf("correlation id must reach the shipment stream, got %d streams", len(related))
	}
	if seq, _ := h.position(t, source.Cover); seq != 2 {
		t.Fatalf("position = %d, want 2", seq)
	}
}

func TestCoordinator_RedeliveryIsIdempotent(t *testing.T) {
	h := newHarness(t, twoPhase)
	source := h.placeOrder(t)

	if _, err := h.saga.Handle(t.Context(), source); err != nil {
		t.Fatalf("first Handle() error = %v", err)
	}
	resp, err := h.saga.Handle(t.Context(), source)
	if err != nil {
		t.Fatalf("second Handle() error = %v", err)
	}
	if !resp.Skipped || len(resp.Commands) != 0 {
		t.Fatalf("redelivery must be skipped, got %+v", resp)
	}
	if h.commands.Count() != 2 {
		// one order placement plus one shipment
		t.Fatalf("submissions = %d, want 2", h.commands.Count())
	}
	if h.logic.PrepareCalls.Load() != 1 {
		t.Fatalf("Prepare calls = %d, want 1", h.logic.PrepareCalls.Load())
	}
}

func TestCoordinator_PartialRedeliveryProcessesOnlyNewPages(t *testing.T) {
	h := newHarness(t, twoPhase)
	source := h.placeOrder(t)

	head := source
	head.Pages = source.Pages[:2]
	if _, err := h.saga.Handle(t.Context(), head); err != nil {
		t.Fatalf("Handle(head) error = %v", err)
	}
	if h.logic.ExecuteCalls.Load() != 0 {
		t.Fatal("head holds no completed order")
	}

	if _, err := h.saga.Handle(t.Context(), source); err != nil {
		t.Fatalf("Handle(full) error = %v", err)
	}
	if h.logic.ExecuteCalls.Load() != 1 {
		t.Fatalf("Execute calls = %d, want 1", h.logic.ExecuteCalls.Load())
	}
	if seq, _ := h.position(t, source.Cover); seq != 2 {
		t.Fatalf("position = %d, want 2", seq)
	}
}

func TestCoordinator_CompensatesRejection(t *testing.T) {
	h := newHarness(t, twoPhase)
	source := h.placeOrder(t)

	// A shipment already exists, so the fulfillment domain refuses another.
	if _, err := h.store.Seed(t.Context(), fixtures.ShipmentCover(source.Cover), fixtures.ShipmentCreated{Items: []string{"x"}}); err != nil {
		t.Fatalf("Seed() error = %v", err)
	}

	resp, err := h.saga.Handle(t.Context(), source)
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if len(resp.Commands) != 0 || len(resp.Compensations) != 1 {
		t.Fatalf("expected one compensation, got %+v", resp)
	}

	order, err := h.store.Load(t.Context(), source.Cover, 3)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(order.Pages) != 1 || order.Pages[0].TypeName() != "OrderCancelled" {
		t.Fatalf("expected OrderCancelled at sequence 3, got %+v", order.Pages)
	}
	var cancelled fixtures.OrderCancelled
	if err := cqrs.Unpack(order.Pages[0].Event, &cancelled); err != nil {
		t.Fatalf("Unpack() error = %v", err)
	}
	if cancelled.Reason != "fulfillment: shipment already exists" {
		t.Fatalf("reason = %q", cancelled.Reason)
	}
	if seq, _ := h.position(t, source.Cover); seq != 2 {
		t.Fatalf("position = %d, want 2", seq)
	}
}

func TestCoordinator_ConflictReplansAgainstFreshState(t *testing.T) {
	h := newHarness(t, twoPhase)
	source := h.placeOrder(t)
	shipment := fixtures.ShipmentCover(source.Cover)

	// Another writer lands on the shipment stream after Execute observed it.
	var raced atomic.Bool
	forward := h.commands.HandleFn
	h.commands.HandleFn = func(ctx context.Context, cmd cqrs.CommandBook) (cqrs.EventBook, error) {
		if cmd.Cover.Domain == fixtures.FulfillmentDomain && raced.CompareAndSwap(false, true) {
			if _, err := h.store.Seed(ctx, shipment, fixtures.ShipmentNoted{Note: "dock 4"}); err != nil {
				t.Errorf("Seed() error = %v", err)
			}
		}
		return forward(ctx, cmd)
	}

	resp, err := h.saga.Handle(t.Context(), source)
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if len(resp.Compensations) != 0 {
		t.Fatalf("a concurrency conflict must not be compensated, got %+v", resp.Compensations)
	}
	if len(resp.Commands) != 1 {
		t.Fatalf("expected 1 accepted command, got %+v", resp)
	}
	if target, ok := resp.Commands[0].ExpectedSequence(); !ok || target != 1 {
		t.Fatalf("replan must target the new stream length, got %d, %v", target, ok)
	}
	if h.logic.PrepareCalls.Load() != 2 || h.logic.ExecuteCalls.Load() != 2 {
		t.Fatalf("Prepare/Execute calls = %d/%d, want 2/2", h.logic.PrepareCalls.Load(), h.logic.ExecuteCalls.Load())
	}
	for _, name := range h.commands.Commands() {
		if name == "CancelOrder" {
			t.Fatal("the order must not be cancelled")
		}
	}

	stream, err := h.store.Load(t.Context(), shipment, 0)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(stream.Pages) != 2 || stream.Pages[0].TypeName() != "ShipmentNoted" || stream.Pages[1].TypeName() != "ShipmentCreated" {
		t.Fatalf("unexpected shipment stream %+v", stream.Pages)
	}
	if seq, _ := h.position(t, source.Cover); seq != 2 {
		t.Fatalf("position = %d, want 2", seq)
	}
}

func TestCoordinator_ConflictBudgetSpentKeepsPosition(t *testing.T) {
	h := newHarness(t, twoPhase, WithConflictReplans(1))
	source := h.placeOrder(t)

	moved := &cqrs.ConcurrencyConflictError{Cover: fixtures.ShipmentCover(source.Cover), Expected: 0, Actual: 1}
	h.commands.Fail(moved, moved)

	resp, err := h.saga.Handle(t.Context(), source)
	if !errors.Is(err, cqrs.ErrConcurrencyConflict) {
		t.Fatalf("expected the conflict for redelivery, got %v", err)
	}
	if len(resp.Compensations) != 0 {
		t.Fatalf("unexpected compensation %+v", resp.Compensations)
	}
	if h.logic.PrepareCalls.Load() != 2 {
		t.Fatalf("Prepare calls = %d, want 2", h.logic.PrepareCalls.Load())
	}
	if _, found := h.position(t, source.Cover); found {
		t.Fatal("position must not advance while the conflict is unresolved")
	}

	resp, err = h.saga.Handle(t.Context(), source)
	if err != nil {
		t.Fatalf("redelivery Handle() error = %v", err)
	}
	if len(resp.Commands) != 1 {
		t.Fatalf("redelivery must submit the command, got %+v", resp)
	}
}

func TestCoordinator_ReplanSkipsCommandsAlreadyHandled(t *testing.T) {
	order := fixtures.OrderCover()
	first := fixtures.NewCommand(fixtures.ShipmentCover(order)).With(fixtures.CreateShipment{Items: []string{"a"}}).Build()
	second := fixtures.NewCommand(fixtures.OrderCover()).With(fixtures.AddItem{SKU: "b"}).Build()

	var reacts atomic.Int32
	reactor := cqrs.SagaReactorFunc(func(ctx context.Context, source cqrs.EventBook) ([]cqrs.CommandBook, error) {
		reacts.Add(1)
		return []cqrs.CommandBook{first, second}, nil
	})
	commands := fixtures.NewCommandHandlerSpy(nil)
	commands.Fail(nil, &cqrs.ConcurrencyConflictError{Cover: second.Cover, Actual: 1})

	c, err := NewCoordinator(sagaName, fixtures.OrderDomain, Simple(reactor), fixtures.NewStoreSpy(), commands, WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("NewCoordinator() error = %v", err)
	}
	resp, err := c.Handle(t.Context(), fixtures.Book(order, 0, fixtures.OrderCompleted{}))
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if reacts.Load() != 2 {
		t.Fatalf("React calls = %d, want 2", reacts.Load())
	}
	got := commands.Commands()
	want := []string{"CreateShipment", "AddItem", "AddItem"}
	if len(got) != len(want) {
		t.Fatalf("submitted %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("submitted %v, want %v", got, want)
		}
	}
	if len(resp.Commands) != 2 {
		t.Fatalf("expected 2 accepted commands, got %d", len(resp.Commands))
	}
}

func TestCoordinator_CancellationKeepsPosition(t *testing.T) {
	h := newHarness(t, twoPhase)
	source := h.placeOrder(t)

	ctx, cancel := context.WithCancel(t.Context())
	forward := h.commands.HandleFn
	h.commands.HandleFn = func(ctx context.Context, cmd cqrs.CommandBook) (cqrs.EventBook, error) {
		cancel()
		return forward(ctx, cmd)
	}

	if _, err := h.saga.Handle(ctx, source); err == nil {
		t.Fatal("a canceled delivery must report an error")
	}
	if _, found := h.position(t, source.Cover); found {
		t.Fatal("position must not advance past a command that was never committed")
	}

	h.commands.HandleFn = forward
	resp, err := h.saga.Handle(t.Context(), source)
	if err != nil {
		t.Fatalf("redelivery Handle() error = %v", err)
	}
	if len(resp.Commands) != 1 || len(resp.Compensations) != 0 {
		t.Fatalf("redelivery must ship the order, got %+v", resp)
	}
	shipment, err := h.store.Load(t.Context(), fixtures.ShipmentCover(source.Cover), 0)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(shipment.Pages) != 1 {
		t.Fatalf("expected one shipment event, got %d", len(shipment.Pages))
	}
}

func TestCoordinator_CanceledLogicKeepsPosition(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	reactor := cqrs.SagaReactorFunc(func(ctx context.Context, source cqrs.EventBook) ([]cqrs.CommandBook, error) {
		cancel()
		return nil, ctx.Err()
	})
	store := fixtures.NewStoreSpy()
	c, err := NewCoordinator(sagaName, fixtures.OrderDomain, Simple(reactor), store,
		fixtures.NewCommandHandlerSpy(nil), WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("NewCoordinator() error = %v", err)
	}

	source := fixtures.Book(fixtures.OrderCover(), 0, fixtures.OrderCompleted{})
	if _, err := c.Handle(ctx, source); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if _, found, _ := store.GetPosition(t.Context(), sagaName, source.Cover); found {
		t.Fatal("a canceled decision must not advance the position")
	}
}

func TestCoordinator_RefusalWithoutCompensator(t *testing.T) {
	h := newHarness(t, twoPhase, WithCompensator(nil))
	source := h.placeOrder(t)

	h.commands.Fail(cqrs.Reject("warehouse closed"))
	resp, err := h.saga.Handle(t.Context(), source)
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if len(resp.Commands) != 0 || len(resp.Compensations) != 0 {
		t.Fatalf("unexpected response %+v", resp)
	}
	if seq, found := h.position(t, source.Cover); !found || seq != 2 {
		t.Fatal("a refusal is a decision; the position must advance")
	}
}

func TestCoordinator_TransportFailureKeepsPosition(t *testing.T) {
	h := newHarness(t, twoPhase)
	source := h.placeOrder(t)

	var down atomic.Bool
	down.Store(true)
	forward := h.commands.HandleFn
	h.commands.HandleFn = func(ctx context.Context, cmd cqrs.CommandBook) (cqrs.EventBook, error) {
		if down.Load() {
			return cqrs.EventBook{}, &cqrs.TransportError{Op: "rpc", Err: errors.New("connection refused")}
		}
		return forward(ctx, cmd)
	}

	_, err := h.saga.Handle(t.Context(), source)
	if !errors.Is(err, cqrs.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if cqrs.Classify(err) != cqrs.Unavailable {
		t.Fatalf("Classify() = %v", cqrs.Classify(err))
	}
	if _, found := h.position(t, source.Cover); found {
		t.Fatal("position must not advance after a transport failure")
	}

	down.Store(false)
	resp, err := h.saga.Handle(t.Context(), source)
	if err != nil {
		t.Fatalf("redelivery Handle() error = %v", err)
	}
	if len(resp.Commands) != 1 {
		t.Fatalf("redelivery must submit the command, got %+v", resp)
	}
}

func TestCoordinator_SimpleStrategy(t *testing.T) {
	h := newHarness(t, simple)
	source := h.placeOrder(t)

	resp, err := h.saga.Handle(t.Context(), source)
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if len(resp.Commands) != 1 {
		t.Fatalf("expected 1 command, got %+v", resp)
	}
	if _, ok := resp.Commands[0].ExpectedSequence(); ok {
		t.Fatal("simple sagas do not look up destination state")
	}
	if h.logic.PrepareCalls.Load() != 0 {
		t.Fatal("simple strategy must not call Prepare")
	}
	if resp.Commands[0].Cover.CorrelationID != source.Cover.CorrelationID {
		t.Fatal("correlation id must propagate")
	}
}

func TestCoordinator_IgnoresOtherDomains(t *testing.T) {
	h := newHarness(t, twoPhase)
	source := fixtures.Book(cqrs.Cover{Domain: "billing", Root: fixtures.OrderCover().Root}, 0, fixtures.OrderCompleted{})

	resp, err := h.saga.Handle(t.Context(), source)
	if err != nil || !resp.Skipped {
		t.Fatalf("Handle() = %+v, %v", resp, err)
	}
}

func TestCoordinator_LogicTimeoutIsTransient(t *testing.T) {
	slow := cqrs.SagaReactorFunc(func(ctx context.Context, source cqrs.EventBook) ([]cqrs.CommandBook, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	c, err := NewCoordinator(sagaName, fixtures.OrderDomain, Simple(slow), fixtures.NewStoreSpy(),
		fixtures.NewCommandHandlerSpy(nil), WithTimeout(5*time.Millisecond), WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("NewCoordinator() error = %v", err)
	}

	_, err = c.Handle(t.Context(), fixtures.Book(fixtures.OrderCover(), 0, fixtures.OrderCompleted{}))
	if !cqrs.IsTransient(err) {
		t.Fatalf("expected a transient error, got %v", err)
	}
}

func TestCoordinator_Subscribe(t *testing.T) {
	h := newHarness(t, twoPhase)
	bus := fixtures.NewEventBusSpy()
	if err := h.saga.Subscribe(t.Context(), bus); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if !bus.HasSubscription(sagaName) {
		t.Fatal("expected subscription under the saga name")
	}

	source := h.placeOrder(t)
	if err := bus.Deliver(t.Context(), sagaName, source); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if h.logic.ExecuteCalls.Load() != 1 {
		t.Fatal("delivery must reach the saga")
	}
}
