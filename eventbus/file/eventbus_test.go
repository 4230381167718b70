package file

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2/event"
	"github.com/sirupsen/logrus"
	"github.com/terraskye/cqrs"
	"github.com/terraskye/cqrs/fixtures"
)

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func newBus(t *testing.T, root string, opts ...Option) *EventBus {
	t.Helper()
	opts = append([]Option{
		WithPollInterval(20 * time.Millisecond),
		WithRetryDelay(10 * time.Millisecond),
		WithLogger(quietLogger()),
	}, opts...)
	bus, err := NewEventBus(root, opts...)
	if err != nil {
		t.Fatalf("NewEventBus() error = %v", err)
	}
	t.Cleanup(func() { bus.Close() })
	return bus
}

type inbox struct {
	mu    sync.Mutex
	books []cqrs.EventBook
	ch    chan struct{}
}

func newInbox() *inbox {
	return &inbox{ch: make(chan struct{}, 100)}
}

func (in *inbox) handle(ctx context.Context, book cqrs.EventBook) error {
	in.mu.Lock()
	in.books = append(in.books, book)
	in.mu.Unlock()
	in.ch <- struct{}{}
	return nil
}

func (in *inbox) wait(t *testing.T, n int) []cqrs.EventBook {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-in.ch:
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out after %d of %d deliveries", i, n)
		}
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]cqrs.EventBook(nil), in.books...)
}

func TestEventBus_DeliversAndRemovesBook(t *testing.T) {
	root := t.TempDir()
	bus := newBus(t, root)

	in := newInbox()
	if err := bus.Subscribe(t.Context(), "summary", fixtures.OrderDomain, in.handle); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	cover := fixtures.OrderCover()
	sent := fixtures.Book(cover, 0, fixtures.OrderCreated{Customer: "ann"}, fixtures.ItemAdded{SKU: "a", Quantity: 1})
	if err := bus.Publish(t.Context(), sent); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if err := bus.Publish(t.Context(), fixtures.Book(fixtures.ShipmentCover(cover), 0, fixtures.ShipmentCreated{})); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	got := in.wait(t, 1)[0]
	if got.Cover.StreamID() != cover.StreamID() || len(got.Pages) != 2 {
		t.Fatalf("unexpected book %+v", got)
	}
	var created fixtures.OrderCreated
	if err := cqrs.Unpack(got.Pages[0].Event, &created); err != nil || created.Customer != "ann" {
		t.Fatalf("payload did not survive the round trip: %+v, %v", created, err)
	}

	dir := filepath.Join(root, fixtures.OrderDomain, "summary")
	deadline := time.Now().Add(time.Second)
	for {
		entries, _ := os.ReadDir(dir)
		if len(entries) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("handled book left %d files behind", len(entries))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestEventBus_BacklogSurvivesRestart(t *testing.T) {
	root := t.TempDir()

	first := newBus(t, root)
	ctx, cancel := context.WithCancel(t.Context())
	if err := first.Subscribe(ctx, "summary", fixtures.OrderDomain, func(context.Context, cqrs.EventBook) error { return nil }); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	cancel()
	first.Close()

	publisher := newBus(t, root)
	for i := 0; i < 3; i++ {
		if err := publisher.Publish(t.Context(), fixtures.Book(fixtures.OrderCover(), 0, fixtures.OrderCreated{})); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	restarted := newBus(t, root)
	in := newInbox()
	if err := restarted.Subscribe(t.Context(), "summary", fixtures.OrderDomain, in.handle); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if got := in.wait(t, 3); len(got) != 3 {
		t.Fatalf("recovered %d books, want 3", len(got))
	}
}

func TestEventBus_RetriesFailedBooks(t *testing.T) {
	bus := newBus(t, t.TempDir())

	var attempts atomic.Int32
	in := newInbox()
	flaky := func(ctx context.Context, book cqrs.EventBook) error {
		if attempts.Add(1) < 3 {
			return errors.New("projection store down")
		}
		return in.handle(ctx, book)
	}
	if err := bus.Subscribe(t.Context(), "summary", fixtures.OrderDomain, flaky); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := bus.Publish(t.Context(), fixtures.Book(fixtures.OrderCover(), 0, fixtures.OrderCreated{})); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	in.wait(t, 1)
	if got := attempts.Load(); got < 3 {
		t.Fatalf("attempts = %d, want at least 3", got)
	}
	select {
	case err := <-bus.Errors():
		if err == nil {
			t.Fatal("expected the failed attempt to be reported")
		}
	default:
		t.Fatal("failed attempts were not reported")
	}
}

func TestEventBus_GroupAcrossBusesHandlesEachBookOnce(t *testing.T) {
	root := t.TempDir()
	a, b := newBus(t, root), newBus(t, root)

	var calls atomic.Int32
	in := newInbox()
	handler := func(ctx context.Context, book cqrs.EventBook) error {
		calls.Add(1)
		return in.handle(ctx, book)
	}
	for _, bus := range []*EventBus{a, b} {
		if err := bus.Subscribe(t.Context(), "summary", fixtures.OrderDomain, handler); err != nil {
			t.Fatalf("Subscribe() error = %v", err)
		}
	}

	for i := 0; i < 10; i++ {
		if err := a.Publish(t.Context(), fixtures.Book(fixtures.OrderCover(), 0, fixtures.OrderCreated{})); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}
	in.wait(t, 10)
	time.Sleep(100 * time.Millisecond)
	if got := calls.Load(); got != 10 {
		t.Fatalf("group handled %d books, want 10", got)
	}
}

func TestEventBus_DropsUndecodableFiles(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, fixtures.OrderDomain, "summary")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "00000000000000000001-bad.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	bus := newBus(t, root)
	if err := bus.Subscribe(t.Context(), "summary", fixtures.OrderDomain, func(context.Context, cqrs.EventBook) error {
		t.Error("undecodable book reached the handler")
		return nil
	}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	select {
	case err := <-bus.Errors():
		if !errors.Is(err, cqrs.ErrDecode) {
			t.Fatalf("expected decode error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("undecodable file was not reported")
	}
}

func TestEventBus_ReleasesStaleClaims(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, fixtures.OrderDomain, "summary")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	data, err := json.Marshal(fixtures.Book(fixtures.OrderCover(), 0, fixtures.OrderCreated{Customer: "ann"}))
	if err != nil {
		t.Fatal(err)
	}
	claimed := filepath.Join(dir, fileName()+claimSuffix)
	if err := os.WriteFile(claimed, data, 0o644); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(claimed, old, old); err != nil {
		t.Fatal(err)
	}

	bus := newBus(t, root, WithClaimTimeout(time.Minute))
	in := newInbox()
	if err := bus.Subscribe(t.Context(), "summary", fixtures.OrderDomain, in.handle); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	in.wait(t, 1)
}

func TestEventBus_PublishOutput(t *testing.T) {
	root := t.TempDir()
	outDir := filepath.Join(t.TempDir(), "out")
	bus := newBus(t, root, WithOutputDir(outDir))

	ev := cloudevents.New()
	ev.SetID("order/4")
	ev.SetType("com.example.order.completed")
	ev.SetSource("/order")
	if err := bus.PublishOutput(t.Context(), []cloudevents.Event{ev}); err != nil {
		t.Fatalf("PublishOutput() error = %v", err)
	}

	entries, err := os.ReadDir(outDir)
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected one output file, got %d (%v)", len(entries), err)
	}
	data, err := os.ReadFile(filepath.Join(outDir, entries[0].Name()))
	if err != nil {
		t.Fatal(err)
	}
	var got cloudevents.Event
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("output is not a cloudevent: %v", err)
	}
	if got.ID() != "order/4" || got.Type() != "com.example.order.completed" {
		t.Fatalf("unexpected output %v", got)
	}
}

func TestEventBus_RejectsInvalidNames(t *testing.T) {
	bus := newBus(t, t.TempDir())
	noop := func(context.Context, cqrs.EventBook) error { return nil }

	for _, name := range []string{"", "..", "a/b", "_output"} {
		if err := bus.Subscribe(t.Context(), name, fixtures.OrderDomain, noop); err == nil {
			t.Errorf("Subscribe(%q) succeeded", name)
		}
	}
	if err := bus.Publish(t.Context(), cqrs.EventBook{Cover: cqrs.Cover{Domain: "../etc"}}); err == nil {
		t.Error("Publish() accepted a path in the domain")
	}
}

func TestEventBus_Close(t *testing.T) {
	bus := newBus(t, t.TempDir())
	if err := bus.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, open := <-bus.Errors(); open {
		t.Fatal("errors channel must be closed")
	}
	if err := bus.Publish(t.Context(), fixtures.Book(fixtures.OrderCover(), 0, fixtures.OrderCreated{})); !errors.Is(err, ErrClosed) {
		t.Fatalf("Publish() after Close = %v, want ErrClosed", err)
	}
	noop := func(context.Context, cqrs.EventBook) error { return nil }
	if err := bus.Subscribe(t.Context(), "summary", fixtures.OrderDomain, noop); !errors.Is(err, ErrClosed) {
		t.Fatalf("Subscribe() after Close = %v, want ErrClosed", err)
	}
}
