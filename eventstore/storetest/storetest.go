// Package storetest is a conformance suite every Storage backend runs, so
// backends stay interchangeable.
package storetest

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/terraskye/cqrs"
	"google.golang.org/protobuf/proto"
)

// Factory returns a fresh, empty Storage. The suite closes it.
type Factory func(t *testing.T) cqrs.Storage

// Options describes optional capabilities of the backend under test.
type Options struct {
	// Correlation is true when LoadByCorrelation is supported.
	Correlation bool
}

// Run executes the suite.
func Run(t *testing.T, open Factory, opts Options) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s cqrs.Storage)
	}{
		{"AppendAssignsSequences", testAppendAssignsSequences},
		{"AppendConflictWritesNothing", testAppendConflict},
		{"ConcurrentAppendSingleWinner", testConcurrentAppend},
		{"LoadFrom", testLoadFrom},
		{"LoadMissingStream", testLoadMissing},
		{"EditionsAreSeparateStreams", testEditions},
		{"InvalidBatch", testInvalidBatch},
		{"Snapshots", testSnapshots},
		{"Positions", testPositions},
		{"LoadAggregate", testLoadAggregate},
	}
	if opts.Correlation {
		tests = append(tests, struct {
			name string
			fn   func(t *testing.T, s cqrs.Storage)
		}{"LoadByCorrelation", testLoadByCorrelation})
	} else {
		tests = append(tests, struct {
			name string
			fn   func(t *testing.T, s cqrs.Storage)
		}{"LoadByCorrelationUnsupported", testCorrelationUnsupported})
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := open(t)
			t.Cleanup(func() { _ = s.Close() })
			tt.fn(t, s)
		})
	}
}

// Cover returns a cover on a fresh root.
func Cover(domain string) cqrs.Cover {
	return cqrs.Cover{Domain: domain, Root: uuid.New(), Edition: "v1"}
}

// Events builds n pages with distinct payloads.
func Events(typeName string, n int) []cqrs.EventPage {
	out := make([]cqrs.EventPage, n)
	for i := range out {
		out[i] = cqrs.EventPage{Event: cqrs.NewPayload(typeName, []byte(fmt.Sprintf(`{"n":%d}`, i)))}
	}
	return out
}

func mustAppend(t *testing.T, s cqrs.Storage, cover cqrs.Cover, expected uint32, events []cqrs.EventPage) cqrs.EventBook {
	t.Helper()
	book, err := s.Append(t.Context(), cover, expected, events)
	if err != nil {
		t.Fatalf("Append(expected=%d) error = %v", expected, err)
	}
	return book
}

func assertSequences(t *testing.T, book cqrs.EventBook, from uint32, n int) {
	t.Helper()
	if len(book.Pages) != n {
		t.Fatalf("got %d pages, want %d", len(book.Pages), n)
	}
	if !book.Contiguous(from) {
		t.Fatalf("pages not contiguous from %d: %v", from, sequences(book))
	}
}

func sequences(book cqrs.EventBook) []uint32 {
	out := make([]uint32, len(book.Pages))
	for i, p := range book.Pages {
		out[i] = p.Sequence
	}
	return out
}

func testAppendAssignsSequences(t *testing.T, s cqrs.Storage) {
	cover := Cover("order")
	first := Events("OrderCreated", 2)

	book := mustAppend(t, s, cover, 0, first)
	assertSequences(t, book, 0, 2)
	for _, p := range book.Pages {
		if p.CreatedAt.IsZero() {
			t.Fatal("expected created_at to be stamped")
		}
	}

	book = mustAppend(t, s, cover, 2, Events("ItemAdded", 3))
	assertSequences(t, book, 2, 3)

	loaded, err := s.Load(t.Context(), cover, 0)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	assertSequences(t, loaded, 0, 5)
	if !loaded.Cover.SameStream(cover) {
		t.Fatalf("unexpected cover %v", loaded.Cover)
	}
	if !proto.Equal(loaded.Pages[1].Event, first[1].Event) {
		t.Fatalf("payload not preserved: %v", loaded.Pages[1].Event)
	}
	if loaded.NextSequence() != 5 {
		t.Fatalf("NextSequence() = %d, want 5", loaded.NextSequence())
	}
}

func testAppendConflict(t *testing.T, s cqrs.Storage) {
	cover := Cover("order")
	mustAppend(t, s, cover, 0, Events("OrderCreated", 2))

	for _, expected := range []uint32{0, 1, 3} {
		_, err := s.Append(t.Context(), cover, expected, Events("ItemAdded", 1))
		var conflict *cqrs.ConcurrencyConflictError
		if !errors.As(err, &conflict) {
			t.Fatalf("Append(expected=%d) error = %v, want conflict", expected, err)
		}
		if conflict.Actual != 2 || conflict.Expected != expected {
			t.Fatalf("conflict = %+v, want expected %d actual 2", conflict, expected)
		}
	}

	loaded, err := s.Load(t.Context(), cover, 0)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	assertSequences(t, loaded, 0, 2)
}

func testConcurrentAppend(t *testing.T, s cqrs.Storage) {
	cover := Cover("order")
	mustAppend(t, s, cover, 0, Events("OrderCreated", 1))

	const writers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		winners   int
		conflicts int
		others    []error
	)
	start := make(chan struct{})
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := s.Append(t.Context(), cover, 1, Events("OrderCompleted", 2))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case errors.Is(err, cqrs.ErrConcurrencyConflict):
				conflicts++
			default:
				others = append(others, err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if len(others) > 0 {
		t.Fatalf("unexpected errors: %v", others)
	}
	if winners != 1 || conflicts != writers-1 {
		t.Fatalf("winners = %d, conflicts = %d", winners, conflicts)
	}

	loaded, err := s.Load(t.Context(), cover, 0)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	assertSequences(t, loaded, 0, 3)
}

func testLoadFrom(t *testing.T, s cqrs.Storage) {
	cover := Cover("order")
	mustAppend(t, s, cover, 0, Events("ItemAdded", 5))

	tests := []struct {
		from uint32
		want int
	}{
		{0, 5},
		{3, 2},
		{4, 1},
		{5, 0},
		{50, 0},
	}
	for _, tt := range tests {
		book, err := s.Load(t.Context(), cover, tt.from)
		if err != nil {
			t.Fatalf("Load(%d) error = %v", tt.from, err)
		}
		assertSequences(t, book, tt.from, tt.want)
	}
}

func testLoadMissing(t *testing.T, s cqrs.Storage) {
	book, err := s.Load(t.Context(), Cover("order"), 0)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !book.Empty() || book.NextSequence() != 0 {
		t.Fatalf("expected empty book, got %v", sequences(book))
	}
}

func testEditions(t *testing.T, s cqrs.Storage) {
	v1 := Cover("order")
	v2 := v1
	v2.Edition = "v2"
	mustAppend(t, s, v1, 0, Events("OrderCreated", 2))
	mustAppend(t, s, v2, 0, Events("OrderCreated", 1))

	book, err := s.Load(t.Context(), v2, 0)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	assertSequences(t, book, 0, 1)

	defaulted := v1
	defaulted.Edition = ""
	mustAppend(t, s, defaulted, 0, Events("OrderCreated", 1))
	book, err = s.Load(t.Context(), cqrs.Cover{Domain: v1.Domain, Root: v1.Root, Edition: cqrs.DefaultEdition}, 0)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	assertSequences(t, book, 0, 1)
}

func testInvalidBatch(t *testing.T, s cqrs.Storage) {
	cover := Cover("order")
	if _, err := s.Append(t.Context(), cover, 0, nil); !errors.Is(err, cqrs.ErrInvalidEventBatch) {
		t.Fatalf("empty batch error = %v", err)
	}
	if _, err := s.Append(t.Context(), cover, 0, []cqrs.EventPage{{}}); !errors.Is(err, cqrs.ErrInvalidEventBatch) {
		t.Fatalf("nil payload error = %v", err)
	}
	if _, err := s.Append(t.Context(), cqrs.Cover{Domain: "order"}, 0, Events("X", 1)); !errors.Is(err, cqrs.ErrInvalidCover) {
		t.Fatalf("invalid cover error = %v", err)
	}
}

func testSnapshots(t *testing.T, s cqrs.Storage) {
	cover := Cover("order")
	snap, err := s.LoadSnapshot(t.Context(), cover)
	if err != nil || snap != nil {
		t.Fatalf("LoadSnapshot() = %v, %v, want nil", snap, err)
	}

	save := func(seq uint32, body string) {
		t.Helper()
		err := s.SaveSnapshot(t.Context(), cover, cqrs.Snapshot{
			Sequence:  seq,
			State:     cqrs.NewPayload("OrderState", []byte(body)),
			CreatedAt: time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("SaveSnapshot(%d) error = %v", seq, err)
		}
	}

	save(4, "four")
	save(2, "two")
	snap, err = s.LoadSnapshot(t.Context(), cover)
	if err != nil || snap == nil {
		t.Fatalf("LoadSnapshot() = %v, %v", snap, err)
	}
	if snap.Sequence != 4 || string(snap.State.GetValue()) != "four" {
		t.Fatalf("older snapshot must not replace newer: got %d %q", snap.Sequence, snap.State.GetValue())
	}

	save(7, "seven")
	snap, err = s.LoadSnapshot(t.Context(), cover)
	if err != nil || snap == nil || snap.Sequence != 7 {
		t.Fatalf("LoadSnapshot() = %v, %v, want sequence 7", snap, err)
	}
	if cqrs.TypeName(snap.State) != "OrderState" {
		t.Fatalf("unexpected snapshot type %q", cqrs.TypeName(snap.State))
	}
}

func testPositions(t *testing.T, s cqrs.Storage) {
	cover := Cover("order")
	if _, ok, err := s.GetPosition(t.Context(), "saga", cover); err != nil || ok {
		t.Fatalf("GetPosition() ok = %v, err = %v, want none", ok, err)
	}

	steps := []struct {
		handler string
		seq     uint32
	}{
		{"saga", 3},
		{"projector", 1},
		{"saga", 5},
		{"saga", 2},
	}
	for _, step := range steps {
		if err := s.SetPosition(t.Context(), step.handler, cover, step.seq); err != nil {
			t.Fatalf("SetPosition() error = %v", err)
		}
	}

	want := map[string]uint32{"saga": 2, "projector": 1}
	for handler, seq := range want {
		got, ok, err := s.GetPosition(t.Context(), handler, cover)
		if err != nil || !ok || got != seq {
			t.Fatalf("GetPosition(%s) = %d, %v, %v, want %d", handler, got, ok, err, seq)
		}
	}

	other := Cover("order")
	if _, ok, _ := s.GetPosition(t.Context(), "saga", other); ok {
		t.Fatal("position leaked across streams")
	}
}

func testLoadAggregate(t *testing.T, s cqrs.Storage) {
	cover := Cover("order")
	mustAppend(t, s, cover, 0, Events("ItemAdded", 6))
	if err := s.SaveSnapshot(t.Context(), cover, cqrs.Snapshot{Sequence: 3, State: cqrs.NewPayload("OrderState", nil)}); err != nil {
		t.Fatalf("SaveSnapshot() error = %v", err)
	}

	book, err := cqrs.LoadAggregate(t.Context(), s, cover)
	if err != nil {
		t.Fatalf("LoadAggregate() error = %v", err)
	}
	if book.Snapshot == nil || book.Snapshot.Sequence != 3 {
		t.Fatalf("expected snapshot at 3, got %+v", book.Snapshot)
	}
	assertSequences(t, book, 4, 2)
	if book.NextSequence() != 6 {
		t.Fatalf("NextSequence() = %d, want 6", book.NextSequence())
	}
}

func testLoadByCorrelation(t *testing.T, s cqrs.Storage) {
	correlation := "corr-" + uuid.NewString()
	order := Cover("order")
	order.CorrelationID = correlation
	shipment := Cover("fulfillment")
	shipment.CorrelationID = correlation
	unrelated := Cover("order")
	unrelated.CorrelationID = "corr-" + uuid.NewString()

	mustAppend(t, s, order, 0, Events("OrderCreated", 2))
	mustAppend(t, s, shipment, 0, Events("ShipmentCreated", 1))
	mustAppend(t, s, unrelated, 0, Events("OrderCreated", 1))

	books, err := s.LoadByCorrelation(t.Context(), correlation)
	if err != nil {
		t.Fatalf("LoadByCorrelation() error = %v", err)
	}
	if len(books) != 2 {
		t.Fatalf("got %d books, want 2", len(books))
	}
	total := 0
	for _, b := range books {
		if b.Cover.CorrelationID != correlation {
			t.Fatalf("unexpected correlation %q", b.Cover.CorrelationID)
		}
		if !b.Contiguous(0) {
			t.Fatalf("pages out of order: %v", sequences(b))
		}
		total += len(b.Pages)
	}
	if total != 3 {
		t.Fatalf("got %d pages, want 3", total)
	}
}

func testCorrelationUnsupported(t *testing.T, s cqrs.Storage) {
	if _, err := s.LoadByCorrelation(t.Context(), "corr-1"); !errors.Is(err, cqrs.ErrUnsupported) {
		t.Fatalf("LoadByCorrelation() error = %v, want ErrUnsupported", err)
	}
}
