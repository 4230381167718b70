package fixtures

import (
	"context"
	"sync"

	"github.com/terraskye/cqrs"
	"github.com/terraskye/cqrs/eventstore/memory"
)

// Storage operation names used by StoreSpy.
const (
	OpAppend            = "Append"
	OpLoad              = "Load"
	OpLoadByCorrelation = "LoadByCorrelation"
	OpSaveSnapshot      = "SaveSnapshot"
	OpLoadSnapshot      = "LoadSnapshot"
	OpGetPosition       = "GetPosition"
	OpSetPosition       = "SetPosition"
	OpClose             = "Close"
)

// StoreSpy is a Storage that records calls and can inject failures. It
// delegates to an in-memory store unless another is given.
type StoreSpy struct {
	next cqrs.Storage

	mu       sync.Mutex
	calls    map[string]int
	failures map[string][]error

	// BeforeAppend runs before every delegated append.
	BeforeAppend func(ctx context.Context, cover cqrs.Cover, expected uint32)

	// Captured arguments from the last call
	LastAppendExpected uint32
	LastLoadFrom       uint32
	Positions          []uint32
}

var _ cqrs.Storage = (*StoreSpy)(nil)

// NewStoreSpy creates a StoreSpy over a fresh in-memory store.
func NewStoreSpy() *StoreSpy {
	return WrapStore(memory.NewStore())
}

// WrapStore creates a StoreSpy over next.
func WrapStore(next cqrs.Storage) *StoreSpy {
	return &StoreSpy{
		next:     next,
		calls:    make(map[string]int),
		failures: make(map[string][]error),
	}
}

// Fail makes the next len(errs) calls of op return errs in order.
func (s *StoreSpy) Fail(op string, errs ...error) *StoreSpy {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = append(s.failures[op], errs...)
	return s
}

// Calls returns how many times op was invoked.
func (s *StoreSpy) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Reset clears call counts and pending failures.
func (s *StoreSpy) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = make(map[string]int)
	s.failures = make(map[string][]error)
	s.Positions = nil
}

func (s *StoreSpy) record(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[op]++
	if pending := s.failures[op]; len(pending) > 0 {
		s.failures[op] = pending[1:]
		return pending[0]
	}
	return nil
}

// Seed appends msgs to cover's stream, bypassing call tracking.
func (s *StoreSpy) Seed(ctx context.Context, cover cqrs.Cover, msgs ...cqrs.Message) (cqrs.EventBook, error) {
	book, err := s.next.Load(ctx, cover, 0)
	if err != nil {
		return cqrs.EventBook{}, err
	}
	return s.next.Append(ctx, cover, book.NextSequence(), Pages(book.NextSequence(), msgs...))
}

func (s *StoreSpy) Append(ctx context.Context, cover cqrs.Cover, expected uint32, events []cqrs.EventPage) (cqrs.EventBook, error) {
	if err := s.record(OpAppend); err != nil {
		return cqrs.EventBook{}, err
	}
	s.mu.Lock()
	s.LastAppendExpected = expected
	hook := s.BeforeAppend
	s.mu.Unlock()
	if hook != nil {
		hook(ctx, cover, expected)
	}
	return s.next.Append(ctx, cover, expected, events)
}

func (s *StoreSpy) Load(ctx context.Context, cover cqrs.Cover, from uint32) (cqrs.EventBook, error) {
	if err := s.record(OpLoad); err != nil {
		return cqrs.EventBook{}, err
	}
	s.mu.Lock()
	s.LastLoadFrom = from
	s.mu.Unlock()
	return s.next.Load(ctx, cover, from)
}

func (s *StoreSpy) LoadByCorrelation(ctx context.Context, correlationID string) ([]cqrs.EventBook, error) {
	if err := s.record(OpLoadByCorrelation); err != nil {
		return nil, err
	}
	return s.next.LoadByCorrelation(ctx, correlationID)
}

func (s *StoreSpy) SaveSnapshot(ctx context.Context, cover cqrs.Cover, snap cqrs.Snapshot) error {
	if err := s.record(OpSaveSnapshot); err != nil {
		return err
	}
	return s.next.SaveSnapshot(ctx, cover, snap)
}

func (s *StoreSpy) LoadSnapshot(ctx context.Context, cover cqrs.Cover) (*cqrs.Snapshot, error) {
	if err := s.record(OpLoadSnapshot); err != nil {
		return nil, err
	}
	return s.next.LoadSnapshot(ctx, cover)
}

func (s *StoreSpy) GetPosition(ctx context.Context, handler string, cover cqrs.Cover) (uint32, bool, error) {
	if err := s.record(OpGetPosition); err != nil {
		return 0, false, err
	}
	return s.next.GetPosition(ctx, handler, cover)
}

func (s *StoreSpy) SetPosition(ctx context.Context, handler string, cover cqrs.Cover, sequence uint32) error {
	if err := s.record(OpSetPosition); err != nil {
		return err
	}
	s.mu.Lock()
	s.Positions = append(s.Positions, sequence)
	s.mu.Unlock()
	return s.next.SetPosition(ctx, handler, cover, sequence)
}

func (s *StoreSpy) Close() error {
	if err := s.record(OpClose); err != nil {
		return err
	}
	return s.next.Close()
}
