// Package memory is an in-process Storage backend for tests and
// single-process development.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/terraskye/cqrs"
)

type positionKey struct {
	handler string
	stream  string
}

type stored struct {
	cover        cqrs.Cover
	pages        []cqrs.EventPage
	correlations []string
}

// Store keeps events, snapshots and positions in maps guarded by one
// RWMutex. A batch is appended under the write lock, so readers never see
// part of it.
type Store struct {
	mu        sync.RWMutex
	streams   map[string]*stored
	snapshots map[string]cqrs.Snapshot
	positions map[positionKey]uint32
	now       func() time.Time
	closed    bool
}

var _ cqrs.Storage = (*Store)(nil)

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		streams:   make(map[string]*stored),
		snapshots: make(map[string]cqrs.Snapshot),
		positions: make(map[positionKey]uint32),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (m *Store) Append(ctx context.Context, cover cqrs.Cover, expected uint32, events []cqrs.EventPage) (cqrs.EventBook, error) {
	cover, err := cqrs.PrepareAppend(cover, events)
	if err != nil {
		return cqrs.EventBook{}, err
	}
	if err := ctx.Err(); err != nil {
		return cqrs.EventBook{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return cqrs.EventBook{}, errClosed
	}

	id := cover.StreamID()
	s, ok := m.streams[id]
	if !ok {
		s = &stored{}
		m.streams[id] = s
	}
	if actual := uint32(len(s.pages)); actual != expected {
		return cqrs.EventBook{}, &cqrs.ConcurrencyConflictError{Cover: cover, Expected: expected, Actual: actual}
	}

	pages := cqrs.Stamp(expected, events, m.now())
	s.cover = cover
	s.pages = append(s.pages, pages...)
	for range pages {
		s.correlations = append(s.correlations, cover.CorrelationID)
	}
	return cqrs.EventBook{Cover: cover, Pages: pages}, nil
}

func (m *Store) Load(ctx context.Context, cover cqrs.Cover, from uint32) (cqrs.EventBook, error) {
	cover = cover.Normalize()
	if err := cover.Validate(); err != nil {
		return cqrs.EventBook{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return cqrs.EventBook{}, errClosed
	}

	book := cqrs.EventBook{Cover: cover}
	s, ok := m.streams[cover.StreamID()]
	if !ok || from >= uint32(len(s.pages)) {
		return book, nil
	}
	book.Pages = append([]cqrs.EventPage(nil), s.pages[from:]...)
	return book, nil
}

func (m *Store) LoadByCorrelation(ctx context.Context, correlationID string) ([]cqrs.EventBook, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, errClosed
	}

	var out []cqrs.EventBook
	for _, s := range m.streams {
		book := cqrs.EventBook{Cover: s.cover}
		book.Cover.CorrelationID = correlationID
		for i, page := range s.pages {
			if s.correlations[i] == correlationID {
				book.Pages = append(book.Pages, page)
			}
		}
		if len(book.Pages) > 0 {
			out = append(out, book)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Pages[0].CreatedAt, out[j].Pages[0].CreatedAt
		if a.Equal(b) {
			return out[i].Cover.StreamID() < out[j].Cover.StreamID()
		}
		return a.Before(b)
	})
	return out, nil
}

func (m *Store) SaveSnapshot(ctx context.Context, cover cqrs.Cover, snap cqrs.Snapshot) error {
	cover = cover.Normalize()
	if err := cover.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errClosed
	}

	id := cover.StreamID()
	if existing, ok := m.snapshots[id]; ok && existing.Sequence > snap.Sequence {
		return nil
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = m.now()
	}
	m.snapshots[id] = snap
	return nil
}

func (m *Store) LoadSnapshot(ctx context.Context, cover cqrs.Cover) (*cqrs.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, errClosed
	}

	snap, ok := m.snapshots[cover.Normalize().StreamID()]
	if !ok {
		return nil, nil
	}
	return &snap, nil
}

func (m *Store) GetPosition(ctx context.Context, handler string, cover cqrs.Cover) (uint32, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, false, errClosed
	}

	seq, ok := m.positions[positionKey{handler: handler, stream: cover.Normalize().StreamID()}]
	return seq, ok, nil
}

func (m *Store) SetPosition(ctx context.Context, handler string, cover cqrs.Cover, sequence uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errClosed
	}

	m.positions[positionKey{handler: handler, stream: cover.Normalize().StreamID()}] = sequence
	return nil
}

func (m *Store) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

var errClosed = &cqrs.TransportError{Op: "memory", Err: errors.New("store is closed")}
