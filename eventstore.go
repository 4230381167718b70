package cqrs

import (
	"context"
	"fmt"
	"time"
)

// EventStore is the append-only, sequence-ordered event log.
//
// Implementations must guarantee:
//   - Pages of one stream are stored and returned in ascending sequence order,
//     starting at 0 with no gaps.
//   - Append is atomic per call: either every page of the batch becomes
//     visible, or none does. Readers never observe a partial batch.
//   - Concurrent appends with the same expected sequence on the same stream
//     have exactly one winner; the others fail with *ConcurrencyConflictError.
//
// No operation retries internally; retry policy belongs to the caller.
type EventStore interface {
	// Append persists events at sequences expected, expected+1, ... and returns
	// the stored pages. CreatedAt is kept when set and stamped otherwise. The
	// incoming Sequence fields are ignored.
	//
	// Errors:
	//   - *ConcurrencyConflictError when the stream length is not expected.
	//   - ErrInvalidCover / ErrInvalidEventBatch for malformed input.
	//   - *TransportError for storage engine failures.
	Append(ctx context.Context, cover Cover, expected uint32, events []EventPage) (EventBook, error)

	// Load returns the pages with sequence >= from in ascending order. A
	// stream that does not exist loads as an empty book.
	Load(ctx context.Context, cover Cover, from uint32) (EventBook, error)

	// LoadByCorrelation returns every stream's pages tagged with correlationID.
	// Backends without a correlation index return ErrUnsupported.
	LoadByCorrelation(ctx context.Context, correlationID string) ([]EventBook, error)
}

// SnapshotStore caches the latest materialized state per aggregate.
type SnapshotStore interface {
	// SaveSnapshot stores snap unless a snapshot at a higher sequence already
	// exists for the stream.
	SaveSnapshot(ctx context.Context, cover Cover, snap Snapshot) error

	// LoadSnapshot returns the latest snapshot, or nil when there is none.
	LoadSnapshot(ctx context.Context, cover Cover) (*Snapshot, error)
}

// PositionStore keeps a per-handler read cursor per stream. Writes are
// last-writer-wins.
type PositionStore interface {
	// GetPosition returns the last sequence handler processed on the stream
	// and whether one was recorded.
	GetPosition(ctx context.Context, handler string, cover Cover) (uint32, bool, error)

	// SetPosition records sequence as processed by handler.
	SetPosition(ctx context.Context, handler string, cover Cover, sequence uint32) error
}

// Storage is the full storage layer consumed by every coordinator. Backends
// are interchangeable behind it, and decorators (telemetry, retry, logging)
// implement it too.
type Storage interface {
	EventStore
	SnapshotStore
	PositionStore

	// Close releases backend resources. Implementations make it idempotent.
	Close() error
}

// LoadAggregate reads the latest snapshot and the pages after it. The book's
// NextSequence is the current stream length.
func LoadAggregate(ctx context.Context, store Storage, cover Cover) (EventBook, error) {
	snap, err := store.LoadSnapshot(ctx, cover)
	if err != nil {
		return EventBook{}, err
	}
	var from uint32
	if snap != nil {
		from = snap.Sequence + 1
	}
	book, err := store.Load(ctx, cover, from)
	if err != nil {
		return EventBook{}, err
	}
	book.Snapshot = snap
	return book, nil
}

// PrepareAppend validates an append request and returns the normalized cover.
// Backends call it before touching the engine.
func PrepareAppend(cover Cover, events []EventPage) (Cover, error) {
	cover = cover.Normalize()
	if err := cover.Validate(); err != nil {
		return cover, err
	}
	if len(events) == 0 {
		return cover, fmt.Errorf("%w: no events", ErrInvalidEventBatch)
	}
	for i, page := range events {
		if page.Event == nil {
			return cover, fmt.Errorf("%w: event %d has no payload", ErrInvalidEventBatch, i)
		}
	}
	return cover, nil
}

// Stamp assigns sequences from expected and fills missing timestamps.
func Stamp(expected uint32, events []EventPage, now time.Time) []EventPage {
	out := make([]EventPage, len(events))
	for i, page := range events {
		page.Sequence = expected + uint32(i)
		if page.CreatedAt.IsZero() {
			page.CreatedAt = now
		}
		out[i] = page
	}
	return out
}
