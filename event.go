package cqrs

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/types/known/anypb"
)

// DefaultEdition is the edition assigned to a Cover that does not name one.
const DefaultEdition = "main"

// Cover identifies one ordered event stream. Domain, Edition and Root together
// address the stream; CorrelationID ties a causal chain together across streams.
type Cover struct {
	Domain        string    `json:"domain"`
	Root          uuid.UUID `json:"root"`
	Edition       string    `json:"edition,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// Normalize returns the cover with the default edition applied.
func (c Cover) Normalize() Cover {
	if c.Edition == "" {
		c.Edition = DefaultEdition
	}
	return c
}

// Validate reports whether the cover addresses a stream.
func (c Cover) Validate() error {
	if c.Domain == "" {
		return fmt.Errorf("%w: domain is required", ErrInvalidCover)
	}
	if c.Root == uuid.Nil {
		return fmt.Errorf("%w: root is required", ErrInvalidCover)
	}
	return nil
}

// StreamID renders the stream address as "domain/edition/root".
func (c Cover) StreamID() string {
	c = c.Normalize()
	return c.Domain + "/" + c.Edition + "/" + c.Root.String()
}

// SameStream reports whether both covers address the same stream. The
// correlation id is not part of the address.
func (c Cover) SameStream(other Cover) bool {
	a, b := c.Normalize(), other.Normalize()
	return a.Domain == b.Domain && a.Edition == b.Edition && a.Root == b.Root
}

func (c Cover) String() string {
	return c.StreamID()
}

// EventPage is one immutable event of a stream.
type EventPage struct {
	Sequence  uint32     `json:"sequence"`
	Event     *anypb.Any `json:"event"`
	CreatedAt time.Time  `json:"created_at"`
}

// TypeName returns the type identifier of the page's payload.
func (p EventPage) TypeName() string {
	return TypeName(p.Event)
}

// EventBook is a Cover plus an ordered run of its EventPages. Snapshot is set
// when the book was loaded from a snapshot; Pages then hold only the events
// after the snapshot's sequence.
type EventBook struct {
	Cover    Cover       `json:"cover"`
	Snapshot *Snapshot   `json:"snapshot,omitempty"`
	Pages    []EventPage `json:"pages,omitempty"`
}

// Empty reports whether the book carries no pages.
func (b EventBook) Empty() bool {
	return len(b.Pages) == 0
}

// FirstSequence returns the sequence of the first page, if any.
func (b EventBook) FirstSequence() (uint32, bool) {
	if len(b.Pages) == 0 {
		return 0, false
	}
	return b.Pages[0].Sequence, true
}

// LastSequence returns the sequence of the last page, if any.
func (b EventBook) LastSequence() (uint32, bool) {
	if len(b.Pages) == 0 {
		return 0, false
	}
	return b.Pages[len(b.Pages)-1].Sequence, true
}

// NextSequence is the stream length the book describes: the sequence the next
// appended event receives.
func (b EventBook) NextSequence() uint32 {
	if last, ok := b.LastSequence(); ok {
		return last + 1
	}
	if b.Snapshot != nil {
		return b.Snapshot.Sequence + 1
	}
	return 0
}

// Contiguous reports whether the pages are strictly increasing by one,
// starting at from.
func (b EventBook) Contiguous(from uint32) bool {
	next := from
	for _, page := range b.Pages {
		if page.Sequence != next {
			return false
		}
		next++
	}
	return true
}

// After returns a copy of the book without the pages at or below sequence.
func (b EventBook) After(sequence uint32) EventBook {
	out := EventBook{Cover: b.Cover, Snapshot: b.Snapshot}
	for _, page := range b.Pages {
		if page.Sequence > sequence {
			out.Pages = append(out.Pages, page)
		}
	}
	return out
}

// Snapshot is a cached materialization of aggregate state as of Sequence. It
// is never authoritative: replaying the events after Sequence must always
// reproduce current state.
type Snapshot struct {
	Sequence  uint32     `json:"sequence"`
	State     *anypb.Any `json:"state"`
	CreatedAt time.Time  `json:"created_at"`
}
