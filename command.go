package cqrs

import "google.golang.org/protobuf/types/known/anypb"

// CommandPage carries one command payload. Sequence, when set, is the stream
// length the sender observed before issuing the command and is used for
// optimistic concurrency. Synchronous commands block the submitter until the
// resulting events are committed.
type CommandPage struct {
	Sequence    *uint32    `json:"sequence,omitempty"`
	Synchronous bool       `json:"synchronous"`
	Command     *anypb.Any `json:"command"`
}

// TypeName returns the type identifier of the page's payload.
func (p CommandPage) TypeName() string {
	return TypeName(p.Command)
}

// CommandBook is a Cover plus an ordered run of CommandPages.
type CommandBook struct {
	Cover Cover         `json:"cover"`
	Pages []CommandPage `json:"pages"`
}

// Synchronous reports whether any page asks the submitter to wait for the
// resulting events.
func (b CommandBook) Synchronous() bool {
	for _, page := range b.Pages {
		if page.Synchronous {
			return true
		}
	}
	return false
}

// ExpectedSequence returns the concurrency target of the book: the sequence
// carried by the first page that sets one.
func (b CommandBook) ExpectedSequence() (uint32, bool) {
	for _, page := range b.Pages {
		if page.Sequence != nil {
			return *page.Sequence, true
		}
	}
	return 0, false
}

// At returns a pointer to sequence, for filling CommandPage.Sequence.
func At(sequence uint32) *uint32 {
	return &sequence
}
