package cqrs

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrConcurrencyConflict matches every *ConcurrencyConflictError.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrRejected matches every *RejectionError.
	ErrRejected = errors.New("command rejected")

	// ErrTransport matches every *TransportError.
	ErrTransport = errors.New("transport failure")

	// ErrDecode matches every *DecodeError.
	ErrDecode = errors.New("decode failure")

	// ErrUnsupported is returned by backends lacking an optional capability.
	ErrUnsupported = errors.New("unsupported")

	// ErrInvalidCover is returned for covers that do not address a stream.
	ErrInvalidCover = errors.New("invalid cover")

	// ErrInvalidEventBatch is returned when an append batch is malformed.
	ErrInvalidEventBatch = errors.New("invalid event batch")

	// ErrUnknownDomain is returned when no business logic serves a domain.
	ErrUnknownDomain = errors.New("unknown domain")
)

// ConcurrencyConflictError reports that an append expected a stream length
// other than the actual one. Nothing was written.
type ConcurrencyConflictError struct {
	Cover    Cover
	Expected uint32
	Actual   uint32
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("concurrency conflict on stream %q: (expected sequence %d, actual %d)", e.Cover.StreamID(), e.Expected, e.Actual)
}

func (e *ConcurrencyConflictError) Is(target error) bool {
	return target == ErrConcurrencyConflict
}

// RejectionError is a business-logic refusal of a command. It is terminal and
// carries the reason verbatim.
type RejectionError struct {
	Reason string
}

// Reject builds a RejectionError.
func Reject(format string, args ...any) error {
	return &RejectionError{Reason: fmt.Sprintf(format, args...)}
}

func (e *RejectionError) Error() string {
	return "command rejected: " + e.Reason
}

func (e *RejectionError) Is(target error) bool {
	return target == ErrRejected
}

// TransportError reports that an RPC peer, the bus, or the storage engine was
// unavailable. The outcome of the operation is unknown to the caller.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("transport failure: %v", e.Err)
	}
	return fmt.Sprintf("transport failure during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

// WrapTransport marks err as a transport failure of op. Nil stays nil and
// errors of the taxonomy are returned unchanged.
func WrapTransport(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, kind := range taxonomy {
		if errors.Is(err, kind) {
			return err
		}
	}
	return &TransportError{Op: op, Err: err}
}

// taxonomy lists the error classes that keep their identity across layers.
// Validation failures belong here: retrying them cannot succeed.
var taxonomy = []error{
	ErrTransport,
	ErrConcurrencyConflict,
	ErrRejected,
	ErrDecode,
	ErrUnsupported,
	ErrInvalidCover,
	ErrInvalidEventBatch,
	ErrUnknownDomain,
}

// DecodeError reports a malformed or unrecognized payload.
type DecodeError struct {
	TypeURL  string
	Sequence uint32
	Err      error
}

func (e *DecodeError) Error() string {
	if e.TypeURL == "" {
		return fmt.Sprintf("decode failure: %v", e.Err)
	}
	return fmt.Sprintf("decode failure for %s at sequence %d: %v", e.TypeURL, e.Sequence, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func (e *DecodeError) Is(target error) bool {
	return target == ErrDecode
}

// IsTransient reports whether retrying the operation may succeed.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrTransport) || errors.Is(err, context.DeadlineExceeded)
}

// Outcome is the caller-visible result class of a command submission.
type Outcome int

const (
	Accepted Outcome = iota
	Rejected
	Conflict
	Unavailable
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	case Conflict:
		return "conflict"
	default:
		return "unavailable"
	}
}

// Classify maps a submission error to exactly one Outcome.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return Accepted
	case errors.Is(err, ErrRejected):
		return Rejected
	case errors.Is(err, ErrConcurrencyConflict):
		return Conflict
	default:
		return Unavailable
	}
}
