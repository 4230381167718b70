// Package retry decorates a Storage with retries of transient failures.
//
// Only transport failures and deadline overruns are retried. Conflicts,
// rejections, decode failures and validation errors are returned on the
// first attempt, except for an append conflict that follows a failed attempt
// of the same batch.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/terraskye/cqrs"
	"google.golang.org/protobuf/proto"
)

// Storage retries transient failures of the wrapped backend.
type Storage struct {
	next    cqrs.Storage
	backoff func() backoff.BackOff
}

var _ cqrs.Storage = (*Storage)(nil)

// Option configures a Storage.
type Option func(*Storage)

// WithBackOff sets the policy factory. A fresh policy is built per call.
func WithBackOff(factory func() backoff.BackOff) Option {
	return func(s *Storage) {
		s.backoff = factory
	}
}

// WithMaxElapsed bounds the exponential policy of each call.
func WithMaxElapsed(d time.Duration) Option {
	return func(s *Storage) {
		s.backoff = func() backoff.BackOff {
			policy := backoff.NewExponentialBackOff()
			policy.InitialInterval = 50 * time.Millisecond
			policy.MaxElapsedTime = d
			return policy
		}
	}
}

// New wraps next.
func New(next cqrs.Storage, opts ...Option) *Storage {
	s := &Storage{next: next}
	WithMaxElapsed(10 * time.Second)(s)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func do[T any](ctx context.Context, s *Storage, fn func() (T, error)) (T, error) {
	return backoff.RetryWithData(func() (T, error) {
		v, err := fn()
		if err != nil && !cqrs.IsTransient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithContext(s.backoff(), ctx))
}

// Append retries transient failures. A failed attempt may still have
// committed, so a conflict on a later attempt is reconciled against the
// stream: when the batch is stored at expected, that write is the result.
func (s *Storage) Append(ctx context.Context, cover cqrs.Cover, expected uint32, events []cqrs.EventPage) (cqrs.EventBook, error) {
	var uncertain bool
	return do(ctx, s, func() (cqrs.EventBook, error) {
		book, err := s.next.Append(ctx, cover, expected, events)
		if uncertain && errors.Is(err, cqrs.ErrConcurrencyConflict) {
			committed, ok, lerr := s.committed(ctx, cover, expected, events)
			if lerr != nil {
				return cqrs.EventBook{}, lerr
			}
			if ok {
				return committed, nil
			}
		}
		if cqrs.IsTransient(err) {
			uncertain = true
		}
		return book, err
	})
}

// committed reports whether events are the pages stored from expected on.
func (s *Storage) committed(ctx context.Context, cover cqrs.Cover, expected uint32, events []cqrs.EventPage) (cqrs.EventBook, bool, error) {
	stored, err := s.next.Load(ctx, cover, expected)
	if err != nil {
		return cqrs.EventBook{}, false, err
	}
	if len(stored.Pages) < len(events) {
		return cqrs.EventBook{}, false, nil
	}
	stored.Pages = stored.Pages[:len(events)]
	for i, page := range stored.Pages {
		if page.Sequence != expected+uint32(i) || !proto.Equal(page.Event, events[i].Event) {
			return cqrs.EventBook{}, false, nil
		}
	}
	return stored, true, nil
}

func (s *Storage) Load(ctx context.Context, cover cqrs.Cover, from uint32) (cqrs.EventBook, error) {
	return do(ctx, s, func() (cqrs.EventBook, error) {
		return s.next.Load(ctx, cover, from)
	})
}

func (s *Storage) LoadByCorrelation(ctx context.Context, correlationID string) ([]cqrs.EventBook, error) {
	return do(ctx, s, func() ([]cqrs.EventBook, error) {
		return s.next.LoadByCorrelation(ctx, correlationID)
	})
}

func (s *Storage) SaveSnapshot(ctx context.Context, cover cqrs.Cover, snap cqrs.Snapshot) error {
	_, err := do(ctx, s, func() (struct{}, error) {
		return struct{}{}, s.next.SaveSnapshot(ctx, cover, snap)
	})
	return err
}

func (s *Storage) LoadSnapshot(ctx context.Context, cover cqrs.Cover) (*cqrs.Snapshot, error) {
	return do(ctx, s, func() (*cqrs.Snapshot, error) {
		return s.next.LoadSnapshot(ctx, cover)
	})
}

func (s *Storage) GetPosition(ctx context.Context, handler string, cover cqrs.Cover) (uint32, bool, error) {
	type position struct {
		seq   uint32
		found bool
	}
	p, err := do(ctx, s, func() (position, error) {
		seq, found, err := s.next.GetPosition(ctx, handler, cover)
		return position{seq, found}, err
	})
	return p.seq, p.found, err
}

func (s *Storage) SetPosition(ctx context.Context, handler string, cover cqrs.Cover, sequence uint32) error {
	_, err := do(ctx, s, func() (struct{}, error) {
		return struct{}{}, s.next.SetPosition(ctx, handler, cover, sequence)
	})
	return err
}

func (s *Storage) Close() error {
	return s.next.Close()
}
