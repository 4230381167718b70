package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/terraskye/cqrs"
	"google.golang.org/protobuf/types/known/anypb"
)

// Evolver applies one event payload to state.
type Evolver[S any] func(state S, payload *anypb.Any) (S, error)

// Decider turns one command page into event payloads given current state.
type Decider[S any] func(ctx context.Context, state S, page cqrs.CommandPage) ([]*anypb.Any, error)

// Aggregate is in-process AggregateLogic built from typed evolve and decide
// functions. It rebuilds state from snapshot plus events, then runs each
// command page against the evolving state.
type Aggregate[S any] struct {
	initial      func() S
	evolvers     *Table[Evolver[S]]
	deciders     *Table[Decider[S]]
	snapshotType string
	logger       *logrus.Entry
}

var _ cqrs.AggregateLogic = (*Aggregate[struct{}])(nil)

// AggregateOption configures NewAggregate.
type AggregateOption[S any] func(*aggregateBuilder[S])

type aggregateBuilder[S any] struct {
	evolvers     *Builder[Evolver[S]]
	deciders     *Builder[Decider[S]]
	snapshotType string
	logger       *logrus.Entry
}

// Apply registers how event E evolves state.
func Apply[S any, E cqrs.Message](fn func(state S, event E) S) AggregateOption[S] {
	return func(b *aggregateBuilder[S]) {
		b.evolvers.On(typeNameOf[E](), func(state S, payload *anypb.Any) (S, error) {
			event, err := decode[E](payload)
			if err != nil {
				return state, err
			}
			return fn(state, event), nil
		})
	}
}

// Handle registers the decision function for command C. Returning a
// *cqrs.RejectionError refuses the command.
func Handle[S any, C cqrs.Message](fn func(ctx context.Context, state S, cmd C) ([]cqrs.Message, error)) AggregateOption[S] {
	return func(b *aggregateBuilder[S]) {
		b.deciders.On(typeNameOf[C](), func(ctx context.Context, state S, page cqrs.CommandPage) ([]*anypb.Any, error) {
			cmd, err := decode[C](page.Command)
			if err != nil {
				return nil, err
			}
			events, err := fn(ctx, state, cmd)
			if err != nil {
				return nil, err
			}
			payloads := make([]*anypb.Any, 0, len(events))
			for _, ev := range events {
				payload, err := cqrs.Pack(ev)
				if err != nil {
					return nil, err
				}
				payloads = append(payloads, payload)
			}
			return payloads, nil
		})
	}
}

// WithSnapshots makes every decision carry the resulting state, JSON encoded
// under typeName.
func WithSnapshots[S any](typeName string) AggregateOption[S] {
	return func(b *aggregateBuilder[S]) {
		b.snapshotType = typeName
	}
}

// WithLogger sets the logger used to report skipped pages.
func WithLogger[S any](logger *logrus.Entry) AggregateOption[S] {
	return func(b *aggregateBuilder[S]) {
		b.logger = logger
	}
}

// NewAggregate builds the immutable dispatch tables for an aggregate.
func NewAggregate[S any](initial func() S, opts ...AggregateOption[S]) *Aggregate[S] {
	b := &aggregateBuilder[S]{
		evolvers: NewBuilder[Evolver[S]](),
		deciders: NewBuilder[Decider[S]](),
		logger:   logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(b)
	}
	return &Aggregate[S]{
		initial:      initial,
		evolvers:     b.evolvers.Build(),
		deciders:     b.deciders.Build(),
		snapshotType: b.snapshotType,
		logger:       b.logger,
	}
}

// Rebuild reconstructs state from the book's snapshot and pages. Pages that
// cannot be decoded are skipped and logged. A snapshot that cannot be
// restored fails with a *cqrs.DecodeError, since the pages after it do not
// describe the state on their own.
func (a *Aggregate[S]) Rebuild(book cqrs.EventBook) (S, error) {
	state := a.initial()
	if book.Snapshot != nil && book.Snapshot.State != nil {
		restored, err := a.restore(book.Snapshot.State)
		if err != nil {
			var decodeErr *cqrs.DecodeError
			if errors.As(err, &decodeErr) {
				decodeErr.Sequence = book.Snapshot.Sequence
			}
			return state, err
		}
		state = restored
	}
	for _, page := range book.Pages {
		state = a.apply(book.Cover, state, page)
	}
	return state, nil
}

func (a *Aggregate[S]) apply(cover cqrs.Cover, state S, page cqrs.EventPage) S {
	evolve, err := a.evolvers.Lookup(page.Event)
	if err == nil {
		var next S
		next, err = evolve(state, page.Event)
		if err == nil {
			return next
		}
	}
	var decodeErr *cqrs.DecodeError
	if errors.As(err, &decodeErr) {
		decodeErr.Sequence = page.Sequence
	}
	a.logger.WithError(err).WithFields(logrus.Fields{
		"stream":   cover.StreamID(),
		"sequence": page.Sequence,
	}).Warn("skipping undecodable event")
	return state
}

// Handle implements cqrs.AggregateLogic.
func (a *Aggregate[S]) Handle(ctx context.Context, cmd cqrs.ContextualCommand) (cqrs.Decision, error) {
	state, err := a.Rebuild(cmd.Events)
	if err != nil {
		return cqrs.Decision{}, err
	}
	next := cmd.Events.NextSequence()

	var decision cqrs.Decision
	for _, page := range cmd.Command.Pages {
		decide, err := a.deciders.Lookup(page.Command)
		if err != nil {
			a.logger.WithError(err).WithField("stream", cmd.Command.Cover.StreamID()).
				Warn("skipping undecodable command")
			continue
		}
		events, err := decide(ctx, state, page)
		if err != nil {
			if errors.Is(err, cqrs.ErrDecode) {
				a.logger.WithError(err).WithField("stream", cmd.Command.Cover.StreamID()).
					Warn("skipping undecodable command")
				continue
			}
			return cqrs.Decision{}, err
		}
		for _, payload := range events {
			state = a.apply(cmd.Command.Cover, state, cqrs.EventPage{Sequence: next, Event: payload})
			next++
		}
		decision.Events = append(decision.Events, events...)
	}

	if a.snapshotType != "" && len(decision.Events) > 0 {
		snap, err := a.snapshot(state)
		if err != nil {
			return cqrs.Decision{}, err
		}
		decision.Snapshot = snap
	}
	return decision, nil
}

func (a *Aggregate[S]) snapshot(state S) (*anypb.Any, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return cqrs.NewPayload(a.snapshotType, data), nil
}

func (a *Aggregate[S]) restore(payload *anypb.Any) (S, error) {
	state := a.initial()
	if cqrs.TypeName(payload) != a.snapshotType {
		return state, &cqrs.DecodeError{TypeURL: payload.GetTypeUrl(), Err: fmt.Errorf("expected snapshot %s", a.snapshotType)}
	}
	if err := json.Unmarshal(payload.GetValue(), &state); err != nil {
		return a.initial(), &cqrs.DecodeError{TypeURL: payload.GetTypeUrl(), Err: err}
	}
	return state, nil
}
