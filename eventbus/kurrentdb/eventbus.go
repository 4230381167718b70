// Package kurrentdb subscribes to events committed by the KurrentDB storage
// backend. The store is the log, so Publish does nothing; every subscription
// is a catch-up subscription to $all filtered by the domain's stream prefix.
//
// Catch-up subscriptions do not share work: each subscription sees every
// event of its domain. Consumers dedupe through their position store.
package kurrentdb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	cloudevents "github.com/cloudevents/sdk-go/v2/event"
	"github.com/kurrent-io/KurrentDB-Client-Go/kurrentdb"
	"github.com/sirupsen/logrus"
	"github.com/terraskye/cqrs"
	store "github.com/terraskye/cqrs/eventstore/kurrentdb"
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("eventbus is closed")

type subscriber struct {
	name    string
	domain  string
	handler cqrs.EventBookHandler
	cancel  context.CancelFunc
}

// EventBus delivers events read from KurrentDB.
type EventBus struct {
	db     *kurrentdb.Client
	store  *store.Store
	subs   map[string]*subscriber
	mu     sync.RWMutex
	closed bool
	errs   chan error
	wg     sync.WaitGroup

	output     cqrs.OutputSink
	fromEnd    bool
	maxElapsed time.Duration
	logger     *logrus.Entry
}

var _ cqrs.EventBus = (*EventBus)(nil)

// Option configures an EventBus.
type Option func(*EventBus)

// WithFromEnd starts new subscriptions at the end of the log instead of the
// beginning. Projector dispatchers repair the skipped history on demand.
func WithFromEnd() Option {
	return func(b *EventBus) {
		b.fromEnd = true
	}
}

// WithOutputSink forwards projector output, which KurrentDB does not carry.
func WithOutputSink(sink cqrs.OutputSink) Option {
	return func(b *EventBus) {
		b.output = sink
	}
}

// WithRetry bounds how long a failing delivery is retried before the
// subscription moves on.
func WithRetry(maxElapsed time.Duration) Option {
	return func(b *EventBus) {
		b.maxElapsed = maxElapsed
	}
}

// WithLogger sets the logger.
func WithLogger(logger *logrus.Entry) Option {
	return func(b *EventBus) {
		b.logger = logger
	}
}

// NewEventBus subscribes through db to streams written by s.
func NewEventBus(db *kurrentdb.Client, s *store.Store, opts ...Option) *EventBus {
	b := &EventBus{
		db:         db,
		store:      s,
		subs:       make(map[string]*subscriber),
		errs:       make(chan error, 64),
		maxElapsed: 30 * time.Second,
		logger:     logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *EventBus) Subscribe(ctx context.Context, name, domain string, handler cqrs.EventBookHandler) error {
	if handler == nil {
		return errors.New("handler cannot be nil")
	}
	if name == "" || domain == "" {
		return errors.New("name and domain are required")
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if _, exists := b.subs[name]; exists {
		b.mu.Unlock()
		return fmt.Errorf("subscriber %q already exists", name)
	}

	workerCtx, cancel := context.WithCancel(context.Background())
	sub := &subscriber{name: name, domain: domain, handler: handler, cancel: cancel}
	b.subs[name] = sub
	b.mu.Unlock()

	b.wg.Add(1)
	go b.runSubscriber(workerCtx, sub)

	// Remove subscriber when caller context is done
	go func() {
		select {
		case <-ctx.Done():
			b.removeSubscriber(name)
		case <-workerCtx.Done():
		}
	}()

	return nil
}

// Publish is a no-op: committed events are already in the log.
func (b *EventBus) Publish(ctx context.Context, book cqrs.EventBook) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

// PublishOutput forwards to the configured output sink, if any.
func (b *EventBus) PublishOutput(ctx context.Context, events []cloudevents.Event) error {
	if b.output == nil {
		return fmt.Errorf("kurrentdb: projector output: %w", cqrs.ErrUnsupported)
	}
	return b.output.PublishOutput(ctx, events)
}

func (b *EventBus) options(domain string) kurrentdb.SubscribeToAllOptions {
	opts := kurrentdb.SubscribeToAllOptions{
		From: kurrentdb.Start{},
		Filter: &kurrentdb.SubscriptionFilter{
			Type:     kurrentdb.StreamFilterType,
			Prefixes: []string{b.store.StreamPrefix(domain)},
		},
	}
	if b.fromEnd {
		opts.From = kurrentdb.End{}
	}
	return opts
}

func (b *EventBus) runSubscriber(ctx context.Context, s *subscriber) {
	defer b.wg.Done()

	log := b.logger.WithFields(logrus.Fields{"handler": s.name, "domain": s.domain})

	stream, err := b.db.SubscribeToAll(ctx, b.options(s.domain))
	if err != nil {
		b.report(fmt.Errorf("subscriber %q: %w", s.name, cqrs.WrapTransport("kurrentdb subscribe", err)))
		return
	}
	defer stream.Close()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		event := stream.Recv()
		if event.SubscriptionDropped != nil {
			if ctx.Err() == nil {
				b.report(fmt.Errorf("subscriber %q: %w", s.name, cqrs.WrapTransport("kurrentdb subscription dropped", event.SubscriptionDropped.Error)))
			}
			return
		}
		if event.EventAppeared == nil || event.EventAppeared.Event == nil {
			continue
		}

		book, ok, err := store.DecodeRecorded(event.EventAppeared.Event)
		if err != nil {
			log.WithError(err).Error("skipping undecodable event")
			b.report(fmt.Errorf("subscriber %q: %w", s.name, err))
			continue
		}
		if !ok || book.Cover.Domain != s.domain {
			continue
		}

		if err := b.deliver(ctx, s, book); err != nil && ctx.Err() == nil {
			log.WithError(err).WithField("stream", book.Cover.StreamID()).Error("delivery failed")
			b.report(fmt.Errorf("subscriber %q: stream %s: %w", s.name, book.Cover.StreamID(), err))
		}
	}
}

func (b *EventBus) deliver(ctx context.Context, s *subscriber, book cqrs.EventBook) error {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = b.maxElapsed
	return backoff.Retry(func() error {
		return s.handler(ctx, book)
	}, backoff.WithContext(policy, ctx))
}

func (b *EventBus) removeSubscriber(name string) {
	b.mu.Lock()
	sub, ok := b.subs[name]
	if ok {
		delete(b.subs, name)
		sub.cancel()
	}
	b.mu.Unlock()
}

func (b *EventBus) report(err error) {
	select {
	case b.errs <- err:
	default:
	}
}

func (b *EventBus) Errors() <-chan error {
	return b.errs
}

func (b *EventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true

	for _, sub := range b.subs {
		sub.cancel()
	}
	b.subs = nil
	b.mu.Unlock()

	b.wg.Wait()
	close(b.errs)
	return nil
}
