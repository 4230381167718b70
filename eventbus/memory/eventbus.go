// Package memory is an in-process EventBus.
//
// Every subscription name is a consumer group with an unbounded FIFO. Each
// Subscribe call under a name adds one worker to that group, so workers of
// one group share its books. Failed deliveries are retried with backoff and
// reported on Errors once retries are exhausted.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	cloudevents "github.com/cloudevents/sdk-go/v2/event"
	"github.com/terraskye/cqrs"
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("eventbus is closed")

// OutputHandler receives projector output events.
type OutputHandler func(ctx context.Context, event cloudevents.Event) error

type group struct {
	name    string
	domain  string
	handler cqrs.EventBookHandler

	mu      sync.Mutex
	pending []cqrs.EventBook
	notify  chan struct{}
	workers int
}

func (g *group) push(book cqrs.EventBook) {
	g.mu.Lock()
	g.pending = append(g.pending, book)
	g.mu.Unlock()
	select {
	case g.notify <- struct{}{}:
	default:
	}
}

func (g *group) pop() (cqrs.EventBook, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.pending) == 0 {
		return cqrs.EventBook{}, false
	}
	book := g.pending[0]
	g.pending = g.pending[1:]
	if len(g.pending) > 0 {
		select {
		case g.notify <- struct{}{}:
		default:
		}
	}
	return book, true
}

// EventBus is an in-process cqrs.EventBus.
type EventBus struct {
	mu      sync.RWMutex
	groups  map[string]*group
	outputs []OutputHandler
	closed  bool

	done       chan struct{}
	errs       chan error
	wg         sync.WaitGroup
	maxElapsed time.Duration
}

var _ cqrs.EventBus = (*EventBus)(nil)

// Option configures an EventBus.
type Option func(*EventBus)

// WithRetry bounds how long a failing delivery is retried.
func WithRetry(maxElapsed time.Duration) Option {
	return func(b *EventBus) {
		b.maxElapsed = maxElapsed
	}
}

// NewEventBus constructs a bus.
func NewEventBus(opts ...Option) *EventBus {
	b := &EventBus{
		groups:     make(map[string]*group),
		done:       make(chan struct{}),
		errs:       make(chan error, 64),
		maxElapsed: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe adds a worker to the group called name. A group serves one
// domain and one handler; later calls must agree with the first.
func (b *EventBus) Subscribe(ctx context.Context, name, domain string, handler cqrs.EventBookHandler) error {
	if name == "" || domain == "" || handler == nil {
		return errors.New("name, domain and handler are required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	g, exists := b.groups[name]
	if !exists {
		g = &group{name: name, domain: domain, handler: handler, notify: make(chan struct{}, 1)}
		b.groups[name] = g
	} else if g.domain != domain {
		return fmt.Errorf("subscription %q already consumes domain %q", name, g.domain)
	}
	g.workers++

	b.wg.Add(1)
	go b.run(ctx, g)
	return nil
}

// SubscribeOutput registers a receiver of projector output.
func (b *EventBus) SubscribeOutput(handler OutputHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.outputs = append(b.outputs, handler)
}

// Publish queues book for every group consuming its domain.
func (b *EventBus) Publish(ctx context.Context, book cqrs.EventBook) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	for _, g := range b.groups {
		if g.domain == book.Cover.Domain {
			g.push(book)
		}
	}
	return nil
}

// PublishOutput hands events to every output receiver. Receiver errors are
// reported on Errors.
func (b *EventBus) PublishOutput(ctx context.Context, events []cloudevents.Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	receivers := append([]OutputHandler(nil), b.outputs...)
	b.mu.RUnlock()

	for _, ev := range events {
		for _, receive := range receivers {
			if err := receive(ctx, ev); err != nil {
				b.report(fmt.Errorf("output %s: %w", ev.ID(), err))
			}
		}
	}
	return nil
}

func (b *EventBus) Errors() <-chan error {
	return b.errs
}

// Close stops every worker, waits for in-flight handlers, and closes the
// error channel.
func (b *EventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.done)
	b.mu.Unlock()

	b.wg.Wait()
	close(b.errs)
	return nil
}

func (b *EventBus) run(ctx context.Context, g *group) {
	defer b.wg.Done()
	defer b.leave(g)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-b.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-g.notify:
		}

		book, ok := g.pop()
		if !ok {
			continue
		}
		if err := b.deliver(ctx, g, book); err != nil {
			b.report(fmt.Errorf("handler %q: stream %s: %w", g.name, book.Cover.StreamID(), err))
		}
	}
}

func (b *EventBus) deliver(ctx context.Context, g *group, book cqrs.EventBook) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 10 * time.Millisecond
	policy.MaxElapsedTime = b.maxElapsed

	return backoff.Retry(func() error {
		return g.handler(ctx, book)
	}, backoff.WithContext(policy, ctx))
}

// leave removes a worker, dropping the group with its last worker.
func (b *EventBus) leave(g *group) {
	b.mu.Lock()
	defer b.mu.Unlock()
	g.workers--
	if g.workers == 0 && b.groups[g.name] == g {
		delete(b.groups, g.name)
	}
}

func (b *EventBus) report(err error) {
	select {
	case b.errs <- err:
	default:
		// Drop error if channel full
	}
}
