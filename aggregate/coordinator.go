// Package aggregate implements the aggregate coordinator: load the stream,
// invoke the domain's business logic, append the decided events under
// optimistic concurrency, then publish them.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"github.com/terraskye/cqrs"
)

// Coordinator routes CommandBooks to the business logic of their domain. It
// holds no per-aggregate lock: concurrent writers to one stream are
// serialized by the storage's sequence-checked append.
type Coordinator struct {
	storage cqrs.Storage
	logic   map[string]cqrs.AggregateLogic
	cfg     options
	queue   *queue
}

var _ cqrs.CommandHandler = (*Coordinator)(nil)

// NewCoordinator creates a coordinator serving the given domains.
func NewCoordinator(storage cqrs.Storage, logic map[string]cqrs.AggregateLogic, opts ...Option) *Coordinator {
	cfg := defaultOptions()
	for _, opt := range opts {
		opt(&cfg)
	}

	routes := make(map[string]cqrs.AggregateLogic, len(logic))
	for domain, l := range logic {
		routes[domain] = l
	}

	c := &Coordinator{storage: storage, logic: routes, cfg: cfg}
	if cfg.shards > 0 {
		c.queue = newQueue(cfg.shards, cfg.buffer, c.runAsync, cfg.logger)
	}
	return c
}

// Domains returns the domains this coordinator serves.
func (c *Coordinator) Domains() []string {
	out := make([]string, 0, len(c.logic))
	for domain := range c.logic {
		out = append(out, domain)
	}
	return out
}

// Handle submits a command book.
//
// Synchronous books return the committed events, or exactly one of a
// *cqrs.RejectionError, a *cqrs.ConcurrencyConflictError once the conflict
// retry budget is spent, or a *cqrs.TransportError. Books with no
// synchronous page are queued when an async queue is configured and return
// an empty book immediately.
func (c *Coordinator) Handle(ctx context.Context, cmd cqrs.CommandBook) (cqrs.EventBook, error) {
	cover := cmd.Cover.Normalize()
	if err := cover.Validate(); err != nil {
		return cqrs.EventBook{}, err
	}
	cmd.Cover = cover

	logic, ok := c.logic[cover.Domain]
	if !ok {
		return cqrs.EventBook{}, fmt.Errorf("%w: %s", cqrs.ErrUnknownDomain, cover.Domain)
	}
	if len(cmd.Pages) == 0 {
		return cqrs.EventBook{Cover: cover}, nil
	}

	if !cmd.Synchronous() && c.queue != nil {
		if err := c.queue.enqueue(ctx, cmd); err != nil {
			return cqrs.EventBook{}, err
		}
		return cqrs.EventBook{Cover: cover}, nil
	}
	return c.execute(ctx, logic, cmd)
}

// Close drains the async queue.
func (c *Coordinator) Close() error {
	if c.queue != nil {
		c.queue.close()
	}
	return nil
}

func (c *Coordinator) execute(ctx context.Context, logic cqrs.AggregateLogic, cmd cqrs.CommandBook) (cqrs.EventBook, error) {
	var retries uint64
	if cmd.Synchronous() {
		retries = c.cfg.conflictRetries
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(&backoff.ZeroBackOff{}, retries), ctx)

	attempt := 0
	return backoff.RetryWithData(func() (cqrs.EventBook, error) {
		attempt++
		if attempt > 1 {
			c.logEntry(cmd.Cover).WithField("attempt", attempt).Debug("concurrency conflict, reloading")
		}
		book, err := c.attempt(ctx, logic, cmd)
		if err != nil && !errors.Is(err, cqrs.ErrConcurrencyConflict) {
			return book, backoff.Permanent(err)
		}
		return book, err
	}, policy)
}

// attempt runs one Loading, Invoking, Appending pass.
func (c *Coordinator) attempt(ctx context.Context, logic cqrs.AggregateLogic, cmd cqrs.CommandBook) (cqrs.EventBook, error) {
	cover := cmd.Cover

	loaded, err := cqrs.LoadAggregate(ctx, c.storage, cover)
	if err != nil {
		return cqrs.EventBook{}, cqrs.WrapTransport("load", err)
	}
	loaded.Cover = cover

	decision, err := c.invoke(ctx, logic, loaded, cmd)
	if errors.Is(err, cqrs.ErrDecode) && loaded.Snapshot != nil {
		c.logEntry(cover).WithError(err).WithField("sequence", loaded.Snapshot.Sequence).
			Warn("snapshot not usable, replaying full history")
		if loaded, err = c.storage.Load(ctx, cover, 0); err != nil {
			return cqrs.EventBook{}, cqrs.WrapTransport("load", err)
		}
		loaded.Cover = cover
		decision, err = c.invoke(ctx, logic, loaded, cmd)
	}
	if err != nil {
		return cqrs.EventBook{}, cqrs.WrapTransport("invoke", err)
	}
	expected := loaded.NextSequence()
	if len(decision.Events) == 0 {
		return cqrs.EventBook{Cover: cover}, nil
	}

	now := c.cfg.now()
	pages := make([]cqrs.EventPage, len(decision.Events))
	for i, ev := range decision.Events {
		pages[i] = cqrs.EventPage{Event: ev, CreatedAt: now}
	}

	committed, err := c.storage.Append(ctx, cover, expected, pages)
	if err != nil {
		return cqrs.EventBook{}, cqrs.WrapTransport("append", err)
	}

	// The events are committed; nothing below may fail the command.
	afterCtx := context.WithoutCancel(ctx)
	if decision.Snapshot != nil {
		last, _ := committed.LastSequence()
		snap := cqrs.Snapshot{Sequence: last, State: decision.Snapshot, CreatedAt: now}
		if err := c.storage.SaveSnapshot(afterCtx, cover, snap); err != nil {
			c.logEntry(cover).WithError(err).WithField("sequence", last).Warn("failed to save snapshot")
		}
	}
	if c.cfg.publisher != nil {
		if err := c.cfg.publisher.Publish(afterCtx, committed); err != nil {
			c.logEntry(cover).WithError(err).Warn("failed to publish committed events")
		}
	}
	return committed, nil
}

// invoke checks the command's target against the loaded stream, then hands
// both to the business logic under the call timeout.
func (c *Coordinator) invoke(ctx context.Context, logic cqrs.AggregateLogic, loaded cqrs.EventBook, cmd cqrs.CommandBook) (cqrs.Decision, error) {
	if target, ok := cmd.ExpectedSequence(); ok && target != loaded.NextSequence() {
		return cqrs.Decision{}, &cqrs.ConcurrencyConflictError{Cover: loaded.Cover, Expected: target, Actual: loaded.NextSequence()}
	}
	ctx, cancel := context.WithTimeout(cqrs.WithCover(ctx, loaded.Cover), c.cfg.timeout)
	defer cancel()
	return logic.Handle(ctx, cqrs.ContextualCommand{Events: loaded, Command: cmd})
}

// runAsync processes a queued book, retrying transient failures.
func (c *Coordinator) runAsync(ctx context.Context, cmd cqrs.CommandBook) {
	logic := c.logic[cmd.Cover.Domain]

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = c.cfg.asyncMaxElapsed

	_, err := backoff.RetryWithData(func() (cqrs.EventBook, error) {
		book, err := c.execute(ctx, logic, cmd)
		if err != nil && !cqrs.IsTransient(err) {
			return book, backoff.Permanent(err)
		}
		return book, err
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		c.logEntry(cmd.Cover).WithError(err).WithField("outcome", cqrs.Classify(err).String()).
			Error("async command failed")
	}
}

func (c *Coordinator) logEntry(cover cqrs.Cover) *logrus.Entry {
	return c.cfg.logger.WithFields(logrus.Fields{
		"domain":         cover.Domain,
		"root":           cover.Root.String(),
		"edition":        cover.Edition,
		"correlation_id": cover.CorrelationID,
	})
}

type options struct {
	publisher       cqrs.Publisher
	logger          *logrus.Entry
	timeout         time.Duration
	conflictRetries uint64
	shards          int
	buffer          int
	asyncMaxElapsed time.Duration
	now             func() time.Time
}

func defaultOptions() options {
	return options{
		logger:          logrus.NewEntry(logrus.StandardLogger()),
		timeout:         5 * time.Second,
		conflictRetries: 1,
		asyncMaxElapsed: 30 * time.Second,
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// Option configures a Coordinator.
type Option func(*options)

// WithPublisher publishes committed events to the bus.
func WithPublisher(p cqrs.Publisher) Option {
	return func(o *options) {
		o.publisher = p
	}
}

// WithLogger sets the logger.
func WithLogger(logger *logrus.Entry) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithTimeout bounds every business-logic invocation. A timeout is a
// transport failure, never a rejection.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithConflictRetries sets how many times a synchronous command is reloaded
// and replayed after a concurrency conflict. The default is one.
func WithConflictRetries(n uint64) Option {
	return func(o *options) {
		o.conflictRetries = n
	}
}

// WithAsyncQueue enables fire-and-forget submission for books without a
// synchronous page. Commands are sharded by aggregate root so one aggregate's
// commands run in submission order.
func WithAsyncQueue(shards, buffer int, maxElapsed time.Duration) Option {
	return func(o *options) {
		o.shards = shards
		o.buffer = buffer
		if maxElapsed > 0 {
			o.asyncMaxElapsed = maxElapsed
		}
	}
}

// WithClock overrides the time source used to stamp events.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}
