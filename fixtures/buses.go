package fixtures

import (
	"context"
	"fmt"
	"sync"

	cloudevents "github.com/cloudevents/sdk-go/v2/event"
	"github.com/terraskye/cqrs"
)

// EventBusSpy is a configurable mock EventBus for testing. Published books
// are recorded, never delivered; tests call Deliver to drive subscribers.
type EventBusSpy struct {
	mu sync.Mutex

	// Error injection
	PublishErr       error
	PublishOutputErr error
	SubscribeErr     error

	// Captured calls
	Published []cqrs.EventBook
	Outputs   []cloudevents.Event

	handlers map[string]Subscription
	errChan  chan error
	closed   bool
}

// Subscription captures details of a Subscribe call.
type Subscription struct {
	Name    string
	Domain  string
	Handler cqrs.EventBookHandler
}

var _ cqrs.EventBus = (*EventBusSpy)(nil)

// NewEventBusSpy creates a new EventBusSpy.
func NewEventBusSpy() *EventBusSpy {
	return &EventBusSpy{
		handlers: make(map[string]Subscription),
		errChan:  make(chan error, 10),
	}
}

func (b *EventBusSpy) Publish(ctx context.Context, book cqrs.EventBook) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.PublishErr != nil {
		return b.PublishErr
	}
	b.Published = append(b.Published, book)
	return nil
}

func (b *EventBusSpy) PublishOutput(ctx context.Context, events []cloudevents.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.PublishOutputErr != nil {
		return b.PublishOutputErr
	}
	b.Outputs = append(b.Outputs, events...)
	return nil
}

func (b *EventBusSpy) Subscribe(ctx context.Context, name, domain string, handler cqrs.EventBookHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.SubscribeErr != nil {
		return b.SubscribeErr
	}
	b.handlers[name] = Subscription{Name: name, Domain: domain, Handler: handler}
	return nil
}

// Deliver hands book to the subscription called name.
func (b *EventBusSpy) Deliver(ctx context.Context, name string, book cqrs.EventBook) error {
	b.mu.Lock()
	sub, ok := b.handlers[name]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("no subscription %q", name)
	}
	return sub.Handler(ctx, book)
}

// HasSubscription checks if a subscription with the given name exists.
func (b *EventBusSpy) HasSubscription(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.handlers[name]
	return ok
}

// PublishedCount returns the number of published books.
func (b *EventBusSpy) PublishedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.Published)
}

func (b *EventBusSpy) Errors() <-chan error {
	return b.errChan
}

func (b *EventBusSpy) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.errChan)
	}
	return nil
}

// CommandHandlerSpy records submitted command books and answers them with
// HandleFn, or with an empty book.
type CommandHandlerSpy struct {
	mu sync.Mutex

	HandleFn func(ctx context.Context, cmd cqrs.CommandBook) (cqrs.EventBook, error)

	Received []cqrs.CommandBook
	failures []error
}

var _ cqrs.CommandHandler = (*CommandHandlerSpy)(nil)

// NewCommandHandlerSpy creates a spy delegating to next, which may be nil.
func NewCommandHandlerSpy(next cqrs.CommandHandler) *CommandHandlerSpy {
	spy := &CommandHandlerSpy{}
	if next != nil {
		spy.HandleFn = next.Handle
	}
	return spy
}

// Fail makes the next len(errs) submissions return errs in order.
func (h *CommandHandlerSpy) Fail(errs ...error) *CommandHandlerSpy {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures = append(h.failures, errs...)
	return h
}

func (h *CommandHandlerSpy) Handle(ctx context.Context, cmd cqrs.CommandBook) (cqrs.EventBook, error) {
	h.mu.Lock()
	h.Received = append(h.Received, cmd)
	var err error
	if len(h.failures) > 0 {
		err, h.failures = h.failures[0], h.failures[1:]
	}
	fn := h.HandleFn
	h.mu.Unlock()

	if err != nil {
		return cqrs.EventBook{}, err
	}
	if fn != nil {
		return fn(ctx, cmd)
	}
	return cqrs.EventBook{Cover: cmd.Cover}, nil
}

// Count returns the number of submissions.
func (h *CommandHandlerSpy) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.Received)
}

// Commands returns the type names of every submitted page, in order.
func (h *CommandHandlerSpy) Commands() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, book := range h.Received {
		for _, page := range book.Pages {
			out = append(out, page.TypeName())
		}
	}
	return out
}

// LogicSpy wraps AggregateLogic, counting invocations.
type LogicSpy struct {
	mu    sync.Mutex
	next  cqrs.AggregateLogic
	calls int

	// BeforeHandle runs before every delegated call.
	BeforeHandle func(ctx context.Context, cmd cqrs.ContextualCommand)
}

var _ cqrs.AggregateLogic = (*LogicSpy)(nil)

func NewLogicSpy(next cqrs.AggregateLogic) *LogicSpy {
	return &LogicSpy{next: next}
}

func (l *LogicSpy) Handle(ctx context.Context, cmd cqrs.ContextualCommand) (cqrs.Decision, error) {
	l.mu.Lock()
	l.calls++
	hook := l.BeforeHandle
	l.mu.Unlock()
	if hook != nil {
		hook(ctx, cmd)
	}
	return l.next.Handle(ctx, cmd)
}

// Calls returns the number of invocations.
func (l *LogicSpy) Calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}
