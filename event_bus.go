package cqrs

import (
	"context"

	cloudevents "github.com/cloudevents/sdk-go/v2/event"
)

// EventBookHandler consumes a delivered EventBook. Returning an error asks
// the bus to redeliver.
type EventBookHandler func(ctx context.Context, book EventBook) error

// Publisher hands committed events to the bus.
type Publisher interface {
	Publish(ctx context.Context, book EventBook) error
}

// Subscriber delivers a domain's EventBooks to named handlers. Delivery is
// at-least-once and may reorder books within a short window. The name is the
// consumer group: two subscriptions with one name share the work.
type Subscriber interface {
	Subscribe(ctx context.Context, name, domain string, handler EventBookHandler) error
}

// OutputSink receives projector output events. Publication is best-effort.
type OutputSink interface {
	PublishOutput(ctx context.Context, events []cloudevents.Event) error
}

// EventBus is a full bus implementation.
type EventBus interface {
	Publisher
	Subscriber
	OutputSink

	// Errors returns a channel where asynchronous handling errors are sent.
	Errors() <-chan error

	// Close stops every subscription and waits for in-flight handlers.
	Close() error
}
