package cqrs

import (
	"context"

	cloudevents "github.com/cloudevents/sdk-go/v2/event"
	"google.golang.org/protobuf/types/known/anypb"
)

// CommandHandler accepts a CommandBook and returns the committed events. The
// aggregate coordinator implements it, as does its RPC client; sagas submit
// every command through it and never write to storage directly.
type CommandHandler interface {
	Handle(ctx context.Context, cmd CommandBook) (EventBook, error)
}

// CommandHandlerFunc adapts a function to CommandHandler.
type CommandHandlerFunc func(ctx context.Context, cmd CommandBook) (EventBook, error)

func (f CommandHandlerFunc) Handle(ctx context.Context, cmd CommandBook) (EventBook, error) {
	return f(ctx, cmd)
}

// ContextualCommand is what aggregate business logic receives: the command
// plus the aggregate's history as loaded (snapshot and subsequent events).
type ContextualCommand struct {
	Events  EventBook   `json:"events"`
	Command CommandBook `json:"command"`
}

// Decision is what aggregate business logic returns for an accepted command.
// Snapshot, when set, is the state after applying Events and is cached by the
// coordinator at the resulting sequence.
type Decision struct {
	Events   []*anypb.Any `json:"events,omitempty"`
	Snapshot *anypb.Any   `json:"snapshot,omitempty"`
}

// AggregateLogic is the business logic of one domain: rebuild state from the
// given history, then decide. A refusal is returned as *RejectionError.
type AggregateLogic interface {
	Handle(ctx context.Context, cmd ContextualCommand) (Decision, error)
}

// AggregateLogicFunc adapts a function to AggregateLogic.
type AggregateLogicFunc func(ctx context.Context, cmd ContextualCommand) (Decision, error)

func (f AggregateLogicFunc) Handle(ctx context.Context, cmd ContextualCommand) (Decision, error) {
	return f(ctx, cmd)
}

// SagaReactor is single-step saga logic: source events in, destination
// commands out, with no destination state lookup.
type SagaReactor interface {
	React(ctx context.Context, source EventBook) ([]CommandBook, error)
}

// SagaReactorFunc adapts a function to SagaReactor.
type SagaReactorFunc func(ctx context.Context, source EventBook) ([]CommandBook, error)

func (f SagaReactorFunc) React(ctx context.Context, source EventBook) ([]CommandBook, error) {
	return f(ctx, source)
}

// SagaOrchestrator is two-phase saga logic. Prepare names the destination
// streams it needs; an empty result means the source is not relevant.
// Execute receives those streams' current histories and sets each command's
// target sequence from them.
type SagaOrchestrator interface {
	Prepare(ctx context.Context, source EventBook) ([]Cover, error)
	Execute(ctx context.Context, source EventBook, destinations []EventBook) ([]CommandBook, error)
}

// SagaCompensator is the optional compensation path for rejected commands.
type SagaCompensator interface {
	Compensate(ctx context.Context, source EventBook, rejected CommandBook, reason string) ([]CommandBook, error)
}

// ProjectorOutput is what a projector returns. Projection is an optional
// implementation-specific view; Events are republished best-effort.
type ProjectorOutput struct {
	Projection *anypb.Any          `json:"projection,omitempty"`
	Events     []cloudevents.Event `json:"events,omitempty"`
}

// Projector consumes a contiguous event history.
type Projector interface {
	Project(ctx context.Context, book EventBook) (ProjectorOutput, error)
}

// ProjectorFunc adapts a function to Projector.
type ProjectorFunc func(ctx context.Context, book EventBook) (ProjectorOutput, error)

func (f ProjectorFunc) Project(ctx context.Context, book EventBook) (ProjectorOutput, error) {
	return f(ctx, book)
}
