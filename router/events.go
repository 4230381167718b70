package router

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
	"github.com/terraskye/cqrs"
	"google.golang.org/protobuf/types/known/anypb"
)

// PageHandler handles one decoded event page of a book.
type PageHandler func(ctx context.Context, cover cqrs.Cover, page cqrs.EventPage) error

// EventRouter routes the pages of an EventBook to typed handlers.
type EventRouter struct {
	table  *Table[PageHandler]
	logger *logrus.Entry
}

// EventRoute registers one typed handler on an EventRouter.
type EventRoute func(*Builder[PageHandler])

// When creates a route for event type E.
//
// Example:
//
//	r := router.NewEventRouter(logger,
//	    router.When(func(ctx context.Context, cover cqrs.Cover, ev OrderCompleted) error {
//	        return nil
//	    }),
//	)
func When[E cqrs.Message](fn func(ctx context.Context, cover cqrs.Cover, event E) error) EventRoute {
	return func(b *Builder[PageHandler]) {
		b.On(typeNameOf[E](), func(ctx context.Context, cover cqrs.Cover, page cqrs.EventPage) error {
			event, err := decode[E](page.Event)
			if err != nil {
				return err
			}
			return fn(ctx, cover, event)
		})
	}
}

// NewEventRouter builds a router from routes. A nil logger uses the logrus
// standard logger.
//
// Panics if two routes claim the same event type.
func NewEventRouter(logger *logrus.Entry, routes ...EventRoute) *EventRouter {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	b := NewBuilder[PageHandler]()
	for _, route := range routes {
		route(b)
	}
	return &EventRouter{table: b.Build(), logger: logger}
}

// Handles reports whether any page of book has a registered handler.
func (r *EventRouter) Handles(book cqrs.EventBook) bool {
	for _, page := range book.Pages {
		if r.table.Handles(page.TypeName()) {
			return true
		}
	}
	return false
}

// Types returns the routed event type names.
func (r *EventRouter) Types() []string {
	return r.table.Types()
}

// Route dispatches every page in order. Pages of unregistered types are
// ignored; pages that fail to decode are logged and skipped. The first handler
// error stops routing and is returned.
func (r *EventRouter) Route(ctx context.Context, book cqrs.EventBook) error {
	for _, page := range book.Pages {
		if !r.table.Handles(page.TypeName()) {
			continue
		}
		handler, err := r.table.Lookup(page.Event)
		if err != nil {
			return err
		}
		err = handler(cqrs.WithSequence(ctx, page.Sequence), book.Cover, page)
		var decodeErr *cqrs.DecodeError
		if errors.As(err, &decodeErr) {
			decodeErr.Sequence = page.Sequence
			r.logger.WithError(err).WithFields(logrus.Fields{
				"stream":   book.Cover.StreamID(),
				"sequence": page.Sequence,
			}).Warn("skipping undecodable event")
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Decode unpacks a payload into message type M.
func Decode[M cqrs.Message](payload *anypb.Any) (M, error) {
	return decode[M](payload)
}
