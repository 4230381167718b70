package fixtures

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	cloudevents "github.com/cloudevents/sdk-go/v2/event"
	"github.com/sirupsen/logrus"
	"github.com/terraskye/cqrs"
	"github.com/terraskye/cqrs/router"
)

const (
	OrderDomain       = "order"
	FulfillmentDomain = "fulfillment"
)

// Order is the state of an order aggregate.
type Order struct {
	Customer  string   `json:"customer"`
	Items     []string `json:"items"`
	Completed bool     `json:"completed"`
	Cancelled bool     `json:"cancelled"`
}

// Exists reports whether the order was created.
func (o Order) Exists() bool { return o.Customer != "" }

// NewOrderLogic returns the order domain's business logic.
func NewOrderLogic(logger *logrus.Entry) *router.Aggregate[Order] {
	return router.NewAggregate(func() Order { return Order{} },
		router.Apply(func(o Order, ev OrderCreated) Order { o.Customer = ev.Customer; return o }),
		router.Apply(func(o Order, ev ItemAdded) Order { o.Items = append(o.Items, ev.SKU); return o }),
		router.Apply(func(o Order, ev OrderCompleted) Order { o.Completed = true; return o }),
		router.Apply(func(o Order, ev OrderCancelled) Order { o.Cancelled = true; return o }),

		router.Handle(func(ctx context.Context, o Order, cmd CreateOrder) ([]cqrs.Message, error) {
			if o.Exists() {
				return nil, cqrs.Reject("order already exists")
			}
			if cmd.Customer == "" {
				return nil, cqrs.Reject("customer is required")
			}
			return []cqrs.Message{OrderCreated{Customer: cmd.Customer}}, nil
		}),
		router.Handle(func(ctx context.Context, o Order, cmd AddItem) ([]cqrs.Message, error) {
			if err := o.open(); err != nil {
				return nil, err
			}
			return []cqrs.Message{ItemAdded{SKU: cmd.SKU, Quantity: cmd.Quantity}}, nil
		}),
		router.Handle(func(ctx context.Context, o Order, cmd CompleteOrder) ([]cqrs.Message, error) {
			if err := o.open(); err != nil {
				return nil, err
			}
			return []cqrs.Message{OrderCompleted{Customer: o.Customer, Items: append([]string(nil), o.Items...)}}, nil
		}),
		router.Handle(func(ctx context.Context, o Order, cmd CancelOrder) ([]cqrs.Message, error) {
			if !o.Exists() {
				return nil, cqrs.Reject("order does not exist")
			}
			if o.Cancelled {
				return nil, cqrs.Reject("order already cancelled")
			}
			return []cqrs.Message{OrderCancelled{Reason: cmd.Reason}}, nil
		}),
		router.WithSnapshots[Order]("OrderState"),
		router.WithLogger[Order](logger),
	)
}

func (o Order) open() error {
	switch {
	case !o.Exists():
		return cqrs.Reject("order does not exist")
	case o.Completed:
		return cqrs.Reject("order already completed")
	case o.Cancelled:
		return cqrs.Reject("order is cancelled")
	}
	return nil
}

// Shipment is the state of a fulfillment aggregate.
type Shipment struct {
	Created bool     `json:"created"`
	Items   []string `json:"items"`
	Notes   []string `json:"notes,omitempty"`
}

// NewFulfillmentLogic returns the fulfillment domain's business logic.
func NewFulfillmentLogic(logger *logrus.Entry) *router.Aggregate[Shipment] {
	return router.NewAggregate(func() Shipment { return Shipment{} },
		router.Apply(func(s Shipment, ev ShipmentCreated) Shipment {
			s.Created = true
			s.Items = ev.Items
			return s
		}),
		router.Apply(func(s Shipment, ev ShipmentNoted) Shipment {
			s.Notes = append(s.Notes, ev.Note)
			return s
		}),
		router.Handle(func(ctx context.Context, s Shipment, cmd CreateShipment) ([]cqrs.Message, error) {
			if s.Created {
				return nil, cqrs.Reject("shipment already exists")
			}
			if len(cmd.Items) == 0 {
				return nil, cqrs.Reject("nothing to ship")
			}
			return []cqrs.Message{ShipmentCreated{Order: cmd.Order, Items: cmd.Items}}, nil
		}),
		router.WithLogger[Shipment](logger),
	)
}

// FulfillmentSaga ships completed orders and cancels the order when the
// shipment is refused. It implements the two-phase orchestrator, the
// single-step reactor, and the compensator.
type FulfillmentSaga struct {
	PrepareCalls atomic.Int32
	ExecuteCalls atomic.Int32
}

var (
	_ cqrs.SagaOrchestrator = (*FulfillmentSaga)(nil)
	_ cqrs.SagaReactor      = (*FulfillmentSaga)(nil)
	_ cqrs.SagaCompensator  = (*FulfillmentSaga)(nil)
)

func completed(source cqrs.EventBook) (OrderCompleted, bool) {
	for _, page := range source.Pages {
		if page.TypeName() != (OrderCompleted{}).TypeName() {
			continue
		}
		ev, err := router.Decode[OrderCompleted](page.Event)
		if err == nil {
			return ev, true
		}
	}
	return OrderCompleted{}, false
}

func (s *FulfillmentSaga) Prepare(ctx context.Context, source cqrs.EventBook) ([]cqrs.Cover, error) {
	s.PrepareCalls.Add(1)
	if _, ok := completed(source); !ok {
		return nil, nil
	}
	return []cqrs.Cover{ShipmentCover(source.Cover)}, nil
}

func (s *FulfillmentSaga) Execute(ctx context.Context, source cqrs.EventBook, destinations []cqrs.EventBook) ([]cqrs.CommandBook, error) {
	s.ExecuteCalls.Add(1)
	ev, ok := completed(source)
	if !ok {
		return nil, nil
	}
	out := make([]cqrs.CommandBook, 0, len(destinations))
	for _, dest := range destinations {
		out = append(out, NewCommand(dest.Cover).
			At(dest.NextSequence(), CreateShipment{Order: source.Cover.Root, Items: ev.Items}).
			Build())
	}
	return out, nil
}

func (s *FulfillmentSaga) React(ctx context.Context, source cqrs.EventBook) ([]cqrs.CommandBook, error) {
	ev, ok := completed(source)
	if !ok {
		return nil, nil
	}
	return []cqrs.CommandBook{
		NewCommand(ShipmentCover(source.Cover)).With(CreateShipment{Order: source.Cover.Root, Items: ev.Items}).Build(),
	}, nil
}

func (s *FulfillmentSaga) Compensate(ctx context.Context, source cqrs.EventBook, rejected cqrs.CommandBook, reason string) ([]cqrs.CommandBook, error) {
	return []cqrs.CommandBook{
		NewCommand(source.Cover).With(CancelOrder{Reason: "fulfillment: " + reason}).Build(),
	}, nil
}

// OrderSummary is the view built by OrderProjector.
type OrderSummary struct {
	Items  int    `json:"items"`
	Status string `json:"status"`
}

func (OrderSummary) TypeName() string { return "OrderSummary" }

// OrderProjector builds an OrderSummary per order and announces completed
// orders as CloudEvents. It records every book it receives.
type OrderProjector struct {
	mu    sync.Mutex
	Books []cqrs.EventBook
	views map[string]OrderSummary
}

var _ cqrs.Projector = (*OrderProjector)(nil)

func NewOrderProjector() *OrderProjector {
	return &OrderProjector{views: make(map[string]OrderSummary)}
}

func (p *OrderProjector) Project(ctx context.Context, book cqrs.EventBook) (cqrs.ProjectorOutput, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.Books = append(p.Books, book)
	view := p.views[book.Cover.StreamID()]

	var out cqrs.ProjectorOutput
	for _, page := range book.Pages {
		switch page.TypeName() {
		case (OrderCreated{}).TypeName():
			view.Status = "open"
		case (ItemAdded{}).TypeName():
			view.Items++
		case (OrderCancelled{}).TypeName():
			view.Status = "cancelled"
		case (OrderCompleted{}).TypeName():
			view.Status = "completed"
			ce := cloudevents.New()
			ce.SetID(fmt.Sprintf("%s/%d", book.Cover.StreamID(), page.Sequence))
			ce.SetSource("/" + book.Cover.Domain)
			ce.SetType("com.example.order.completed")
			ce.SetSubject(book.Cover.Root.String())
			ce.SetTime(page.CreatedAt)
			if err := ce.SetData(cloudevents.ApplicationJSON, view); err != nil {
				return cqrs.ProjectorOutput{}, err
			}
			out.Events = append(out.Events, ce)
		}
	}
	p.views[book.Cover.StreamID()] = view

	projection, err := cqrs.Pack(view)
	if err != nil {
		return cqrs.ProjectorOutput{}, err
	}
	out.Projection = projection
	return out, nil
}

// View returns the summary of a stream.
func (p *OrderProjector) View(cover cqrs.Cover) OrderSummary {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.views[cover.StreamID()]
}

// Sequences flattens the sequences of every received book.
func (p *OrderProjector) Sequences() []uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []uint32
	for _, book := range p.Books {
		for _, page := range book.Pages {
			out = append(out, page.Sequence)
		}
	}
	return out
}

// SnapshotOf decodes an OrderState snapshot.
func SnapshotOf(snap *cqrs.Snapshot) (Order, error) {
	var o Order
	if snap == nil {
		return o, fmt.Errorf("no snapshot")
	}
	err := json.Unmarshal(snap.State.GetValue(), &o)
	return o, err
}
