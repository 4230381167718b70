package fixtures

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/terraskye/cqrs"
	"google.golang.org/protobuf/types/known/anypb"
)

// Order domain events.

type OrderCreated struct {
	Customer string `json:"customer"`
}

func (OrderCreated) TypeName() string { return "OrderCreated" }

type ItemAdded struct {
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
}

func (ItemAdded) TypeName() string { return "ItemAdded" }

type OrderCompleted struct {
	Customer string   `json:"customer"`
	Items    []string `json:"items"`
}

func (OrderCompleted) TypeName() string { return "OrderCompleted" }

type OrderCancelled struct {
	Reason string `json:"reason"`
}

func (OrderCancelled) TypeName() string { return "OrderCancelled" }

// Fulfillment domain events.

type ShipmentCreated struct {
	Order uuid.UUID `json:"order"`
	Items []string  `json:"items"`
}

func (ShipmentCreated) TypeName() string { return "ShipmentCreated" }

// ShipmentNoted annotates a shipment stream without changing what ships.
type ShipmentNoted struct {
	Note string `json:"note"`
}

func (ShipmentNoted) TypeName() string { return "ShipmentNoted" }

// MustPack packs msg, panicking on failure.
func MustPack(msg cqrs.Message) *anypb.Any {
	payload, err := cqrs.Pack(msg)
	if err != nil {
		panic(err)
	}
	return payload
}

// Epoch is the timestamp of the first page built by Pages.
var Epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// Pages builds pages with consecutive sequences starting at from.
func Pages(from uint32, msgs ...cqrs.Message) []cqrs.EventPage {
	pages := make([]cqrs.EventPage, len(msgs))
	for i, msg := range msgs {
		seq := from + uint32(i)
		pages[i] = cqrs.EventPage{
			Sequence:  seq,
			Event:     MustPack(msg),
			CreatedAt: Epoch.Add(time.Duration(seq) * time.Second),
		}
	}
	return pages
}

// Book builds an EventBook whose pages start at sequence from.
func Book(cover cqrs.Cover, from uint32, msgs ...cqrs.Message) cqrs.EventBook {
	return cqrs.EventBook{Cover: cover.Normalize(), Pages: Pages(from, msgs...)}
}

// OrderCover returns the cover of a new order aggregate.
func OrderCover() cqrs.Cover {
	return cqrs.Cover{Domain: OrderDomain, Root: uuid.New(), Edition: "v1", CorrelationID: "corr-" + uuid.NewString()}
}

// ShipmentCover returns the fulfillment cover derived from an order.
func ShipmentCover(order cqrs.Cover) cqrs.Cover {
	return cqrs.Cover{
		Domain:        FulfillmentDomain,
		Root:          cqrs.DeriveRoot(FulfillmentDomain, order.Root.String()),
		Edition:       order.Edition,
		CorrelationID: order.CorrelationID,
	}
}

// Unknown returns a payload no handler is registered for.
func Unknown(i int) *anypb.Any {
	return cqrs.NewPayload(fmt.Sprintf("Unknown%d", i), nil)
}
