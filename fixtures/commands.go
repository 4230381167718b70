package fixtures

import (
	"github.com/google/uuid"
	"github.com/terraskye/cqrs"
)

// Order domain commands.

type CreateOrder struct {
	Customer string `json:"customer"`
}

func (CreateOrder) TypeName() string { return "CreateOrder" }

type AddItem struct {
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
}

func (AddItem) TypeName() string { return "AddItem" }

type CompleteOrder struct{}

func (CompleteOrder) TypeName() string { return "CompleteOrder" }

type CancelOrder struct {
	Reason string `json:"reason"`
}

func (CancelOrder) TypeName() string { return "CancelOrder" }

// Fulfillment domain commands.

type CreateShipment struct {
	Order uuid.UUID `json:"order"`
	Items []string  `json:"items"`
}

func (CreateShipment) TypeName() string { return "CreateShipment" }

// CommandBuilder provides a fluent API for constructing command books.
type CommandBuilder struct {
	cover cqrs.Cover
	pages []cqrs.CommandPage
	async bool
}

// NewCommand starts a synchronous command book for cover.
func NewCommand(cover cqrs.Cover) *CommandBuilder {
	return &CommandBuilder{cover: cover}
}

// Async marks every page fire-and-forget.
func (b *CommandBuilder) Async() *CommandBuilder {
	b.async = true
	return b
}

// With appends a command page without a concurrency target.
func (b *CommandBuilder) With(msg cqrs.Message) *CommandBuilder {
	b.pages = append(b.pages, cqrs.CommandPage{Command: MustPack(msg)})
	return b
}

// At appends a command page expecting the stream to have length sequence.
func (b *CommandBuilder) At(sequence uint32, msg cqrs.Message) *CommandBuilder {
	b.pages = append(b.pages, cqrs.CommandPage{Sequence: cqrs.At(sequence), Command: MustPack(msg)})
	return b
}

// Build constructs the CommandBook.
func (b *CommandBuilder) Build() cqrs.CommandBook {
	pages := make([]cqrs.CommandPage, len(b.pages))
	for i, page := range b.pages {
		page.Synchronous = !b.async
		pages[i] = page
	}
	return cqrs.CommandBook{Cover: b.cover, Pages: pages}
}
