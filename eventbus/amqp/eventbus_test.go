package amqp

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2/event"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/terraskye/cqrs"
	"github.com/terraskye/cqrs/fixtures"
)

func TestBookPublishing(t *testing.T) {
	cover := fixtures.OrderCover()
	book := fixtures.Book(cover, 3, fixtures.ItemAdded{SKU: "a", Quantity: 1}, fixtures.OrderCompleted{Customer: "ann"})

	msg, err := bookPublishing(book)
	if err != nil {
		t.Fatalf("bookPublishing() error = %v", err)
	}
	if msg.DeliveryMode != amqp.Persistent {
		t.Errorf("DeliveryMode = %d, want persistent", msg.DeliveryMode)
	}
	if msg.CorrelationId != cover.CorrelationID {
		t.Errorf("CorrelationId = %q, want %q", msg.CorrelationId, cover.CorrelationID)
	}
	if want := cover.StreamID() + "/3-4"; msg.MessageId != want {
		t.Errorf("MessageId = %q, want %q", msg.MessageId, want)
	}

	got, err := decodeDelivery(amqp.Delivery{ContentType: msg.ContentType, Body: msg.Body})
	if err != nil {
		t.Fatalf("decodeDelivery() error = %v", err)
	}
	if got.Cover != cover || len(got.Pages) != 2 || got.Pages[1].Sequence != 4 {
		t.Fatalf("unexpected book %+v", got)
	}
	var completed fixtures.OrderCompleted
	if err := cqrs.Unpack(got.Pages[1].Event, &completed); err != nil || completed.Customer != "ann" {
		t.Fatalf("payload lost: %+v, %v", completed, err)
	}
}

func TestDecodeDelivery_Rejects(t *testing.T) {
	tests := []struct {
		name     string
		delivery amqp.Delivery
	}{
		{"foreign content type", amqp.Delivery{ContentType: "text/plain", Body: []byte("{}")}},
		{"malformed body", amqp.Delivery{ContentType: bookContentType, Body: []byte("{")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := decodeDelivery(tt.delivery); !errors.Is(err, cqrs.ErrDecode) {
				t.Fatalf("expected decode error, got %v", err)
			}
		})
	}
}

func TestEventPublishing(t *testing.T) {
	ev := cloudevents.New()
	ev.SetID("order/4")
	ev.SetType("com.example.order.completed")
	ev.SetSource("/order")

	msg, err := eventPublishing(ev)
	if err != nil {
		t.Fatalf("eventPublishing() error = %v", err)
	}
	if msg.ContentType != eventContentType || msg.MessageId != "order/4" || msg.Type != "com.example.order.completed" {
		t.Fatalf("unexpected publishing %+v", msg)
	}
}

func TestEventBus_RoundTrip(t *testing.T) {
	url := os.Getenv("CQRS_TEST_AMQP_URL")
	if url == "" {
		t.Skip("CQRS_TEST_AMQP_URL not set")
	}
	suffix := uuid.NewString()[:8]
	bus, err := Dial(url,
		WithExchange("cqrs.test."+suffix),
		WithOutputExchange("cqrs.test.output."+suffix),
		WithRedeliveryDelay(10*time.Millisecond))
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer bus.Close()

	got := make(chan cqrs.EventBook, 4)
	failedOnce := false
	handler := func(ctx context.Context, book cqrs.EventBook) error {
		if !failedOnce {
			failedOnce = true
			return errors.New("first attempt fails")
		}
		got <- book
		return nil
	}
	if err := bus.Subscribe(t.Context(), "summary-"+suffix, fixtures.OrderDomain, handler); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	cover := fixtures.OrderCover()
	if err := bus.Publish(t.Context(), fixtures.Book(fixtures.ShipmentCover(cover), 0, fixtures.ShipmentCreated{})); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if err := bus.Publish(t.Context(), fixtures.Book(cover, 0, fixtures.OrderCreated{Customer: "ann"})); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case book := <-got:
		if book.Cover != cover {
			t.Fatalf("unexpected book %+v", book)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("book was not redelivered")
	}
}
