// Package amqp is an EventBus on AMQP 0.9.1 brokers such as RabbitMQ.
//
// Books go to a durable topic exchange routed by domain. Every subscription
// name is a durable queue bound to its domain, so consumers sharing a name
// compete for its books. Deliveries are acknowledged after the handler
// succeeded; failures are requeued after a delay.
package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2/event"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
	"github.com/terraskye/cqrs"
)

const (
	bookContentType  = "application/json"
	eventContentType = "application/cloudevents+json"
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("eventbus is closed")

type subscriber struct {
	name    string
	domain  string
	handler cqrs.EventBookHandler
	ch      *amqp.Channel
	cancel  context.CancelFunc
}

// EventBus is an AMQP-backed cqrs.EventBus.
type EventBus struct {
	conn *amqp.Connection

	pubMu sync.Mutex
	pub   *amqp.Channel

	mu     sync.Mutex
	subs   []*subscriber
	closed bool
	wg     sync.WaitGroup
	errs   chan error

	exchange        string
	outputExchange  string
	prefetch        int
	redeliveryDelay time.Duration
	logger          *logrus.Entry
}

var _ cqrs.EventBus = (*EventBus)(nil)

// Option configures an EventBus.
type Option func(*EventBus)

// WithExchange sets the topic exchange books are published to.
func WithExchange(name string) Option {
	return func(b *EventBus) {
		b.exchange = name
	}
}

// WithOutputExchange sets the topic exchange projector output is published
// to, routed by cloudevent type.
func WithOutputExchange(name string) Option {
	return func(b *EventBus) {
		b.outputExchange = name
	}
}

// WithPrefetch bounds unacknowledged deliveries per consumer.
func WithPrefetch(n int) Option {
	return func(b *EventBus) {
		if n > 0 {
			b.prefetch = n
		}
	}
}

// WithRedeliveryDelay sets how long a failed delivery waits before it is
// returned to its queue.
func WithRedeliveryDelay(d time.Duration) Option {
	return func(b *EventBus) {
		b.redeliveryDelay = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *logrus.Entry) Option {
	return func(b *EventBus) {
		b.logger = logger
	}
}

// Dial connects to url and declares the exchanges.
func Dial(url string, opts ...Option) (*EventBus, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, cqrs.WrapTransport("amqp dial", err)
	}
	b, err := New(conn, opts...)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return b, nil
}

// New builds a bus on an open connection. The bus owns conn from now on.
func New(conn *amqp.Connection, opts ...Option) (*EventBus, error) {
	b := &EventBus{
		conn:            conn,
		errs:            make(chan error, 64),
		exchange:        "cqrs.events",
		outputExchange:  "cqrs.output",
		prefetch:        16,
		redeliveryDelay: time.Second,
		logger:          logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(b)
	}

	pub, err := conn.Channel()
	if err != nil {
		return nil, cqrs.WrapTransport("amqp channel", err)
	}
	for _, name := range []string{b.exchange, b.outputExchange} {
		if err := pub.ExchangeDeclare(name, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
			pub.Close()
			return nil, cqrs.WrapTransport("amqp declare exchange", err)
		}
	}
	if err := pub.Confirm(false); err != nil {
		pub.Close()
		return nil, cqrs.WrapTransport("amqp confirm mode", err)
	}
	b.pub = pub
	return b, nil
}

// Publish sends book and waits for the broker to confirm it.
func (b *EventBus) Publish(ctx context.Context, book cqrs.EventBook) error {
	msg, err := bookPublishing(book)
	if err != nil {
		return err
	}
	return b.publish(ctx, b.exchange, book.Cover.Domain, msg)
}

// PublishOutput sends each event in structured mode, routed by its type.
func (b *EventBus) PublishOutput(ctx context.Context, events []cloudevents.Event) error {
	for _, ev := range events {
		msg, err := eventPublishing(ev)
		if err != nil {
			return err
		}
		if err := b.publish(ctx, b.outputExchange, ev.Type(), msg); err != nil {
			return err
		}
	}
	return nil
}

func (b *EventBus) publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	if b.pub == nil {
		return ErrClosed
	}

	confirm, err := b.pub.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, msg)
	if err != nil {
		return cqrs.WrapTransport("amqp publish", err)
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return cqrs.WrapTransport("amqp publish confirm", err)
	}
	if !acked {
		return &cqrs.TransportError{Op: "amqp publish", Err: errors.New("broker refused message")}
	}
	return nil
}

// Subscribe declares queue name, binds it to domain and starts a consumer.
func (b *EventBus) Subscribe(ctx context.Context, name, domain string, handler cqrs.EventBookHandler) error {
	if handler == nil {
		return errors.New("handler cannot be nil")
	}
	if name == "" || domain == "" {
		return errors.New("name and domain are required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	ch, err := b.conn.Channel()
	if err != nil {
		return cqrs.WrapTransport("amqp channel", err)
	}
	deliveries, err := b.consume(ch, name, domain)
	if err != nil {
		ch.Close()
		return err
	}

	workerCtx, cancel := context.WithCancel(ctx)
	s := &subscriber{name: name, domain: domain, handler: handler, ch: ch, cancel: cancel}
	b.subs = append(b.subs, s)

	b.wg.Add(1)
	go b.runSubscriber(workerCtx, s, deliveries)
	return nil
}

func (b *EventBus) consume(ch *amqp.Channel, name, domain string) (<-chan amqp.Delivery, error) {
	if err := ch.Qos(b.prefetch, 0, false); err != nil {
		return nil, cqrs.WrapTransport("amqp qos", err)
	}
	q, err := ch.QueueDeclare(name, true, false, false, false, nil)
	if err != nil {
		return nil, cqrs.WrapTransport("amqp declare queue", err)
	}
	if err := ch.QueueBind(q.Name, domain, b.exchange, false, nil); err != nil {
		return nil, cqrs.WrapTransport("amqp bind queue", err)
	}
	deliveries, err := ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return nil, cqrs.WrapTransport("amqp consume", err)
	}
	return deliveries, nil
}

func (b *EventBus) runSubscriber(ctx context.Context, s *subscriber, deliveries <-chan amqp.Delivery) {
	defer b.wg.Done()
	defer s.ch.Close()

	log := b.logger.WithFields(logrus.Fields{"handler": s.name, "domain": s.domain})

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() == nil {
					b.report(&cqrs.TransportError{Op: "amqp consume", Err: fmt.Errorf("subscriber %q: delivery channel closed", s.name)})
				}
				return
			}
			b.handleDelivery(ctx, s, d, log)
		}
	}
}

func (b *EventBus) handleDelivery(ctx context.Context, s *subscriber, d amqp.Delivery, log *logrus.Entry) {
	book, err := decodeDelivery(d)
	if err != nil {
		log.WithError(err).WithField("message_id", d.MessageId).Error("rejecting undecodable book")
		b.report(err)
		_ = d.Nack(false, false)
		return
	}

	if err := s.handler(ctx, book); err != nil {
		log.WithError(err).WithField("stream", book.Cover.StreamID()).Debug("delivery failed, requeueing")
		b.report(fmt.Errorf("handler %q: stream %s: %w", s.name, book.Cover.StreamID(), err))
		select {
		case <-ctx.Done():
		case <-time.After(b.redeliveryDelay):
		}
		_ = d.Nack(false, true)
		return
	}
	if err := d.Ack(false); err != nil {
		log.WithError(err).Warn("failed to acknowledge delivery")
	}
}

func (b *EventBus) Errors() <-chan error {
	return b.errs
}

// Close stops every consumer and closes the connection.
func (b *EventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, s := range b.subs {
		s.cancel()
	}
	b.subs = nil
	b.mu.Unlock()

	b.wg.Wait()

	b.pubMu.Lock()
	if b.pub != nil {
		b.pub.Close()
		b.pub = nil
	}
	b.pubMu.Unlock()

	close(b.errs)
	return b.conn.Close()
}

func (b *EventBus) report(err error) {
	select {
	case b.errs <- err:
	default:
	}
}

func bookPublishing(book cqrs.EventBook) (amqp.Publishing, error) {
	body, err := json.Marshal(book)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("encode book: %w", err)
	}
	msg := amqp.Publishing{
		ContentType:   bookContentType,
		DeliveryMode:  amqp.Persistent,
		Timestamp:     time.Now().UTC(),
		CorrelationId: book.Cover.CorrelationID,
		Type:          book.Cover.Domain,
		Body:          body,
	}
	if first, ok := book.FirstSequence(); ok {
		last, _ := book.LastSequence()
		msg.MessageId = fmt.Sprintf("%s/%d-%d", book.Cover.StreamID(), first, last)
	}
	return msg, nil
}

func decodeDelivery(d amqp.Delivery) (cqrs.EventBook, error) {
	if d.ContentType != "" && d.ContentType != bookContentType {
		return cqrs.EventBook{}, &cqrs.DecodeError{Err: fmt.Errorf("unexpected content type %q", d.ContentType)}
	}
	var book cqrs.EventBook
	if err := json.Unmarshal(d.Body, &book); err != nil {
		return cqrs.EventBook{}, &cqrs.DecodeError{Err: err}
	}
	return book, nil
}

func eventPublishing(ev cloudevents.Event) (amqp.Publishing, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("encode output %s: %w", ev.ID(), err)
	}
	return amqp.Publishing{
		ContentType:  eventContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.ID(),
		Type:         ev.Type(),
		Timestamp:    ev.Time(),
		Body:         body,
	}, nil
}
