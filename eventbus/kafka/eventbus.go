// Package kafka is an EventBus on Kafka.
//
// Each domain is a topic and books are keyed by stream, so one stream stays
// on one partition and keeps its order. A subscription name is a consumer
// group. Offsets are committed only after the handler succeeded; a failing
// book is retried until it succeeds or the subscription stops.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	cloudevents "github.com/cloudevents/sdk-go/v2/event"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
	"github.com/terraskye/cqrs"
)

const (
	headerContentType   = "content-type"
	headerCorrelationID = "correlation_id"
	bookContentType     = "application/json"
	eventContentType    = "application/cloudevents+json"
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("eventbus is closed")

type subscriber struct {
	name    string
	domain  string
	handler cqrs.EventBookHandler
	reader  *kafka.Reader
	cancel  context.CancelFunc
}

// EventBus is a Kafka-backed cqrs.EventBus.
type EventBus struct {
	brokers []string
	writer  *kafka.Writer

	mu     sync.Mutex
	subs   []*subscriber
	closed bool
	wg     sync.WaitGroup
	errs   chan error

	topicPrefix string
	outputTopic string
	startOffset int64
	maxInterval time.Duration
	logger      *logrus.Entry
}

var _ cqrs.EventBus = (*EventBus)(nil)

// Option configures an EventBus.
type Option func(*EventBus)

// WithTopicPrefix prefixes every domain topic.
func WithTopicPrefix(prefix string) Option {
	return func(b *EventBus) {
		b.topicPrefix = prefix
	}
}

// WithOutputTopic sets the topic projector output is written to.
func WithOutputTopic(topic string) Option {
	return func(b *EventBus) {
		b.outputTopic = topic
	}
}

// WithLatestOffset makes new consumer groups start at the end of a topic
// instead of its beginning.
func WithLatestOffset() Option {
	return func(b *EventBus) {
		b.startOffset = kafka.LastOffset
	}
}

// WithMaxRetryInterval caps the wait between redeliveries of a failing book.
func WithMaxRetryInterval(d time.Duration) Option {
	return func(b *EventBus) {
		if d > 0 {
			b.maxInterval = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *logrus.Entry) Option {
	return func(b *EventBus) {
		b.logger = logger
	}
}

// NewEventBus creates a bus on brokers. Connections are opened lazily.
func NewEventBus(brokers []string, opts ...Option) (*EventBus, error) {
	if len(brokers) == 0 {
		return nil, errors.New("at least one kafka broker is required")
	}
	b := &EventBus{
		brokers:     brokers,
		errs:        make(chan error, 64),
		topicPrefix: "cqrs.",
		outputTopic: "cqrs.output",
		startOffset: kafka.FirstOffset,
		maxInterval: 30 * time.Second,
		logger:      logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.writer = &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return b, nil
}

func (b *EventBus) topic(domain string) string {
	return b.topicPrefix + domain
}

// Publish writes book to its domain topic keyed by stream.
func (b *EventBus) Publish(ctx context.Context, book cqrs.EventBook) error {
	if b.isClosed() {
		return ErrClosed
	}
	msg, err := bookMessage(b.topic(book.Cover.Domain), book)
	if err != nil {
		return err
	}
	return cqrs.WrapTransport("kafka publish", b.writer.WriteMessages(ctx, msg))
}

// PublishOutput writes each event in structured mode, keyed by its ID.
func (b *EventBus) PublishOutput(ctx context.Context, events []cloudevents.Event) error {
	if b.isClosed() {
		return ErrClosed
	}
	if len(events) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, len(events))
	for i, ev := range events {
		msg, err := eventMessage(b.outputTopic, ev)
		if err != nil {
			return err
		}
		msgs[i] = msg
	}
	return cqrs.WrapTransport("kafka publish output", b.writer.WriteMessages(ctx, msgs...))
}

// Subscribe joins consumer group name on the domain topic.
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

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     b.brokers,
		GroupID:     name,
		Topic:       b.topic(domain),
		StartOffset: b.startOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
	})
	workerCtx, cancel := context.WithCancel(ctx)
	s := &subscriber{name: name, domain: domain, handler: handler, reader: reader, cancel: cancel}
	b.subs = append(b.subs, s)

	b.wg.Add(1)
	go b.runSubscriber(workerCtx, s)
	return nil
}

func (b *EventBus) runSubscriber(ctx context.Context, s *subscriber) {
	defer b.wg.Done()
	defer s.reader.Close()

	log := b.logger.WithFields(logrus.Fields{"handler": s.name, "topic": b.topic(s.domain)})

	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.report(cqrs.WrapTransport("kafka fetch", err))
			if !sleep(ctx, time.Second) {
				return
			}
			continue
		}

		book, err := decodeMessage(msg)
		if err != nil {
			log.WithError(err).WithField("offset", msg.Offset).Error("skipping undecodable book")
			b.report(err)
		} else if err := b.deliver(ctx, s, book, log); err != nil {
			// Only cancellation ends delivery; leave the offset uncommitted
			return
		}

		if err := s.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			log.WithError(err).WithField("offset", msg.Offset).Warn("failed to commit offset")
			b.report(cqrs.WrapTransport("kafka commit", err))
		}
	}
}

// deliver retries the handler until it succeeds or ctx ends.
func (b *EventBus) deliver(ctx context.Context, s *subscriber, book cqrs.EventBook, log *logrus.Entry) error {
	policy := backoff.NewExponentialBackOff()
	policy.MaxInterval = b.maxInterval
	policy.MaxElapsedTime = 0

	return backoff.RetryNotify(func() error {
		return s.handler(ctx, book)
	}, backoff.WithContext(policy, ctx), func(err error, wait time.Duration) {
		log.WithError(err).WithFields(logrus.Fields{"stream": book.Cover.StreamID(), "retry_in": wait}).Warn("delivery failed")
		b.report(fmt.Errorf("handler %q: stream %s: %w", s.name, book.Cover.StreamID(), err))
	})
}

func (b *EventBus) Errors() <-chan error {
	return b.errs
}

// Close stops every consumer and flushes the writer.
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
	close(b.errs)
	return b.writer.Close()
}

func (b *EventBus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *EventBus) report(err error) {
	select {
	case b.errs <- err:
	default:
	}
}

func bookMessage(topic string, book cqrs.EventBook) (kafka.Message, error) {
	value, err := json.Marshal(book)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode book: %w", err)
	}
	return kafka.Message{
		Topic: topic,
		Key:   []byte(book.Cover.StreamID()),
		Value: value,
		Headers: []kafka.Header{
			{Key: headerContentType, Value: []byte(bookContentType)},
			{Key: headerCorrelationID, Value: []byte(book.Cover.CorrelationID)},
		},
	}, nil
}

func decodeMessage(msg kafka.Message) (cqrs.EventBook, error) {
	for _, h := range msg.Headers {
		if h.Key == headerContentType && string(h.Value) != bookContentType {
			return cqrs.EventBook{}, &cqrs.DecodeError{Err: fmt.Errorf("unexpected content type %q", h.Value)}
		}
	}
	var book cqrs.EventBook
	if err := json.Unmarshal(msg.Value, &book); err != nil {
		return cqrs.EventBook{}, &cqrs.DecodeError{Err: err}
	}
	return book, nil
}

func eventMessage(topic string, ev cloudevents.Event) (kafka.Message, error) {
	value, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode output %s: %w", ev.ID(), err)
	}
	return kafka.Message{
		Topic:   topic,
		Key:     []byte(ev.ID()),
		Value:   value,
		Headers: []kafka.Header{{Key: headerContentType, Value: []byte(eventContentType)}},
	}, nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
