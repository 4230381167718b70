// Package projector implements the projector dispatcher. It hands each
// projector a contiguous event history, repairing gaps left by the bus from
// storage, and republishes projector output best-effort.
package projector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/terraskye/cqrs"
)

// ErrIncompleteHistory is returned when storage cannot fill a gap.
var ErrIncompleteHistory = errors.New("incomplete event history")

// Dispatcher delivers one domain's books to one named projector.
type Dispatcher struct {
	name      string
	domain    string
	projector cqrs.Projector
	storage   cqrs.Storage
	cfg       options
}

// NewDispatcher creates a dispatcher. name identifies the projector in the
// position store and is the consumer group on the bus.
func NewDispatcher(name, domain string, projector cqrs.Projector, storage cqrs.Storage, opts ...Option) (*Dispatcher, error) {
	if name == "" {
		return nil, errors.New("projector name is required")
	}
	if domain == "" {
		return nil, errors.New("projector source domain is required")
	}
	if projector == nil {
		return nil, fmt.Errorf("projector %s has no logic", name)
	}

	cfg := defaultOptions()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Dispatcher{name: name, domain: domain, projector: projector, storage: storage, cfg: cfg}, nil
}

// Name returns the projector name.
func (d *Dispatcher) Name() string { return d.name }

// Subscribe delivers the domain's books to Handle.
func (d *Dispatcher) Subscribe(ctx context.Context, sub cqrs.Subscriber) error {
	return sub.Subscribe(ctx, d.name, d.domain, func(ctx context.Context, book cqrs.EventBook) error {
		_, err := d.Handle(ctx, book)
		return err
	})
}

// Handle projects one delivered book.
//
// Pages at or below the stored position are dropped. When the remainder does
// not continue the position without gaps, the missing range is loaded from
// storage first. The position advances only after the projector succeeded.
func (d *Dispatcher) Handle(ctx context.Context, book cqrs.EventBook) (cqrs.ProjectorOutput, error) {
	cover := book.Cover.Normalize()
	if err := cover.Validate(); err != nil {
		return cqrs.ProjectorOutput{}, err
	}
	book.Cover = cover
	if cover.Domain != d.domain {
		return cqrs.ProjectorOutput{}, nil
	}
	log := d.logEntry(cover)

	position, found, err := d.storage.GetPosition(ctx, d.name, cover)
	if err != nil {
		return cqrs.ProjectorOutput{}, cqrs.WrapTransport("get position", err)
	}
	var next uint32
	if found {
		next = position + 1
		book = book.After(position)
	}
	last, ok := book.LastSequence()
	if !ok {
		log.WithField("position", position).Debug("book already projected")
		return cqrs.ProjectorOutput{}, nil
	}

	if !book.Contiguous(next) {
		first, _ := book.FirstSequence()
		log.WithFields(logrus.Fields{"from": next, "first": first}).Debug("repairing event history")
		book, err = d.repair(ctx, cover, next, last)
		if err != nil {
			return cqrs.ProjectorOutput{}, err
		}
	}

	projectCtx, cancel := context.WithTimeout(cqrs.WithHandler(cqrs.WithCover(ctx, cover), d.name), d.cfg.timeout)
	out, err := d.projector.Project(projectCtx, book)
	cancel()
	if err != nil {
		return cqrs.ProjectorOutput{}, cqrs.WrapTransport("project", err)
	}

	if err := d.storage.SetPosition(ctx, d.name, cover, last); err != nil {
		return out, cqrs.WrapTransport("set position", err)
	}

	if d.cfg.sink != nil && len(out.Events) > 0 {
		if err := d.cfg.sink.PublishOutput(context.WithoutCancel(ctx), out.Events); err != nil {
			log.WithError(err).WithField("events", len(out.Events)).Warn("failed to publish projector output")
		}
	}
	return out, nil
}

// repair loads pages from through last from storage.
func (d *Dispatcher) repair(ctx context.Context, cover cqrs.Cover, from, last uint32) (cqrs.EventBook, error) {
	loaded, err := d.storage.Load(ctx, cover, from)
	if err != nil {
		return cqrs.EventBook{}, cqrs.WrapTransport("repair load", err)
	}

	repaired := cqrs.EventBook{Cover: cover}
	for _, page := range loaded.Pages {
		if page.Sequence > last {
			break
		}
		repaired.Pages = append(repaired.Pages, page)
	}
	if end, ok := repaired.LastSequence(); !ok || end != last || !repaired.Contiguous(from) {
		return cqrs.EventBook{}, &cqrs.TransportError{
			Op:  "repair load",
			Err: fmt.Errorf("%w: stream %s from %d through %d", ErrIncompleteHistory, cover.StreamID(), from, last),
		}
	}
	return repaired, nil
}

func (d *Dispatcher) logEntry(cover cqrs.Cover) *logrus.Entry {
	return d.cfg.logger.WithFields(logrus.Fields{
		"handler":        d.name,
		"domain":         cover.Domain,
		"root":           cover.Root.String(),
		"edition":        cover.Edition,
		"correlation_id": cover.CorrelationID,
	})
}

type options struct {
	sink    cqrs.OutputSink
	logger  *logrus.Entry
	timeout time.Duration
}

func defaultOptions() options {
	return options{
		logger:  logrus.NewEntry(logrus.StandardLogger()),
		timeout: 5 * time.Second,
	}
}

// Option configures a Dispatcher.
type Option func(*options)

// WithOutputSink republishes projector output events.
func WithOutputSink(sink cqrs.OutputSink) Option {
	return func(o *options) {
		o.sink = sink
	}
}

// WithLogger sets the logger.
func WithLogger(logger *logrus.Entry) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithTimeout bounds every projector call.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}
