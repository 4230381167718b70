// Package saga implements the saga coordinator: it reacts to a source
// domain's events by submitting commands to other domains through a
// cqrs.CommandHandler, never by writing to storage.
//
// Processing is idempotent per handler and stream. The coordinator skips
// pages at or below the stored position and advances the position only after
// every resulting command was submitted.
package saga

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"github.com/terraskye/cqrs"
	"google.golang.org/protobuf/proto"
)

// Response reports what one Handle call did.
type Response struct {
	// Commands were accepted by their domains.
	Commands []cqrs.CommandBook
	// Compensations were accepted after a command was refused.
	Compensations []cqrs.CommandBook
	// Skipped is set when every page was already processed or the book
	// belongs to another domain.
	Skipped bool
}

// Coordinator runs one named saga over one source domain.
type Coordinator struct {
	name     string
	domain   string
	strategy Strategy
	storage  cqrs.Storage
	commands cqrs.CommandHandler
	cfg      options
}

// NewCoordinator creates a saga coordinator. name identifies the saga in the
// position store and is the consumer group on the bus.
func NewCoordinator(name, domain string, strategy Strategy, storage cqrs.Storage, commands cqrs.CommandHandler, opts ...Option) (*Coordinator, error) {
	if name == "" {
		return nil, errors.New("saga name is required")
	}
	if domain == "" {
		return nil, errors.New("saga source domain is required")
	}
	if !strategy.valid() {
		return nil, fmt.Errorf("saga %s: %s strategy has no logic", name, strategy.mode)
	}

	cfg := defaultOptions()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Coordinator{
		name:     name,
		domain:   domain,
		strategy: strategy,
		storage:  storage,
		commands: commands,
		cfg:      cfg,
	}, nil
}

// Name returns the saga name.
func (c *Coordinator) Name() string { return c.name }

// Subscribe delivers the source domain's books to Handle.
func (c *Coordinator) Subscribe(ctx context.Context, sub cqrs.Subscriber) error {
	return sub.Subscribe(ctx, c.name, c.domain, func(ctx context.Context, book cqrs.EventBook) error {
		_, err := c.Handle(ctx, book)
		return err
	})
}

// Handle processes one delivered source book.
//
// A returned error means the delivery must be retried: the position did not
// advance. Rejected commands are not errors; they go to the compensator. A
// concurrency conflict reloads the destinations and plans again, up to the
// replan budget.
func (c *Coordinator) Handle(ctx context.Context, source cqrs.EventBook) (Response, error) {
	cover := source.Cover.Normalize()
	if err := cover.Validate(); err != nil {
		return Response{}, err
	}
	source.Cover = cover
	if cover.Domain != c.domain {
		return Response{Skipped: true}, nil
	}
	log := c.logEntry(cover)

	position, found, err := c.storage.GetPosition(ctx, c.name, cover)
	if err != nil {
		return Response{}, cqrs.WrapTransport("get position", err)
	}
	if found {
		source = source.After(position)
	}
	last, ok := source.LastSequence()
	if !ok {
		log.WithField("position", position).Debug("source already processed")
		return Response{Skipped: true}, nil
	}

	ctx = cqrs.WithHandler(cqrs.WithCover(ctx, cover), c.name)
	var (
		resp    Response
		handled []cqrs.CommandBook
	)
	for replans := 0; ; replans++ {
		commands, err := c.plan(ctx, source)
		if err != nil {
			if redeliver(ctx, err) {
				return resp, err
			}
			log.WithError(err).Error("saga logic failed, skipping source")
			break
		}

		err = c.dispatch(ctx, log, source, commands, &resp, &handled)
		if err == nil {
			break
		}
		if !errors.Is(err, cqrs.ErrConcurrencyConflict) || ctx.Err() != nil {
			return resp, err
		}
		if replans >= c.cfg.conflictReplans {
			log.WithError(err).WithField("replans", replans).Warn("saga conflict budget spent, awaiting redelivery")
			return resp, err
		}
		log.WithError(err).Debug("destination moved, replanning")
	}

	if err := c.storage.SetPosition(ctx, c.name, cover, last); err != nil {
		return resp, cqrs.WrapTransport("set position", err)
	}
	return resp, nil
}

// dispatch submits commands in order, skipping those already handled by an
// earlier plan of the same source. It stops at the first concurrency
// conflict and returns it so the caller can replan against fresh state.
// Any other returned error keeps the source for redelivery.
func (c *Coordinator) dispatch(ctx context.Context, log *logrus.Entry, source cqrs.EventBook, commands []cqrs.CommandBook, resp *Response, handled *[]cqrs.CommandBook) error {
	earlier := slices.Clone(*handled)
	for _, cmd := range commands {
		cmd.Cover = cmd.Cover.Normalize()
		if cmd.Cover.CorrelationID == "" {
			cmd.Cover.CorrelationID = source.Cover.CorrelationID
		}
		if i := indexOf(earlier, cmd); i >= 0 {
			earlier = slices.Delete(earlier, i, i+1)
			continue
		}

		err := c.submit(ctx, cmd)
		switch outcome := cqrs.Classify(err); {
		case outcome == cqrs.Accepted:
			resp.Commands = append(resp.Commands, cmd)
		case outcome == cqrs.Conflict:
			return err
		case outcome == cqrs.Rejected:
			comps, err := c.compensate(ctx, log, source, cmd, err)
			if err != nil {
				return err
			}
			resp.Compensations = append(resp.Compensations, comps...)
		case redeliver(ctx, err):
			return err
		default:
			log.WithError(err).WithField("target", cmd.Cover.StreamID()).Error("dropping saga command")
		}
		*handled = append(*handled, cmd)
	}
	return nil
}

// compensate runs the compensation path for a rejected command. Refusals of
// compensating commands are logged only.
func (c *Coordinator) compensate(ctx context.Context, log *logrus.Entry, source cqrs.EventBook, rejected cqrs.CommandBook, cause error) ([]cqrs.CommandBook, error) {
	reason := cause.Error()
	var rejection *cqrs.RejectionError
	if errors.As(cause, &rejection) {
		reason = rejection.Reason
	}
	log = log.WithFields(logrus.Fields{"target": rejected.Cover.StreamID(), "reason": reason})

	if c.cfg.compensator == nil {
		log.Warn("saga command refused, no compensation defined")
		return nil, nil
	}
	log.Info("saga command refused, compensating")

	comps, err := invoke(ctx, c.cfg.timeout, func(ctx context.Context) ([]cqrs.CommandBook, error) {
		return c.cfg.compensator.Compensate(ctx, source, rejected, reason)
	})
	if err != nil {
		return nil, err
	}

	var accepted []cqrs.CommandBook
	for _, cmd := range comps {
		cmd.Cover = cmd.Cover.Normalize()
		if cmd.Cover.CorrelationID == "" {
			cmd.Cover.CorrelationID = source.Cover.CorrelationID
		}
		err := c.submit(ctx, cmd)
		switch {
		case err == nil:
			accepted = append(accepted, cmd)
		case redeliver(ctx, err):
			return accepted, err
		default:
			log.WithError(err).WithField("compensation", cmd.Cover.StreamID()).Error("compensating command failed")
		}
	}
	return accepted, nil
}

// redeliver reports whether err leaves the outcome of the source open, so the
// position must stay and the bus deliver the source again. Cancellation
// counts: the command's effect is unknown.
func redeliver(ctx context.Context, err error) bool {
	return cqrs.IsTransient(err) || ctx.Err() != nil || errors.Is(err, context.Canceled)
}

// indexOf returns the position of the first book equal to cmd, or -1. Books
// are equal when they address the same stream with the same payloads in the
// same order. Target sequences are ignored since a replan targets the new
// stream length.
func indexOf(books []cqrs.CommandBook, cmd cqrs.CommandBook) int {
	for i, book := range books {
		if !book.Cover.SameStream(cmd.Cover) || len(book.Pages) != len(cmd.Pages) {
			continue
		}
		same := true
		for i := range book.Pages {
			if !proto.Equal(book.Pages[i].Command, cmd.Pages[i].Command) {
				same = false
				break
			}
		}
		if same {
			return i
		}
	}
	return -1
}

// submit hands cmd to the command handler, retrying transient failures.
func (c *Coordinator) submit(ctx context.Context, cmd cqrs.CommandBook) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.initialInterval
	policy.MaxElapsedTime = c.cfg.maxElapsed

	_, err := backoff.RetryWithData(func() (cqrs.EventBook, error) {
		book, err := c.commands.Handle(ctx, cmd)
		if err != nil && !cqrs.IsTransient(err) {
			return book, backoff.Permanent(err)
		}
		return book, err
	}, backoff.WithContext(policy, ctx))
	return err
}

func (c *Coordinator) logEntry(cover cqrs.Cover) *logrus.Entry {
	return c.cfg.logger.WithFields(logrus.Fields{
		"handler":        c.name,
		"domain":         cover.Domain,
		"root":           cover.Root.String(),
		"edition":        cover.Edition,
		"correlation_id": cover.CorrelationID,
	})
}

type options struct {
	compensator     cqrs.SagaCompensator
	logger          *logrus.Entry
	timeout         time.Duration
	initialInterval time.Duration
	maxElapsed      time.Duration
	conflictReplans int
}

func defaultOptions() options {
	return options{
		logger:          logrus.NewEntry(logrus.StandardLogger()),
		timeout:         5 * time.Second,
		initialInterval: 100 * time.Millisecond,
		maxElapsed:      10 * time.Second,
		conflictReplans: 3,
	}
}

// Option configures a Coordinator.
type Option func(*options)

// WithCompensator sets the compensation path for refused commands.
func WithCompensator(comp cqrs.SagaCompensator) Option {
	return func(o *options) {
		o.compensator = comp
	}
}

// WithLogger sets the logger.
func WithLogger(logger *logrus.Entry) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithTimeout bounds every call into saga logic.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithRetry sets the backoff applied to transport failures of command
// submission.
func WithRetry(initial, maxElapsed time.Duration) Option {
	return func(o *options) {
		if initial > 0 {
			o.initialInterval = initial
		}
		o.maxElapsed = maxElapsed
	}
}

// WithConflictReplans bounds how often one delivery is planned again after a
// destination stream moved under a submitted command. Zero disables
// replanning: the first conflict is returned for redelivery.
func WithConflictReplans(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.conflictReplans = n
		}
	}
}
