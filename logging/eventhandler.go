package logging

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/terraskye/cqrs"
)

// WithEventBookLogging wraps the handler of subscription name. The stream,
// sequence range and correlation id of every delivered book are attached as
// fields.
func WithEventBookLogging(logger *logrus.Entry, name string, next cqrs.EventBookHandler) cqrs.EventBookHandler {
	return func(ctx context.Context, book cqrs.EventBook) error {
		fields := logrus.Fields{
			"handler":        name,
			"stream":         book.Cover.StreamID(),
			"correlation_id": book.Cover.CorrelationID,
			"pages":          len(book.Pages),
		}
		if first, ok := book.FirstSequence(); ok {
			fields["first"] = first
		}
		if last, ok := book.LastSequence(); ok {
			fields["last"] = last
		}
		l := logger.WithFields(fields)

		l.Debug("event book processing started")

		err := next(cqrs.WithHandler(ctx, name), book)

		if err != nil {
			l.WithError(err).Error("error processing event book")
		} else {
			l.Debug("event book processed successfully")
		}

		return err
	}
}

type subscriberLogger struct {
	logger *logrus.Entry
	next   cqrs.Subscriber
}

func (s *subscriberLogger) Subscribe(ctx context.Context, name, domain string, handler cqrs.EventBookHandler) error {
	return s.next.Subscribe(ctx, name, domain, WithEventBookLogging(s.logger.WithField("domain", domain), name, handler))
}

// WithSubscriberLogging wraps every handler subscribed through next with
// WithEventBookLogging.
func WithSubscriberLogging(logger *logrus.Entry, next cqrs.Subscriber) cqrs.Subscriber {
	return &subscriberLogger{
		logger: logger,
		next:   next,
	}
}
