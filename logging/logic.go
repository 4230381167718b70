package logging

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/terraskye/cqrs"
)

type aggregateLogger struct {
	logger *logrus.Entry
	next   cqrs.AggregateLogic
}

func (a *aggregateLogger) Handle(ctx context.Context, cmd cqrs.ContextualCommand) (cqrs.Decision, error) {
	cmdType := ""
	if len(cmd.Command.Pages) > 0 {
		cmdType = cmd.Command.Pages[0].TypeName()
	}
	l := a.logger.WithFields(logrus.Fields{
		"stream":  cmd.Command.Cover.StreamID(),
		"command": cmdType,
		"history": len(cmd.Events.Pages),
	})
	l.Debugf("Decide: %s", cmdType)

	decision, err := a.next.Handle(ctx, cmd)
	if err != nil {
		if cqrs.Classify(err) == cqrs.Rejected {
			l.WithError(err).Infof("Rejected: %s", cmdType)
		} else {
			l.WithError(err).Errorf("Decide failed: %s", cmdType)
		}
	}

	return decision, err
}

// WithAggregateLogging wraps the business logic of an aggregate domain. It
// logs the command type before every decision and the reason when the logic
// rejects or fails.
func WithAggregateLogging(logger *logrus.Entry, next cqrs.AggregateLogic) cqrs.AggregateLogic {
	return &aggregateLogger{
		logger: logger,
		next:   next,
	}
}

type projectorLogger struct {
	logger *logrus.Entry
	next   cqrs.Projector
}

func (p *projectorLogger) Project(ctx context.Context, book cqrs.EventBook) (cqrs.ProjectorOutput, error) {
	l := p.logger.WithFields(logrus.Fields{
		"stream": book.Cover.StreamID(),
		"pages":  len(book.Pages),
	})

	out, err := p.next.Project(ctx, book)
	if err != nil {
		l.WithError(err).Error("Projection failed")
		return out, err
	}
	l.WithField("outputs", len(out.Events)).Debug("Projected")
	return out, nil
}

// WithProjectorLogging wraps a Projector with logging functionality.
func WithProjectorLogging(logger *logrus.Entry, next cqrs.Projector) cqrs.Projector {
	return &projectorLogger{
		logger: logger,
		next:   next,
	}
}
