package logging

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/terraskye/cqrs"
)

// WithCommandLogging wraps a CommandHandler with logging functionality.
// It logs the command type and stream before execution. Rejections and
// conflicts are logged at warning level, everything else that fails at
// error level.
func WithCommandLogging(logger *logrus.Entry, next cqrs.CommandHandler) cqrs.CommandHandler {
	return cqrs.CommandHandlerFunc(func(ctx context.Context, cmd cqrs.CommandBook) (cqrs.EventBook, error) {
		cmdType := ""
		if len(cmd.Pages) > 0 {
			cmdType = cmd.Pages[0].TypeName()
		}
		l := logger.WithFields(logrus.Fields{
			"stream":         cmd.Cover.StreamID(),
			"correlation_id": cmd.Cover.CorrelationID,
			"command":        cmdType,
			"pages":          len(cmd.Pages),
		})
		l.Infof("Dispatch: %s", cmdType)

		result, err := next.Handle(ctx, cmd)
		switch outcome := cqrs.Classify(err); outcome {
		case cqrs.Accepted:
			l.WithField("events", len(result.Pages)).Debugf("Dispatched: %s", cmdType)
		case cqrs.Rejected, cqrs.Conflict:
			l.WithError(err).Warnf("Dispatch %s: %s", outcome, cmdType)
		default:
			l.WithError(err).Errorf("Dispatch failed: %s", cmdType)
		}

		return result, err
	})
}
