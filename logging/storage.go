package logging

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
	"github.com/terraskye/cqrs"
)

var _ cqrs.Storage = (*storageLogger)(nil)

type storageLogger struct {
	logger *logrus.Entry
	next   cqrs.Storage
}

// WithStorageLogging wraps a Storage. Failed operations are logged at error
// level, except conflicts and unsupported capabilities which are expected
// outcomes and go to debug with the successful ones.
func WithStorageLogging(logger *logrus.Entry, next cqrs.Storage) cqrs.Storage {
	return &storageLogger{
		logger: logger,
		next:   next,
	}
}

func (s *storageLogger) log(op string, cover cqrs.Cover, err error, fields logrus.Fields) {
	l := s.logger.WithFields(fields).WithField("op", op)
	if cover.Domain != "" {
		l = l.WithFields(logrus.Fields{
			"domain":  cover.Domain,
			"root":    cover.Root,
			"edition": cover.Normalize().Edition,
		})
	}
	switch {
	case err == nil:
		l.Debug("storage operation completed")
	case errors.Is(err, cqrs.ErrConcurrencyConflict), errors.Is(err, cqrs.ErrUnsupported):
		l.WithError(err).Debug("storage operation declined")
	default:
		l.WithError(err).Error("storage operation failed")
	}
}

func (s *storageLogger) Append(ctx context.Context, cover cqrs.Cover, expected uint32, events []cqrs.EventPage) (cqrs.EventBook, error) {
	book, err := s.next.Append(ctx, cover, expected, events)
	s.log("append", cover, err, logrus.Fields{"expected": expected, "events": len(events)})
	return book, err
}

func (s *storageLogger) Load(ctx context.Context, cover cqrs.Cover, from uint32) (cqrs.EventBook, error) {
	book, err := s.next.Load(ctx, cover, from)
	s.log("load", cover, err, logrus.Fields{"from": from, "events": len(book.Pages)})
	return book, err
}

func (s *storageLogger) LoadByCorrelation(ctx context.Context, correlationID string) ([]cqrs.EventBook, error) {
	books, err := s.next.LoadByCorrelation(ctx, correlationID)
	s.log("load_by_correlation", cqrs.Cover{}, err, logrus.Fields{"correlation_id": correlationID, "books": len(books)})
	return books, err
}

func (s *storageLogger) SaveSnapshot(ctx context.Context, cover cqrs.Cover, snap cqrs.Snapshot) error {
	err := s.next.SaveSnapshot(ctx, cover, snap)
	s.log("save_snapshot", cover, err, logrus.Fields{"sequence": snap.Sequence})
	return err
}

func (s *storageLogger) LoadSnapshot(ctx context.Context, cover cqrs.Cover) (*cqrs.Snapshot, error) {
	snap, err := s.next.LoadSnapshot(ctx, cover)
	s.log("load_snapshot", cover, err, logrus.Fields{"found": snap != nil})
	return snap, err
}

func (s *storageLogger) GetPosition(ctx context.Context, handler string, cover cqrs.Cover) (uint32, bool, error) {
	seq, found, err := s.next.GetPosition(ctx, handler, cover)
	s.log("get_position", cover, err, logrus.Fields{"handler": handler, "sequence": seq, "found": found})
	return seq, found, err
}

func (s *storageLogger) SetPosition(ctx context.Context, handler string, cover cqrs.Cover, sequence uint32) error {
	err := s.next.SetPosition(ctx, handler, cover, sequence)
	s.log("set_position", cover, err, logrus.Fields{"handler": handler, "sequence": sequence})
	return err
}

func (s *storageLogger) Close() error {
	return s.next.Close()
}
