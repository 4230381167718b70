// Package kurrentdb is a Storage backend on KurrentDB.
//
// Every cover maps to one KurrentDB stream whose event numbers are the
// sequences. Snapshots and positions are kept in side streams and read
// backwards, so only their latest event counts.
package kurrentdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/kurrent-io/KurrentDB-Client-Go/kurrentdb"
	"github.com/terraskye/cqrs"
)

const (
	snapshotEventType = "cqrs.snapshot"
	positionEventType = "cqrs.position"
	readAll           = uint64(math.MaxInt64)
)

// Store is a KurrentDB-backed Storage.
type Store struct {
	client *kurrentdb.Client
	prefix string
	now    func() time.Time
}

var _ cqrs.Storage = (*Store)(nil)

type metadata struct {
	Domain        string    `json:"domain,omitempty"`
	Edition       string    `json:"edition,omitempty"`
	Root          string    `json:"root,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

type snapshotRecord struct {
	Sequence uint32 `json:"sequence"`
	State    []byte `json:"state"`
}

type positionRecord struct {
	Sequence uint32 `json:"sequence"`
}

// Open connects using a kurrentdb:// connection string.
func Open(connectionString, prefix string) (*Store, error) {
	settings, err := kurrentdb.ParseConnectionString(connectionString)
	if err != nil {
		return nil, fmt.Errorf("parse kurrentdb connection string: %w", err)
	}
	client, err := kurrentdb.NewClient(settings)
	if err != nil {
		return nil, fmt.Errorf("create kurrentdb client: %w", err)
	}
	return NewStore(client, prefix), nil
}

// NewStore wraps an existing client. Stream names carry prefix.
func NewStore(client *kurrentdb.Client, prefix string) *Store {
	return &Store{client: client, prefix: prefix, now: func() time.Time { return time.Now().UTC() }}
}

// Client returns the underlying connection, shared with the KurrentDB bus.
func (s *Store) Client() *kurrentdb.Client {
	return s.client
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) streamName(cover cqrs.Cover) string {
	return fmt.Sprintf("%s%s-%s-%s", s.prefix, cover.Domain, cover.Edition, cover.Root)
}

func (s *Store) snapshotStream(cover cqrs.Cover) string {
	return fmt.Sprintf("%ssnapshot-%s-%s-%s", s.prefix, cover.Domain, cover.Edition, cover.Root)
}

func (s *Store) positionStream(handler string, cover cqrs.Cover) string {
	return fmt.Sprintf("%sposition-%s-%s-%s-%s", s.prefix, handler, cover.Domain, cover.Edition, cover.Root)
}

func expectedState(expected uint32) kurrentdb.StreamState {
	if expected == 0 {
		return kurrentdb.NoStream{}
	}
	return kurrentdb.StreamRevision{Value: uint64(expected) - 1}
}

func (s *Store) Append(ctx context.Context, cover cqrs.Cover, expected uint32, events []cqrs.EventPage) (cqrs.EventBook, error) {
	cover, err := cqrs.PrepareAppend(cover, events)
	if err != nil {
		return cqrs.EventBook{}, err
	}

	pages := cqrs.Stamp(expected, events, s.now())
	data := make([]kurrentdb.EventData, len(pages))
	for i, page := range pages {
		body, err := cqrs.MarshalPayload(page.Event)
		if err != nil {
			return cqrs.EventBook{}, err
		}
		meta, err := json.Marshal(metadata{
			Domain:        cover.Domain,
			Edition:       cover.Edition,
			Root:          cover.Root.String(),
			CorrelationID: cover.CorrelationID,
			CreatedAt:     page.CreatedAt,
		})
		if err != nil {
			return cqrs.EventBook{}, fmt.Errorf("marshal metadata: %w", err)
		}
		data[i] = kurrentdb.EventData{
			EventID:     uuid.New(),
			EventType:   page.TypeName(),
			ContentType: kurrentdb.ContentTypeBinary,
			Data:        body,
			Metadata:    meta,
		}
	}

	_, err = s.client.AppendToStream(ctx, s.streamName(cover), kurrentdb.AppendToStreamOptions{
		StreamState: expectedState(expected),
	}, data...)
	if err != nil {
		if isErrorCode(err, kurrentdb.ErrorCodeWrongExpectedVersion) {
			actual, lenErr := s.length(context.WithoutCancel(ctx), s.streamName(cover))
			if lenErr != nil || actual == expected {
				actual = expected + 1
			}
			return cqrs.EventBook{}, &cqrs.ConcurrencyConflictError{Cover: cover, Expected: expected, Actual: actual}
		}
		return cqrs.EventBook{}, cqrs.WrapTransport("kurrentdb append", err)
	}
	return cqrs.EventBook{Cover: cover, Pages: pages}, nil
}

func (s *Store) Load(ctx context.Context, cover cqrs.Cover, from uint32) (cqrs.EventBook, error) {
	cover = cover.Normalize()
	if err := cover.Validate(); err != nil {
		return cqrs.EventBook{}, err
	}

	book := cqrs.EventBook{Cover: cover}
	err := s.read(ctx, s.streamName(cover), kurrentdb.ReadStreamOptions{
		Direction: kurrentdb.Forwards,
		From:      kurrentdb.StreamRevision{Value: uint64(from)},
	}, readAll, func(ev *kurrentdb.RecordedEvent) error {
		page, _, err := decodePage(ev)
		if err != nil {
			return err
		}
		book.Pages = append(book.Pages, page)
		return nil
	})
	if err != nil {
		return cqrs.EventBook{}, err
	}
	return book, nil
}

// StreamPrefix is the name prefix shared by every aggregate stream of domain.
func (s *Store) StreamPrefix(domain string) string {
	return s.prefix + domain + "-"
}

// DecodeRecorded turns an event written by Append into a one-page book. ok
// is false for events that are not aggregate events, such as snapshot and
// position records.
func DecodeRecorded(ev *kurrentdb.RecordedEvent) (book cqrs.EventBook, ok bool, err error) {
	page, meta, err := decodePage(ev)
	if err != nil || meta.Domain == "" {
		return cqrs.EventBook{}, false, err
	}
	root, err := uuid.Parse(meta.Root)
	if err != nil {
		return cqrs.EventBook{}, false, &cqrs.DecodeError{TypeURL: ev.EventType, Sequence: page.Sequence, Err: err}
	}
	cover := cqrs.Cover{Domain: meta.Domain, Edition: meta.Edition, Root: root, CorrelationID: meta.CorrelationID}
	return cqrs.EventBook{Cover: cover.Normalize(), Pages: []cqrs.EventPage{page}}, true, nil
}

func decodePage(ev *kurrentdb.RecordedEvent) (cqrs.EventPage, metadata, error) {
	var meta metadata
	if len(ev.UserMetadata) > 0 {
		_ = json.Unmarshal(ev.UserMetadata, &meta)
	}
	if ev.EventType == snapshotEventType || ev.EventType == positionEventType {
		return cqrs.EventPage{}, metadata{}, nil
	}
	payload, err := cqrs.UnmarshalPayload(ev.Data)
	if err != nil {
		return cqrs.EventPage{}, meta, &cqrs.DecodeError{TypeURL: ev.EventType, Sequence: uint32(ev.EventNumber), Err: err}
	}
	created := ev.CreatedDate.UTC()
	if !meta.CreatedAt.IsZero() {
		created = meta.CreatedAt.UTC()
	}
	return cqrs.EventPage{Sequence: uint32(ev.EventNumber), Event: payload, CreatedAt: created}, meta, nil
}

// LoadByCorrelation is not supported: it would need server-side projections.
func (s *Store) LoadByCorrelation(ctx context.Context, correlationID string) ([]cqrs.EventBook, error) {
	return nil, fmt.Errorf("kurrentdb: load by correlation: %w", cqrs.ErrUnsupported)
}

func (s *Store) SaveSnapshot(ctx context.Context, cover cqrs.Cover, snap cqrs.Snapshot) error {
	cover = cover.Normalize()
	if err := cover.Validate(); err != nil {
		return err
	}
	current, err := s.LoadSnapshot(ctx, cover)
	if err != nil {
		return err
	}
	if current != nil && current.Sequence > snap.Sequence {
		return nil
	}

	state, err := cqrs.MarshalPayload(snap.State)
	if err != nil {
		return err
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = s.now()
	}
	return s.appendRecord(ctx, s.snapshotStream(cover), snapshotEventType,
		snapshotRecord{Sequence: snap.Sequence, State: state}, metadata{CreatedAt: snap.CreatedAt})
}

func (s *Store) LoadSnapshot(ctx context.Context, cover cqrs.Cover) (*cqrs.Snapshot, error) {
	cover = cover.Normalize()
	var snap *cqrs.Snapshot
	err := s.latest(ctx, s.snapshotStream(cover), func(ev *kurrentdb.RecordedEvent) error {
		var rec snapshotRecord
		if err := json.Unmarshal(ev.Data, &rec); err != nil {
			return &cqrs.DecodeError{TypeURL: ev.EventType, Err: err}
		}
		state, err := cqrs.UnmarshalPayload(rec.State)
		if err != nil {
			return err
		}
		created := ev.CreatedDate.UTC()
		var meta metadata
		if json.Unmarshal(ev.UserMetadata, &meta) == nil && !meta.CreatedAt.IsZero() {
			created = meta.CreatedAt.UTC()
		}
		snap = &cqrs.Snapshot{Sequence: rec.Sequence, State: state, CreatedAt: created}
		return nil
	})
	return snap, err
}

func (s *Store) GetPosition(ctx context.Context, handler string, cover cqrs.Cover) (uint32, bool, error) {
	cover = cover.Normalize()
	var (
		rec   positionRecord
		found bool
	)
	err := s.latest(ctx, s.positionStream(handler, cover), func(ev *kurrentdb.RecordedEvent) error {
		found = true
		return json.Unmarshal(ev.Data, &rec)
	})
	if err != nil {
		return 0, false, err
	}
	return rec.Sequence, found, nil
}

func (s *Store) SetPosition(ctx context.Context, handler string, cover cqrs.Cover, sequence uint32) error {
	cover = cover.Normalize()
	return s.appendRecord(ctx, s.positionStream(handler, cover), positionEventType,
		positionRecord{Sequence: sequence}, metadata{CreatedAt: s.now()})
}

func (s *Store) appendRecord(ctx context.Context, stream, eventType string, record any, meta metadata) error {
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", eventType, err)
	}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.client.AppendToStream(ctx, stream, kurrentdb.AppendToStreamOptions{StreamState: kurrentdb.Any{}}, kurrentdb.EventData{
		EventID:     uuid.New(),
		EventType:   eventType,
		ContentType: kurrentdb.ContentTypeJson,
		Data:        body,
		Metadata:    metaBytes,
	})
	return cqrs.WrapTransport("kurrentdb append "+eventType, err)
}

// latest visits the last event of stream, if any.
func (s *Store) latest(ctx context.Context, stream string, visit func(*kurrentdb.RecordedEvent) error) error {
	return s.read(ctx, stream, kurrentdb.ReadStreamOptions{
		Direction: kurrentdb.Backwards,
		From:      kurrentdb.End{},
	}, 1, visit)
}

// length returns the number of events in stream.
func (s *Store) length(ctx context.Context, stream string) (uint32, error) {
	var n uint32
	err := s.latest(ctx, stream, func(ev *kurrentdb.RecordedEvent) error {
		n = uint32(ev.EventNumber) + 1
		return nil
	})
	return n, err
}

// read visits events of stream in the requested direction. A missing stream
// reads as empty.
func (s *Store) read(ctx context.Context, stream string, opts kurrentdb.ReadStreamOptions, count uint64, visit func(*kurrentdb.RecordedEvent) error) error {
	rs, err := s.client.ReadStream(ctx, stream, opts, count)
	if err != nil {
		if isErrorCode(err, kurrentdb.ErrorCodeResourceNotFound) {
			return nil
		}
		return cqrs.WrapTransport("kurrentdb read", err)
	}
	defer rs.Close()

	for {
		resolved, err := rs.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if isErrorCode(err, kurrentdb.ErrorCodeResourceNotFound) {
				return nil
			}
			return cqrs.WrapTransport("kurrentdb read", err)
		}
		if resolved.Event == nil {
			continue
		}
		if err := visit(resolved.Event); err != nil {
			return err
		}
	}
}

func isErrorCode(err error, code kurrentdb.ErrorCode) bool {
	kerr, ok := kurrentdb.FromError(err)
	if ok || kerr == nil {
		return false
	}
	return kerr.IsErrorCode(code)
}
