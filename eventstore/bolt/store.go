// Package bolt is a key-value Storage backend on go.etcd.io/bbolt.
//
// Each stream is a nested bucket under the events bucket, keyed by the
// big-endian sequence so a cursor walks it in order. All top-level buckets
// carry the configured key prefix, so several deployments can share a file.
package bolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/terraskye/cqrs"
	"go.etcd.io/bbolt"
)

const (
	eventsBucket    = "events"
	snapshotsBucket = "snapshots"
	positionsBucket = "positions"
)

// Store is a bbolt-backed Storage. Correlation lookups are not indexed.
type Store struct {
	db     *bbolt.DB
	prefix string
	now    func() time.Time
}

var _ cqrs.Storage = (*Store)(nil)

type eventRecord struct {
	CreatedAt     time.Time `json:"created_at"`
	Data          []byte    `json:"data"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

type snapshotRecord struct {
	Sequence  uint32    `json:"sequence"`
	State     []byte    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}

type positionRecord struct {
	Sequence  uint32    `json:"sequence"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Open opens the database at path, creating the prefixed buckets.
func Open(path, prefix string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	db, err := bbolt.Open(filepath.Clean(path), 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open storage db: %w", err)
	}

	s := &Store{db: db, prefix: prefix, now: func() time.Time { return time.Now().UTC() }}
	if err := s.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database. It is nil-safe.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) ensureBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{eventsBucket, snapshotsBucket, positionsBucket} {
			if _, err := tx.CreateBucketIfNotExists(s.bucket(name)); err != nil {
				return fmt.Errorf("create %s bucket: %w", name, err)
			}
		}
		return nil
	})
}

func (s *Store) bucket(name string) []byte {
	return []byte(s.prefix + name)
}

func streamKey(cover cqrs.Cover) []byte {
	return []byte(cover.StreamID())
}

func positionKey(handler string, cover cqrs.Cover) []byte {
	return []byte(handler + "|" + cover.StreamID())
}

func sequenceKey(seq uint32) []byte {
	key := make([]byte, 4)
	binary.BigEndian.PutUint32(key, seq)
	return key
}

// length returns the stream length from the last key of its bucket.
func length(stream *bbolt.Bucket) uint32 {
	if stream == nil {
		return 0
	}
	k, _ := stream.Cursor().Last()
	if k == nil {
		return 0
	}
	return binary.BigEndian.Uint32(k) + 1
}

func (s *Store) Append(ctx context.Context, cover cqrs.Cover, expected uint32, events []cqrs.EventPage) (cqrs.EventBook, error) {
	cover, err := cqrs.PrepareAppend(cover, events)
	if err != nil {
		return cqrs.EventBook{}, err
	}
	if err := ctx.Err(); err != nil {
		return cqrs.EventBook{}, err
	}

	pages := cqrs.Stamp(expected, events, s.now())
	values := make([][]byte, len(pages))
	for i, page := range pages {
		data, err := cqrs.MarshalPayload(page.Event)
		if err != nil {
			return cqrs.EventBook{}, err
		}
		if values[i], err = json.Marshal(eventRecord{CreatedAt: page.CreatedAt, Data: data, CorrelationID: cover.CorrelationID}); err != nil {
			return cqrs.EventBook{}, fmt.Errorf("marshal event: %w", err)
		}
	}

	// bbolt serializes Update transactions, so the length check and the puts
	// are atomic with respect to other appends.
	err = s.db.Update(func(tx *bbolt.Tx) error {
		stream, err := tx.Bucket(s.bucket(eventsBucket)).CreateBucketIfNotExists(streamKey(cover))
		if err != nil {
			return err
		}
		if actual := length(stream); actual != expected {
			return &cqrs.ConcurrencyConflictError{Cover: cover, Expected: expected, Actual: actual}
		}
		for i, page := range pages {
			if err := stream.Put(sequenceKey(page.Sequence), values[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return cqrs.EventBook{}, cqrs.WrapTransport("bolt append", err)
	}
	return cqrs.EventBook{Cover: cover, Pages: pages}, nil
}

func (s *Store) Load(ctx context.Context, cover cqrs.Cover, from uint32) (cqrs.EventBook, error) {
	cover = cover.Normalize()
	if err := cover.Validate(); err != nil {
		return cqrs.EventBook{}, err
	}
	if err := ctx.Err(); err != nil {
		return cqrs.EventBook{}, err
	}

	book := cqrs.EventBook{Cover: cover}
	err := s.db.View(func(tx *bbolt.Tx) error {
		stream := tx.Bucket(s.bucket(eventsBucket)).Bucket(streamKey(cover))
		if stream == nil {
			return nil
		}
		c := stream.Cursor()
		for k, v := c.Seek(sequenceKey(from)); k != nil; k, v = c.Next() {
			seq := binary.BigEndian.Uint32(k)
			var rec eventRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return &cqrs.DecodeError{Sequence: seq, Err: err}
			}
			payload, err := cqrs.UnmarshalPayload(rec.Data)
			if err != nil {
				return &cqrs.DecodeError{Sequence: seq, Err: err}
			}
			book.Pages = append(book.Pages, cqrs.EventPage{Sequence: seq, Event: payload, CreatedAt: rec.CreatedAt.UTC()})
		}
		return nil
	})
	if err != nil {
		return cqrs.EventBook{}, cqrs.WrapTransport("bolt load", err)
	}
	return book, nil
}

// LoadByCorrelation is not supported: the key layout has no correlation index.
func (s *Store) LoadByCorrelation(ctx context.Context, correlationID string) ([]cqrs.EventBook, error) {
	return nil, fmt.Errorf("bolt: load by correlation: %w", cqrs.ErrUnsupported)
}

func (s *Store) SaveSnapshot(ctx context.Context, cover cqrs.Cover, snap cqrs.Snapshot) error {
	cover = cover.Normalize()
	if err := cover.Validate(); err != nil {
		return err
	}
	state, err := cqrs.MarshalPayload(snap.State)
	if err != nil {
		return err
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = s.now()
	}
	value, err := json.Marshal(snapshotRecord{Sequence: snap.Sequence, State: state, CreatedAt: snap.CreatedAt})
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(s.bucket(snapshotsBucket))
		if existing := bucket.Get(streamKey(cover)); existing != nil {
			var rec snapshotRecord
			if err := json.Unmarshal(existing, &rec); err == nil && rec.Sequence > snap.Sequence {
				return nil
			}
		}
		return bucket.Put(streamKey(cover), value)
	})
	return cqrs.WrapTransport("bolt save snapshot", err)
}

func (s *Store) LoadSnapshot(ctx context.Context, cover cqrs.Cover) (*cqrs.Snapshot, error) {
	cover = cover.Normalize()
	var snap *cqrs.Snapshot
	err := s.db.View(func(tx *bbolt.Tx) error {
		value := tx.Bucket(s.bucket(snapshotsBucket)).Get(streamKey(cover))
		if value == nil {
			return nil
		}
		var rec snapshotRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return &cqrs.DecodeError{Sequence: rec.Sequence, Err: err}
		}
		state, err := cqrs.UnmarshalPayload(rec.State)
		if err != nil {
			return err
		}
		snap = &cqrs.Snapshot{Sequence: rec.Sequence, State: state, CreatedAt: rec.CreatedAt.UTC()}
		return nil
	})
	if err != nil {
		return nil, cqrs.WrapTransport("bolt load snapshot", err)
	}
	return snap, nil
}

func (s *Store) GetPosition(ctx context.Context, handler string, cover cqrs.Cover) (uint32, bool, error) {
	cover = cover.Normalize()
	var (
		rec   positionRecord
		found bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		value := tx.Bucket(s.bucket(positionsBucket)).Get(positionKey(handler, cover))
		if value == nil {
			return nil
		}
		found = true
		return json.Unmarshal(value, &rec)
	})
	if err != nil {
		return 0, false, cqrs.WrapTransport("bolt get position", err)
	}
	return rec.Sequence, found, nil
}

func (s *Store) SetPosition(ctx context.Context, handler string, cover cqrs.Cover, sequence uint32) error {
	cover = cover.Normalize()
	value, err := json.Marshal(positionRecord{Sequence: sequence, UpdatedAt: s.now()})
	if err != nil {
		return fmt.Errorf("marshal position: %w", err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(s.bucket(positionsBucket)).Put(positionKey(handler, cover), value)
	})
	return cqrs.WrapTransport("bolt set position", err)
}
