// Package sqlite is a Storage backend on modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/terraskye/cqrs"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Store persists events, snapshots and positions in one SQLite database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ cqrs.Storage = (*Store)(nil)

// Open opens (creating if needed) the database at path and applies the
// embedded migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	dsn := filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer connection; the sequence check and the insert must not
	// interleave with another append.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, db, migrationFS, "migrations"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close closes the database. It is nil-safe.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
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
	rows := make([][]byte, len(pages))
	for i, page := range pages {
		if rows[i], err = cqrs.MarshalPayload(page.Event); err != nil {
			return cqrs.EventBook{}, err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return cqrs.EventBook{}, cqrs.WrapTransport("sqlite begin", err)
	}
	defer tx.Rollback()

	actual, err := streamLength(ctx, tx, cover)
	if err != nil {
		return cqrs.EventBook{}, cqrs.WrapTransport("sqlite append", err)
	}
	if actual != expected {
		return cqrs.EventBook{}, &cqrs.ConcurrencyConflictError{Cover: cover, Expected: expected, Actual: actual}
	}

	for i, page := range pages {
		_, err := tx.ExecContext(ctx, `
INSERT INTO events (domain, edition, root, sequence, created_at, event_data, correlation_id)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
			cover.Domain, cover.Edition, cover.Root.String(), int64(page.Sequence),
			page.CreatedAt.UTC().UnixNano(), rows[i], cover.CorrelationID,
		)
		if err != nil {
			if isConstraintError(err) {
				_ = tx.Rollback()
				return cqrs.EventBook{}, s.conflict(ctx, cover, expected)
			}
			return cqrs.EventBook{}, cqrs.WrapTransport("sqlite append", err)
		}
	}

	if err := tx.Commit(); err != nil {
		if isConstraintError(err) {
			return cqrs.EventBook{}, s.conflict(ctx, cover, expected)
		}
		return cqrs.EventBook{}, cqrs.WrapTransport("sqlite commit", err)
	}
	return cqrs.EventBook{Cover: cover, Pages: pages}, nil
}

// conflict reports a lost race detected by the primary key, reading the
// winner's length once the failed transaction is rolled back.
func (s *Store) conflict(ctx context.Context, cover cqrs.Cover, expected uint32) error {
	actual, err := streamLength(context.WithoutCancel(ctx), s.db, cover)
	if err != nil || actual == expected {
		actual = expected + 1
	}
	return &cqrs.ConcurrencyConflictError{Cover: cover, Expected: expected, Actual: actual}
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func streamLength(ctx context.Context, q queryer, cover cqrs.Cover) (uint32, error) {
	var next int64
	err := q.QueryRowContext(ctx, `
SELECT COALESCE(MAX(sequence) + 1, 0) FROM events
WHERE domain = ? AND edition = ? AND root = ?`,
		cover.Domain, cover.Edition, cover.Root.String(),
	).Scan(&next)
	return uint32(next), err
}

func (s *Store) Load(ctx context.Context, cover cqrs.Cover, from uint32) (cqrs.EventBook, error) {
	cover = cover.Normalize()
	if err := cover.Validate(); err != nil {
		return cqrs.EventBook{}, err
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT sequence, created_at, event_data FROM events
WHERE domain = ? AND edition = ? AND root = ? AND sequence >= ?
ORDER BY sequence`,
		cover.Domain, cover.Edition, cover.Root.String(), int64(from),
	)
	if err != nil {
		return cqrs.EventBook{}, cqrs.WrapTransport("sqlite load", err)
	}
	defer rows.Close()

	book := cqrs.EventBook{Cover: cover}
	for rows.Next() {
		var (
			seq     int64
			created int64
			data    []byte
		)
		if err := rows.Scan(&seq, &created, &data); err != nil {
			return cqrs.EventBook{}, cqrs.WrapTransport("sqlite load", err)
		}
		page, err := decodePage(seq, created, data)
		if err != nil {
			return cqrs.EventBook{}, err
		}
		book.Pages = append(book.Pages, page)
	}
	if err := rows.Err(); err != nil {
		return cqrs.EventBook{}, cqrs.WrapTransport("sqlite load", err)
	}
	return book, nil
}

func (s *Store) LoadByCorrelation(ctx context.Context, correlationID string) ([]cqrs.EventBook, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT domain, edition, root, sequence, created_at, event_data FROM events
WHERE correlation_id = ?
ORDER BY domain, edition, root, sequence`, correlationID)
	if err != nil {
		return nil, cqrs.WrapTransport("sqlite load by correlation", err)
	}
	defer rows.Close()

	var books []cqrs.EventBook
	for rows.Next() {
		var (
			cover   = cqrs.Cover{CorrelationID: correlationID}
			root    string
			seq     int64
			created int64
			data    []byte
		)
		if err := rows.Scan(&cover.Domain, &cover.Edition, &root, &seq, &created, &data); err != nil {
			return nil, cqrs.WrapTransport("sqlite load by correlation", err)
		}
		if cover.Root, err = uuid.Parse(root); err != nil {
			return nil, &cqrs.DecodeError{Sequence: uint32(seq), Err: err}
		}
		page, err := decodePage(seq, created, data)
		if err != nil {
			return nil, err
		}
		if n := len(books); n > 0 && books[n-1].Cover.SameStream(cover) {
			books[n-1].Pages = append(books[n-1].Pages, page)
			continue
		}
		books = append(books, cqrs.EventBook{Cover: cover, Pages: []cqrs.EventPage{page}})
	}
	if err := rows.Err(); err != nil {
		return nil, cqrs.WrapTransport("sqlite load by correlation", err)
	}
	return books, nil
}

func (s *Store) SaveSnapshot(ctx context.Context, cover cqrs.Cover, snap cqrs.Snapshot) error {
	cover = cover.Normalize()
	if err := cover.Validate(); err != nil {
		return err
	}
	data, err := cqrs.MarshalPayload(snap.State)
	if err != nil {
		return err
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = s.now()
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO snapshots (domain, edition, root, sequence, state_data, created_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (domain, edition, root) DO UPDATE SET
    sequence = excluded.sequence,
    state_data = excluded.state_data,
    created_at = excluded.created_at
WHERE excluded.sequence >= snapshots.sequence`,
		cover.Domain, cover.Edition, cover.Root.String(), int64(snap.Sequence), data, snap.CreatedAt.UTC().UnixNano(),
	)
	return cqrs.WrapTransport("sqlite save snapshot", err)
}

func (s *Store) LoadSnapshot(ctx context.Context, cover cqrs.Cover) (*cqrs.Snapshot, error) {
	cover = cover.Normalize()
	var (
		seq     int64
		data    []byte
		created int64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT sequence, state_data, created_at FROM snapshots
WHERE domain = ? AND edition = ? AND root = ?`,
		cover.Domain, cover.Edition, cover.Root.String(),
	).Scan(&seq, &data, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, cqrs.WrapTransport("sqlite load snapshot", err)
	}

	state, err := cqrs.UnmarshalPayload(data)
	if err != nil {
		return nil, err
	}
	return &cqrs.Snapshot{Sequence: uint32(seq), State: state, CreatedAt: time.Unix(0, created).UTC()}, nil
}

func (s *Store) GetPosition(ctx context.Context, handler string, cover cqrs.Cover) (uint32, bool, error) {
	cover = cover.Normalize()
	var seq int64
	err := s.db.QueryRowContext(ctx, `
SELECT sequence FROM positions
WHERE handler = ? AND domain = ? AND edition = ? AND root = ?`,
		handler, cover.Domain, cover.Edition, cover.Root.String(),
	).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, cqrs.WrapTransport("sqlite get position", err)
	}
	return uint32(seq), true, nil
}

func (s *Store) SetPosition(ctx context.Context, handler string, cover cqrs.Cover, sequence uint32) error {
	cover = cover.Normalize()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO positions (handler, domain, edition, root, sequence, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (handler, domain, edition, root) DO UPDATE SET
    sequence = excluded.sequence,
    updated_at = excluded.updated_at`,
		handler, cover.Domain, cover.Edition, cover.Root.String(), int64(sequence), s.now().UnixNano(),
	)
	return cqrs.WrapTransport("sqlite set position", err)
}

func decodePage(seq, created int64, data []byte) (cqrs.EventPage, error) {
	payload, err := cqrs.UnmarshalPayload(data)
	if err != nil {
		var decodeErr *cqrs.DecodeError
		if errors.As(err, &decodeErr) {
			decodeErr.Sequence = uint32(seq)
		}
		return cqrs.EventPage{}, err
	}
	return cqrs.EventPage{
		Sequence:  uint32(seq),
		Event:     payload,
		CreatedAt: time.Unix(0, created).UTC(),
	}, nil
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}
