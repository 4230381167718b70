// Package postgres is a Storage backend on PostgreSQL via jackc/pgx.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/terraskye/cqrs"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const uniqueViolation = "23505"

// Store persists events, snapshots and positions in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ cqrs.Storage = (*Store)(nil)

// Open connects to dsn and applies the embedded migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{pool: pool, now: func() time.Time { return time.Now().UTC() }}, nil
}

func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
    name TEXT PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL
)`); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	entries, err := fs.ReadDir(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	for _, file := range files {
		content, err := fs.ReadFile(migrationFS, path.Join("migrations", file))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		up := string(content)
		if i := strings.Index(up, "-- +migrate Down"); i >= 0 {
			up = up[:i]
		}

		err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
			tag, err := tx.Exec(ctx, `INSERT INTO schema_migrations (name, applied_at) VALUES ($1, now()) ON CONFLICT DO NOTHING`, file)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				return nil
			}
			_, err = tx.Exec(ctx, up)
			return err
		})
		if err != nil {
			return fmt.Errorf("apply migration %s: %w", file, err)
		}
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *Store) Append(ctx context.Context, cover cqrs.Cover, expected uint32, events []cqrs.EventPage) (cqrs.EventBook, error) {
	cover, err := cqrs.PrepareAppend(cover, events)
	if err != nil {
		return cqrs.EventBook{}, err
	}

	pages := cqrs.Stamp(expected, events, s.now())
	batch := &pgx.Batch{}
	for _, page := range pages {
		data, err := cqrs.MarshalPayload(page.Event)
		if err != nil {
			return cqrs.EventBook{}, err
		}
		batch.Queue(`
INSERT INTO events (domain, edition, root, sequence, created_at, event_data, correlation_id)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			cover.Domain, cover.Edition, cover.Root, int64(page.Sequence), page.CreatedAt, data, cover.CorrelationID,
		)
	}

	var actual uint32
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if actual, err = streamLength(ctx, tx, cover); err != nil {
			return err
		}
		if actual != expected {
			return &cqrs.ConcurrencyConflictError{Cover: cover, Expected: expected, Actual: actual}
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err == nil {
		return cqrs.EventBook{Cover: cover, Pages: pages}, nil
	}

	if errors.Is(err, cqrs.ErrConcurrencyConflict) {
		return cqrs.EventBook{}, err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		actual, lenErr := streamLength(context.WithoutCancel(ctx), s.pool, cover)
		if lenErr != nil || actual == expected {
			actual = expected + 1
		}
		return cqrs.EventBook{}, &cqrs.ConcurrencyConflictError{Cover: cover, Expected: expected, Actual: actual}
	}
	return cqrs.EventBook{}, cqrs.WrapTransport("postgres append", err)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func streamLength(ctx context.Context, q querier, cover cqrs.Cover) (uint32, error) {
	var next int64
	err := q.QueryRow(ctx, `
SELECT COALESCE(MAX(sequence) + 1, 0) FROM events
WHERE domain = $1 AND edition = $2 AND root = $3`,
		cover.Domain, cover.Edition, cover.Root,
	).Scan(&next)
	return uint32(next), err
}

type eventRow struct {
	Domain    string
	Edition   string
	Root      uuid.UUID
	Sequence  int64
	CreatedAt time.Time
	EventData []byte
}

func (r eventRow) page() (cqrs.EventPage, error) {
	payload, err := cqrs.UnmarshalPayload(r.EventData)
	if err != nil {
		var decodeErr *cqrs.DecodeError
		if errors.As(err, &decodeErr) {
			decodeErr.Sequence = uint32(r.Sequence)
		}
		return cqrs.EventPage{}, err
	}
	return cqrs.EventPage{Sequence: uint32(r.Sequence), Event: payload, CreatedAt: r.CreatedAt.UTC()}, nil
}

func (s *Store) Load(ctx context.Context, cover cqrs.Cover, from uint32) (cqrs.EventBook, error) {
	cover = cover.Normalize()
	if err := cover.Validate(); err != nil {
		return cqrs.EventBook{}, err
	}

	rows, err := s.pool.Query(ctx, `
SELECT domain, edition, root, sequence, created_at, event_data FROM events
WHERE domain = $1 AND edition = $2 AND root = $3 AND sequence >= $4
ORDER BY sequence`,
		cover.Domain, cover.Edition, cover.Root, int64(from),
	)
	if err != nil {
		return cqrs.EventBook{}, cqrs.WrapTransport("postgres load", err)
	}
	records, err := pgx.CollectRows(rows, pgx.RowToStructByPos[eventRow])
	if err != nil {
		return cqrs.EventBook{}, cqrs.WrapTransport("postgres load", err)
	}

	book := cqrs.EventBook{Cover: cover}
	for _, r := range records {
		page, err := r.page()
		if err != nil {
			return cqrs.EventBook{}, err
		}
		book.Pages = append(book.Pages, page)
	}
	return book, nil
}

func (s *Store) LoadByCorrelation(ctx context.Context, correlationID string) ([]cqrs.EventBook, error) {
	rows, err := s.pool.Query(ctx, `
SELECT domain, edition, root, sequence, created_at, event_data FROM events
WHERE correlation_id = $1
ORDER BY domain, edition, root, sequence`, correlationID)
	if err != nil {
		return nil, cqrs.WrapTransport("postgres load by correlation", err)
	}
	records, err := pgx.CollectRows(rows, pgx.RowToStructByPos[eventRow])
	if err != nil {
		return nil, cqrs.WrapTransport("postgres load by correlation", err)
	}

	var books []cqrs.EventBook
	for _, r := range records {
		cover := cqrs.Cover{Domain: r.Domain, Edition: r.Edition, Root: r.Root, CorrelationID: correlationID}
		page, err := r.page()
		if err != nil {
			return nil, err
		}
		if n := len(books); n > 0 && books[n-1].Cover.SameStream(cover) {
			books[n-1].Pages = append(books[n-1].Pages, page)
			continue
		}
		books = append(books, cqrs.EventBook{Cover: cover, Pages: []cqrs.EventPage{page}})
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

	_, err = s.pool.Exec(ctx, `
INSERT INTO snapshots (domain, edition, root, sequence, state_data, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (domain, edition, root) DO UPDATE SET
    sequence = EXCLUDED.sequence,
    state_data = EXCLUDED.state_data,
    created_at = EXCLUDED.created_at
WHERE EXCLUDED.sequence >= snapshots.sequence`,
		cover.Domain, cover.Edition, cover.Root, int64(snap.Sequence), data, snap.CreatedAt,
	)
	return cqrs.WrapTransport("postgres save snapshot", err)
}

func (s *Store) LoadSnapshot(ctx context.Context, cover cqrs.Cover) (*cqrs.Snapshot, error) {
	cover = cover.Normalize()
	var (
		seq     int64
		data    []byte
		created time.Time
	)
	err := s.pool.QueryRow(ctx, `
SELECT sequence, state_data, created_at FROM snapshots
WHERE domain = $1 AND edition = $2 AND root = $3`,
		cover.Domain, cover.Edition, cover.Root,
	).Scan(&seq, &data, &created)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, cqrs.WrapTransport("postgres load snapshot", err)
	}
	state, err := cqrs.UnmarshalPayload(data)
	if err != nil {
		return nil, err
	}
	return &cqrs.Snapshot{Sequence: uint32(seq), State: state, CreatedAt: created.UTC()}, nil
}

func (s *Store) GetPosition(ctx context.Context, handler string, cover cqrs.Cover) (uint32, bool, error) {
	cover = cover.Normalize()
	var seq int64
	err := s.pool.QueryRow(ctx, `
SELECT sequence FROM positions
WHERE handler = $1 AND domain = $2 AND edition = $3 AND root = $4`,
		handler, cover.Domain, cover.Edition, cover.Root,
	).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, cqrs.WrapTransport("postgres get position", err)
	}
	return uint32(seq), true, nil
}

func (s *Store) SetPosition(ctx context.Context, handler string, cover cqrs.Cover, sequence uint32) error {
	cover = cover.Normalize()
	_, err := s.pool.Exec(ctx, `
INSERT INTO positions (handler, domain, edition, root, sequence, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (handler, domain, edition, root) DO UPDATE SET
    sequence = EXCLUDED.sequence,
    updated_at = EXCLUDED.updated_at`,
		handler, cover.Domain, cover.Edition, cover.Root, int64(sequence), s.now(),
	)
	return cqrs.WrapTransport("postgres set position", err)
}
