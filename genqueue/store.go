package genqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Store abstracts persistence for job items. It is the only source of truth for queue state.
// Implementations must be safe for concurrent use.
type Store interface {
	// InsertBatch creates one pending item per request, all or nothing.
	InsertBatch(ctx context.Context, owner string, reqs []BatchRequest) ([]JobItem, error)
	// ListActive returns the owner's pending and processing items, oldest first.
	ListActive(ctx context.Context, owner string) ([]JobItem, error)
	// Get returns one of the owner's items in any state.
	Get(ctx context.Context, owner, id string) (*JobItem, error)
	// Claim moves an eligible item to processing under holder's lease.
	Claim(ctx context.Context, owner, id, holder string, ttl time.Duration) (*JobItem, bool, error)
	// UpdateProgress applies d unless the item is terminal or d would overflow target.
	// The returned bool reports whether the update was applied.
	UpdateProgress(ctx context.Context, id string, d Delta) (*JobItem, bool, error)
	// Cancel cancels the owner's active item id, or all active items when id is empty.
	Cancel(ctx context.Context, owner, id string) (int, error)
	// ActiveOwners lists owners that have at least one eligible item.
	ActiveOwners(ctx context.Context) ([]string, error)
	// Release drops every lease held by holder on active items.
	Release(ctx context.Context, holder string) (int, error)
}

// Dialect selects the placeholder style of the underlying driver.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

// DialectForDriver maps a database/sql driver name to its Dialect.
func DialectForDriver(driver string) Dialect {
	switch driver {
	case "pgx", "postgres":
		return DialectPostgres
	default:
		return DialectSQLite
	}
}

// Schema creates the job table. Statements are portable between SQLite and Postgres.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS genqueue_jobs (
    id           VARCHAR(64)  PRIMARY KEY,
    owner        VARCHAR(255) NOT NULL,
    status       VARCHAR(32)  NOT NULL,
    target       INTEGER      NOT NULL CHECK (target >= 1),
    done         INTEGER      NOT NULL DEFAULT 0,
    errors       INTEGER      NOT NULL DEFAULT 0,
    spec_json    TEXT         NOT NULL,
    created_at   BIGINT       NOT NULL,
    completed_at BIGINT       NULL,
    locked_by    VARCHAR(64)  NULL,
    locked_until BIGINT       NULL,
    CHECK (done + errors <= target)
)`,
	`CREATE INDEX IF NOT EXISTS genqueue_jobs_owner_status ON genqueue_jobs (owner, status, created_at)`,
}

// Migrate applies Schema.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range Schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// SQLStore is the reference Store backed by database/sql (SQLite or Postgres).
// Every state transition is a single conditional UPDATE, so racing writers
// cannot push done+errors past target or mutate a terminal item.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

type StoreOption func(*SQLStore)

func WithDialect(d Dialect) StoreOption { return func(s *SQLStore) { s.dialect = d } }

// WithClock overrides the time source used for created_at, completed_at and leases.
func WithClock(now func() time.Time) StoreOption { return func(s *SQLStore) { s.now = now } }

func NewSQLStore(db *sql.DB, opts ...StoreOption) *SQLStore {
	s := &SQLStore{db: db, dialect: DialectSQLite, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

const itemColumns = `id, owner, status, target, done, errors, spec_json, created_at, completed_at, locked_by, locked_until`

func (s *SQLStore) rebind(q string) string { return Rebind(s.dialect, q) }

// Rebind rewrites ? placeholders to $n when d is DialectPostgres.
func Rebind(d Dialect, q string) string {
	if d != DialectPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) InsertBatch(ctx context.Context, owner string, reqs []BatchRequest) ([]JobItem, error) {
	if s.db == nil {
		return nil, errors.New("nil db")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	q := s.rebind(`INSERT INTO genqueue_jobs (id, owner, status, target, done, errors, spec_json, created_at)
		VALUES (?, ?, ?, ?, 0, 0, ?, ?)`)
	now := s.now().UTC()
	items := make([]JobItem, 0, len(reqs))
	for _, r := range reqs {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generate id: %w", err)
		}
		specJSON, err := encodeSpec(r.GenerationSpec)
		if err != nil {
			return nil, fmt.Errorf("encode spec: %w", err)
		}
		if _, err := tx.ExecContext(ctx, q, id.String(), owner, string(StatusPending), r.Quantity, specJSON, now.UnixNano()); err != nil {
			return nil, fmt.Errorf("insert job item: %w", err)
		}
		items = append(items, JobItem{
			ID:        id.String(),
			Owner:     owner,
			Status:    StatusPending,
			Target:    r.Quantity,
			Spec:      r.GenerationSpec,
			CreatedAt: now,
		})
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit batch: %w", err)
	}
	return items, nil
}

func (s *SQLStore) ListActive(ctx context.Context, owner string) ([]JobItem, error) {
	if s.db == nil {
		return nil, errors.New("nil db")
	}
	q := s.rebind(`SELECT ` + itemColumns + ` FROM genqueue_jobs
		WHERE owner = ? AND status IN ('pending', 'processing')
		ORDER BY created_at ASC, id ASC`)
	rows, err := s.db.QueryContext(ctx, q, owner)
	if err != nil {
		return nil, fmt.Errorf("list active: %w", err)
	}
	defer rows.Close()

	var items []JobItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *it)
	}
	return items, rows.Err()
}

func (s *SQLStore) Get(ctx context.Context, owner, id string) (*JobItem, error) {
	if s.db == nil {
		return nil, errors.New("nil db")
	}
	q := s.rebind(`SELECT ` + itemColumns + ` FROM genqueue_jobs WHERE id = ? AND owner = ?`)
	it, err := scanItem(s.db.QueryRowContext(ctx, q, id, owner))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return it, err
}

// getByID reads an item regardless of owner; only used after owner-checked writes.
func (s *SQLStore) getByID(ctx context.Context, id string) (*JobItem, error) {
	q := s.rebind(`SELECT ` + itemColumns + ` FROM genqueue_jobs WHERE id = ?`)
	it, err := scanItem(s.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return it, err
}

func (s *SQLStore) Claim(ctx context.Context, owner, id, holder string, ttl time.Duration) (*JobItem, bool, error) {
	if s.db == nil {
		return nil, false, errors.New("nil db")
	}
	now := s.now().UTC()
	q := s.rebind(`UPDATE genqueue_jobs SET status = 'processing', locked_by = ?, locked_until = ?
		WHERE id = ? AND owner = ? AND status IN ('pending', 'processing') AND done + errors < target
		AND (locked_by IS NULL OR locked_by = ? OR locked_until < ?)`)
	res, err := s.db.ExecContext(ctx, q, holder, now.Add(ttl).UnixNano(), id, owner, holder, now.UnixNano())
	if err != nil {
		return nil, false, fmt.Errorf("claim job item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	it, err := s.Get(ctx, owner, id)
	if err != nil {
		return nil, false, err
	}
	return it, n == 1, nil
}

func (s *SQLStore) UpdateProgress(ctx context.Context, id string, d Delta) (*JobItem, bool, error) {
	if s.db == nil {
		return nil, false, errors.New("nil db")
	}
	if d.Done < 0 || d.Errors < 0 {
		return nil, false, fmt.Errorf("negative progress delta %+v", d)
	}
	if d.Done == 0 && d.Errors == 0 {
		it, err := s.getByID(ctx, id)
		return it, false, err
	}
	n := d.Done + d.Errors
	q := s.rebind(`UPDATE genqueue_jobs SET
		done = done + ?,
		errors = errors + ?,
		status = CASE WHEN done + errors + ? >= target THEN 'completed' ELSE 'processing' END,
		completed_at = CASE WHEN done + errors + ? >= target THEN ? ELSE completed_at END,
		locked_by = CASE WHEN done + errors + ? >= target THEN NULL ELSE locked_by END,
		locked_until = CASE WHEN done + errors + ? >= target THEN NULL ELSE locked_until END
		WHERE id = ? AND status IN ('pending', 'processing') AND done + errors + ? <= target`)
	res, err := s.db.ExecContext(ctx, q, d.Done, d.Errors, n, n, s.now().UTC().UnixNano(), n, n, id, n)
	if err != nil {
		return nil, false, fmt.Errorf("update progress: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	it, err := s.getByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return it, rows == 1, nil
}

func (s *SQLStore) Cancel(ctx context.Context, owner, id string) (int, error) {
	if s.db == nil {
		return 0, errors.New("nil db")
	}
	q := `UPDATE genqueue_jobs SET status = 'cancelled', completed_at = ?, locked_by = NULL, locked_until = NULL
		WHERE owner = ? AND status IN ('pending', 'processing')`
	args := []any{s.now().UTC().UnixNano(), owner}
	if id != "" {
		q += ` AND id = ?`
		args = append(args, id)
	}
	res, err := s.db.ExecContext(ctx, s.rebind(q), args...)
	if err != nil {
		return 0, fmt.Errorf("cancel job items: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *SQLStore) Release(ctx context.Context, holder string) (int, error) {
	if s.db == nil {
		return 0, errors.New("nil db")
	}
	q := s.rebind(`UPDATE genqueue_jobs SET locked_by = NULL, locked_until = NULL
		WHERE locked_by = ? AND status IN ('pending', 'processing')`)
	res, err := s.db.ExecContext(ctx, q, holder)
	if err != nil {
		return 0, fmt.Errorf("release leases: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *SQLStore) ActiveOwners(ctx context.Context) ([]string, error) {
	if s.db == nil {
		return nil, errors.New("nil db")
	}
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT owner FROM genqueue_jobs
		WHERE status IN ('pending', 'processing') AND done + errors < target ORDER BY owner`)
	if err != nil {
		return nil, fmt.Errorf("list active owners: %w", err)
	}
	defer rows.Close()

	var owners []string
	for rows.Next() {
		var o string
		if err := rows.Scan(&o); err != nil {
			return nil, err
		}
		owners = append(owners, o)
	}
	return owners, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*JobItem, error) {
	var (
		it          JobItem
		status      string
		specJSON    string
		createdAt   int64
		completedAt sql.NullInt64
		lockedBy    sql.NullString
		lockedUntil sql.NullInt64
	)
	if err := row.Scan(&it.ID, &it.Owner, &status, &it.Target, &it.Done, &it.Errors, &specJSON, &createdAt, &completedAt, &lockedBy, &lockedUntil); err != nil {
		return nil, err
	}
	it.Status = Status(status)
	if err := json.Unmarshal([]byte(specJSON), &it.Spec); err != nil {
		return nil, fmt.Errorf("decode spec of %s: %w", it.ID, err)
	}
	it.CreatedAt = time.Unix(0, createdAt).UTC()
	if completedAt.Valid {
		t := time.Unix(0, completedAt.Int64).UTC()
		it.CompletedAt = &t
	}
	if lockedBy.Valid {
		it.LockedBy = lockedBy.String
	}
	if lockedUntil.Valid {
		t := time.Unix(0, lockedUntil.Int64).UTC()
		it.LockedUntil = &t
	}
	return &it, nil
}
