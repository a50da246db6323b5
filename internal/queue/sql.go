package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/mattjoyce/queuedjobs/internal/job"
)

func init() {
	// modernc registers as "sqlite", which sqlx does not know by default.
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

const descriptorColumns = `id, type, status, priority, scheduled_for, delay_ns, attempts, max_attempts,
  last_error, payload, result, messages, progress, submitted_by, version,
  created_at, updated_at, started_at, completed_at`

// SQLStore implements Store on a relational database. The same statements
// serve SQLite and Postgres; sqlx rebinds placeholders per driver.
type SQLStore struct {
	db *sqlx.DB
}

// NewSQLiteStore wraps a database opened by storage.OpenSQLite.
func NewSQLiteStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: sqlx.NewDb(db, "sqlite")}
}

// NewPostgresStore wraps a database opened by storage.OpenPostgres.
func NewPostgresStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db}
}

type descriptorRow struct {
	ID           string         `db:"id"`
	Type         string         `db:"type"`
	Status       string         `db:"status"`
	Priority     int            `db:"priority"`
	ScheduledFor int64          `db:"scheduled_for"`
	DelayNS      int64          `db:"delay_ns"`
	Attempts     int            `db:"attempts"`
	MaxAttempts  int            `db:"max_attempts"`
	LastError    sql.NullString `db:"last_error"`
	Payload      sql.NullString `db:"payload"`
	Result       sql.NullString `db:"result"`
	Messages     sql.NullString `db:"messages"`
	Progress     float64        `db:"progress"`
	SubmittedBy  string         `db:"submitted_by"`
	Version      int64          `db:"version"`
	CreatedAt    int64          `db:"created_at"`
	UpdatedAt    int64          `db:"updated_at"`
	StartedAt    sql.NullInt64  `db:"started_at"`
	CompletedAt  sql.NullInt64  `db:"completed_at"`
}

type updateArgs struct {
	descriptorRow
	Expected int64 `db:"expected_version"`
}

func toRow(d *job.Descriptor) (descriptorRow, error) {
	r := descriptorRow{
		ID:           d.ID,
		Type:         d.Type,
		Status:       string(d.Status),
		Priority:     d.Priority,
		ScheduledFor: toNanos(d.ScheduledFor),
		DelayNS:      int64(d.Delay),
		Attempts:     d.Attempts,
		MaxAttempts:  d.MaxAttempts,
		Progress:     d.Progress,
		SubmittedBy:  d.SubmittedBy,
		Version:      d.Version,
		CreatedAt:    toNanos(d.CreatedAt),
		UpdatedAt:    toNanos(d.UpdatedAt),
	}
	if d.LastError != nil {
		r.LastError = sql.NullString{String: *d.LastError, Valid: true}
	}
	if len(d.Payload) > 0 {
		r.Payload = sql.NullString{String: string(d.Payload), Valid: true}
	}
	if len(d.Result) > 0 {
		r.Result = sql.NullString{String: string(d.Result), Valid: true}
	}
	if len(d.Messages) > 0 {
		b, err := json.Marshal(d.Messages)
		if err != nil {
			return r, fmt.Errorf("encode messages: %w", err)
		}
		r.Messages = sql.NullString{String: string(b), Valid: true}
	}
	if d.StartedAt != nil {
		r.StartedAt = sql.NullInt64{Int64: toNanos(*d.StartedAt), Valid: true}
	}
	if d.CompletedAt != nil {
		r.CompletedAt = sql.NullInt64{Int64: toNanos(*d.CompletedAt), Valid: true}
	}
	return r, nil
}

func (r descriptorRow) descriptor() (*job.Descriptor, error) {
	d := &job.Descriptor{
		ID:           r.ID,
		Type:         r.Type,
		Status:       job.Status(r.Status),
		Priority:     r.Priority,
		ScheduledFor: fromNanos(r.ScheduledFor),
		Delay:        time.Duration(r.DelayNS),
		Attempts:     r.Attempts,
		MaxAttempts:  r.MaxAttempts,
		Progress:     r.Progress,
		SubmittedBy:  r.SubmittedBy,
		Version:      r.Version,
		CreatedAt:    fromNanos(r.CreatedAt),
		UpdatedAt:    fromNanos(r.UpdatedAt),
	}
	if r.LastError.Valid {
		s := r.LastError.String
		d.LastError = &s
	}
	if r.Payload.Valid {
		d.Payload = json.RawMessage(r.Payload.String)
	}
	if r.Result.Valid {
		d.Result = json.RawMessage(r.Result.String)
	}
	if r.Messages.Valid && r.Messages.String != "" {
		if err := json.Unmarshal([]byte(r.Messages.String), &d.Messages); err != nil {
			return nil, fmt.Errorf("decode messages for job %s: %w", r.ID, err)
		}
	}
	if r.StartedAt.Valid {
		t := fromNanos(r.StartedAt.Int64)
		d.StartedAt = &t
	}
	if r.CompletedAt.Valid {
		t := fromNanos(r.CompletedAt.Int64)
		d.CompletedAt = &t
	}
	return d, nil
}

func toDescriptors(rows []descriptorRow) ([]*job.Descriptor, error) {
	out := make([]*job.Descriptor, 0, len(rows))
	for _, r := range rows {
		d, err := r.descriptor()
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// Times are stored as unix nanoseconds; the zero time maps to 0.
func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func (s *SQLStore) Put(ctx context.Context, d *job.Descriptor) error {
	r, err := toRow(d)
	if err != nil {
		return err
	}
	r.Version = d.Version + 1

	var res sql.Result
	if d.Version == 0 {
		res, err = s.db.NamedExecContext(ctx, `
INSERT INTO job_descriptors(`+descriptorColumns+`)
VALUES(:id, :type, :status, :priority, :scheduled_for, :delay_ns, :attempts, :max_attempts,
  :last_error, :payload, :result, :messages, :progress, :submitted_by, :version,
  :created_at, :updated_at, :started_at, :completed_at)
ON CONFLICT(id) DO NOTHING;
`, r)
	} else {
		res, err = s.db.NamedExecContext(ctx, `
UPDATE job_descriptors
SET type = :type, status = :status, priority = :priority, scheduled_for = :scheduled_for,
  delay_ns = :delay_ns, attempts = :attempts, max_attempts = :max_attempts,
  last_error = :last_error, payload = :payload, result = :result, messages = :messages,
  progress = :progress, submitted_by = :submitted_by, version = :version,
  created_at = :created_at, updated_at = :updated_at, started_at = :started_at,
  completed_at = :completed_at
WHERE id = :id AND version = :expected_version;
`, updateArgs{descriptorRow: r, Expected: d.Version})
	}
	if err != nil {
		return fmt.Errorf("put job %s: %w", d.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("put job %s: rows affected: %w", d.ID, err)
	}
	if n == 0 {
		actual, err := s.storedVersion(ctx, d.ID)
		if err != nil {
			return err
		}
		return &ConflictError{ID: d.ID, Expected: d.Version, Actual: actual}
	}

	d.Version++
	return nil
}

func (s *SQLStore) storedVersion(ctx context.Context, id string) (int64, error) {
	var v int64
	err := s.db.GetContext(ctx, &v, s.db.Rebind(`SELECT version FROM job_descriptors WHERE id = ?;`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load version for job %s: %w", id, err)
	}
	return v, nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*job.Descriptor, error) {
	var r descriptorRow
	err := s.db.GetContext(ctx, &r, s.db.Rebind(`SELECT `+descriptorColumns+` FROM job_descriptors WHERE id = ?;`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return r.descriptor()
}

// FetchDue runs its query on first iteration. Rows are read and closed
// before anything is yielded so callers may write to the store while ranging.
func (s *SQLStore) FetchDue(ctx context.Context, now time.Time, limit int) iter.Seq2[*job.Descriptor, error] {
	return yieldAll(func() ([]*job.Descriptor, error) {
		if limit <= 0 {
			limit = defaultListLimit
		}
		var rows []descriptorRow
		err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
SELECT `+descriptorColumns+`
FROM job_descriptors
WHERE status = ? AND scheduled_for <= ?
ORDER BY priority DESC, scheduled_for ASC, id ASC
LIMIT ?;
`), job.StatusQueued, now.UnixNano(), limit)
		if err != nil {
			return nil, fmt.Errorf("fetch due jobs: %w", err)
		}
		return toDescriptors(rows)
	})
}

func (s *SQLStore) Claim(ctx context.Context, id string, expectedVersion int64, at time.Time) (bool, error) {
	atN := at.UnixNano()
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
UPDATE job_descriptors
SET status = ?, version = version + 1, started_at = ?, completed_at = NULL, updated_at = ?
WHERE id = ? AND version = ? AND status = ?;
`), job.StatusRunning, atN, atN, id, expectedVersion, job.StatusQueued)
	if err != nil {
		return false, fmt.Errorf("claim job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim job %s: rows affected: %w", id, err)
	}
	return n == 1, nil
}

func (s *SQLStore) FindStale(ctx context.Context, cutoff time.Time) ([]*job.Descriptor, error) {
	var rows []descriptorRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
SELECT `+descriptorColumns+`
FROM job_descriptors
WHERE status = ? AND updated_at < ?
ORDER BY updated_at ASC, id ASC;
`), job.StatusRunning, cutoff.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("find stale jobs: %w", err)
	}
	return toDescriptors(rows)
}

func (s *SQLStore) List(ctx context.Context, f Filter) ([]*job.Descriptor, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, f.Type)
	}

	q := `SELECT ` + descriptorColumns + ` FROM job_descriptors`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at DESC, id ASC LIMIT ?;`
	args = append(args, f.limit())

	var rows []descriptorRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return toDescriptors(rows)
}

func (s *SQLStore) Depth(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, s.db.Rebind(`SELECT COUNT(*) FROM job_descriptors WHERE status = ?;`), job.StatusQueued); err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

func (s *SQLStore) PruneTerminal(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
DELETE FROM job_descriptors
WHERE status IN (?, ?) AND updated_at < ?;
`), job.StatusCompleted, job.StatusBroken, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune terminal jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune terminal jobs: rows affected: %w", err)
	}
	return int(n), nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
