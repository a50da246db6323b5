package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// OpenPostgres connects to dsn and ensures required tables exist.
func OpenPostgres(ctx context.Context, dsn string) (*sqlx.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is empty")
	}

	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	db, err := sqlx.ConnectContext(cctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := BootstrapPostgres(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapPostgres mirrors BootstrapSQLite's schema.
func BootstrapPostgres(ctx context.Context, db *sqlx.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS job_descriptors (
  id            TEXT PRIMARY KEY,
  type          TEXT NOT NULL,
  status        TEXT NOT NULL,
  priority      INTEGER NOT NULL DEFAULT 0,
  scheduled_for BIGINT NOT NULL DEFAULT 0,
  delay_ns      BIGINT NOT NULL DEFAULT 0,
  attempts      INTEGER NOT NULL DEFAULT 0,
  max_attempts  INTEGER NOT NULL DEFAULT 3,
  last_error    TEXT,
  payload       TEXT,
  result        TEXT,
  messages      TEXT,
  progress      DOUBLE PRECISION NOT NULL DEFAULT 0,
  submitted_by  TEXT NOT NULL,
  version       BIGINT NOT NULL DEFAULT 1,
  created_at    BIGINT NOT NULL,
  updated_at    BIGINT NOT NULL,
  started_at    BIGINT,
  completed_at  BIGINT
);`,
		`CREATE INDEX IF NOT EXISTS job_descriptors_due_idx ON job_descriptors(status, priority DESC, scheduled_for, id);`,
		`CREATE INDEX IF NOT EXISTS job_descriptors_status_updated_idx ON job_descriptors(status, updated_at);`,
		`CREATE INDEX IF NOT EXISTS job_descriptors_type_idx ON job_descriptors(type, status);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap postgres: %w", err)
		}
	}
	return nil
}
