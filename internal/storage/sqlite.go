package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures required tables exist.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := RequireLocalFilesystem(path, "state.path"); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	// Pragmas go in the DSN so every pooled connection gets them.
	dsn := "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables/indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS completed_jobs (
  group_name   TEXT NOT NULL,
  job_name     TEXT NOT NULL,
  completed_at TEXT NOT NULL,
  PRIMARY KEY (group_name, job_name)
);`,
		`CREATE TABLE IF NOT EXISTS batch_runs (
  id              TEXT PRIMARY KEY,
  group_name      TEXT NOT NULL,
  status          TEXT NOT NULL,
  max_concurrent  INTEGER NOT NULL,
  stagger_ms      INTEGER NOT NULL,
  total           INTEGER NOT NULL DEFAULT 0,
  succeeded       INTEGER NOT NULL DEFAULT 0,
  failed          INTEGER NOT NULL DEFAULT 0,
  started_at      TEXT NOT NULL,
  completed_at    TEXT,
  elapsed_ms      INTEGER
);`,
		`CREATE TABLE IF NOT EXISTS job_results (
  run_id        TEXT NOT NULL REFERENCES batch_runs(id) ON DELETE CASCADE,
  job_index     INTEGER NOT NULL,
  job_name      TEXT NOT NULL,
  status        TEXT NOT NULL,
  failure_kind  TEXT,
  error_message TEXT,
  output_path   TEXT,
  elapsed_ms    INTEGER NOT NULL,
  PRIMARY KEY (run_id, job_index)
);`,
		`CREATE INDEX IF NOT EXISTS batch_runs_group_started_at_idx ON batch_runs(group_name, started_at);`,
		`CREATE INDEX IF NOT EXISTS job_results_name_idx ON job_results(job_name);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
