package progress

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SQLiteStore keeps progress in the completed_jobs table.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) Completed(ctx context.Context, group string) (map[string]struct{}, error) {
	if group == "" {
		return nil, fmt.Errorf("group is empty")
	}
	rows, err := s.db.QueryContext(ctx, "SELECT job_name FROM completed_jobs WHERE group_name = ?;", group)
	if err != nil {
		return nil, fmt.Errorf("read completed jobs: %w", err)
	}
	defer rows.Close()

	set := map[string]struct{}{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan completed job: %w", err)
		}
		set[name] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate completed jobs: %w", err)
	}
	return set, nil
}

func (s *SQLiteStore) MarkCompleted(ctx context.Context, group, name string) error {
	if group == "" {
		return fmt.Errorf("group is empty")
	}
	if name == "" {
		return fmt.Errorf("job name is empty")
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
INSERT INTO completed_jobs(group_name, job_name, completed_at)
VALUES(?, ?, ?)
ON CONFLICT(group_name, job_name) DO NOTHING;
`, group, name, now)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Reset(ctx context.Context, group string) error {
	if group == "" {
		return fmt.Errorf("group is empty")
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM completed_jobs WHERE group_name = ?;", group); err != nil {
		return fmt.Errorf("reset progress: %w", err)
	}
	return nil
}
