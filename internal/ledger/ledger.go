package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/renderbatch/internal/dispatch"
)

const maxErrorBytes = 4 * 1024

// Fixed-width so started_at sorts lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

type Ledger struct {
	db *sql.DB
}

func New(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

// StartRun records a running batch and returns its id.
func (l *Ledger) StartRun(ctx context.Context, req StartRequest) (string, error) {
	if req.Group == "" {
		return "", fmt.Errorf("group is empty")
	}
	if req.MaxConcurrent <= 0 {
		return "", fmt.Errorf("max_concurrent must be positive")
	}

	id := uuid.NewString()
	now := time.Now().UTC().Format(timeFormat)

	_, err := l.db.ExecContext(ctx, `
INSERT INTO batch_runs(id, group_name, status, max_concurrent, stagger_ms, started_at)
VALUES(?, ?, ?, ?, ?, ?);
`, id, req.Group, StatusRunning, req.MaxConcurrent, req.StaggerDelay.Milliseconds(), now)
	if err != nil {
		return "", fmt.Errorf("start run: %w", err)
	}
	return id, nil
}

// FinishRun writes every job result and closes the run in one transaction.
func (l *Ledger) FinishRun(ctx context.Context, runID string, results []dispatch.Result, rep dispatch.Report) error {
	if runID == "" {
		return fmt.Errorf("runID is empty")
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, r := range results {
		status := StatusSucceeded
		var kind, msg any
		if f, ok := r.Outcome.(dispatch.Failure); ok {
			status = StatusFailed
			kind = string(f.Kind)
			msg = truncate(f.Reason, maxErrorBytes)
		}
		var output any
		if p := r.OutputPath(); p != "" {
			output = p
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO job_results(run_id, job_index, job_name, status, failure_kind, error_message, output_path, elapsed_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?);
`, runID, r.Index, r.Name, status, kind, msg, output, r.Elapsed().Milliseconds()); err != nil {
			return fmt.Errorf("insert job_results: %w", err)
		}
	}

	status := StatusSucceeded
	if !rep.AllSucceeded() {
		status = StatusFailed
	}
	res, err := tx.ExecContext(ctx, `
UPDATE batch_runs
SET status = ?, total = ?, succeeded = ?, failed = ?, completed_at = ?, elapsed_ms = ?
WHERE id = ?;
`, status, rep.Total, rep.Succeeded, rep.Failed, time.Now().UTC().Format(timeFormat), rep.Elapsed.Milliseconds(), runID)
	if err != nil {
		return fmt.Errorf("update run completion: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish run %s: %w", runID, ErrRunNotFound)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// AbortRun closes a run that never reached the dispatcher.
func (l *Ledger) AbortRun(ctx context.Context, runID string) error {
	res, err := l.db.ExecContext(ctx, `
UPDATE batch_runs SET status = ?, completed_at = ? WHERE id = ? AND status = ?;
`, StatusAborted, time.Now().UTC().Format(timeFormat), runID, StatusRunning)
	if err != nil {
		return fmt.Errorf("abort run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("abort run %s: %w", runID, ErrRunNotFound)
	}
	return nil
}

const runColumns = `id, group_name, status, max_concurrent, stagger_ms, total, succeeded, failed, started_at, completed_at, elapsed_ms`

// GetRun loads a single run by id.
func (l *Ledger) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := l.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM batch_runs WHERE id = ?;`, runID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// ListRuns returns the newest runs first. An empty group lists every group.
func (l *Ledger) ListRuns(ctx context.Context, group string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `SELECT ` + runColumns + ` FROM batch_runs`
	args := []any{}
	if group != "" {
		query += ` WHERE group_name = ?`
		args = append(args, group)
	}
	query += ` ORDER BY started_at DESC, rowid DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// Results returns a run's job records in input order.
func (l *Ledger) Results(ctx context.Context, runID string) ([]JobRecord, error) {
	rows, err := l.db.QueryContext(ctx, `
SELECT run_id, job_index, job_name, status, failure_kind, error_message, output_path, elapsed_ms
FROM job_results
WHERE run_id = ?
ORDER BY job_index ASC;
`, runID)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	var out []JobRecord
	for rows.Next() {
		var (
			rec       JobRecord
			statusS   string
			kind      sql.NullString
			msg       sql.NullString
			output    sql.NullString
			elapsedMS int64
		)
		if err := rows.Scan(&rec.RunID, &rec.Index, &rec.Name, &statusS, &kind, &msg, &output, &elapsedMS); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		rec.Status = Status(statusS)
		rec.FailureKind = kind.String
		rec.Error = msg.String
		rec.OutputPath = output.String
		rec.Elapsed = time.Duration(elapsedMS) * time.Millisecond
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate results: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*Run, error) {
	var (
		r            Run
		statusS      string
		staggerMS    int64
		startedAtS   string
		completedAtS sql.NullString
		elapsedMS    sql.NullInt64
	)
	if err := s.Scan(&r.ID, &r.Group, &statusS, &r.MaxConcurrent, &staggerMS, &r.Total, &r.Succeeded, &r.Failed,
		&startedAtS, &completedAtS, &elapsedMS); err != nil {
		return nil, err
	}
	r.Status = Status(statusS)
	r.StaggerDelay = time.Duration(staggerMS) * time.Millisecond
	if t, err := time.Parse(time.RFC3339Nano, startedAtS); err == nil {
		r.StartedAt = t
	}
	if completedAtS.Valid {
		if t, err := time.Parse(time.RFC3339Nano, completedAtS.String); err == nil {
			r.CompletedAt = &t
		}
	}
	if elapsedMS.Valid {
		r.Elapsed = time.Duration(elapsedMS.Int64) * time.Millisecond
	}
	return &r, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
