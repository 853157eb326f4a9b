package ledger

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/renderbatch/internal/dispatch"
	"github.com/mattjoyce/renderbatch/internal/storage"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "renderbatch.db")
	db, err := storage.OpenSQLite(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestLedgerStartAndFinishRun(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := New(openDB(t))

	id, err := l.StartRun(ctx, StartRequest{Group: "lions", MaxConcurrent: 2, StaggerDelay: 100 * time.Millisecond})
	require.NoError(t, err)

	run, err := l.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, run.Status)
	assert.Equal(t, 100*time.Millisecond, run.StaggerDelay)
	assert.Nil(t, run.CompletedAt)

	results := []dispatch.Result{
		{Index: 0, Name: "a", Outcome: dispatch.Success{Latency: 1500 * time.Millisecond, OutputPath: "/out/a.png"}},
		{Index: 1, Name: "b", Outcome: dispatch.Failure{Kind: dispatch.KindStructured, Reason: "no image", Latency: 200 * time.Millisecond}},
	}
	rep := dispatch.Summarize(results, 2*time.Second)
	require.NoError(t, l.FinishRun(ctx, id, results, rep))

	run, err = l.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, run.Status)
	assert.Equal(t, 2, run.Total)
	assert.Equal(t, 1, run.Succeeded)
	assert.Equal(t, 1, run.Failed)
	assert.NotNil(t, run.CompletedAt)
	assert.Equal(t, 2*time.Second, run.Elapsed)

	recs, err := l.Results(ctx, id)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "a", recs[0].Name)
	assert.Equal(t, StatusSucceeded, recs[0].Status)
	assert.Equal(t, "/out/a.png", recs[0].OutputPath)
	assert.Equal(t, 1500*time.Millisecond, recs[0].Elapsed)
	assert.Equal(t, StatusFailed, recs[1].Status)
	assert.Equal(t, "structured", recs[1].FailureKind)
	assert.Equal(t, "no image", recs[1].Error)
}

func TestLedgerListRunsNewestFirst(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := New(openDB(t))

	first, err := l.StartRun(ctx, StartRequest{Group: "lions", MaxConcurrent: 1})
	require.NoError(t, err)
	second, err := l.StartRun(ctx, StartRequest{Group: "lions", MaxConcurrent: 1})
	require.NoError(t, err)
	_, err = l.StartRun(ctx, StartRequest{Group: "hippos", MaxConcurrent: 1})
	require.NoError(t, err)

	runs, err := l.ListRuns(ctx, "lions", 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, second, runs[0].ID)
	assert.Equal(t, first, runs[1].ID)

	all, err := l.ListRuns(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestLedgerAbortRun(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := New(openDB(t))

	id, err := l.StartRun(ctx, StartRequest{Group: "pandas", MaxConcurrent: 3})
	require.NoError(t, err)
	require.NoError(t, l.AbortRun(ctx, id))

	run, err := l.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusAborted, run.Status)

	err = l.AbortRun(ctx, id)
	assert.True(t, errors.Is(err, ErrRunNotFound), "aborting twice should not match a running row")
}

func TestLedgerUnknownRun(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := New(openDB(t))

	_, err := l.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)

	err = l.FinishRun(ctx, "missing", nil, dispatch.Report{})
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestLedgerStartRunValidates(t *testing.T) {
	t.Parallel()

	l := New(openDB(t))
	_, err := l.StartRun(context.Background(), StartRequest{MaxConcurrent: 1})
	assert.Error(t, err)
	_, err = l.StartRun(context.Background(), StartRequest{Group: "x"})
	assert.Error(t, err)
}
