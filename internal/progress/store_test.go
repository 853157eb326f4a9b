package progress

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/renderbatch/internal/dispatch"
	"github.com/mattjoyce/renderbatch/internal/log"
	"github.com/mattjoyce/renderbatch/internal/storage"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

func newStores(t *testing.T) map[string]Store {
	t.Helper()

	fileStore, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "renderbatch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return map[string]Store{
		"file":   fileStore,
		"sqlite": NewSQLiteStore(db),
	}
}

func TestStoreRoundTrip(t *testing.T) {
	t.Parallel()

	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			done, err := store.Completed(ctx, "lions")
			require.NoError(t, err)
			assert.Empty(t, done, "fresh group has no completions")

			require.NoError(t, store.MarkCompleted(ctx, "lions", "A"))
			require.NoError(t, store.MarkCompleted(ctx, "lions", "B"))
			require.NoError(t, store.MarkCompleted(ctx, "lions", "A"))
			require.NoError(t, store.MarkCompleted(ctx, "hippos", "Z"))

			done, err = store.Completed(ctx, "lions")
			require.NoError(t, err)
			assert.Equal(t, map[string]struct{}{"A": {}, "B": {}}, done)

			require.NoError(t, store.Reset(ctx, "lions"))
			done, err = store.Completed(ctx, "lions")
			require.NoError(t, err)
			assert.Empty(t, done)

			other, err := store.Completed(ctx, "hippos")
			require.NoError(t, err)
			assert.Len(t, other, 1, "reset is scoped to one group")
		})
	}
}

func TestStoreConcurrentMarks(t *testing.T) {
	t.Parallel()

	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var wg sync.WaitGroup
			for i := range 20 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					assert.NoError(t, store.MarkCompleted(ctx, "pandas", fmt.Sprintf("job-%d", i)))
				}()
			}
			wg.Wait()

			done, err := store.Completed(ctx, "pandas")
			require.NoError(t, err)
			assert.Len(t, done, 20, "no completion may be lost to a concurrent write")
		})
	}
}

func TestFileStoreWritesJSONList(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	store, err := NewFileStore(base)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.MarkCompleted(ctx, "whales", "one"))
	require.NoError(t, store.MarkCompleted(ctx, "whales", "two"))

	data, err := os.ReadFile(filepath.Join(base, "whales", FileName))
	require.NoError(t, err)
	assert.JSONEq(t, `["one","two"]`, string(data))
}

func TestFileStoreRejectsCorruptFile(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	store, err := NewFileStore(base)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(base, "bears"), 0o755))
	require.NoError(t, os.WriteFile(store.Path("bears"), []byte("{not json"), 0o644))

	_, err = store.Completed(context.Background(), "bears")
	assert.ErrorContains(t, err, "parse progress file")
}

func TestRecorderMarksOnlySuccesses(t *testing.T) {
	t.Parallel()

	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	rec := NewRecorder(ctx, store, "lions")
	rec.Resolved(0, 2, dispatch.Result{Name: "good", Outcome: dispatch.Success{Latency: time.Second}})
	rec.Resolved(1, 2, dispatch.Result{Name: "bad", Outcome: dispatch.Failure{Kind: dispatch.KindFault, Reason: "boom"}})
	cancel()
	rec.Resolved(2, 3, dispatch.Result{Name: "late", Outcome: dispatch.Success{}})

	done, err := store.Completed(context.Background(), "lions")
	require.NoError(t, err)
	assert.Equal(t, map[string]struct{}{"good": {}, "late": {}}, done)
}
