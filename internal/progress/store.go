// Package progress records which jobs of a group have completed so an
// interrupted batch can resume without regenerating finished images.
package progress

import (
	"context"
	"log/slog"

	"github.com/mattjoyce/renderbatch/internal/dispatch"
	"github.com/mattjoyce/renderbatch/internal/log"
)

// Store persists completed job names per group.
type Store interface {
	Completed(ctx context.Context, group string) (map[string]struct{}, error)
	MarkCompleted(ctx context.Context, group, name string) error
	Reset(ctx context.Context, group string) error
}

// Recorder is a dispatch.Observer that marks successful jobs completed as
// they resolve. Store errors are logged; they never fail the job.
type Recorder struct {
	ctx    context.Context
	store  Store
	group  string
	logger *slog.Logger
}

func NewRecorder(ctx context.Context, store Store, group string) *Recorder {
	return &Recorder{
		ctx:    ctx,
		store:  store,
		group:  group,
		logger: log.WithComponent("progress").With("group", group),
	}
}

func (r *Recorder) Launched(int, int, dispatch.Job) {}

func (r *Recorder) Resolved(_, _ int, res dispatch.Result) {
	if !res.OK() {
		return
	}
	// The batch context may already be cancelled; completion still counts.
	if err := r.store.MarkCompleted(context.WithoutCancel(r.ctx), r.group, res.Name); err != nil {
		r.logger.Error("failed to record completion", "job", res.Name, "error", err)
	}
}
