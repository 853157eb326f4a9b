// Package runner drives one or more groups through the dispatcher: it loads
// each group's jobs, skips work already completed, records progress as jobs
// succeed, and writes prompts.json, results.json and the run summary.
package runner

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/renderbatch/internal/config"
	"github.com/mattjoyce/renderbatch/internal/dispatch"
	"github.com/mattjoyce/renderbatch/internal/events"
	"github.com/mattjoyce/renderbatch/internal/generate"
	"github.com/mattjoyce/renderbatch/internal/jobsource"
	"github.com/mattjoyce/renderbatch/internal/ledger"
	"github.com/mattjoyce/renderbatch/internal/lock"
	"github.com/mattjoyce/renderbatch/internal/log"
	"github.com/mattjoyce/renderbatch/internal/progress"
)

// LockFile guards a group's output dir against concurrent runs.
const LockFile = ".renderbatch.lock"

// CapabilityFactory builds the generation capability for one group.
type CapabilityFactory func(group, outputDir string) (dispatch.Capability, error)

// Request asks for one group to be run.
type Request struct {
	Group string
	// Jobs overrides the group's configured prompt source when non-nil.
	Jobs []dispatch.Job
}

type Runner struct {
	cfg     *config.Config
	store   progress.Store
	ledger  *ledger.Ledger
	hub     *events.Hub
	out     io.Writer
	factory CapabilityFactory
	resume  bool
	now     func() time.Time
	logger  *slog.Logger
}

type Option func(*Runner)

// WithLedger records every dispatched batch.
func WithLedger(l *ledger.Ledger) Option { return func(r *Runner) { r.ledger = l } }

// WithHub publishes batch events for live monitoring.
func WithHub(h *events.Hub) Option { return func(r *Runner) { r.hub = h } }

// WithOutput sets where progress lines go. nil silences them.
func WithOutput(w io.Writer) Option {
	return func(r *Runner) {
		if w == nil {
			w = io.Discard
		}
		r.out = w
	}
}

// WithCapabilityFactory replaces the HTTP image client.
func WithCapabilityFactory(f CapabilityFactory) Option { return func(r *Runner) { r.factory = f } }

// WithResume controls whether completed jobs are skipped (default true).
// Without resume a group's progress is cleared before it runs.
func WithResume(resume bool) Option { return func(r *Runner) { r.resume = resume } }

// WithClock overrides time.Now for summary timestamps.
func WithClock(now func() time.Time) Option { return func(r *Runner) { r.now = now } }

func New(cfg *config.Config, store progress.Store, opts ...Option) *Runner {
	r := &Runner{
		cfg:    cfg,
		store:  store,
		out:    os.Stdout,
		resume: true,
		now:    time.Now,
		logger: log.WithComponent("runner"),
	}
	r.factory = r.httpCapability
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Runner) httpCapability(group, outputDir string) (dispatch.Capability, error) {
	g := r.cfg.Generator
	return generate.NewClient(generate.Config{
		BaseURL:              g.BaseURL,
		Model:                g.Model,
		APIKey:               g.APIKey,
		Timeout:              g.Timeout,
		AspectRatio:          r.cfg.Output.AspectRatio,
		OutputDir:            outputDir,
		MaxRetries:           g.MaxRetries,
		RetryBackoff:         g.RetryBackoff,
		DelayBetweenRequests: g.DelayBetweenRequests,
	})
}

// Budget is the dispatcher budget taken from config.
func (r *Runner) Budget() dispatch.Budget {
	return dispatch.Budget{
		MaxConcurrent: r.cfg.Dispatch.MaxConcurrent,
		StaggerDelay:  r.cfg.Dispatch.StaggerDelay,
	}
}

// OutputDir is where a group's images and bookkeeping files live.
func (r *Runner) OutputDir(group string) string {
	return filepath.Join(r.cfg.Output.BaseDir, group)
}

// LoadJobs builds the configured job list for a group.
func LoadJobs(g config.GroupConfig) ([]dispatch.Job, error) {
	if g.Matrix != "" {
		m, err := jobsource.LoadMatrix(g.Matrix)
		if err != nil {
			return nil, err
		}
		return m.Build()
	}
	return jobsource.LoadPromptFile(g.Prompts)
}

// RunGroups runs every request concurrently and returns summaries in request
// order. An environment failure in one group does not stop the others; the
// first such error is returned alongside the summaries of groups that ran.
func (r *Runner) RunGroups(ctx context.Context, reqs []Request) ([]GroupSummary, error) {
	summaries := make([]GroupSummary, len(reqs))
	ran := make([]bool, len(reqs))

	var g errgroup.Group
	for i, req := range reqs {
		g.Go(func() error {
			s, err := r.RunGroup(ctx, req)
			if err != nil {
				return fmt.Errorf("group %s: %w", req.Group, err)
			}
			summaries[i] = s
			ran[i] = true
			return nil
		})
	}
	err := g.Wait()

	out := make([]GroupSummary, 0, len(reqs))
	for i, s := range summaries {
		if ran[i] {
			out = append(out, s)
		}
	}
	return out, err
}

// RunGroup runs one group to completion. Job failures are reported in the
// summary; only environment failures (output dir, store, capability setup)
// return an error.
func (r *Runner) RunGroup(ctx context.Context, req Request) (GroupSummary, error) {
	logger := r.logger.With("group", req.Group)
	start := time.Now()

	jobs := req.Jobs
	if jobs == nil {
		g, ok := r.cfg.Group(req.Group)
		if !ok {
			return GroupSummary{}, fmt.Errorf("unknown group %q (configured: %s)", req.Group, strings.Join(r.cfg.GroupNames(), ", "))
		}
		var err error
		if jobs, err = LoadJobs(g); err != nil {
			return GroupSummary{}, err
		}
	}

	outputDir := r.OutputDir(req.Group)
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return GroupSummary{}, fmt.Errorf("create output dir: %w", err)
	}
	pid, err := lock.AcquirePIDLock(filepath.Join(outputDir, LockFile))
	if err != nil {
		return GroupSummary{}, fmt.Errorf("group already running: %w", err)
	}
	defer func() { _ = pid.Release() }()

	if !r.resume {
		if err := r.store.Reset(ctx, req.Group); err != nil {
			return GroupSummary{}, fmt.Errorf("reset progress: %w", err)
		}
	}
	completed, err := r.store.Completed(ctx, req.Group)
	if err != nil {
		return GroupSummary{}, fmt.Errorf("load progress: %w", err)
	}
	remaining, skipped := jobsource.FilterCompleted(jobs, completed)

	rule := strings.Repeat("=", 60)
	fmt.Fprintf(r.out, "\n%s\nStarting batch generation: %s\n%s\n", rule, strings.ToUpper(req.Group), rule)
	if len(skipped) > 0 {
		fmt.Fprintf(r.out, "Resuming: %d already completed\n", len(skipped))
	}
	fmt.Fprintf(r.out, "To generate: %d images\n", len(remaining))

	if err := jobsource.SavePrompts(filepath.Join(outputDir, "prompts.json"), jobs); err != nil {
		return GroupSummary{}, err
	}

	summary := GroupSummary{Group: req.Group, Total: len(jobs), Completed: len(skipped), FailedNames: []string{}}
	if len(remaining) == 0 {
		fmt.Fprintln(r.out, "All images already generated!")
		return summary, nil
	}

	capability, err := r.factory(req.Group, outputDir)
	if err != nil {
		return GroupSummary{}, fmt.Errorf("build capability: %w", err)
	}

	budget := r.Budget()
	var hubObs *events.Observer
	observers := dispatch.Observers{
		dispatch.NewPrintObserver(r.out),
		progress.NewRecorder(ctx, r.store, req.Group),
	}
	if r.hub != nil {
		hubObs = events.NewObserver(r.hub, req.Group)
		hubObs.Started(len(remaining), len(skipped), budget)
		observers = append(observers, hubObs)
	}

	d, err := dispatch.New(budget, capability, dispatch.WithObserver(observers), dispatch.WithLogger(logger))
	if err != nil {
		return GroupSummary{}, err
	}

	var runID string
	if r.ledger != nil {
		runID, err = r.ledger.StartRun(ctx, ledger.StartRequest{
			Group:         req.Group,
			MaxConcurrent: budget.MaxConcurrent,
			StaggerDelay:  budget.StaggerDelay,
		})
		if err != nil {
			return GroupSummary{}, err
		}
	}

	// Bookkeeping survives an interrupted batch.
	bookCtx := context.WithoutCancel(ctx)
	if err := ctx.Err(); err != nil {
		if r.ledger != nil {
			_ = r.ledger.AbortRun(bookCtx, runID)
		}
		return GroupSummary{}, fmt.Errorf("interrupted before dispatch: %w", err)
	}

	results, rep := d.Run(ctx, remaining)
	fmt.Fprint(r.out, dispatch.FormatReport(rep))

	if hubObs != nil {
		hubObs.Completed(rep)
	}
	if r.ledger != nil {
		if err := r.ledger.FinishRun(bookCtx, runID, results, rep); err != nil {
			logger.Error("failed to record run", "run_id", runID, "error", err)
		}
	}
	if err := writeResults(filepath.Join(outputDir, "results.json"), results); err != nil {
		return GroupSummary{}, err
	}

	for _, res := range results {
		if !res.OK() {
			summary.FailedNames = append(summary.FailedNames, res.Name)
		}
	}
	summary.Completed += rep.Succeeded
	summary.Failed = rep.Failed
	summary.ElapsedMinutes = time.Since(start).Minutes()

	logger.Info("group finished", "total", summary.Total, "completed", summary.Completed, "failed", summary.Failed)
	if summary.Failed > 0 {
		fmt.Fprintf(r.out, "\nFailed images: %s\n", strings.Join(summary.FailedNames, ", "))
	}
	return summary, nil
}

// Finish writes the run summary and prints the per-group table.
func (r *Runner) Finish(summaries []GroupSummary) (string, error) {
	fmt.Fprint(r.out, FormatSummaries(summaries))
	path, err := WriteSummary(r.cfg.Output.BaseDir, summaries, r.now())
	if err != nil {
		return "", err
	}
	fmt.Fprintf(r.out, "\nSummary saved to: %s\n", path)
	return path, nil
}
