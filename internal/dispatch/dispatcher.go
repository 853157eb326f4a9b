package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mattjoyce/renderbatch/internal/log"
)

// Dispatcher executes batches of jobs under a fixed Budget.
type Dispatcher struct {
	budget     Budget
	capability Capability
	observer   Observer
	logger     *slog.Logger
	now        func() time.Time
}

// Option customises a Dispatcher.
type Option func(*Dispatcher)

// WithObserver registers a progress observer. A nil observer keeps the run silent.
func WithObserver(o Observer) Option {
	return func(d *Dispatcher) {
		if o != nil {
			d.observer = o
		}
	}
}

// WithLogger overrides the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithClock overrides time.Now for latency and report timing.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// New creates a Dispatcher. It fails fast on an invalid budget.
func New(budget Budget, capability Capability, opts ...Option) (*Dispatcher, error) {
	if err := budget.Validate(); err != nil {
		return nil, err
	}
	if capability == nil {
		return nil, fmt.Errorf("capability is nil")
	}
	d := &Dispatcher{
		budget:     budget,
		capability: capability,
		observer:   nopObserver{},
		logger:     log.WithComponent("dispatch"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Budget returns the budget the dispatcher was built with.
func (d *Dispatcher) Budget() Budget {
	return d.budget
}

// Run launches every job and blocks until all of them have resolved.
// The returned results are in input order, one per job.
func (d *Dispatcher) Run(ctx context.Context, jobs []Job) ([]Result, Report) {
	if len(jobs) == 0 {
		return []Result{}, Report{}
	}

	total := len(jobs)
	results := make([]Result, total)
	slots := make(chan struct{}, d.budget.MaxConcurrent)

	d.logger.Info("batch started",
		"total", total,
		"max_concurrent", d.budget.MaxConcurrent,
		"stagger_delay", d.budget.StaggerDelay.String(),
	)

	var wg sync.WaitGroup
	start := d.now()
	var lastLaunch time.Time

	for i, job := range jobs {
		if i > 0 && d.budget.StaggerDelay > 0 {
			wait := d.budget.StaggerDelay - d.now().Sub(lastLaunch)
			_ = sleepContext(ctx, wait)
		}

		if err := ctx.Err(); err != nil {
			results[i] = Result{Index: i, Name: job.Name, Outcome: Failure{
				Kind:   KindFault,
				Reason: fmt.Sprintf("not launched: %v", err),
			}}
			d.notifyResolved(i, total, results[i])
			continue
		}

		// The stagger clock starts once observers have seen the launch.
		d.notifyLaunched(i, total, job)
		lastLaunch = d.now()

		wg.Add(1)
		go func(i int, job Job) {
			defer wg.Done()
			results[i] = d.execute(ctx, slots, i, job)
			d.notifyResolved(i, total, results[i])
		}(i, job)
	}

	wg.Wait()
	report := Summarize(results, d.now().Sub(start))

	d.logger.Info("batch complete",
		"total", report.Total,
		"succeeded", report.Succeeded,
		"failed", report.Failed,
		"elapsed", report.Elapsed.String(),
		"per_minute", report.Throughput,
	)
	return results, report
}

// execute waits for a slot, calls the capability and classifies the outcome.
func (d *Dispatcher) execute(ctx context.Context, slots chan struct{}, i int, job Job) Result {
	res := Result{Index: i, Name: job.Name}

	select {
	case slots <- struct{}{}:
	case <-ctx.Done():
		res.Outcome = Failure{Kind: KindFault, Reason: fmt.Sprintf("cancelled waiting for slot: %v", ctx.Err())}
		return res
	}
	defer func() { <-slots }()

	jobLogger := d.logger.With("job", job.Name)
	jobLogger.Debug("calling capability", "index", i)

	started := d.now()
	resp, err := d.call(ctx, job)
	elapsed := d.now().Sub(started)

	switch {
	case err != nil:
		reason := strings.TrimSpace(err.Error())
		if reason == "" {
			reason = fmt.Sprintf("capability fault (%T)", err)
		}
		jobLogger.Warn("capability fault", "error", reason, "elapsed", elapsed.String())
		res.Outcome = Failure{Kind: KindFault, Reason: reason, Latency: elapsed}
	case !resp.Success:
		reason := resp.ErrorMessage
		if reason == "" {
			reason = "generation reported failure without a message"
		}
		jobLogger.Warn("generation failed", "error", reason, "elapsed", elapsed.String())
		res.Outcome = Failure{Kind: KindStructured, Reason: reason, Latency: elapsed}
	default:
		jobLogger.Debug("generation succeeded", "elapsed", elapsed.String(), "output", resp.OutputPath)
		res.Outcome = Success{Latency: elapsed, OutputPath: resp.OutputPath}
	}
	return res
}

// call invokes the capability, turning a panic into an error.
func (d *Dispatcher) call(ctx context.Context, job Job) (resp Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("capability panic: %v", r)
		}
	}()
	return d.capability.Generate(ctx, job.Prompt, job.Name)
}

// notifyLaunched and notifyResolved contain observer panics so a faulty
// progress hook cannot take down the batch.
func (d *Dispatcher) notifyLaunched(i, total int, job Job) {
	defer d.recoverObserver("launched", job.Name)
	d.observer.Launched(i, total, job)
}

func (d *Dispatcher) notifyResolved(i, total int, r Result) {
	defer d.recoverObserver("resolved", r.Name)
	d.observer.Resolved(i, total, r)
}

func (d *Dispatcher) recoverObserver(event, name string) {
	if r := recover(); r != nil {
		d.logger.Error("observer panic", "event", event, "job", name, "panic", fmt.Sprint(r))
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
