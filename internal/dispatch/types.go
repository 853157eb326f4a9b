package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidBudget is returned for a Budget that cannot be scheduled.
var ErrInvalidBudget = errors.New("invalid concurrency budget")

// Job is one named prompt submitted to the dispatcher.
type Job struct {
	Name   string
	Prompt string
	// Meta is carried through untouched (style, scene, category, ...).
	Meta map[string]string
}

// Budget bounds how hard a batch leans on the capability.
type Budget struct {
	MaxConcurrent int
	StaggerDelay  time.Duration
}

// Validate reports whether the budget is usable.
func (b Budget) Validate() error {
	if b.MaxConcurrent <= 0 {
		return fmt.Errorf("%w: max_concurrent must be > 0, got %d", ErrInvalidBudget, b.MaxConcurrent)
	}
	if b.StaggerDelay < 0 {
		return fmt.Errorf("%w: stagger_delay must be >= 0, got %s", ErrInvalidBudget, b.StaggerDelay)
	}
	return nil
}

// Response is what a capability hands back for one call.
type Response struct {
	Success      bool
	OutputPath   string
	ErrorMessage string
	Latency      time.Duration
}

//go:generate mockgen -destination=mocks/mock_capability.go -package=mocks github.com/mattjoyce/renderbatch/internal/dispatch Capability

// Capability is the external generation operation. Implementations must be
// safe for concurrent use up to the configured MaxConcurrent.
type Capability interface {
	Generate(ctx context.Context, prompt, name string) (Response, error)
}

// FailureKind separates explicit capability failures from faults.
type FailureKind string

const (
	KindStructured FailureKind = "structured"
	KindFault      FailureKind = "fault"
)

// Outcome is either Success or Failure.
type Outcome interface {
	outcome()
}

// Success is a job the capability completed.
type Success struct {
	Latency    time.Duration
	OutputPath string
}

// Failure is a job that did not produce output.
type Failure struct {
	Kind    FailureKind
	Reason  string
	Latency time.Duration
}

func (Success) outcome() {}
func (Failure) outcome() {}

// Result is the terminal state of one job.
type Result struct {
	Index   int
	Name    string
	Outcome Outcome
}

// OK reports whether the job succeeded.
func (r Result) OK() bool {
	_, ok := r.Outcome.(Success)
	return ok
}

// Elapsed returns the wall-clock time spent on the capability call.
func (r Result) Elapsed() time.Duration {
	switch o := r.Outcome.(type) {
	case Success:
		return o.Latency
	case Failure:
		return o.Latency
	}
	return 0
}

// ErrorMessage returns the failure reason, or "" for a success.
func (r Result) ErrorMessage() string {
	if f, ok := r.Outcome.(Failure); ok {
		return f.Reason
	}
	return ""
}

// OutputPath returns where the artifact was written, if anywhere.
func (r Result) OutputPath() string {
	if s, ok := r.Outcome.(Success); ok {
		return s.OutputPath
	}
	return ""
}

// Report aggregates one Run.
type Report struct {
	Total      int
	Succeeded  int
	Failed     int
	Elapsed    time.Duration
	Throughput float64 // jobs per minute
}

// AllSucceeded reports whether the batch had no failures.
func (r Report) AllSucceeded() bool {
	return r.Failed == 0
}

// Summarize builds a Report from results and total wall-clock time.
func Summarize(results []Result, elapsed time.Duration) Report {
	rep := Report{Total: len(results), Elapsed: elapsed}
	for _, r := range results {
		if r.OK() {
			rep.Succeeded++
		} else {
			rep.Failed++
		}
	}
	if elapsed > 0 {
		rep.Throughput = float64(rep.Total) / elapsed.Minutes()
	}
	return rep
}
