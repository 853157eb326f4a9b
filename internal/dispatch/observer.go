package dispatch

import (
	"fmt"
	"io"
	"strings"
	"sync"
)

// Observer is told about launches and resolutions. Resolved is called from
// job goroutines, so implementations must be safe for concurrent use.
type Observer interface {
	Launched(index, total int, job Job)
	Resolved(index, total int, r Result)
}

type nopObserver struct{}

func (nopObserver) Launched(int, int, Job)    {}
func (nopObserver) Resolved(int, int, Result) {}

// Observers fans out to several observers in order.
type Observers []Observer

func (obs Observers) Launched(index, total int, job Job) {
	for _, o := range obs {
		if o != nil {
			o.Launched(index, total, job)
		}
	}
}

func (obs Observers) Resolved(index, total int, r Result) {
	for _, o := range obs {
		if o != nil {
			o.Resolved(index, total, r)
		}
	}
}

// ResolvedFunc adapts a function that only cares about resolutions.
type ResolvedFunc func(index, total int, r Result)

func (f ResolvedFunc) Launched(int, int, Job) {}

func (f ResolvedFunc) Resolved(index, total int, r Result) { f(index, total, r) }

// PrintObserver writes one human-readable line per launch and resolution.
type PrintObserver struct {
	mu sync.Mutex
	w  io.Writer
}

// NewPrintObserver returns an observer writing to w.
func NewPrintObserver(w io.Writer) *PrintObserver {
	return &PrintObserver{w: w}
}

func (p *PrintObserver) Launched(index, total int, job Job) {
	p.printf("[%d/%d] Starting: %s\n", index+1, total, job.Name)
}

func (p *PrintObserver) Resolved(_, _ int, r Result) {
	if r.OK() {
		p.printf("  ✓ %s (%.1fs)\n", r.Name, r.Elapsed().Seconds())
		return
	}
	p.printf("  ✗ %s: %s\n", r.Name, r.ErrorMessage())
}

func (p *PrintObserver) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format, args...)
}

// FormatReport renders the closing summary block for a batch.
func FormatReport(rep Report) string {
	rule := strings.Repeat("=", 60)
	var b strings.Builder
	fmt.Fprintf(&b, "\n%s\n", rule)
	fmt.Fprintf(&b, "COMPLETE: %d/%d successful\n", rep.Succeeded, rep.Total)
	fmt.Fprintf(&b, "Total time: %.1fs (%.1f min)\n", rep.Elapsed.Seconds(), rep.Elapsed.Minutes())
	fmt.Fprintf(&b, "Rate: %.1f images/min\n", rep.Throughput)
	fmt.Fprintf(&b, "%s\n", rule)
	return b.String()
}
