package dispatch_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/renderbatch/internal/dispatch"
	"github.com/mattjoyce/renderbatch/internal/dispatch/mocks"
	"github.com/mattjoyce/renderbatch/internal/log"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR") // Suppress logs in tests
	os.Exit(m.Run())
}

// sleepyCapability succeeds after a fixed delay and tracks peak concurrency.
type sleepyCapability struct {
	delay   func(name string) time.Duration
	fail    map[string]error
	current atomic.Int32
	peak    atomic.Int32
	calls   atomic.Int32

	mu     sync.Mutex
	called []string
}

func (c *sleepyCapability) Generate(ctx context.Context, prompt, name string) (dispatch.Response, error) {
	c.calls.Add(1)
	n := c.current.Add(1)
	defer c.current.Add(-1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}

	c.mu.Lock()
	c.called = append(c.called, name)
	c.mu.Unlock()

	if c.delay != nil {
		time.Sleep(c.delay(name))
	}
	if err, ok := c.fail[name]; ok {
		return dispatch.Response{}, err
	}
	return dispatch.Response{Success: true, OutputPath: "/out/" + name + ".png"}, nil
}

func makeJobs(n int) []dispatch.Job {
	jobs := make([]dispatch.Job, n)
	for i := range jobs {
		jobs[i] = dispatch.Job{Name: fmt.Sprintf("job-%d", i+1), Prompt: fmt.Sprintf("prompt-%d", i+1)}
	}
	return jobs
}

func names(results []dispatch.Result) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.Name
	}
	return out
}

// launchRecorder captures launch timestamps.
type launchRecorder struct {
	mu       sync.Mutex
	launches []time.Time
	resolved atomic.Int32
}

func (l *launchRecorder) Launched(int, int, dispatch.Job) {
	l.mu.Lock()
	l.launches = append(l.launches, time.Now())
	l.mu.Unlock()
}

func (l *launchRecorder) Resolved(int, int, dispatch.Result) {
	l.resolved.Add(1)
}

func TestNewRejectsInvalidBudget(t *testing.T) {
	t.Parallel()

	gen := &sleepyCapability{}
	for _, b := range []dispatch.Budget{
		{MaxConcurrent: 0},
		{MaxConcurrent: -3},
		{MaxConcurrent: 1, StaggerDelay: -time.Millisecond},
	} {
		_, err := dispatch.New(b, gen)
		assert.ErrorIs(t, err, dispatch.ErrInvalidBudget, "budget %+v", b)
	}

	_, err := dispatch.New(dispatch.Budget{MaxConcurrent: 1}, nil)
	assert.Error(t, err)
}

func TestRunEmptyBatch(t *testing.T) {
	t.Parallel()

	gen := &sleepyCapability{}
	d, err := dispatch.New(dispatch.Budget{MaxConcurrent: 2, StaggerDelay: time.Second}, gen)
	require.NoError(t, err)

	results, rep := d.Run(context.Background(), nil)
	assert.NotNil(t, results)
	assert.Empty(t, results)
	assert.Equal(t, dispatch.Report{}, rep)
	assert.Zero(t, gen.calls.Load())
}

func TestRunOneResultPerJobInInputOrder(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(42))
	delays := make(map[string]time.Duration)
	jobs := makeJobs(20)
	for _, j := range jobs {
		delays[j.Name] = time.Duration(rng.Intn(20)) * time.Millisecond
	}
	gen := &sleepyCapability{delay: func(name string) time.Duration { return delays[name] }}

	d, err := dispatch.New(dispatch.Budget{MaxConcurrent: 4}, gen)
	require.NoError(t, err)

	results, rep := d.Run(context.Background(), jobs)
	require.Len(t, results, len(jobs))
	for i, r := range results {
		assert.Equal(t, i, r.Index)
		assert.Equal(t, jobs[i].Name, r.Name)
		assert.True(t, r.OK())
	}
	assert.Equal(t, 20, rep.Succeeded)
	assert.Equal(t, 0, rep.Failed)
	assert.True(t, rep.AllSucceeded())

	called := append([]string(nil), gen.called...)
	sort.Strings(called)
	want := names(results)
	sort.Strings(want)
	assert.Equal(t, want, called, "each job should hit the capability exactly once")
}

func TestRunNeverExceedsMaxConcurrent(t *testing.T) {
	t.Parallel()

	for _, limit := range []int{1, 2, 5} {
		t.Run(fmt.Sprintf("max=%d", limit), func(t *testing.T) {
			gen := &sleepyCapability{delay: func(string) time.Duration { return 15 * time.Millisecond }}
			d, err := dispatch.New(dispatch.Budget{MaxConcurrent: limit}, gen)
			require.NoError(t, err)

			results, _ := d.Run(context.Background(), makeJobs(12))
			require.Len(t, results, 12)
			assert.LessOrEqual(t, int(gen.peak.Load()), limit)
			assert.Equal(t, int32(limit), gen.peak.Load(), "burst launch should saturate the budget")
		})
	}
}

func TestRunStaggersLaunches(t *testing.T) {
	t.Parallel()

	const stagger = 30 * time.Millisecond
	rec := &launchRecorder{}
	gen := &sleepyCapability{}
	d, err := dispatch.New(dispatch.Budget{MaxConcurrent: 10, StaggerDelay: stagger}, gen, dispatch.WithObserver(rec))
	require.NoError(t, err)

	_, _ = d.Run(context.Background(), makeJobs(5))

	require.Len(t, rec.launches, 5)
	for i := 1; i < len(rec.launches); i++ {
		gap := rec.launches[i].Sub(rec.launches[i-1])
		assert.GreaterOrEqual(t, gap, stagger, "launch %d came %s after launch %d", i, gap, i-1)
	}
	assert.Equal(t, int32(5), rec.resolved.Load())
}

func TestRunStaggerCountsFromObservedLaunch(t *testing.T) {
	t.Parallel()

	const stagger = 20 * time.Millisecond
	rec := &slowLaunchRecorder{pause: 5 * time.Millisecond}
	d, err := dispatch.New(dispatch.Budget{MaxConcurrent: 10, StaggerDelay: stagger}, &sleepyCapability{}, dispatch.WithObserver(rec))
	require.NoError(t, err)

	_, _ = d.Run(context.Background(), makeJobs(6))

	require.Len(t, rec.launches, 6)
	for i := 1; i < len(rec.launches); i++ {
		gap := rec.launches[i].Sub(rec.launches[i-1])
		assert.GreaterOrEqual(t, gap, stagger, "launch %d came %s after launch %d", i, gap, i-1)
	}
}

// slowLaunchRecorder stamps each launch on entry and then stalls.
type slowLaunchRecorder struct {
	launchRecorder
	pause time.Duration
}

func (s *slowLaunchRecorder) Launched(i, total int, job dispatch.Job) {
	s.launchRecorder.Launched(i, total, job)
	time.Sleep(s.pause)
}

type panickyObserver struct {
	resolved atomic.Int32
}

func (p *panickyObserver) Launched(i, _ int, _ dispatch.Job) {
	if i == 0 {
		panic("launch hook broke")
	}
}

func (p *panickyObserver) Resolved(int, int, dispatch.Result) {
	p.resolved.Add(1)
	panic("store unavailable")
}

func TestRunContainsObserverPanics(t *testing.T) {
	t.Parallel()

	obs := &panickyObserver{}
	d, err := dispatch.New(dispatch.Budget{MaxConcurrent: 2}, &sleepyCapability{}, dispatch.WithObserver(obs))
	require.NoError(t, err)

	results, rep := d.Run(context.Background(), makeJobs(4))
	require.Len(t, results, 4)
	assert.Equal(t, 4, rep.Succeeded)
	assert.Equal(t, int32(4), obs.resolved.Load())
}

func TestRunStaggerIsIndependentOfCompletion(t *testing.T) {
	t.Parallel()

	// First job blocks far longer than the stagger; later jobs must still launch on schedule.
	gen := &sleepyCapability{delay: func(name string) time.Duration {
		if name == "job-1" {
			return 200 * time.Millisecond
		}
		return 0
	}}
	rec := &launchRecorder{}
	d, err := dispatch.New(dispatch.Budget{MaxConcurrent: 3, StaggerDelay: 20 * time.Millisecond}, gen, dispatch.WithObserver(rec))
	require.NoError(t, err)

	_, _ = d.Run(context.Background(), makeJobs(3))
	require.Len(t, rec.launches, 3)
	assert.Less(t, rec.launches[2].Sub(rec.launches[0]), 150*time.Millisecond)
}

func TestRunFaultInOneJobDoesNotStopBatch(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	mockCap := mocks.NewMockCapability(ctrl)

	jobs := makeJobs(5)
	for _, j := range jobs {
		if j.Name == "job-3" {
			mockCap.EXPECT().Generate(gomock.Any(), j.Prompt, j.Name).Return(dispatch.Response{}, errors.New("connection reset by peer"))
			continue
		}
		mockCap.EXPECT().Generate(gomock.Any(), j.Prompt, j.Name).Return(dispatch.Response{Success: true}, nil)
	}

	d, err := dispatch.New(dispatch.Budget{MaxConcurrent: 2}, mockCap)
	require.NoError(t, err)

	results, rep := d.Run(context.Background(), jobs)
	require.Len(t, results, 5)
	assert.Equal(t, 4, rep.Succeeded)
	assert.Equal(t, 1, rep.Failed)
	assert.False(t, rep.AllSucceeded())

	failed := results[2]
	assert.False(t, failed.OK())
	assert.Equal(t, "connection reset by peer", failed.ErrorMessage())
	f, ok := failed.Outcome.(dispatch.Failure)
	require.True(t, ok)
	assert.Equal(t, dispatch.KindFault, f.Kind)
}

func TestRunStructuredFailureKeepsMessage(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	mockCap := mocks.NewMockCapability(ctrl)
	mockCap.EXPECT().Generate(gomock.Any(), "p", "blocked").Return(dispatch.Response{Success: false, ErrorMessage: "SAFETY: prompt blocked"}, nil)
	mockCap.EXPECT().Generate(gomock.Any(), "p", "silent").Return(dispatch.Response{Success: false}, nil)

	d, err := dispatch.New(dispatch.Budget{MaxConcurrent: 1}, mockCap)
	require.NoError(t, err)

	results, _ := d.Run(context.Background(), []dispatch.Job{
		{Name: "blocked", Prompt: "p"},
		{Name: "silent", Prompt: "p"},
	})
	require.Len(t, results, 2)

	f, ok := results[0].Outcome.(dispatch.Failure)
	require.True(t, ok)
	assert.Equal(t, dispatch.KindStructured, f.Kind)
	assert.Equal(t, "SAFETY: prompt blocked", f.Reason)

	assert.NotEmpty(t, results[1].ErrorMessage())
}

type panicky struct{}

func (panicky) Generate(context.Context, string, string) (dispatch.Response, error) {
	panic("nil map write")
}

func TestRunRecoversCapabilityPanic(t *testing.T) {
	t.Parallel()

	d, err := dispatch.New(dispatch.Budget{MaxConcurrent: 2}, panicky{})
	require.NoError(t, err)

	results, rep := d.Run(context.Background(), makeJobs(3))
	require.Len(t, results, 3)
	assert.Equal(t, 3, rep.Failed)
	for _, r := range results {
		assert.Contains(t, r.ErrorMessage(), "nil map write")
	}
}

type blankErr struct{}

func (blankErr) Error() string { return "" }

func TestRunBlankFaultGetsMessage(t *testing.T) {
	t.Parallel()

	gen := &sleepyCapability{fail: map[string]error{"job-1": blankErr{}}}
	d, err := dispatch.New(dispatch.Budget{MaxConcurrent: 1}, gen)
	require.NoError(t, err)

	results, _ := d.Run(context.Background(), makeJobs(1))
	assert.NotEmpty(t, results[0].ErrorMessage())
}

func TestRunTwoWaveScenario(t *testing.T) {
	t.Parallel()

	gen := &sleepyCapability{delay: func(string) time.Duration { return 200 * time.Millisecond }}
	d, err := dispatch.New(dispatch.Budget{MaxConcurrent: 2, StaggerDelay: 100 * time.Millisecond}, gen)
	require.NoError(t, err)

	results, rep := d.Run(context.Background(), makeJobs(5))
	require.Len(t, results, 5)
	assert.Equal(t, 5, rep.Succeeded)
	assert.GreaterOrEqual(t, rep.Elapsed, 400*time.Millisecond)
	assert.Less(t, rep.Elapsed, 1500*time.Millisecond)
	assert.Greater(t, rep.Throughput, 0.0)
	assert.LessOrEqual(t, int(gen.peak.Load()), 2)
}

func TestRunCancelledContextResolvesEveryJob(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	gen := &sleepyCapability{}
	d, err := dispatch.New(dispatch.Budget{MaxConcurrent: 1, StaggerDelay: 10 * time.Millisecond}, gen)
	require.NoError(t, err)

	results, rep := d.Run(ctx, makeJobs(4))
	require.Len(t, results, 4)
	assert.Equal(t, 4, rep.Failed)
	assert.Zero(t, gen.calls.Load())
	for i, r := range results {
		assert.Equal(t, fmt.Sprintf("job-%d", i+1), r.Name)
		assert.Contains(t, r.ErrorMessage(), "context canceled")
	}
}

func TestSummarize(t *testing.T) {
	t.Parallel()

	results := []dispatch.Result{
		{Name: "a", Outcome: dispatch.Success{Latency: time.Second}},
		{Name: "b", Outcome: dispatch.Failure{Kind: dispatch.KindFault, Reason: "x"}},
		{Name: "c", Outcome: dispatch.Success{}},
	}
	rep := dispatch.Summarize(results, 30*time.Second)
	assert.Equal(t, 3, rep.Total)
	assert.Equal(t, 2, rep.Succeeded)
	assert.Equal(t, 1, rep.Failed)
	assert.InDelta(t, 6.0, rep.Throughput, 1e-9)

	assert.Zero(t, dispatch.Summarize(results, 0).Throughput)
}

func TestPrintObserver(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	obs := dispatch.NewPrintObserver(&buf)
	gen := &sleepyCapability{fail: map[string]error{"job-2": errors.New("quota exceeded")}}
	d, err := dispatch.New(dispatch.Budget{MaxConcurrent: 1}, gen, dispatch.WithObserver(obs))
	require.NoError(t, err)

	_, rep := d.Run(context.Background(), makeJobs(2))
	out := buf.String()
	assert.Contains(t, out, "[1/2] Starting: job-1")
	assert.Contains(t, out, "[2/2] Starting: job-2")
	assert.Contains(t, out, "✓ job-1")
	assert.Contains(t, out, "✗ job-2: quota exceeded")

	summary := dispatch.FormatReport(rep)
	assert.True(t, strings.Contains(summary, "COMPLETE: 1/2 successful"))
}

func TestObserversFanOut(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	a := dispatch.ResolvedFunc(func(int, int, dispatch.Result) { hits.Add(1) })
	b := &launchRecorder{}

	d, err := dispatch.New(dispatch.Budget{MaxConcurrent: 3}, &sleepyCapability{}, dispatch.WithObserver(dispatch.Observers{a, nil, b}))
	require.NoError(t, err)

	_, _ = d.Run(context.Background(), makeJobs(3))
	assert.Equal(t, int32(3), hits.Load())
	assert.Equal(t, int32(3), b.resolved.Load())
	assert.Len(t, b.launches, 3)
}
