package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/mattjoyce/renderbatch/internal/config"
	"github.com/mattjoyce/renderbatch/internal/dispatch"
	"github.com/mattjoyce/renderbatch/internal/events"
	"github.com/mattjoyce/renderbatch/internal/inspect"
	"github.com/mattjoyce/renderbatch/internal/jobsource"
	"github.com/mattjoyce/renderbatch/internal/ledger"
	"github.com/mattjoyce/renderbatch/internal/log"
	"github.com/mattjoyce/renderbatch/internal/progress"
	"github.com/mattjoyce/renderbatch/internal/runner"
	"github.com/mattjoyce/renderbatch/internal/storage"
	"github.com/mattjoyce/renderbatch/internal/tui"
)

func runBatchNoun(args []string) int {
	if len(args) < 1 {
		printBatchNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printBatchNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "run":
		return runBatchRun(actionArgs)
	case "matrix":
		return runBatchMatrix(actionArgs)
	case "history":
		return runBatchHistory(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown batch action: %s\n", action)
		return 1
	}
}

func printBatchNounHelp(w *os.File) {
	fmt.Fprint(w, `Usage: renderbatch batch <action> [flags]

Actions:
  run       --config C (--group G ... | --all) [--no-resume] [--tui]
            [--max-concurrent N] [--stagger D]
  matrix    --config C --matrix M.yaml [--group G] [--generate] [--tui] [--no-resume]
  history   --config C [--group G] [--limit N] [--run ID [--json]]
`)
}

type batchOptions struct {
	resume bool
	tui    bool
}

// batchEnv is the persistent state a batch needs: the SQLite ledger and the
// configured progress store.
type batchEnv struct {
	db     *sql.DB
	store  progress.Store
	ledger *ledger.Ledger
}

func openBatchEnv(ctx context.Context, cfg *config.Config) (*batchEnv, error) {
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	env := &batchEnv{db: db, ledger: ledger.New(db)}

	switch cfg.Progress.Backend {
	case config.ProgressSQLite:
		env.store = progress.NewSQLiteStore(db)
	default:
		fs, err := progress.NewFileStore(cfg.Output.BaseDir)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("open progress store: %w", err)
		}
		env.store = fs
	}
	return env, nil
}

func (e *batchEnv) Close() error {
	return e.db.Close()
}

func flagWasSet(fs *flag.FlagSet, name string) bool {
	set := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

func runBatchRun(args []string) int {
	fs := flag.NewFlagSet("batch run", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	var groups stringList
	fs.Var(&groups, "group", "Group to run (repeatable or comma-separated)")
	all := fs.Bool("all", false, "Run every configured group")
	noResume := fs.Bool("no-resume", false, "Clear progress and regenerate every job")
	useTUI := fs.Bool("tui", false, "Show the live batch monitor")
	maxConcurrent := fs.Int("max-concurrent", 0, "Override dispatch.max_concurrent")
	stagger := fs.Duration("stagger", 0, "Override dispatch.stagger_delay")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	groups = append(groups, fs.Args()...)

	if *all && len(groups) > 0 {
		fmt.Fprintln(os.Stderr, "Error: use either --group or --all, not both")
		return 1
	}
	if !*all && len(groups) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: renderbatch batch run --config C (--group G ... | --all)")
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	log.Setup(cfg.Service.LogLevel)

	if flagWasSet(fs, "max-concurrent") {
		cfg.Dispatch.MaxConcurrent = *maxConcurrent
	}
	if flagWasSet(fs, "stagger") {
		cfg.Dispatch.StaggerDelay = *stagger
	}
	budget := dispatch.Budget{MaxConcurrent: cfg.Dispatch.MaxConcurrent, StaggerDelay: cfg.Dispatch.StaggerDelay}
	if err := budget.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if err := cfg.ValidateGenerator(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if *all {
		groups = cfg.GroupNames()
		if len(groups) == 0 {
			fmt.Fprintln(os.Stderr, "Error: no groups configured")
			return 1
		}
	}

	reqs := make([]runner.Request, 0, len(groups))
	seen := make(map[string]bool, len(groups))
	for _, name := range groups {
		if _, ok := cfg.Group(name); !ok {
			fmt.Fprintf(os.Stderr, "Error: unknown group %q (configured: %s)\n", name, strings.Join(cfg.GroupNames(), ", "))
			return 1
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		reqs = append(reqs, runner.Request{Group: name})
	}

	return executeBatch(cfg, reqs, batchOptions{resume: !*noResume, tui: *useTUI})
}

func runBatchMatrix(args []string) int {
	fs := flag.NewFlagSet("batch matrix", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	matrixPath := fs.String("matrix", "", "Prompt matrix YAML file")
	group := fs.String("group", "", "Output group name (default: matrix file name)")
	generate := fs.Bool("generate", false, "Generate images instead of only writing prompts.json")
	useTUI := fs.Bool("tui", false, "Show the live batch monitor")
	noResume := fs.Bool("no-resume", false, "Clear progress and regenerate every job")
	show := fs.Int("show", 3, "Number of sample prompts to print")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if *matrixPath == "" {
		fmt.Fprintln(os.Stderr, "Usage: renderbatch batch matrix --config C --matrix M.yaml [--group G] [--generate]")
		return 1
	}

	name := *group
	if name == "" {
		base := filepath.Base(*matrixPath)
		name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	if name == "" || strings.ContainsAny(name, `/\`) {
		fmt.Fprintf(os.Stderr, "Error: invalid group name %q\n", name)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	log.Setup(cfg.Service.LogLevel)

	m, err := jobsource.LoadMatrix(*matrixPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	jobs, err := m.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Printf("Matrix %s (%s mode): %d prompts\n", filepath.Base(*matrixPath), m.Mode, len(jobs))
	for i := 0; i < *show && i < len(jobs); i++ {
		fmt.Printf("  %s: %s\n", jobs[i].Name, preview(jobs[i].Prompt, 100))
	}

	if !*generate {
		path := filepath.Join(cfg.Output.BaseDir, name, "prompts.json")
		if err := jobsource.SavePrompts(path, jobs); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Printf("Wrote %s (dry run; pass --generate to create images)\n", path)
		return 0
	}

	if err := cfg.ValidateGenerator(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return executeBatch(cfg, []runner.Request{{Group: name, Jobs: jobs}}, batchOptions{resume: !*noResume, tui: *useTUI})
}

func preview(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// executeBatch runs the requests and returns 0 only when every job in every
// group succeeded.
func executeBatch(cfg *config.Config, reqs []runner.Request, opts batchOptions) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	env, err := openBatchEnv(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer func() { _ = env.Close() }()

	runOpts := []runner.Option{
		runner.WithLedger(env.ledger),
		runner.WithResume(opts.resume),
	}
	if opts.tui {
		return runBatchWithMonitor(ctx, cfg, env, reqs, runOpts)
	}

	r := runner.New(cfg, env.store, append(runOpts, runner.WithOutput(os.Stdout))...)
	summaries, runErr := r.RunGroups(ctx, reqs)
	if len(summaries) > 0 {
		if _, err := r.Finish(summaries); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write summary: %v\n", err)
			return 1
		}
	}
	return batchExitCode(ctx, summaries, runErr)
}

func batchExitCode(ctx context.Context, summaries []runner.GroupSummary, runErr error) int {
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "Batch failed: %v\n", runErr)
		return 1
	}
	if ctx.Err() != nil {
		fmt.Fprintln(os.Stderr, "Batch interrupted; rerun to resume")
		return 1
	}
	if !runner.AllSucceeded(summaries) {
		return 1
	}
	return 0
}

// runBatchWithMonitor runs the batch in the background and drives the TUI
// from the runner's event hub. Logs go to <base_dir>/renderbatch.log while the
// monitor owns the terminal.
func runBatchWithMonitor(ctx context.Context, cfg *config.Config, env *batchEnv, reqs []runner.Request, runOpts []runner.Option) int {
	if err := os.MkdirAll(cfg.Output.BaseDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "Error: create output dir: %v\n", err)
		return 1
	}
	logPath := filepath.Join(cfg.Output.BaseDir, "renderbatch.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: open log file: %v\n", err)
		return 1
	}
	defer func() { _ = logFile.Close() }()
	log.SetOutput(logFile)
	defer log.SetOutput(os.Stdout)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	hub := events.NewHub(1024)
	source, unsubscribe := hub.Subscribe()
	defer unsubscribe()

	r := runner.New(cfg, env.store, append(runOpts, runner.WithHub(hub), runner.WithOutput(nil))...)

	type outcome struct {
		summaries []runner.GroupSummary
		err       error
	}
	done := make(chan outcome, 1)
	go func() {
		s, err := r.RunGroups(ctx, reqs)
		hub.Close()
		done <- outcome{summaries: s, err: err}
	}()

	monitor, tuiErr := tui.Run(source, cancel)
	if tuiErr != nil {
		// Without a terminal there is nothing to show; stop rather than run blind.
		cancel()
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", tuiErr)
	}
	res := <-done
	if monitor.Aborted() {
		fmt.Fprintln(os.Stderr, "Batch cancelled from monitor")
	}

	fmt.Print(runner.FormatSummaries(res.summaries))
	if len(res.summaries) > 0 {
		path, err := runner.WriteSummary(cfg.Output.BaseDir, res.summaries, time.Now())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write summary: %v\n", err)
			return 1
		}
		fmt.Printf("\nSummary saved to: %s\n", path)
	}
	fmt.Printf("Log: %s\n", logPath)

	if tuiErr != nil {
		return 1
	}
	return batchExitCode(ctx, res.summaries, res.err)
}

func runBatchHistory(args []string) int {
	fs := flag.NewFlagSet("batch history", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	group := fs.String("group", "", "Only show runs for this group")
	limit := fs.Int("limit", 20, "Maximum runs to show")
	runID := fs.String("run", "", "Show per-job results for one run")
	jsonOut := fs.Bool("json", false, "Output the --run report as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		return 1
	}
	defer func() { _ = db.Close() }()
	l := ledger.New(db)

	if *runID != "" {
		return printRunDetail(ctx, l, *runID, *jsonOut)
	}

	runs, err := l.ListRuns(ctx, *group, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list runs: %v\n", err)
		return 1
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded.")
		return 0
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("RUN", "GROUP", "STATUS", "OK", "FAILED", "TOTAL", "BUDGET", "STARTED", "ELAPSED")
	for _, run := range runs {
		t.Row(
			shortID(run.ID),
			run.Group,
			string(run.Status),
			strconv.Itoa(run.Succeeded),
			strconv.Itoa(run.Failed),
			strconv.Itoa(run.Total),
			fmt.Sprintf("%d/%s", run.MaxConcurrent, run.StaggerDelay),
			run.StartedAt.Local().Format("2006-01-02 15:04:05"),
			run.Elapsed.Round(time.Millisecond).String(),
		)
	}
	fmt.Println(t.String())
	return 0
}

func printRunDetail(ctx context.Context, l *ledger.Ledger, runID string, jsonOut bool) int {
	var (
		report string
		err    error
	)
	if jsonOut {
		report, err = inspect.BuildJSONReport(ctx, l, runID)
	} else {
		report, err = inspect.BuildReport(ctx, l, runID)
	}
	if errors.Is(err, ledger.ErrRunNotFound) {
		fmt.Fprintf(os.Stderr, "Run %s not found\n", runID)
		return 1
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Inspect failed: %v\n", err)
		return 1
	}
	fmt.Print(report)
	if jsonOut {
		fmt.Println()
	}
	return 0
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
