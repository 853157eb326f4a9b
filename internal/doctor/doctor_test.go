package doctor

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/renderbatch/internal/config"
	"github.com/mattjoyce/renderbatch/internal/dispatch"
)

func validConfig() *config.Config {
	return &config.Config{
		Service: config.ServiceConfig{Name: "test", LogLevel: "info"},
		Output:  config.OutputConfig{BaseDir: "/tmp/out"},
		Dispatch: config.DispatchConfig{
			MaxConcurrent: 4,
			StaggerDelay:  150 * time.Millisecond,
		},
		Generator: config.GeneratorConfig{
			BaseURL: "http://localhost:9999/v1beta",
			Model:   "test-model",
			APIKey:  "key",
		},
		State:  config.StateConfig{Path: "/tmp/test.db"},
		Groups: []config.GroupConfig{{Name: "lions", Prompts: "/tmp/batch_lions.json"}},
	}
}

func jobsOf(n int) JobLoader {
	return func(config.GroupConfig) ([]dispatch.Job, error) {
		return make([]dispatch.Job, n), nil
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	t.Parallel()
	r := New(validConfig(), jobsOf(3)).Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
	if len(r.Warnings) != 0 {
		t.Fatalf("expected no warnings, got: %v", r.Warnings)
	}
	if len(r.Groups) != 1 || r.Groups[0].Jobs != 3 {
		t.Fatalf("unexpected groups: %+v", r.Groups)
	}
}

func TestValidate_MissingStatePath(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.State.Path = ""
	r := New(cfg, jobsOf(1)).Validate()
	if r.Valid {
		t.Fatal("expected invalid")
	}
	assertHasError(t, r, "state", "state.path is required")
}

func TestValidate_BadBudget(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Dispatch.MaxConcurrent = 0
	r := New(cfg, jobsOf(1)).Validate()
	assertHasError(t, r, "dispatch", "max_concurrent must be > 0")
}

func TestValidate_BrokenGroupSource(t *testing.T) {
	t.Parallel()
	r := New(validConfig(), func(config.GroupConfig) ([]dispatch.Job, error) {
		return nil, errors.New("duplicate prompt name \"lion_a\"")
	}).Validate()
	if r.Valid {
		t.Fatal("expected invalid")
	}
	assertHasError(t, r, "groups", "lions: duplicate prompt name")
}

func TestValidate_WarnEmptyGroupAndNoGroups(t *testing.T) {
	t.Parallel()
	r := New(validConfig(), jobsOf(0)).Validate()
	assertHasWarning(t, r, "groups", "lions has no jobs")

	cfg := validConfig()
	cfg.Groups = nil
	r = New(cfg, jobsOf(0)).Validate()
	assertHasWarning(t, r, "groups", "no groups configured")
}

func TestValidate_WarnMissingGenerator(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Generator.APIKey = "${RB_DOCTOR_UNSET}"
	r := New(cfg, jobsOf(1)).Validate()
	if !r.Valid {
		t.Fatalf("generator problems should only warn, got errors: %v", r.Errors)
	}
	assertHasWarning(t, r, "generator", "${RB_DOCTOR_UNSET}")
}

func TestValidate_WarnNoStagger(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Dispatch.StaggerDelay = 0
	r := New(cfg, jobsOf(1)).Validate()
	assertHasWarning(t, r, "dispatch", "up to 4 requests")
}

func TestValidate_Integrity(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	promptPath := filepath.Join(dir, "batch_lions.json")
	if err := os.WriteFile(cfgPath, []byte("groups: []\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(promptPath, []byte(`[]`), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := validConfig()
	cfg.SourcePath = cfgPath
	cfg.Groups[0].Prompts = promptPath

	r := New(cfg, jobsOf(1)).Validate()
	assertHasWarning(t, r, "integrity", "no .checksums manifest")

	if _, err := config.GenerateChecksumsWithReport(dir, config.LockedFiles(cfg), false); err != nil {
		t.Fatal(err)
	}
	r = New(cfg, jobsOf(1)).Validate()
	if !r.Valid || len(r.Warnings) != 0 {
		t.Fatalf("expected clean result after lock, got %+v", r)
	}

	if err := os.WriteFile(promptPath, []byte(`[{"name":"x","prompt":"y"}]`), 0o644); err != nil {
		t.Fatal(err)
	}
	r = New(cfg, jobsOf(1)).Validate()
	assertHasError(t, r, "integrity", "hash mismatch")
}

func TestFormatJSON(t *testing.T) {
	t.Parallel()
	r := &Result{
		Valid:  false,
		Errors: []Issue{{Category: "test", Message: "bad thing"}},
	}
	out, err := FormatJSON(r)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "bad thing") {
		t.Fatalf("expected JSON to contain error message, got: %s", out)
	}
}

func TestFormatHuman_Valid(t *testing.T) {
	t.Parallel()
	r := &Result{Valid: true, Groups: []GroupInfo{{Name: "lions", Jobs: 12}}}
	out := FormatHuman(r)
	if !strings.Contains(out, "Configuration valid.") {
		t.Fatalf("expected 'valid' in output, got: %s", out)
	}
	if !strings.Contains(out, "lions") || !strings.Contains(out, "12 jobs") {
		t.Fatalf("expected group line in output, got: %s", out)
	}
}

func TestFormatHuman_Errors(t *testing.T) {
	t.Parallel()
	r := &Result{
		Valid:  false,
		Errors: []Issue{{Category: "test", Field: "x.y", Message: "broken"}},
	}
	out := FormatHuman(r)
	if !strings.Contains(out, "ERROR [test] x.y: broken") {
		t.Fatalf("expected error in output, got: %s", out)
	}
}

// --- helpers ---

func assertHasError(t *testing.T, r *Result, category, substring string) {
	t.Helper()
	for _, e := range r.Errors {
		if e.Category == category && strings.Contains(e.Message, substring) {
			return
		}
	}
	t.Fatalf("expected error with category=%q containing %q, got: %v", category, substring, r.Errors)
}

func assertHasWarning(t *testing.T, r *Result, category, substring string) {
	t.Helper()
	for _, w := range r.Warnings {
		if w.Category == category && strings.Contains(w.Message, substring) {
			return
		}
	}
	t.Fatalf("expected warning with category=%q containing %q, got: %v", category, substring, r.Warnings)
}
