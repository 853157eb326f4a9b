package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr string
		checkFn func(t *testing.T, dir string, cfg *Config)
	}{
		{
			name: "minimal valid config",
			yaml: `
output:
  base_dir: ./out
groups:
  - name: lions
    prompts: batch_lions.json
`,
			checkFn: func(t *testing.T, dir string, cfg *Config) {
				if cfg.Output.BaseDir != filepath.Join(dir, "out") {
					t.Errorf("output.base_dir not resolved: %s", cfg.Output.BaseDir)
				}
				if cfg.Dispatch.MaxConcurrent != 25 {
					t.Errorf("default max_concurrent not applied: %d", cfg.Dispatch.MaxConcurrent)
				}
				if cfg.Dispatch.StaggerDelay != 150*time.Millisecond {
					t.Errorf("default stagger_delay not applied: %s", cfg.Dispatch.StaggerDelay)
				}
				if cfg.Progress.Backend != ProgressJSON {
					t.Errorf("default progress backend not applied: %q", cfg.Progress.Backend)
				}
				g, ok := cfg.Group("lions")
				if !ok {
					t.Fatal("group lions not found")
				}
				if g.Prompts != filepath.Join(dir, "prompts", "batch_lions.json") {
					t.Errorf("bare prompts file should resolve into prompts_dir, got %s", g.Prompts)
				}
			},
		},
		{
			name: "durations and env interpolation",
			yaml: `
dispatch:
  max_concurrent: 2
  stagger_delay: 100ms
generator:
  api_key: ${RB_TEST_KEY}
  timeout: 30s
state:
  path: ${RB_TEST_DB}
groups:
  - name: pandas
    matrix: ./matrix.yaml
`,
			env: map[string]string{
				"RB_TEST_KEY": "secret123",
				"RB_TEST_DB":  "/tmp/rb.db",
			},
			checkFn: func(t *testing.T, dir string, cfg *Config) {
				if cfg.Dispatch.StaggerDelay != 100*time.Millisecond {
					t.Errorf("stagger_delay not parsed: %s", cfg.Dispatch.StaggerDelay)
				}
				if cfg.Generator.APIKey != "secret123" {
					t.Errorf("api_key not interpolated: %q", cfg.Generator.APIKey)
				}
				if cfg.Generator.Timeout != 30*time.Second {
					t.Errorf("timeout not parsed: %s", cfg.Generator.Timeout)
				}
				if cfg.State.Path != "/tmp/rb.db" {
					t.Errorf("state.path not interpolated: %s", cfg.State.Path)
				}
				if g, _ := cfg.Group("pandas"); g.Matrix != filepath.Join(dir, "matrix.yaml") {
					t.Errorf("matrix path not resolved: %s", g.Matrix)
				}
				if err := cfg.ValidateGenerator(); err != nil {
					t.Errorf("ValidateGenerator: %v", err)
				}
			},
		},
		{
			name: "negative max_concurrent rejected",
			yaml: `
dispatch:
  max_concurrent: -1
`,
			wantErr: "dispatch.max_concurrent",
		},
		{
			name: "negative stagger rejected",
			yaml: `
dispatch:
  stagger_delay: -5ms
`,
			wantErr: "dispatch.stagger_delay",
		},
		{
			name: "unknown progress backend",
			yaml: `
progress:
  backend: redis
`,
			wantErr: "progress.backend",
		},
		{
			name: "duplicate group",
			yaml: `
groups:
  - name: lions
    prompts: a.json
  - name: lions
    prompts: b.json
`,
			wantErr: "duplicate group",
		},
		{
			name: "group needs exactly one source",
			yaml: `
groups:
  - name: lions
    prompts: a.json
    matrix: m.yaml
`,
			wantErr: "exactly one of prompts or matrix",
		},
		{
			name: "bad log level",
			yaml: `
service:
  log_level: chatty
`,
			wantErr: "service.log_level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			dir := t.TempDir()
			path := writeConfig(t, dir, tt.yaml)

			cfg, err := Load(path)
			if tt.wantErr != "" {
				if err == nil {
					t.Fatalf("expected error containing %q, got nil", tt.wantErr)
				}
				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("error %q does not contain %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if cfg.SourcePath != path {
				t.Errorf("SourcePath = %q, want %q", cfg.SourcePath, path)
			}
			if tt.checkFn != nil {
				tt.checkFn(t, dir, cfg)
			}
		})
	}
}

func TestLoadDirectory(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "service:\n  name: test\n")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load(dir): %v", err)
	}
	if cfg.Service.Name != "test" {
		t.Errorf("service.name = %q", cfg.Service.Name)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil || !strings.Contains(err.Error(), "config file not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestValidateGeneratorUnresolvedKey(t *testing.T) {
	cfg := Defaults()
	cfg.Generator.APIKey = "${RB_DEFINITELY_UNSET}"
	err := cfg.ValidateGenerator()
	if err == nil || !strings.Contains(err.Error(), "RB_DEFINITELY_UNSET") {
		t.Fatalf("expected unresolved env var error, got %v", err)
	}

	cfg.Generator.APIKey = ""
	if err := cfg.ValidateGenerator(); err == nil {
		t.Fatal("expected missing api_key error")
	}
}

func TestDiscoverConfigPathEnv(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "service:\n  name: x\n")
	t.Setenv("RENDERBATCH_CONFIG", path)

	got, err := DiscoverConfigPath()
	if err != nil {
		t.Fatalf("DiscoverConfigPath: %v", err)
	}
	if got != path {
		t.Errorf("got %q, want %q", got, path)
	}
}

func TestGroupNames(t *testing.T) {
	cfg := &Config{Groups: []GroupConfig{{Name: "lions"}, {Name: "hippos"}}}
	got := cfg.GroupNames()
	if len(got) != 2 || got[0] != "lions" || got[1] != "hippos" {
		t.Fatalf("GroupNames = %v", got)
	}
}
