package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
)

func resetLogger() {
	mu.Lock()
	logger = nil
	out = os.Stdout
	mu.Unlock()
	once = *new(sync.Once)
}

func TestSetup(t *testing.T) {
	resetLogger()

	Setup("DEBUG")
	if Get() == nil {
		t.Fatal("Logger should not be nil")
	}
	if level.Level() != slog.LevelDebug {
		t.Fatalf("expected debug level, got %v", level.Level())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		" error ": slog.LevelError,
		"info":    slog.LevelInfo,
		"bogus":   slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestSetOutputRedirects(t *testing.T) {
	resetLogger()
	Setup("INFO")

	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() { SetOutput(os.Stdout) })

	Info("redirected", "k", "v")
	if !strings.Contains(buf.String(), `"msg":"redirected"`) {
		t.Fatalf("expected log line in buffer, got %q", buf.String())
	}
}

func TestContextHelpers(t *testing.T) {
	var buf bytes.Buffer
	h := slog.NewJSONHandler(&buf, nil)
	mu.Lock()
	logger = slog.New(h)
	mu.Unlock()

	WithComponent("dispatch").Info("hello")

	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("Failed to decode JSON: %v", err)
	}
	if out["component"] != "dispatch" {
		t.Errorf("Expected component 'dispatch', got %v", out["component"])
	}
	if out["msg"] != "hello" {
		t.Errorf("Expected msg 'hello', got %v", out["msg"])
	}
}

func TestWithGroupAndJob(t *testing.T) {
	var buf bytes.Buffer
	h := slog.NewJSONHandler(&buf, nil)
	mu.Lock()
	logger = slog.New(h)
	mu.Unlock()

	WithGroup("lions").With("job", "lion_cgi_bookshop").Info("job msg")

	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("Failed to decode JSON: %v", err)
	}
	if out["group"] != "lions" {
		t.Errorf("Expected group 'lions', got %v", out["group"])
	}
	if out["job"] != "lion_cgi_bookshop" {
		t.Errorf("Expected job 'lion_cgi_bookshop', got %v", out["job"])
	}
}
