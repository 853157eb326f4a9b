package runner

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattjoyce/renderbatch/internal/dispatch"
)

// GroupSummary is one group's entry in summary_*.json.
type GroupSummary struct {
	Group          string   `json:"group"`
	Total          int      `json:"total"`
	Completed      int      `json:"completed"`
	Failed         int      `json:"failed"`
	FailedNames    []string `json:"failed_names"`
	ElapsedMinutes float64  `json:"elapsed_minutes"`
}

// resultEntry is one line of a group's results.json.
type resultEntry struct {
	Name    string  `json:"name"`
	Success bool    `json:"success"`
	Time    float64 `json:"time,omitempty"`
	Kind    string  `json:"kind,omitempty"`
	Error   string  `json:"error,omitempty"`
	Output  string  `json:"output,omitempty"`
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}

func writeResults(path string, results []dispatch.Result) error {
	entries := make([]resultEntry, 0, len(results))
	for _, r := range results {
		e := resultEntry{Name: r.Name, Success: r.OK(), Time: r.Elapsed().Seconds(), Output: r.OutputPath()}
		if f, ok := r.Outcome.(dispatch.Failure); ok {
			e.Kind = string(f.Kind)
			e.Error = f.Reason
		}
		entries = append(entries, e)
	}
	return writeJSON(path, entries)
}

// WriteSummary writes summaries to <baseDir>/summary_YYYYMMDD_HHMMSS.json.
func WriteSummary(baseDir string, summaries []GroupSummary, at time.Time) (string, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	path := filepath.Join(baseDir, "summary_"+at.Format("20060102_150405")+".json")
	if summaries == nil {
		summaries = []GroupSummary{}
	}
	if err := writeJSON(path, summaries); err != nil {
		return "", err
	}
	return path, nil
}

// AllSucceeded reports whether no group had a failed job.
func AllSucceeded(summaries []GroupSummary) bool {
	for _, s := range summaries {
		if s.Failed > 0 {
			return false
		}
	}
	return true
}

// FormatSummaries renders the closing per-group table.
func FormatSummaries(summaries []GroupSummary) string {
	rule := strings.Repeat("=", 60)
	var b strings.Builder
	fmt.Fprintf(&b, "\n%s\nGENERATION SUMMARY\n%s\n", rule, rule)
	for _, s := range summaries {
		fmt.Fprintf(&b, "  %s: %d/%d (%d failed)\n", strings.ToUpper(s.Group), s.Completed, s.Total, s.Failed)
	}
	fmt.Fprintf(&b, "%s\n", rule)
	return b.String()
}
