// Package inspect renders a single ledger run: its budget, totals and the
// outcome of every job, including whether each output file is still on disk.
package inspect

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mattjoyce/renderbatch/internal/ledger"
)

// Report is the structured JSON representation of a run report.
type Report struct {
	RunID         string     `json:"run_id"`
	Group         string     `json:"group"`
	Status        string     `json:"status"`
	MaxConcurrent int        `json:"max_concurrent"`
	StaggerMS     int64      `json:"stagger_ms"`
	Total         int        `json:"total"`
	Succeeded     int        `json:"succeeded"`
	Failed        int        `json:"failed"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	Seconds       float64    `json:"seconds"`
	Jobs          []Job      `json:"jobs"`
}

// Job is one job's recorded outcome.
type Job struct {
	Index       int     `json:"index"`
	Name        string  `json:"name"`
	Status      string  `json:"status"`
	FailureKind string  `json:"failure_kind,omitempty"`
	Error       string  `json:"error,omitempty"`
	OutputPath  string  `json:"output_path,omitempty"`
	OnDisk      bool    `json:"on_disk"`
	Seconds     float64 `json:"seconds"`
}

// BuildReport renders a terminal-friendly report for a run.
func BuildReport(ctx context.Context, l *ledger.Ledger, runID string) (string, error) {
	report, err := gatherReportData(ctx, l, runID)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Run Report\n")
	fmt.Fprintf(&out, "Run ID      : %s\n", report.RunID)
	fmt.Fprintf(&out, "Group       : %s\n", report.Group)
	fmt.Fprintf(&out, "Status      : %s\n", report.Status)
	fmt.Fprintf(&out, "Budget      : %d concurrent, %dms stagger\n", report.MaxConcurrent, report.StaggerMS)
	fmt.Fprintf(&out, "Result      : %d/%d succeeded, %d failed\n", report.Succeeded, report.Total, report.Failed)
	fmt.Fprintf(&out, "Started     : %s\n", report.StartedAt.Local().Format(time.DateTime))
	if report.CompletedAt != nil {
		fmt.Fprintf(&out, "Completed   : %s (%.1fs)\n", report.CompletedAt.Local().Format(time.DateTime), report.Seconds)
	} else {
		fmt.Fprintf(&out, "Completed   : <not finished>\n")
	}
	fmt.Fprintf(&out, "\n")

	for _, job := range report.Jobs {
		mark := "✓"
		if job.Status != string(ledger.StatusSucceeded) {
			mark = "✗"
		}
		fmt.Fprintf(&out, "[%d] %s %s (%.1fs)\n", job.Index+1, mark, job.Name, job.Seconds)
		if job.Error != "" {
			fmt.Fprintf(&out, "    error      : [%s] %s\n", job.FailureKind, job.Error)
		}
		if job.OutputPath != "" {
			state := "present"
			if !job.OnDisk {
				state = "missing"
			}
			fmt.Fprintf(&out, "    output     : %s (%s)\n", job.OutputPath, state)
		}
	}

	return strings.TrimRight(out.String(), "\n") + "\n", nil
}

// BuildJSONReport returns the machine-readable JSON run report.
func BuildJSONReport(ctx context.Context, l *ledger.Ledger, runID string) (string, error) {
	report, err := gatherReportData(ctx, l, runID)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

func gatherReportData(ctx context.Context, l *ledger.Ledger, runID string) (*Report, error) {
	if strings.TrimSpace(runID) == "" {
		return nil, fmt.Errorf("run_id is required")
	}

	run, err := l.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	records, err := l.Results(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load job results: %w", err)
	}

	report := &Report{
		RunID:         run.ID,
		Group:         run.Group,
		Status:        string(run.Status),
		MaxConcurrent: run.MaxConcurrent,
		StaggerMS:     run.StaggerDelay.Milliseconds(),
		Total:         run.Total,
		Succeeded:     run.Succeeded,
		Failed:        run.Failed,
		StartedAt:     run.StartedAt,
		CompletedAt:   run.CompletedAt,
		Seconds:       run.Elapsed.Seconds(),
		Jobs:          make([]Job, 0, len(records)),
	}

	for _, rec := range records {
		job := Job{
			Index:       rec.Index,
			Name:        rec.Name,
			Status:      string(rec.Status),
			FailureKind: rec.FailureKind,
			Error:       rec.Error,
			OutputPath:  rec.OutputPath,
			Seconds:     rec.Elapsed.Seconds(),
		}
		if rec.OutputPath != "" {
			job.OnDisk = fileExists(rec.OutputPath)
		}
		report.Jobs = append(report.Jobs, job)
	}

	return report, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
