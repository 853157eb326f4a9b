// Package doctor validates renderbatch configuration: settings, group job
// sources, and the .checksums integrity manifest.
package doctor

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/mattjoyce/renderbatch/internal/config"
	"github.com/mattjoyce/renderbatch/internal/dispatch"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool        `json:"valid"`
	Groups   []GroupInfo `json:"groups,omitempty"`
	Errors   []Issue     `json:"errors,omitempty"`
	Warnings []Issue     `json:"warnings,omitempty"`
}

// GroupInfo reports how many jobs a group's source expands to.
type GroupInfo struct {
	Name string `json:"name"`
	Jobs int    `json:"jobs"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// JobLoader expands a group into its jobs.
type JobLoader func(config.GroupConfig) ([]dispatch.Job, error)

// Doctor validates a loaded config.
type Doctor struct {
	cfg      *config.Config
	loadJobs JobLoader
}

// New creates a Doctor. loadJobs is used to prove each group's source parses.
func New(cfg *config.Config, loadJobs JobLoader) *Doctor {
	return &Doctor{cfg: cfg, loadJobs: loadJobs}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validatePaths(r)
	d.validateBudget(r)
	d.validateGroups(r)
	d.validateIntegrity(r)
	d.warnGenerator(r)
	d.warnNoStagger(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) validatePaths(r *Result) {
	if d.cfg.Output.BaseDir == "" {
		d.addError(r, "output", "output.base_dir", "base_dir is required")
	}
	if d.cfg.State.Path == "" {
		d.addError(r, "state", "state.path", "state.path is required")
	}
}

func (d *Doctor) validateBudget(r *Result) {
	b := dispatch.Budget{MaxConcurrent: d.cfg.Dispatch.MaxConcurrent, StaggerDelay: d.cfg.Dispatch.StaggerDelay}
	if err := b.Validate(); err != nil {
		d.addError(r, "dispatch", "dispatch", err.Error())
	}
}

// validateGroups expands every group so broken prompt files and matrices
// surface before a batch starts.
func (d *Doctor) validateGroups(r *Result) {
	if len(d.cfg.Groups) == 0 {
		d.addWarning(r, "groups", "groups", "no groups configured")
		return
	}
	for i, g := range d.cfg.Groups {
		field := fmt.Sprintf("groups[%d]", i)
		jobs, err := d.loadJobs(g)
		if err != nil {
			d.addError(r, "groups", field, fmt.Sprintf("%s: %v", g.Name, err))
			continue
		}
		if len(jobs) == 0 {
			d.addWarning(r, "groups", field, fmt.Sprintf("%s has no jobs", g.Name))
		}
		r.Groups = append(r.Groups, GroupInfo{Name: g.Name, Jobs: len(jobs)})
	}
}

func (d *Doctor) validateIntegrity(r *Result) {
	if d.cfg.SourcePath == "" {
		return
	}
	res, err := config.VerifyIntegrity(filepath.Dir(d.cfg.SourcePath), config.LockedFiles(d.cfg))
	if err != nil {
		d.addError(r, "integrity", config.ChecksumFile, err.Error())
		return
	}
	for _, e := range res.Errors {
		d.addError(r, "integrity", "", e)
	}
	for _, w := range res.Warnings {
		d.addWarning(r, "integrity", "", w)
	}
}

// warnGenerator flags settings only batch commands need; catalog commands
// work without them.
func (d *Doctor) warnGenerator(r *Result) {
	if err := d.cfg.ValidateGenerator(); err != nil {
		d.addWarning(r, "generator", "generator", err.Error()+" (batch commands will refuse to run)")
	}
}

func (d *Doctor) warnNoStagger(r *Result) {
	if d.cfg.Dispatch.StaggerDelay == 0 && d.cfg.Dispatch.MaxConcurrent > 1 {
		d.addWarning(r, "dispatch", "dispatch.stagger_delay",
			fmt.Sprintf("stagger_delay is 0; up to %d requests will start at once", d.cfg.Dispatch.MaxConcurrent))
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	for _, g := range r.Groups {
		fmt.Fprintf(&b, "  group %-12s %4d jobs\n", g.Name, g.Jobs)
	}

	switch {
	case r.Valid && len(r.Warnings) == 0:
		b.WriteString("Configuration valid.\n")
		return b.String()
	case r.Valid:
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	default:
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
