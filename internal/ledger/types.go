package ledger

import (
	"errors"
	"time"
)

type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusAborted   Status = "aborted"
)

// Run is one dispatcher invocation for a group.
type Run struct {
	ID            string
	Group         string
	Status        Status
	MaxConcurrent int
	StaggerDelay  time.Duration
	Total         int
	Succeeded     int
	Failed        int
	StartedAt     time.Time
	CompletedAt   *time.Time
	Elapsed       time.Duration
}

// JobRecord is the persisted outcome of one job within a run.
type JobRecord struct {
	RunID       string
	Index       int
	Name        string
	Status      Status
	FailureKind string
	Error       string
	OutputPath  string
	Elapsed     time.Duration
}

type StartRequest struct {
	Group         string
	MaxConcurrent int
	StaggerDelay  time.Duration
}

var ErrRunNotFound = errors.New("run not found")
