package events

import (
	"github.com/mattjoyce/renderbatch/internal/dispatch"
)

// Batch event types.
const (
	TypeBatchStarted   = "batch.started"
	TypeJobLaunched    = "job.launched"
	TypeJobSucceeded   = "job.succeeded"
	TypeJobFailed      = "job.failed"
	TypeBatchCompleted = "batch.completed"
)

type BatchStarted struct {
	Group         string `json:"group"`
	Total         int    `json:"total"`
	Skipped       int    `json:"skipped"`
	MaxConcurrent int    `json:"max_concurrent"`
	StaggerMS     int64  `json:"stagger_ms"`
}

type JobLaunched struct {
	Group string `json:"group"`
	Index int    `json:"index"`
	Total int    `json:"total"`
	Name  string `json:"name"`
}

type JobResolved struct {
	Group      string  `json:"group"`
	Index      int     `json:"index"`
	Total      int     `json:"total"`
	Name       string  `json:"name"`
	Seconds    float64 `json:"seconds"`
	OutputPath string  `json:"output_path,omitempty"`
	Kind       string  `json:"kind,omitempty"`
	Error      string  `json:"error,omitempty"`
}

type BatchCompleted struct {
	Group      string  `json:"group"`
	Total      int     `json:"total"`
	Succeeded  int     `json:"succeeded"`
	Failed     int     `json:"failed"`
	Seconds    float64 `json:"seconds"`
	Throughput float64 `json:"throughput"`
}

// Observer republishes dispatcher callbacks for one group onto a Hub.
type Observer struct {
	hub   *Hub
	group string
}

func NewObserver(hub *Hub, group string) *Observer {
	return &Observer{hub: hub, group: group}
}

func (o *Observer) Launched(index, total int, job dispatch.Job) {
	o.hub.Publish(TypeJobLaunched, JobLaunched{Group: o.group, Index: index, Total: total, Name: job.Name})
}

func (o *Observer) Resolved(index, total int, r dispatch.Result) {
	ev := JobResolved{
		Group:   o.group,
		Index:   index,
		Total:   total,
		Name:    r.Name,
		Seconds: r.Elapsed().Seconds(),
	}
	switch out := r.Outcome.(type) {
	case dispatch.Success:
		ev.OutputPath = out.OutputPath
		o.hub.Publish(TypeJobSucceeded, ev)
	case dispatch.Failure:
		ev.Kind = string(out.Kind)
		ev.Error = out.Reason
		o.hub.Publish(TypeJobFailed, ev)
	}
}

// Started announces a group's batch before dispatch begins.
func (o *Observer) Started(total, skipped int, b dispatch.Budget) {
	o.hub.Publish(TypeBatchStarted, BatchStarted{
		Group:         o.group,
		Total:         total,
		Skipped:       skipped,
		MaxConcurrent: b.MaxConcurrent,
		StaggerMS:     b.StaggerDelay.Milliseconds(),
	})
}

// Completed announces the group's final report.
func (o *Observer) Completed(rep dispatch.Report) {
	o.hub.Publish(TypeBatchCompleted, BatchCompleted{
		Group:      o.group,
		Total:      rep.Total,
		Succeeded:  rep.Succeeded,
		Failed:     rep.Failed,
		Seconds:    rep.Elapsed.Seconds(),
		Throughput: rep.Throughput,
	})
}
