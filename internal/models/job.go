package models

import (
	"time"
)

// Job and prompt statuses, surfaced verbatim over the API
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusCanceled  = "canceled"
)

// Cancel summary modes
const (
	CancelModeImmediate         = "immediate"
	CancelModeCancelAfterCurrent = "cancel_after_current"
)

// Job is one user submission, owning one or more prompts.
type Job struct {
	ID              uint64         `badgerhold:"key" json:"id"`
	WorkflowName    string         `json:"workflow_name"`
	JobName         string         `json:"job_name,omitempty"`
	Status          string         `badgerhold:"index" json:"status"`
	CancelRequested bool           `json:"cancel_requested"`
	Priority        int            `json:"priority"`
	InputDir        string         `json:"input_dir"`
	Params          map[string]any `json:"params"`
	CreatedAt       time.Time      `json:"created_at"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	FinishedAt      *time.Time     `json:"finished_at,omitempty"`
	LastError       string         `json:"last_error,omitempty"`
	LogPath         string         `json:"log_path,omitempty"`
	MoveProcessed   bool           `json:"move_processed"`
}

// IsTerminal reports whether the job has reached a terminal status.
func (j *Job) IsTerminal() bool {
	return j.Status == StatusSucceeded || j.Status == StatusFailed || j.Status == StatusCanceled
}

// IsActive reports whether the job may still produce work.
func (j *Job) IsActive() bool {
	return j.Status == StatusPending || j.Status == StatusRunning
}

// Prompt is a single upstream submission unit, child of a Job.
type Prompt struct {
	ID               uint64     `badgerhold:"key" json:"id"`
	JobID            uint64     `badgerhold:"index" json:"job_id"`
	InputFile        string     `json:"input_file"`
	PromptJSON       string     `json:"prompt_json"`
	Status           string     `badgerhold:"index" json:"status"`
	UpstreamPromptID string     `json:"prompt_id,omitempty"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
	ExitStatus       string     `json:"exit_status,omitempty"`
	ErrorDetail      string     `json:"error_detail,omitempty"`
	OutputPaths      []string   `json:"output_paths"`
	SeedUsed         *int64     `json:"seed_used,omitempty"`
}

// IsTerminal reports whether the prompt has reached a terminal status.
func (p *Prompt) IsTerminal() bool {
	return p.Status == StatusSucceeded || p.Status == StatusFailed || p.Status == StatusCanceled
}

// PromptCounts is the per-status multiset of a job's prompts.
type PromptCounts struct {
	Pending   int `json:"pending_count"`
	Running   int `json:"running_count"`
	Succeeded int `json:"succeeded_count"`
	Failed    int `json:"failed_count"`
	Canceled  int `json:"canceled_count"`
}

// Total returns the total prompt count.
func (c PromptCounts) Total() int {
	return c.Pending + c.Running + c.Succeeded + c.Failed + c.Canceled
}

// Add increments the counter for the given status.
func (c *PromptCounts) Add(status string) {
	switch status {
	case StatusPending:
		c.Pending++
	case StatusRunning:
		c.Running++
	case StatusSucceeded:
		c.Succeeded++
	case StatusFailed:
		c.Failed++
	case StatusCanceled:
		c.Canceled++
	}
}

// DeriveJobStatus computes a job status from its prompt counts.
// Rules, in order: empty jobs stay pending; any running prompt wins;
// any pending prompt keeps the job schedulable; any failure fails the
// job; otherwise all-succeeded, all-canceled, or a succeeded+canceled
// mix under an explicit cancel request collapse to the obvious status.
func DeriveJobStatus(counts PromptCounts, cancelRequested bool) string {
	total := counts.Total()
	switch {
	case total == 0:
		return StatusPending
	case counts.Running > 0:
		return StatusRunning
	case counts.Pending > 0:
		return StatusPending
	case counts.Failed > 0:
		return StatusFailed
	case counts.Succeeded == total:
		return StatusSucceeded
	case counts.Canceled == total:
		return StatusCanceled
	case counts.Succeeded > 0 && counts.Canceled > 0 && cancelRequested:
		return StatusCanceled
	default:
		return StatusSucceeded
	}
}

// JobSummary is a job plus its prompt counters, for list views.
type JobSummary struct {
	*Job
	PromptCounts
	PromptCount int `json:"prompt_count"`
}

// JobDetail is a job with its full prompt list.
type JobDetail struct {
	Job           *Job           `json:"job"`
	Prompts       []*Prompt      `json:"prompts"`
	CancelSummary *CancelSummary `json:"cancel_summary,omitempty"`
}

// CancelSummary describes the effect of a cancel_job call.
type CancelSummary struct {
	Mode            string `json:"mode"`
	CanceledPending int    `json:"canceled_pending"`
	RunningPrompts  int    `json:"running_prompts"`
}

// ClearSummary describes the effect of a queue clear.
type ClearSummary struct {
	CanceledPending int `json:"canceled_pending"`
	AffectedJobs    int `json:"affected_jobs"`
}

// QueueCounts is the global pending/running prompt tally.
type QueueCounts struct {
	Pending int `json:"pending"`
	Running int `json:"running"`
}
