package models

import (
	"encoding/json"
	"time"
)

// Status enumerates the lifecycle states of a build job.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Valid reports whether s is one of the known lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusInProgress, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// IsTerminal returns true for completed and failed jobs.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Rank orders statuses along queued -> in_progress -> terminal.
// Both terminal states share the highest rank.
func (s Status) Rank() int {
	switch s {
	case StatusQueued:
		return 0
	case StatusInProgress:
		return 1
	case StatusCompleted, StatusFailed:
		return 2
	}
	return -1
}

// CanTransition reports whether a job may move from s to next.
// Staying in the same state is allowed so repeated updates stay idempotent.
func (s Status) CanTransition(next Status) bool {
	if s == next {
		return true
	}
	if s.IsTerminal() {
		return false
	}
	return next.Rank() > s.Rank()
}

// Job represents one ISO build request and its tracked lifecycle.
type Job struct {
	ID          string          `json:"id"`
	Status      Status          `json:"status"`
	Progress    int             `json:"progress"`
	CreatedAt   *time.Time      `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at"`
	Config      json.RawMessage `json:"config"`
	BuildLog    []string        `json:"build_log"`
	Error       *string         `json:"error"`
	OutputPath  *string         `json:"output_path"`
}

// IsTerminal returns true if the job reached completed or failed.
func (j Job) IsTerminal() bool {
	return j.Status.IsTerminal()
}

// Clone returns a deep copy so published values are never shared with writers.
func (j Job) Clone() Job {
	out := j
	out.CreatedAt = cloneTime(j.CreatedAt)
	out.StartedAt = cloneTime(j.StartedAt)
	out.CompletedAt = cloneTime(j.CompletedAt)
	if j.Config != nil {
		out.Config = append(make(json.RawMessage, 0, len(j.Config)), j.Config...)
	}
	if j.BuildLog != nil {
		out.BuildLog = append(make([]string, 0, len(j.BuildLog)), j.BuildLog...)
	}
	out.Error = cloneString(j.Error)
	out.OutputPath = cloneString(j.OutputPath)
	return out
}

// BuildEvent is a recorded lifecycle event row.
type BuildEvent struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// StringPtr returns a pointer to v.
func StringPtr(v string) *string {
	return &v
}

// TimePtr returns a pointer to t.
func TimePtr(t time.Time) *time.Time {
	return &t
}
