package jobsync

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"iso-builder/internal/models"
	"iso-builder/internal/protocol"
)

var (
	// ErrRejected marks an inbound payload that failed validation.
	ErrRejected = errors.New("payload rejected")

	// ErrUnknownEvent is returned for event names the store does not consume.
	ErrUnknownEvent = errors.New("unknown event")
)

// Kind identifies which store operation a validated payload feeds.
type Kind int

const (
	KindQueueSnapshot Kind = iota + 1
	KindHistorySnapshot
	KindJobUpdate
	KindActiveSnapshot
)

func (k Kind) String() string {
	switch k {
	case KindQueueSnapshot:
		return "queue_snapshot"
	case KindHistorySnapshot:
		return "history_snapshot"
	case KindJobUpdate:
		return "job_update"
	case KindActiveSnapshot:
		return "active_snapshot"
	}
	return "unknown"
}

// Validated is a normalised payload ready for the store.
//
// When Fallback is set the payload itself was rejected and Jobs holds the
// empty sequence the store should apply instead. A rejected job_update never
// carries a fallback and must be dropped.
type Validated struct {
	Kind     Kind
	Jobs     []models.Job
	Job      *models.Job
	Dropped  int
	Fallback bool
}

// Validator filters and normalises inbound events.
type Validator struct {
	log zerolog.Logger
}

// NewValidator returns a validator that logs diagnostics to log.
func NewValidator(log zerolog.Logger) *Validator {
	return &Validator{log: log.With().Str("component", "validator").Logger()}
}

// Validate checks the payload of a named event. It never panics.
func (v *Validator) Validate(event string, raw json.RawMessage) (out Validated, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = Validated{}
			err = fmt.Errorf("%w: %s: %v", ErrRejected, event, r)
			v.log.Error().Str("event", event).Interface("panic", r).Msg("validator recovered from panic")
		}
	}()

	switch event {
	case protocol.EventQueueUpdate, protocol.EventHistoryUpdate:
		kind := KindQueueSnapshot
		if event == protocol.EventHistoryUpdate {
			kind = KindHistorySnapshot
		}
		jobs, dropped, derr := DecodeJobs(raw)
		if derr != nil {
			v.log.Warn().Str("event", event).Err(derr).Msg("non-sequence payload, treating as empty")
			return Validated{Kind: kind, Jobs: []models.Job{}, Fallback: true}, derr
		}
		if dropped > 0 {
			v.log.Warn().Str("event", event).Int("dropped", dropped).Msg("dropped malformed jobs from sequence")
		}
		return Validated{Kind: kind, Jobs: jobs, Dropped: dropped}, nil

	case protocol.EventJobUpdate:
		job, derr := DecodeJob(raw)
		if derr != nil {
			v.log.Warn().Str("event", event).Err(derr).Msg("dropping malformed job update")
			return Validated{Kind: KindJobUpdate}, derr
		}
		return Validated{Kind: KindJobUpdate, Job: &job}, nil

	case protocol.EventActiveJobUpdate:
		if isNull(raw) {
			return Validated{Kind: KindActiveSnapshot}, nil
		}
		job, derr := DecodeJob(raw)
		if derr != nil {
			v.log.Warn().Str("event", event).Err(derr).Msg("dropping malformed active job")
			return Validated{Kind: KindActiveSnapshot}, derr
		}
		return Validated{Kind: KindActiveSnapshot, Job: &job}, nil
	}
	return Validated{}, fmt.Errorf("%w: %q", ErrUnknownEvent, event)
}

// DecodeJobs decodes a JSON array of jobs. A non-array payload is rejected;
// malformed elements are skipped and counted.
func DecodeJobs(raw json.RawMessage) ([]models.Job, int, error) {
	var items []json.RawMessage
	if len(bytes.TrimSpace(raw)) == 0 || json.Unmarshal(raw, &items) != nil || items == nil {
		return nil, 0, fmt.Errorf("%w: expected a sequence", ErrRejected)
	}
	jobs := make([]models.Job, 0, len(items))
	dropped := 0
	for _, item := range items {
		job, err := DecodeJob(item)
		if err != nil {
			dropped++
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, dropped, nil
}

// DecodeJob decodes a single job record leniently. Only a missing or empty
// id and an unrecognised status reject the record; other fields fall back
// to zero values.
func DecodeJob(raw json.RawMessage) (models.Job, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return models.Job{}, fmt.Errorf("%w: expected a record", ErrRejected)
	}

	var job models.Job
	if err := json.Unmarshal(fields["id"], &job.ID); err != nil || job.ID == "" {
		return models.Job{}, fmt.Errorf("%w: missing id", ErrRejected)
	}
	var status string
	if err := json.Unmarshal(fields["status"], &status); err != nil || !models.Status(status).Valid() {
		return models.Job{}, fmt.Errorf("%w: job %s has unrecognised status %q", ErrRejected, job.ID, status)
	}
	job.Status = models.Status(status)

	var progress float64
	if json.Unmarshal(fields["progress"], &progress) == nil {
		job.Progress = clampProgress(progress)
	}

	job.CreatedAt = decodeTime(fields["created_at"])
	job.StartedAt = decodeTime(fields["started_at"])
	job.CompletedAt = decodeTime(fields["completed_at"])

	if cfg, ok := fields["config"]; ok && !isNull(cfg) {
		job.Config = append(json.RawMessage(nil), cfg...)
	}

	job.BuildLog = decodeLog(fields["build_log"])

	if job.Status == models.StatusFailed {
		job.Error = decodeString(fields["error"])
	}
	if job.Status == models.StatusCompleted {
		job.OutputPath = decodeString(fields["output_path"])
	}
	return job, nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func decodeTime(raw json.RawMessage) *time.Time {
	s := decodeString(raw)
	if s == nil {
		return nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, *s); err == nil {
			return &t
		}
	}
	return nil
}

func decodeString(raw json.RawMessage) *string {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil || s == "" {
		return nil
	}
	return &s
}

func decodeLog(raw json.RawMessage) []string {
	var items []json.RawMessage
	if len(raw) == 0 || json.Unmarshal(raw, &items) != nil {
		return []string{}
	}
	lines := make([]string, 0, len(items))
	for _, item := range items {
		var line string
		if json.Unmarshal(item, &line) == nil {
			lines = append(lines, line)
		}
	}
	return lines
}

func clampProgress(p float64) int {
	switch {
	case p != p:
		return 0
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return int(p)
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
