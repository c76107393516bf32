package jobsync

import (
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iso-builder/internal/models"
	"iso-builder/internal/protocol"
)

func TestValidateQueueUpdateNonSequenceFallsBackToEmpty(t *testing.T) {
	v := NewValidator(zerolog.Nop())

	for _, raw := range []string{`{"id":"A"}`, `"nope"`, `null`, `42`, ``, `[`} {
		out, err := v.Validate(protocol.EventQueueUpdate, json.RawMessage(raw))
		require.ErrorIs(t, err, ErrRejected, "payload %q", raw)
		assert.True(t, out.Fallback)
		assert.Equal(t, KindQueueSnapshot, out.Kind)
		assert.NotNil(t, out.Jobs)
		assert.Empty(t, out.Jobs)
	}
}

func TestValidateSequenceDropsMalformedElements(t *testing.T) {
	v := NewValidator(zerolog.Nop())
	raw := `[
		{"id":"A","status":"completed","progress":100,"output_path":"a.iso"},
		{"id":"","status":"completed"},
		{"id":"C","status":"exploded"},
		"garbage",
		{"id":"D","status":"failed","error":"Build failed: disk full","output_path":"ignored.iso"}
	]`
	out, err := v.Validate(protocol.EventHistoryUpdate, json.RawMessage(raw))
	require.NoError(t, err)
	assert.Equal(t, KindHistorySnapshot, out.Kind)
	assert.Equal(t, 3, out.Dropped)
	require.Equal(t, []string{"A", "D"}, ids(out.Jobs))

	assert.Equal(t, "a.iso", *out.Jobs[0].OutputPath)
	assert.Nil(t, out.Jobs[0].Error)
	assert.Equal(t, "Build failed: disk full", *out.Jobs[1].Error)
	assert.Nil(t, out.Jobs[1].OutputPath)
}

func TestValidateJobUpdateRejections(t *testing.T) {
	v := NewValidator(zerolog.Nop())
	for _, raw := range []string{
		`[]`,
		`null`,
		`{"status":"queued"}`,
		`{"id":"","status":"queued"}`,
		`{"id":7,"status":"queued"}`,
		`{"id":"A"}`,
		`{"id":"A","status":"paused"}`,
	} {
		out, err := v.Validate(protocol.EventJobUpdate, json.RawMessage(raw))
		assert.ErrorIs(t, err, ErrRejected, "payload %s", raw)
		assert.Nil(t, out.Job)
		assert.False(t, out.Fallback)
	}
}

func TestValidateJobUpdateNormalises(t *testing.T) {
	v := NewValidator(zerolog.Nop())
	raw := `{
		"id": "A",
		"status": "in_progress",
		"progress": 140,
		"created_at": "2024-03-01T10:00:00.123456",
		"started_at": "2024-03-01T10:00:05Z",
		"completed_at": "not a time",
		"config": {"profile":"releng","packages":["base"]},
		"build_log": ["one", 2, "three"],
		"error": "should be dropped"
	}`
	out, err := v.Validate(protocol.EventJobUpdate, json.RawMessage(raw))
	require.NoError(t, err)
	require.NotNil(t, out.Job)

	j := out.Job
	assert.Equal(t, models.StatusInProgress, j.Status)
	assert.Equal(t, 100, j.Progress)
	require.NotNil(t, j.CreatedAt)
	assert.Equal(t, 2024, j.CreatedAt.Year())
	require.NotNil(t, j.StartedAt)
	assert.Nil(t, j.CompletedAt)
	assert.JSONEq(t, `{"profile":"releng","packages":["base"]}`, string(j.Config))
	assert.Equal(t, []string{"one", "three"}, j.BuildLog)
	assert.Nil(t, j.Error)
}

func TestValidateActiveJobUpdate(t *testing.T) {
	v := NewValidator(zerolog.Nop())

	out, err := v.Validate(protocol.EventActiveJobUpdate, json.RawMessage(`null`))
	require.NoError(t, err)
	assert.Equal(t, KindActiveSnapshot, out.Kind)
	assert.Nil(t, out.Job)

	out, err = v.Validate(protocol.EventActiveJobUpdate, json.RawMessage(`{"id":"A","status":"in_progress"}`))
	require.NoError(t, err)
	require.NotNil(t, out.Job)
	assert.Equal(t, "A", out.Job.ID)

	_, err = v.Validate(protocol.EventActiveJobUpdate, json.RawMessage(`{"id":"A"}`))
	assert.ErrorIs(t, err, ErrRejected)
}

func TestValidateUnknownEvent(t *testing.T) {
	v := NewValidator(zerolog.Nop())
	_, err := v.Validate("build_started", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrUnknownEvent)
}

func TestValidateIsTotal(t *testing.T) {
	v := NewValidator(zerolog.Nop())
	inputs := []string{`{`, `[[[[`, `{"id":{"nested":true},"status":[1]}`, "\x00\xff", `[null,null]`, `{"id":"A","status":"queued","progress":"NaN"}`}
	events := []string{protocol.EventQueueUpdate, protocol.EventHistoryUpdate, protocol.EventJobUpdate, protocol.EventActiveJobUpdate}
	for _, event := range events {
		for _, in := range inputs {
			assert.NotPanics(t, func() {
				_, _ = v.Validate(event, json.RawMessage(in))
			})
		}
	}
}
