package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iso-builder/internal/api"
	"iso-builder/internal/artifacts"
	"iso-builder/internal/config"
	"iso-builder/internal/jobsync"
	"iso-builder/internal/models"
	"iso-builder/internal/queue"
	"iso-builder/internal/store"
	"iso-builder/internal/syncserver"
)

type memHistory struct {
	mu   sync.Mutex
	jobs []models.Job
}

func (m *memHistory) add(job models.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs = append([]models.Job{job}, m.jobs...)
}

func (m *memHistory) ListHistory(_ context.Context, limit int) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.jobs) > limit {
		return append([]models.Job(nil), m.jobs[:limit]...), nil
	}
	return append([]models.Job{}, m.jobs...), nil
}

func (m *memHistory) GetHistory(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.ID == id {
			return j, nil
		}
	}
	return models.Job{}, store.ErrNotFound
}

func (m *memHistory) ListEvents(context.Context, string) ([]models.BuildEvent, error) {
	return nil, nil
}

func (m *memHistory) AppendEvent(context.Context, string, string, string) error { return nil }

type env struct {
	url     string
	q       *queue.RedisQueue
	history *memHistory
	hub     *syncserver.Hub
	events  chan models.Job
}

func newEnv(t *testing.T) *env {
	t.Helper()
	t.Setenv("ISOBUILDER_LOG_LEVEL", "disabled")
	t.Setenv("ISOBUILDER_SYNC_RECONNECT_DELAY", "10ms")
	t.Setenv("ISOBUILDER_SYNC_RESYNC_TIMEOUT", "1s")

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	q := queue.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	cfg := config.Defaults()
	cfg.Worker.ProfileDir = t.TempDir()
	history := &memHistory{}
	hub := syncserver.NewHub(syncserver.NewBuildSource(q, history, cfg.HistoryLimit), syncserver.Options{}, zerolog.Nop())

	events := make(chan models.Job, 8)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = hub.Run(ctx, events)
	}()

	server := api.New(cfg, q, history, artifacts.NewLocalStore(t.TempDir()), nil, hub, zerolog.Nop())
	srv := httptest.NewServer(server.Router())
	t.Cleanup(func() {
		cancel()
		<-done
		srv.Close()
	})
	return &env{url: srv.URL, q: q, history: history, hub: hub, events: events}
}

func (e *env) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--server", e.url}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// complete moves the queued job through the worker lifecycle and relays it.
func (e *env) complete(t *testing.T, status models.Status, msg string) models.Job {
	t.Helper()
	ctx := context.Background()
	job, ok, err := e.q.Activate(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	now := time.Now().UTC()
	job.Status = status
	job.CompletedAt = &now
	if status == models.StatusFailed {
		job.Error = models.StringPtr(msg)
	} else {
		job.Progress = 100
	}
	require.NoError(t, e.q.Finish(ctx, job))
	e.history.add(job)
	e.events <- job
	return job
}

func TestLoadBuildConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "build.yaml")
	require.NoError(t, os.WriteFile(path, []byte("profile: releng\npackages:\n  - base\n  - linux\n"), 0o644))

	raw, err := loadBuildConfig(path, []string{"should_fail=true", "fail_at=Building ISO image", "note="}, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"profile":"releng","packages":["base","linux"],"should_fail":true,"fail_at":"Building ISO image","note":""}`, string(raw))

	raw, err = loadBuildConfig("-", nil, strings.NewReader(`{"profile":"baseline"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"profile":"baseline"}`, string(raw))

	_, err = loadBuildConfig("", nil, nil)
	assert.ErrorIs(t, err, errEmptyConfig)

	_, err = loadBuildConfig("", []string{"novalue"}, nil)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("- a\n- b\n"), 0o644))
	_, err = loadBuildConfig(path, nil, nil)
	assert.Error(t, err)
}

func TestPrintStateOrdersPlacements(t *testing.T) {
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s := jobsync.State{
		Active:  &models.Job{ID: "run", Status: models.StatusInProgress, Progress: 40, CreatedAt: &created},
		Queue:   []models.Job{{ID: "wait", Status: models.StatusQueued}},
		History: []models.Job{{ID: "old", Status: models.StatusFailed, Error: models.StringPtr(strings.Repeat("x", 80))}},
	}
	var buf bytes.Buffer
	require.NoError(t, printState(&buf, s))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	assert.True(t, strings.HasPrefix(lines[0], "ID"))
	assert.Contains(t, lines[1], "active")
	assert.Contains(t, lines[1], "2024-03-01T12:00:00Z")
	assert.Contains(t, lines[2], "queue")
	assert.Contains(t, lines[3], "...")
	assert.NotContains(t, lines[3], strings.Repeat("x", 50))
}

func TestSubmitAndList(t *testing.T) {
	e := newEnv(t)

	out, err := e.run(t, "submit", "--set", "profile=releng", "-o", "json")
	require.NoError(t, err)
	var resp api.BuildResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "accepted", resp.Status)
	assert.EqualValues(t, 1, resp.QueuePosition)

	out, err = e.run(t, "builds")
	require.NoError(t, err)
	assert.Contains(t, out, resp.JobID)
	assert.Contains(t, out, "queued")

	out, err = e.run(t, "status", "-o", "yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "queue_size: 1")

	_, err = e.run(t, "submit")
	assert.ErrorIs(t, err, errEmptyConfig)

	_, err = e.run(t, "builds", "-o", "xml")
	assert.Error(t, err)
}

func TestShowMissingBuild(t *testing.T) {
	e := newEnv(t)
	_, err := e.run(t, "show", "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Build not found")
}

func TestWatchExitsWhenJobFinishes(t *testing.T) {
	e := newEnv(t)
	job, _, err := e.q.Enqueue(context.Background(), json.RawMessage(`{"a":1}`))
	require.NoError(t, err)

	go func() {
		deadline := time.Now().Add(5 * time.Second)
		for e.hub.Peers() == 0 && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}
		e.complete(t, models.StatusCompleted, "")
	}()

	out, err := e.run(t, "watch", "--job", job.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "connection: connected (websocket)")
	assert.Contains(t, out, fmt.Sprintf("build %s completed", job.ID))
}

func TestWatchReportsFailedBuild(t *testing.T) {
	e := newEnv(t)
	job, _, err := e.q.Enqueue(context.Background(), json.RawMessage(`{"should_fail":true}`))
	require.NoError(t, err)
	e.complete(t, models.StatusFailed, "Build failed: boom")

	_, err = e.run(t, "watch", "--job", job.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errBuildFailed))
	assert.Contains(t, err.Error(), "Build failed: boom")
}
