package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
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

	"iso-builder/internal/artifacts"
	"iso-builder/internal/config"
	"iso-builder/internal/models"
	"iso-builder/internal/queue"
	"iso-builder/internal/ratelimit"
	"iso-builder/internal/store"
	"iso-builder/internal/syncserver"
)

type fakeHistory struct {
	mu     sync.Mutex
	jobs   map[string]models.Job
	order  []string
	events map[string][]models.BuildEvent
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{jobs: map[string]models.Job{}, events: map[string][]models.BuildEvent{}}
}

func (f *fakeHistory) add(job models.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[job.ID] = job
	f.order = append([]string{job.ID}, f.order...)
}

func (f *fakeHistory) ListHistory(_ context.Context, limit int) ([]models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []models.Job{}
	for _, id := range f.order {
		if len(out) == limit {
			break
		}
		out = append(out, f.jobs[id])
	}
	return out, nil
}

func (f *fakeHistory) GetHistory(_ context.Context, id string) (models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	return job, nil
}

func (f *fakeHistory) ListEvents(_ context.Context, id string) ([]models.BuildEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.events[id], nil
}

func (f *fakeHistory) AppendEvent(_ context.Context, id, event, detail string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[id] = append(f.events[id], models.BuildEvent{JobID: id, Event: event, Detail: detail, Recorded: time.Now()})
	return nil
}

type testEnv struct {
	srv     *httptest.Server
	q       *queue.RedisQueue
	history *fakeHistory
	out     string
}

func newTestEnv(t *testing.T, capacity int) *testEnv {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := queue.NewWithClient(client)

	cfg := config.Defaults()
	cfg.Worker.ProfileDir = t.TempDir()
	out := t.TempDir()
	history := newFakeHistory()

	var limiter *ratelimit.TokenBucket
	if capacity > 0 {
		limiter = ratelimit.NewTokenBucket(client, capacity, 0.01, time.Minute)
	}
	hub := syncserver.NewHub(syncserver.NewBuildSource(q, history, cfg.HistoryLimit), syncserver.Options{}, zerolog.Nop())
	server := New(cfg, q, history, artifacts.NewLocalStore(out), limiter, hub, zerolog.Nop())

	srv := httptest.NewServer(server.Router())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, q: q, history: history, out: out}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, r)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func TestStatusReportsQueue(t *testing.T) {
	env := newTestEnv(t, 0)
	env.q.Enqueue(context.Background(), json.RawMessage(`{"a":1}`))

	resp := env.do(t, http.MethodGet, "/api/status", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 got %d", resp.StatusCode)
	}
	st := decode[StatusResponse](t, resp)
	if st.Status != "online" || st.Version != "1.0.0" || st.QueueSize != 1 || st.HasActiveBuild {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestBuildRejectsMissingConfig(t *testing.T) {
	env := newTestEnv(t, 0)
	for _, body := range []string{"", "{}", "[1,2]", "null", "not json"} {
		resp := env.do(t, http.MethodPost, "/api/build", body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("body %q: expected 400 got %d", body, resp.StatusCode)
		}
		if e := decode[map[string]string](t, resp); e["error"] == "" {
			t.Fatalf("body %q: missing error message", body)
		}
	}
}

func TestBuildQueuesJobs(t *testing.T) {
	env := newTestEnv(t, 0)

	first := decode[BuildResponse](t, env.do(t, http.MethodPost, "/api/build", `{"profile":"releng"}`))
	second := decode[BuildResponse](t, env.do(t, http.MethodPost, "/api/build", `{"profile":"baseline"}`))
	if first.Status != "accepted" || first.Message != "Build job queued" || first.QueuePosition != 1 {
		t.Fatalf("unexpected response %+v", first)
	}
	if second.QueuePosition != 2 || second.JobID == first.JobID {
		t.Fatalf("unexpected second response %+v", second)
	}

	job, err := env.q.Get(context.Background(), first.JobID)
	if err != nil || job.Status != models.StatusQueued || string(job.Config) != `{"profile":"releng"}` {
		t.Fatalf("job not stored: %+v err=%v", job, err)
	}
	events, _ := env.history.ListEvents(context.Background(), first.JobID)
	if len(events) != 1 || events[0].Event != "queued" {
		t.Fatalf("queued event not recorded: %+v", events)
	}
}

func TestBuildIsRateLimited(t *testing.T) {
	env := newTestEnv(t, 1)
	if resp := env.do(t, http.MethodPost, "/api/build", `{"a":1}`); resp.StatusCode != http.StatusOK {
		t.Fatalf("expected first build accepted, got %d", resp.StatusCode)
	}
	resp := env.do(t, http.MethodPost, "/api/build", `{"a":1}`)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429 got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatalf("missing Retry-After header")
	}
}

func TestListBuilds(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 0)
	env.q.Enqueue(ctx, json.RawMessage(`{"a":1}`))
	waiting, _, _ := env.q.Enqueue(ctx, json.RawMessage(`{"a":2}`))
	running, _, _ := env.q.Activate(ctx)
	env.history.add(models.Job{ID: "old", Status: models.StatusFailed, Error: models.StringPtr("Build failed: x"), BuildLog: []string{}})

	got := decode[BuildsResponse](t, env.do(t, http.MethodGet, "/api/builds", ""))
	if got.Active == nil || got.Active.ID != running.ID {
		t.Fatalf("unexpected active %+v", got.Active)
	}
	if len(got.Queue) != 1 || got.Queue[0].ID != waiting.ID {
		t.Fatalf("unexpected queue %+v", got.Queue)
	}
	if len(got.History) != 1 || got.History[0].ID != "old" {
		t.Fatalf("unexpected history %+v", got.History)
	}
}

func TestGetBuildFallsBackToHistory(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 0)
	live, _, _ := env.q.Enqueue(ctx, json.RawMessage(`{"a":1}`))
	env.history.add(models.Job{ID: "archived", Status: models.StatusCompleted, Progress: 100, BuildLog: []string{"done"}})

	if job := decode[models.Job](t, env.do(t, http.MethodGet, "/api/builds/"+live.ID, "")); job.ID != live.ID {
		t.Fatalf("unexpected job %+v", job)
	}
	if job := decode[models.Job](t, env.do(t, http.MethodGet, "/api/builds/archived", "")); job.Status != models.StatusCompleted {
		t.Fatalf("unexpected archived job %+v", job)
	}

	resp := env.do(t, http.MethodGet, "/api/builds/missing", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", resp.StatusCode)
	}
	if e := decode[map[string]string](t, resp); e["error"] != "Build not found" {
		t.Fatalf("unexpected error body %v", e)
	}

	logResp := decode[LogResponse](t, env.do(t, http.MethodGet, "/api/builds/archived/log", ""))
	if logResp.ID != "archived" || logResp.Progress != 100 || len(logResp.Log) != 1 {
		t.Fatalf("unexpected log %+v", logResp)
	}
}

func TestDownload(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 0)

	iso := filepath.Join(env.out, "job-1", "archlinux-2024.03.01-x86_64.iso")
	if err := os.MkdirAll(filepath.Dir(iso), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(iso, []byte("iso-bytes"), 0o644); err != nil {
		t.Fatalf("write iso: %v", err)
	}
	env.history.add(models.Job{ID: "job-1", Status: models.StatusCompleted, OutputPath: &iso, BuildLog: []string{}})
	gone := filepath.Join(env.out, "job-2", "missing.iso")
	env.history.add(models.Job{ID: "job-2", Status: models.StatusCompleted, OutputPath: &gone, BuildLog: []string{}})
	queued, _, _ := env.q.Enqueue(ctx, json.RawMessage(`{"a":1}`))

	resp := env.do(t, http.MethodGet, "/api/downloads/job-1", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "iso-bytes" {
		t.Fatalf("unexpected body %q", body)
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, "archlinux-2024.03.01-x86_64.iso") {
		t.Fatalf("unexpected content disposition %q", cd)
	}

	if resp := env.do(t, http.MethodGet, "/api/downloads/"+queued.ID, ""); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unfinished build got %d", resp.StatusCode)
	}
	if resp := env.do(t, http.MethodGet, "/api/downloads/job-2", ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for missing file got %d", resp.StatusCode)
	}
	if resp := env.do(t, http.MethodGet, "/api/downloads/nope", ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown build got %d", resp.StatusCode)
	}
}

func TestConfigServesPartialProfile(t *testing.T) {
	env := newTestEnv(t, 0)
	resp := env.do(t, http.MethodGet, "/api/config", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 got %d", resp.StatusCode)
	}
	var body struct {
		Packages []string          `json:"packages"`
		Settings map[string]string `json:"profile_settings"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Packages == nil || body.Settings["error"] == "" {
		t.Fatalf("expected empty packages and a profile error, got %+v", body)
	}
}

func TestSyncRoutesAndCORS(t *testing.T) {
	env := newTestEnv(t, 0)

	resp := env.do(t, http.MethodPost, "/sync/poll", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected polling session, got %d", resp.StatusCode)
	}
	if sess := decode[map[string]string](t, resp); sess["sid"] == "" {
		t.Fatalf("missing sid")
	}

	req, _ := http.NewRequest(http.MethodOptions, env.srv.URL+"/api/build", nil)
	req.Header.Set("Origin", "https://dashboard.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	pre, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	defer pre.Body.Close()
	if got := pre.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("unexpected allow origin %q", got)
	}
}
