package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iso-builder/internal/api"
	"iso-builder/internal/models"
)

func newServer(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return New(srv.URL+"/", time.Second)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func TestSubmitSendsConfig(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/build", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"profile":"releng"}`, string(body))
		writeJSON(w, http.StatusOK, api.BuildResponse{Status: "accepted", JobID: "job-1", QueuePosition: 3})
	})
	c := newServer(t, mux)

	resp, err := c.Submit(context.Background(), json.RawMessage(`{"profile":"releng"}`))
	require.NoError(t, err)
	assert.Equal(t, "job-1", resp.JobID)
	assert.EqualValues(t, 3, resp.QueuePosition)
}

func TestErrorsCarryServerMessage(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/builds/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Build not found"})
	})
	mux.HandleFunc("POST /api/build", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limited"})
	})
	c := newServer(t, mux)

	_, err := c.Build(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Contains(t, err.Error(), "Build not found")

	_, err = c.Submit(context.Background(), json.RawMessage(`{"a":1}`))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.True(t, errors.Is(err, ErrRateLimited))
	assert.Equal(t, 7*time.Second, apiErr.RetryAfter)
}

func TestBuildsAndLog(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/builds", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, api.BuildsResponse{
			Active:  &models.Job{ID: "a", Status: models.StatusInProgress, Progress: 40},
			Queue:   []models.Job{{ID: "q", Status: models.StatusQueued}},
			History: []models.Job{},
		})
	})
	mux.HandleFunc("GET /api/builds/{id}/log", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, api.LogResponse{ID: r.PathValue("id"), Status: models.StatusInProgress, Log: []string{"one", "two"}, Progress: 40})
	})
	mux.HandleFunc("GET /api/builds/{id}/events", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"events": []models.BuildEvent{{JobID: "a", Event: "queued"}, {JobID: "a", Event: "started"}}})
	})
	c := newServer(t, mux)

	builds, err := c.Builds(context.Background())
	require.NoError(t, err)
	require.NotNil(t, builds.Active)
	assert.Equal(t, "a", builds.Active.ID)
	assert.Len(t, builds.Queue, 1)

	lg, err := c.Log(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, lg.Log)

	events, err := c.Events(context.Background(), "a")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "started", events[1].Event)
}

func TestDownloadFollowsRedirect(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/downloads/{id}", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/bucket/job-1/archlinux-2024.03.01-x86_64.iso", http.StatusFound)
	})
	mux.HandleFunc("GET /bucket/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("iso-bytes"))
	})
	c := newServer(t, mux)

	var buf bytes.Buffer
	name, err := c.Download(context.Background(), "job-1", &buf)
	require.NoError(t, err)
	assert.Equal(t, "iso-bytes", buf.String())
	assert.Equal(t, "archlinux-2024.03.01-x86_64.iso", name)
}

func TestDownloadUsesContentDisposition(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/downloads/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename="custom.iso"`)
		_, _ = w.Write([]byte("x"))
	})
	c := newServer(t, mux)

	name, err := c.Download(context.Background(), "job-2", io.Discard)
	require.NoError(t, err)
	assert.Equal(t, "custom.iso", name)
}
