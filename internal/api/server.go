package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"iso-builder/internal/artifacts"
	"iso-builder/internal/config"
	"iso-builder/internal/models"
	"iso-builder/internal/profile"
	"iso-builder/internal/queue"
	"iso-builder/internal/ratelimit"
	"iso-builder/internal/store"
	"iso-builder/internal/syncserver"
	"iso-builder/internal/telemetry"
)

const maxConfigBytes = 1 << 20

var errNoConfig = errors.New("no configuration provided")

// History is the finished-build store behind the API.
type History interface {
	ListHistory(ctx context.Context, limit int) ([]models.Job, error)
	GetHistory(ctx context.Context, id string) (models.Job, error)
	ListEvents(ctx context.Context, jobID string) ([]models.BuildEvent, error)
	AppendEvent(ctx context.Context, jobID, event, detail string) error
}

// Server wires HTTP handlers for the build API and the sync endpoint.
type Server struct {
	cfg       config.Config
	queue     *queue.RedisQueue
	history   History
	artifacts artifacts.Store
	limiter   *ratelimit.TokenBucket
	hub       *syncserver.Hub
	log       zerolog.Logger
}

// New constructs the API server. limiter and hub may be nil.
func New(cfg config.Config, q *queue.RedisQueue, h History, a artifacts.Store, limiter *ratelimit.TokenBucket, hub *syncserver.Hub, log zerolog.Logger) *Server {
	return &Server{
		cfg:       cfg,
		queue:     q,
		history:   h,
		artifacts: a,
		limiter:   limiter,
		hub:       hub,
		log:       log.With().Str("component", "api").Logger(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.New(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	}).Handler)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/config", s.handleConfig)
		r.Post("/build", s.handleBuild)
		r.Get("/builds", s.handleListBuilds)
		r.Get("/builds/{id}", s.handleGetBuild)
		r.Get("/builds/{id}/log", s.handleGetLog)
		r.Get("/builds/{id}/events", s.handleGetEvents)
		r.Get("/downloads/{id}", s.handleDownload)
	})

	if s.hub != nil {
		s.hub.Routes(r)
	}
	return r
}

// StatusResponse is returned by GET /api/status.
type StatusResponse struct {
	Status         string    `json:"status"`
	Version        string    `json:"version"`
	Timestamp      time.Time `json:"timestamp"`
	QueueSize      int64     `json:"queue_size"`
	HasActiveBuild bool      `json:"has_active_build"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	depth, err := s.queue.Depth(r.Context())
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	active, err := s.queue.Active(r.Context())
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	telemetry.QueueDepthGauge.Set(float64(depth))
	writeJSON(w, http.StatusOK, StatusResponse{
		Status:         "online",
		Version:        s.cfg.Version,
		Timestamp:      time.Now().UTC(),
		QueueSize:      depth,
		HasActiveBuild: active != nil,
	})
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	p, errs := profile.Load(s.cfg.Worker.ProfileDir)
	for _, err := range errs {
		s.log.Warn().Err(err).Str("dir", s.cfg.Worker.ProfileDir).Msg("load build profile")
	}
	writeJSON(w, http.StatusOK, p)
}

// BuildResponse is returned by POST /api/build.
type BuildResponse struct {
	Status        string    `json:"status"`
	Message       string    `json:"message"`
	JobID         string    `json:"job_id"`
	Timestamp     time.Time `json:"timestamp"`
	QueuePosition int64     `json:"queue_position"`
}

func (s *Server) handleBuild(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil {
		d, err := s.limiter.Allow(r.Context(), clientKey(r))
		if err != nil {
			s.fail(w, http.StatusInternalServerError, err)
			return
		}
		if !d.Allowed {
			telemetry.RateLimitRejects.Inc()
			w.Header().Set("Retry-After", strconv.Itoa(max(1, int(math.Ceil(d.RetryAfter.Seconds())))))
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxConfigBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body")
		return
	}
	cfg, err := buildConfig(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	job, pos, err := s.queue.Enqueue(r.Context(), cfg)
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	telemetry.EnqueueCounter.Inc()
	if err := s.queue.Publish(r.Context(), job); err != nil {
		s.log.Warn().Err(err).Str("job_id", job.ID).Msg("publish queued build")
	}
	if err := s.history.AppendEvent(r.Context(), job.ID, "queued", clientKey(r)); err != nil {
		s.log.Warn().Err(err).Str("job_id", job.ID).Msg("append queued event")
	}
	s.log.Info().Str("job_id", job.ID).Int64("position", pos).Msg("build queued")

	writeJSON(w, http.StatusOK, BuildResponse{
		Status:        "accepted",
		Message:       "Build job queued",
		JobID:         job.ID,
		Timestamp:     time.Now().UTC(),
		QueuePosition: pos,
	})
}

// buildConfig accepts a non-empty JSON object.
func buildConfig(body []byte) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, errNoConfig
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return nil, errors.New("configuration must be a JSON object")
	}
	if len(obj) == 0 {
		return nil, errNoConfig
	}
	return json.RawMessage(trimmed), nil
}

// BuildsResponse is returned by GET /api/builds.
type BuildsResponse struct {
	Active  *models.Job  `json:"active"`
	Queue   []models.Job `json:"queue"`
	History []models.Job `json:"history"`
}

func (s *Server) handleListBuilds(w http.ResponseWriter, r *http.Request) {
	active, err := s.queue.Active(r.Context())
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	queued, err := s.queue.Queue(r.Context())
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	history, err := s.history.ListHistory(r.Context(), s.cfg.HistoryLimit)
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, BuildsResponse{Active: active, Queue: queued, History: history})
}

func (s *Server) handleGetBuild(w http.ResponseWriter, r *http.Request) {
	job, ok := s.findJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// LogResponse is returned by GET /api/builds/{id}/log.
type LogResponse struct {
	ID       string        `json:"id"`
	Status   models.Status `json:"status"`
	Log      []string      `json:"log"`
	Progress int           `json:"progress"`
}

func (s *Server) handleGetLog(w http.ResponseWriter, r *http.Request) {
	job, ok := s.findJob(w, r)
	if !ok {
		return
	}
	lines := job.BuildLog
	if lines == nil {
		lines = []string{}
	}
	writeJSON(w, http.StatusOK, LogResponse{ID: job.ID, Status: job.Status, Log: lines, Progress: job.Progress})
}

func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.history.ListEvents(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	if len(events) == 0 {
		writeError(w, http.StatusNotFound, "Build not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	job, ok := s.findJob(w, r)
	if !ok {
		return
	}
	if job.Status != models.StatusCompleted || job.OutputPath == nil || *job.OutputPath == "" {
		writeError(w, http.StatusBadRequest, "ISO not available for download")
		return
	}
	dl, err := s.artifacts.Resolve(r.Context(), *job.OutputPath)
	if errors.Is(err, artifacts.ErrUnavailable) {
		writeError(w, http.StatusNotFound, "ISO file not found")
		return
	}
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	if dl.RedirectURL != "" {
		http.Redirect(w, r, dl.RedirectURL, http.StatusFound)
		return
	}
	w.Header().Set("Content-Type", artifacts.ISOContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", dl.Name))
	http.ServeFile(w, r, dl.Path)
}

// findJob looks in Redis first, which holds queued, active and recently
// finished builds, then in the history table.
func (s *Server) findJob(w http.ResponseWriter, r *http.Request) (models.Job, bool) {
	id := chi.URLParam(r, "id")
	job, err := s.queue.Get(r.Context(), id)
	if err == nil {
		return job, true
	}
	if !errors.Is(err, queue.ErrJobNotFound) {
		s.fail(w, http.StatusInternalServerError, err)
		return models.Job{}, false
	}
	job, err = s.history.GetHistory(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Build not found")
		return models.Job{}, false
	}
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return models.Job{}, false
	}
	return job, true
}

func (s *Server) fail(w http.ResponseWriter, code int, err error) {
	s.log.Error().Err(err).Msg("request failed")
	writeError(w, code, err.Error())
}

// clientKey identifies the submitter for rate limiting. RealIP has already
// rewritten RemoteAddr from proxy headers.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
