package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"iso-builder/internal/artifacts"
	"iso-builder/internal/config"
	"iso-builder/internal/logging"
	"iso-builder/internal/queue"
	"iso-builder/internal/store"
	"iso-builder/internal/telemetry"
	workerproc "iso-builder/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// Generate a unique worker ID from hostname or env var
	if cfg.Worker.ID == "" {
		if hostname, _ := os.Hostname(); hostname != "" {
			cfg.Worker.ID = hostname
		} else {
			cfg.Worker.ID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}
	log := logging.New(cfg.Log, "worker")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatal().Err(err).Msg("migrations")
	}

	q := queue.NewRedisQueue(cfg)
	defer q.Close()

	isos, err := artifacts.New(ctx, cfg.Artifacts, cfg.Worker.OutputDir)
	if err != nil {
		log.Fatal().Err(err).Msg("init artifact store")
	}

	builder := workerproc.NewStepBuilder(cfg.Worker.OutputDir, cfg.Worker.StepDelay)
	processor := workerproc.NewProcessor(cfg.Worker, q, st, isos, builder, log)

	mux := chi.NewRouter()
	mux.Mount("/metrics", telemetry.Handler())
	mux.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := q.Ping(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	metrics := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn().Err(err).Msg("metrics server stopped")
		}
	}()

	log.Info().
		Str("output_dir", cfg.Worker.OutputDir).
		Dur("poll_interval", cfg.Worker.PollInterval).
		Dur("step_delay", cfg.Worker.StepDelay).
		Bool("s3", cfg.Artifacts.S3Bucket != "").
		Msg("worker started")
	if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("worker stopped")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelShutdown()
	_ = metrics.Shutdown(shutdownCtx)
}
