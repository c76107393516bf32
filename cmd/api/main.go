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

	api "iso-builder/internal/api"
	"iso-builder/internal/artifacts"
	"iso-builder/internal/config"
	"iso-builder/internal/logging"
	"iso-builder/internal/queue"
	"iso-builder/internal/ratelimit"
	"iso-builder/internal/store"
	"iso-builder/internal/syncserver"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logging.New(cfg.Log, "api")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
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
	if err := q.Ping(ctx); err != nil {
		log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("connect redis")
	}
	limiter := ratelimit.NewTokenBucket(q.Client(), cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	isos, err := artifacts.New(ctx, cfg.Artifacts, cfg.Worker.OutputDir)
	if err != nil {
		log.Fatal().Err(err).Msg("init artifact store")
	}

	events, err := q.Subscribe(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("subscribe build events")
	}
	hub := syncserver.NewHub(syncserver.NewBuildSource(q, st, cfg.HistoryLimit), syncserver.Options{
		IdleTTL:     cfg.Sync.SessionIdleTTL,
		MaxPollWait: cfg.Sync.PollTimeout,
	}, log)
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		if err := hub.Run(ctx, events); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("sync hub stopped")
		}
	}()

	server := api.New(cfg, q, st, isos, limiter, hub, log)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info().Str("port", cfg.HTTPPort).Str("env", cfg.Env).Msg("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	<-hubDone
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("shutdown")
	}
	log.Info().Msg("api stopped")
}
