package worker

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"iso-builder/internal/artifacts"
	"iso-builder/internal/config"
	"iso-builder/internal/models"
	"iso-builder/internal/queue"
	"iso-builder/internal/telemetry"
)

// History records finished builds and their lifecycle events.
type History interface {
	SaveHistory(ctx context.Context, job models.Job) error
	AppendEvent(ctx context.Context, jobID, event, detail string) error
}

// Processor drives the worker execution loop: one build at a time, taken
// from the head of the Redis queue.
type Processor struct {
	cfg       config.WorkerConfig
	queue     *queue.RedisQueue
	history   History
	artifacts artifacts.Store
	builder   Builder
	workerID  string
	log       zerolog.Logger
	now       func() time.Time
}

// NewProcessor wires a processor. workerID is recorded in build events.
func NewProcessor(cfg config.WorkerConfig, q *queue.RedisQueue, h History, a artifacts.Store, b Builder, log zerolog.Logger) *Processor {
	workerID := cfg.ID
	if workerID == "" {
		workerID = "worker"
	}
	return &Processor{
		cfg:       cfg,
		queue:     q,
		history:   h,
		artifacts: a,
		builder:   b,
		workerID:  workerID,
		log:       log.With().Str("component", "worker").Str("worker_id", workerID).Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run reclaims a build abandoned by a previous worker, then processes jobs
// until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	if err := p.Recover(ctx); err != nil {
		p.log.Error().Err(err).Msg("reclaim active build")
	}

	poll := p.cfg.PollInterval
	if poll <= 0 {
		poll = time.Second
	}
	errStreak := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if depth, err := p.queue.Depth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		job, ok, err := p.queue.Activate(ctx)
		if err != nil {
			errStreak++
			wait := backoffWithJitter(poll, 30*time.Second, errStreak)
			p.log.Warn().Err(err).Dur("retry_in", wait).Msg("activate build")
			if !sleep(ctx, wait) {
				return ctx.Err()
			}
			continue
		}
		errStreak = 0
		if !ok {
			if !sleep(ctx, poll) {
				return ctx.Err()
			}
			continue
		}
		p.Process(ctx, job)
	}
}

// Recover fails a build left in the active slot and records it in history.
func (p *Processor) Recover(ctx context.Context) error {
	job, err := p.queue.ReclaimActive(ctx, "worker restarted")
	if err != nil {
		return err
	}
	if job == nil {
		return nil
	}
	telemetry.BuildsReclaimed.Inc()
	p.log.Warn().Str("job_id", job.ID).Msg("failed build abandoned by previous worker")
	p.record(ctx, *job, "reclaimed")
	return nil
}

// Process runs one activated job to a terminal state.
func (p *Processor) Process(ctx context.Context, job models.Job) models.Job {
	log := p.log.With().Str("job_id", job.ID).Logger()
	log.Info().Msg("processing build")
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	job.Progress = 5
	p.update(ctx, job)
	if err := p.history.AppendEvent(ctx, job.ID, "started", p.workerID); err != nil {
		log.Warn().Err(err).Msg("append started event")
	}

	report := func(progress int, line string) {
		if progress > job.Progress {
			job.Progress = min(progress, 99)
		}
		job.BuildLog = append(job.BuildLog, p.stamp(line))
		p.update(ctx, job)
	}
	output, err := p.builder.Build(ctx, job, report)

	// Finish even when ctx was cancelled mid-build.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err == nil {
		var location string
		location, err = p.artifacts.Upload(fctx, filepath.Join(job.ID, filepath.Base(output)), output)
		if err != nil {
			err = fmt.Errorf("upload artifact: %w", err)
		} else {
			job.OutputPath = &location
		}
	}

	now := p.now()
	job.CompletedAt = &now
	if err != nil {
		msg := "Build failed: " + err.Error()
		job.Status = models.StatusFailed
		job.Error = &msg
		job.OutputPath = nil
		job.BuildLog = append(job.BuildLog, p.stamp("ERROR: "+err.Error()))
		telemetry.BuildsFailed.Inc()
		log.Error().Err(err).Msg("build failed")
	} else {
		job.Status = models.StatusCompleted
		job.Progress = 100
		job.Error = nil
		telemetry.BuildsCompleted.Inc()
		log.Info().Str("output", *job.OutputPath).Msg("build completed")
	}
	if job.StartedAt != nil {
		telemetry.BuildDuration.Observe(now.Sub(*job.StartedAt).Seconds())
	}

	if err := p.queue.Finish(fctx, job); err != nil {
		log.Error().Err(err).Msg("release active slot")
	}
	p.record(fctx, job, string(job.Status))
	return job
}

// update persists an intermediate state and announces it.
func (p *Processor) update(ctx context.Context, job models.Job) {
	if err := p.queue.Save(ctx, job); err != nil {
		p.log.Warn().Err(err).Str("job_id", job.ID).Msg("save build")
	}
	if err := p.queue.Publish(ctx, job); err != nil {
		p.log.Warn().Err(err).Str("job_id", job.ID).Msg("publish build")
	}
}

// record stores a terminal job in history before announcing it, so
// listeners refreshing history on terminal events see it.
func (p *Processor) record(ctx context.Context, job models.Job, event string) {
	if err := p.history.SaveHistory(ctx, job); err != nil {
		p.log.Error().Err(err).Str("job_id", job.ID).Msg("save history")
	}
	detail := p.workerID
	if job.Error != nil {
		detail = *job.Error
	}
	if err := p.history.AppendEvent(ctx, job.ID, event, detail); err != nil {
		p.log.Warn().Err(err).Str("job_id", job.ID).Msg("append event")
	}
	if err := p.queue.Publish(ctx, job); err != nil {
		p.log.Warn().Err(err).Str("job_id", job.ID).Msg("publish build")
	}
}

func (p *Processor) stamp(line string) string {
	return fmt.Sprintf("[%s] %s", p.now().Format(time.RFC3339), line)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
