package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"iso-builder/internal/models"
)

// ErrNotFound is returned when a history row does not exist.
var ErrNotFound = errors.New("build not found in history")

// Store wraps pgxpool for build history persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// SaveHistory upserts a terminal job.
func (s *Store) SaveHistory(ctx context.Context, job models.Job) error {
	if !job.IsTerminal() {
		return fmt.Errorf("save history %s: status %s is not terminal", job.ID, job.Status)
	}
	logJSON, err := json.Marshal(nonNilLog(job.BuildLog))
	if err != nil {
		return fmt.Errorf("marshal build log: %w", err)
	}
	var cfg []byte
	if len(job.Config) > 0 && json.Valid(job.Config) {
		cfg = job.Config
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO build_history (id, status, progress, config, build_log, error, output_path, created_at, started_at, completed_at, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			progress = EXCLUDED.progress,
			config = EXCLUDED.config,
			build_log = EXCLUDED.build_log,
			error = EXCLUDED.error,
			output_path = EXCLUDED.output_path,
			created_at = EXCLUDED.created_at,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at,
			recorded_at = NOW()
	`, job.ID, string(job.Status), job.Progress, cfg, logJSON, job.Error, job.OutputPath, job.CreatedAt, job.StartedAt, job.CompletedAt)
	if err != nil {
		return fmt.Errorf("upsert history %s: %w", job.ID, err)
	}
	return nil
}

// ListHistory returns up to limit finished builds, most recent first.
func (s *Store) ListHistory(ctx context.Context, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, status, progress, config, build_log, error, output_path, created_at, started_at, completed_at
		FROM build_history
		ORDER BY completed_at DESC NULLS LAST, recorded_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	jobs := make([]models.Job, 0)
	for rows.Next() {
		var r historyRow
		if err := rows.Scan(r.targets()...); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		job, err := r.job()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return jobs, nil
}

// GetHistory fetches one finished build.
func (s *Store) GetHistory(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, status, progress, config, build_log, error, output_path, created_at, started_at, completed_at
		FROM build_history WHERE id = $1
	`, id)
	var r historyRow
	if err := row.Scan(r.targets()...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return models.Job{}, fmt.Errorf("scan history: %w", err)
	}
	return r.job()
}

// AppendEvent adds a lifecycle event row.
func (s *Store) AppendEvent(ctx context.Context, jobID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO build_events (job_id, event, detail, recorded_at)
		VALUES ($1, $2, $3, NOW())
	`, jobID, event, detail)
	return err
}

// ListEvents returns the lifecycle events of a build in order.
func (s *Store) ListEvents(ctx context.Context, jobID string) ([]models.BuildEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, event, detail, recorded_at FROM build_events
		WHERE job_id = $1 ORDER BY recorded_at, id
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.BuildEvent, error) {
		var e models.BuildEvent
		err := row.Scan(&e.JobID, &e.Event, &e.Detail, &e.Recorded)
		return e, err
	})
}

// historyRow mirrors the build_history columns.
type historyRow struct {
	id          string
	status      string
	progress    int32
	config      []byte
	buildLog    []byte
	errText     pgtype.Text
	outputPath  pgtype.Text
	createdAt   pgtype.Timestamptz
	startedAt   pgtype.Timestamptz
	completedAt pgtype.Timestamptz
}

func (r *historyRow) targets() []any {
	return []any{&r.id, &r.status, &r.progress, &r.config, &r.buildLog, &r.errText, &r.outputPath, &r.createdAt, &r.startedAt, &r.completedAt}
}

func (r *historyRow) job() (models.Job, error) {
	job := models.Job{
		ID:          r.id,
		Status:      models.Status(r.status),
		Progress:    int(r.progress),
		CreatedAt:   timePtr(r.createdAt),
		StartedAt:   timePtr(r.startedAt),
		CompletedAt: timePtr(r.completedAt),
		Error:       textPtr(r.errText),
		OutputPath:  textPtr(r.outputPath),
		BuildLog:    []string{},
	}
	if len(r.config) > 0 {
		job.Config = json.RawMessage(r.config)
	}
	if len(r.buildLog) > 0 {
		if err := json.Unmarshal(r.buildLog, &job.BuildLog); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal build log %s: %w", r.id, err)
		}
	}
	return job, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time.UTC()
		return &v
	}
	return nil
}

func nonNilLog(lines []string) []string {
	if lines == nil {
		return []string{}
	}
	return lines
}
