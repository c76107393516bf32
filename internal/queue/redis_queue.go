package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"iso-builder/internal/config"
	"iso-builder/internal/models"
)

// ErrJobNotFound is returned when no job record exists for an id.
var ErrJobNotFound = errors.New("job not found")

// RedisQueue is the authoritative build queue: a FIFO of job ids, one
// record per job and a single active slot held by the worker.
type RedisQueue struct {
	client       *redis.Client
	queueKey     string
	activeKey    string
	jobPrefix    string
	eventChannel string
	finishedTTL  time.Duration
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewWithClient(client)
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client) *RedisQueue {
	return &RedisQueue{
		client:       client,
		queueKey:     "builds:queue",
		activeKey:    "builds:active",
		jobPrefix:    "builds:job:",
		eventChannel: "builds:events",
		finishedTTL:  24 * time.Hour,
	}
}

// Client exposes the underlying Redis client for collaborators such as the
// rate limiter.
func (q *RedisQueue) Client() *redis.Client {
	return q.client
}

func (q *RedisQueue) jobKey(id string) string {
	return q.jobPrefix + id
}

// Ping checks connectivity.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Close releases the Redis connection pool.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

// Enqueue creates a queued job for cfg and appends it to the queue. It
// returns the job and its 1-based queue position.
func (q *RedisQueue) Enqueue(ctx context.Context, cfg json.RawMessage) (models.Job, int64, error) {
	now := time.Now().UTC()
	job := models.Job{
		ID:        uuid.New().String(),
		Status:    models.StatusQueued,
		CreatedAt: &now,
		Config:    cfg,
		BuildLog:  []string{},
	}
	data, err := json.Marshal(job)
	if err != nil {
		return models.Job{}, 0, fmt.Errorf("marshal job: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.jobKey(job.ID), data, 0)
	pos := pipe.RPush(ctx, q.queueKey, job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return models.Job{}, 0, fmt.Errorf("enqueue job: %w", err)
	}
	return job, pos.Val(), nil
}

// Activate moves the head of the queue into the active slot and marks it
// in_progress. It returns false when a job is already active or the queue
// is empty, which keeps at most one job active across workers.
func (q *RedisQueue) Activate(ctx context.Context) (models.Job, bool, error) {
	res, err := activateScript.Run(ctx, q.client, []string{q.queueKey, q.activeKey}).Result()
	if err == redis.Nil {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("activate: %w", err)
	}
	id, ok := res.(string)
	if !ok {
		return models.Job{}, false, fmt.Errorf("unexpected type from activate script: %T", res)
	}

	job, err := q.Get(ctx, id)
	if errors.Is(err, ErrJobNotFound) {
		// Orphaned id: free the slot so the next job can run.
		if err := q.client.Del(ctx, q.activeKey).Err(); err != nil {
			return models.Job{}, false, fmt.Errorf("clear orphaned active job %s: %w", id, err)
		}
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, err
	}

	now := time.Now().UTC()
	job.Status = models.StatusInProgress
	job.Progress = 0
	job.StartedAt = &now
	if err := q.Save(ctx, job); err != nil {
		return models.Job{}, false, err
	}
	return job, true, nil
}

// Save overwrites the job record.
func (q *RedisQueue) Save(ctx context.Context, job models.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	var ttl time.Duration
	if job.IsTerminal() {
		ttl = q.finishedTTL
	}
	if err := q.client.Set(ctx, q.jobKey(job.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("save job %s: %w", job.ID, err)
	}
	return nil
}

// Get loads a job record.
func (q *RedisQueue) Get(ctx context.Context, id string) (models.Job, error) {
	data, err := q.client.Get(ctx, q.jobKey(id)).Bytes()
	if err == redis.Nil {
		return models.Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	var job models.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return models.Job{}, fmt.Errorf("decode job %s: %w", id, err)
	}
	return job, nil
}

// Queue returns the queued jobs in submission order.
func (q *RedisQueue) Queue(ctx context.Context) ([]models.Job, error) {
	ids, err := q.client.LRange(ctx, q.queueKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	jobs := make([]models.Job, 0, len(ids))
	if len(ids) == 0 {
		return jobs, nil
	}
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, q.jobKey(id))
	}
	vals, err := q.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load queued jobs: %w", err)
	}
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var job models.Job
		if err := json.Unmarshal([]byte(s), &job); err != nil {
			continue
		}
		// Activate can run between LRange and MGet; skip records it already moved.
		if job.Status != models.StatusQueued {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Active returns the active job, or nil when the slot is empty.
func (q *RedisQueue) Active(ctx context.Context) (*models.Job, error) {
	id, err := q.client.Get(ctx, q.activeKey).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active job: %w", err)
	}
	job, err := q.Get(ctx, id)
	if errors.Is(err, ErrJobNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// Finish stores the terminal job and releases the active slot if it still
// holds this job.
func (q *RedisQueue) Finish(ctx context.Context, job models.Job) error {
	if !job.IsTerminal() {
		return fmt.Errorf("finish job %s: status %s is not terminal", job.ID, job.Status)
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	err = finishScript.Run(ctx, q.client,
		[]string{q.activeKey, q.jobKey(job.ID)},
		job.ID, data, q.finishedTTL.Milliseconds(),
	).Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("finish job %s: %w", job.ID, err)
	}
	return nil
}

// Depth returns the number of queued jobs.
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.queueKey).Result()
}

// ReclaimActive fails a job left in the active slot by a worker that
// stopped mid-build. It returns the failed job, or nil if the slot was free.
func (q *RedisQueue) ReclaimActive(ctx context.Context, reason string) (*models.Job, error) {
	job, err := q.Active(ctx)
	if err != nil {
		return nil, err
	}
	if job == nil {
		// Also clears a dangling id whose record expired.
		if err := q.client.Del(ctx, q.activeKey).Err(); err != nil {
			return nil, fmt.Errorf("clear active slot: %w", err)
		}
		return nil, nil
	}
	now := time.Now().UTC()
	job.Status = models.StatusFailed
	job.CompletedAt = &now
	job.Error = models.StringPtr("Build failed: " + reason)
	job.OutputPath = nil
	job.BuildLog = append(job.BuildLog, "ERROR: "+reason)
	if err := q.Finish(ctx, *job); err != nil {
		return nil, err
	}
	return job, nil
}

var activateScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
  return nil
end
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('SET', KEYS[2], job)
  return job
end
return nil
`)

var finishScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  redis.call('DEL', KEYS[1])
end
redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[3])
return 1
`)
