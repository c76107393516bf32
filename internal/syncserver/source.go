package syncserver

import (
	"context"

	"iso-builder/internal/models"
	"iso-builder/internal/queue"
)

// HistoryLister lists finished builds, most recent first.
type HistoryLister interface {
	ListHistory(ctx context.Context, limit int) ([]models.Job, error)
}

// BuildSource serves the queue and active slot from Redis and history from
// Postgres.
type BuildSource struct {
	queue *queue.RedisQueue
	store HistoryLister
	limit int
}

// NewBuildSource returns a Source backed by q and st. limit bounds the
// history snapshot.
func NewBuildSource(q *queue.RedisQueue, st HistoryLister, limit int) *BuildSource {
	return &BuildSource{queue: q, store: st, limit: limit}
}

func (s *BuildSource) Queue(ctx context.Context) ([]models.Job, error) {
	return s.queue.Queue(ctx)
}

func (s *BuildSource) Active(ctx context.Context) (*models.Job, error) {
	return s.queue.Active(ctx)
}

func (s *BuildSource) History(ctx context.Context) ([]models.Job, error) {
	return s.store.ListHistory(ctx, s.limit)
}
