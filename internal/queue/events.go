package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"iso-builder/internal/models"
)

// Publish announces a job change to every API instance.
func (q *RedisQueue) Publish(ctx context.Context, job models.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.Publish(ctx, q.eventChannel, data).Err(); err != nil {
		return fmt.Errorf("publish job %s: %w", job.ID, err)
	}
	return nil
}

// Subscribe returns a channel of job changes published by workers. The
// subscription is confirmed before Subscribe returns; the channel is closed
// when ctx is done.
func (q *RedisQueue) Subscribe(ctx context.Context) (<-chan models.Job, error) {
	pubsub := q.client.Subscribe(ctx, q.eventChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", q.eventChannel, err)
	}

	out := make(chan models.Job, 64)
	go func() {
		defer close(out)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var job models.Job
				if err := json.Unmarshal([]byte(msg.Payload), &job); err != nil || job.ID == "" {
					continue
				}
				select {
				case out <- job:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
