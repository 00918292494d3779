// Package asynqq carries download tasks over a Redis-backed asynq queue.
// Delivery is at-least-once with late acknowledgement: a worker crash mid-task
// returns the task to the queue after its deadline.
package asynqq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/fairyhunter13/media-fetch/internal/domain"
)

// TaskDownload is the queue task type for download jobs.
const TaskDownload = "download:process"

// Queue enqueues download tasks.
type Queue struct {
	client      *asynq.Client
	hardTimeout time.Duration
	retention   time.Duration
}

// NewQueue connects an asynq client to the Redis URL. hardTimeout bounds one
// task delivery; retention keeps finished task records around briefly for
// inspection.
func NewQueue(redisURL string, hardTimeout time.Duration) (*Queue, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("op=asynqq.new: %w", err)
	}
	return &Queue{
		client:      asynq.NewClient(opt),
		hardTimeout: hardTimeout,
		retention:   10 * time.Minute,
	}, nil
}

// Close releases the underlying Redis connections.
func (q *Queue) Close() error { return q.client.Close() }

// EnqueueDownload submits one download task. The task ID is the job ID, so a
// duplicate submit of the same job is rejected by the queue rather than run
// twice.
func (q *Queue) EnqueueDownload(ctx context.Context, payload domain.DownloadTaskPayload) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("op=asynqq.enqueue job=%s: %w", payload.JobID, err)
	}
	task := asynq.NewTask(TaskDownload, body)
	info, err := q.client.EnqueueContext(ctx, task,
		asynq.TaskID(payload.JobID),
		asynq.MaxRetry(1),
		asynq.Timeout(q.hardTimeout),
		asynq.Retention(q.retention),
	)
	if err != nil {
		return "", fmt.Errorf("op=asynqq.enqueue job=%s: %w", payload.JobID, err)
	}
	return info.ID, nil
}
