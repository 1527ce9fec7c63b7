package queue

import (
	"context"
	"time"

	"github.com/dunamismax/avatarflow/internal/config"
	"github.com/hibiken/asynq"
)

const (
	processMaxRetry = 5
	processTimeout  = time.Minute
	// Finished tasks are kept this long so their upload id still blocks a
	// second enqueue.
	processRetention = 24 * time.Hour
)

type Client struct {
	client *asynq.Client
	queue  string
}

func NewClient(cfg config.QueueConfig) *Client {
	return &Client{
		client: asynq.NewClient(cfg.RedisClientOpt()),
		queue:  cfg.Name,
	}
}

// EnqueueProcessAvatar schedules a committed upload. The task id is the
// upload id; a duplicate returns asynq.ErrTaskIDConflict.
func (c *Client) EnqueueProcessAvatar(ctx context.Context, payload ProcessAvatarPayload) (*asynq.TaskInfo, error) {
	task, err := NewProcessAvatarTask(payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task, processOptions(c.queue, payload.UploadID)...)
}

func processOptions(queue, uploadID string) []asynq.Option {
	return []asynq.Option{
		asynq.Queue(queue),
		asynq.TaskID(uploadID),
		asynq.MaxRetry(processMaxRetry),
		asynq.Timeout(processTimeout),
		asynq.Retention(processRetention),
	}
}

func (c *Client) Close() error {
	return c.client.Close()
}
