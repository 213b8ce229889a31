package task

import (
	"context"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// Enqueuer is the producer side of the queue. Services depend on it rather
// than on *asynq.Client so tests can record tasks instead.
type Enqueuer interface {
	Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type EnqueuerFunc func(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)

func (f EnqueuerFunc) Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	return f(ctx, task, opts...)
}

func NewEnqueuer(client *asynq.Client) Enqueuer {
	return EnqueuerFunc(func(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
		info, err := client.EnqueueContext(ctx, task, opts...)
		switch {
		case errors.Is(err, asynq.ErrTaskIDConflict), errors.Is(err, asynq.ErrDuplicateTask):
			// already queued under the same id
			zap.L().Debug("task already queued", zap.String("task_type", task.Type()))
			return nil, nil
		case err != nil:
			return nil, fmt.Errorf("enqueue %s: %w", task.Type(), err)
		}
		return info, nil
	})
}
