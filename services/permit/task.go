package permit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"permit-engine/pkg/logger"
	"permit-engine/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

type ExecutePayload struct {
	PermitID string `json:"permit_id"`
}

// NewExecuteTask builds the queued execution of one permit. The task id is
// derived from the permit so duplicate requests are rejected by the queue.
func NewExecuteTask(permitID string) (*asynq.Task, error) {
	payload, err := json.Marshal(ExecutePayload{PermitID: permitID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskname.PermitExecute, payload,
		asynq.Queue(taskname.QueueCritical),
		asynq.TaskID(taskname.PermitExecute+":"+permitID),
		asynq.MaxRetry(3),
		asynq.Timeout(5*time.Minute),
	), nil
}

func NewSweepTask() *asynq.Task {
	return asynq.NewTask(taskname.PermitSweep, nil,
		asynq.Queue(taskname.QueueDefault),
		asynq.MaxRetry(0),
		asynq.Unique(time.Minute),
	)
}

type TaskHandler struct {
	executor *Executor
}

func NewTaskHandler(executor *Executor) *TaskHandler {
	return &TaskHandler{executor: executor}
}

// HandleExecute retries only engine failures. Permit-level failures are
// final for this task; pending permits are picked up again by the sweep.
func (h *TaskHandler) HandleExecute(ctx context.Context, t *asynq.Task) error {
	var payload ExecutePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("decode %s payload: %v: %w", t.Type(), err, asynq.SkipRetry)
	}

	outcome, err := h.executor.Process(ctx, payload.PermitID)
	if errors.Is(err, ErrPermitNotFound) {
		return fmt.Errorf("permit %s: %v: %w", payload.PermitID, err, asynq.SkipRetry)
	}
	if err != nil {
		return err
	}

	logger.FromContext(ctx).Info("permit execution task done",
		zap.String("permit_id", outcome.PermitID),
		zap.String("status", string(outcome.Status)),
		zap.String("reason", string(outcome.Reason)),
	)
	return nil
}

func (h *TaskHandler) HandleSweep(ctx context.Context, _ *asynq.Task) error {
	_, err := h.executor.Sweep(ctx)
	return err
}

func registerTaskHandlers(mux *asynq.ServeMux, h *TaskHandler) {
	mux.HandleFunc(taskname.PermitExecute, h.HandleExecute)
	mux.HandleFunc(taskname.PermitSweep, h.HandleSweep)
}
