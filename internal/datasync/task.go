package datasync

import (
	"context"
	"errors"
	"fmt"

	"github.com/opensource-finance/loanwatch/internal/domain"
	"github.com/opensource-finance/loanwatch/internal/task"
)

// ErrJobFailed marks a task whose sync job ran but ended failed.
var ErrJobFailed = errors.New("sync job failed")

// Task exposes the sync engine to the workflow orchestrator.
type Task struct {
	engine *Engine
}

// NewTask wraps an engine as a domain.Task.
func NewTask(engine *Engine) *Task {
	return &Task{engine: engine}
}

// Engine returns the underlying sync engine.
func (t *Task) Engine() *Engine {
	return t.engine
}

// Type implements domain.Task.
func (t *Task) Type() string {
	return domain.TaskTypeDataSync
}

// Execute implements domain.Task.
func (t *Task) Execute(ctx context.Context, tc *domain.TaskContext) *domain.TaskResult {
	return task.Run(ctx, t.Type(), tc, t.run)
}

func (t *Task) run(ctx context.Context, tc *domain.TaskContext, res *domain.TaskResult) error {
	var req Request
	if err := task.Decode(tc, &req); err != nil {
		return err
	}

	job, err := t.engine.Run(ctx, &req)
	if err != nil {
		return err
	}
	res.Sync = job
	tc.SetVar("syncId", job.ID)

	if job.Status == domain.SyncFailed {
		return fmt.Errorf("%w: %s", ErrJobFailed, job.Message)
	}
	return nil
}

var _ domain.Task = (*Task)(nil)
