// Package task holds the plumbing shared by every automation unit: parameter
// decoding, the panic-safe execution boundary and the task registry.
package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/opensource-finance/loanwatch/internal/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrUnknownTask is returned for task types with no registered unit.
var ErrUnknownTask = errors.New("unknown task type")

var tracer = otel.Tracer("loanwatch-task")

// Func is the body of a unit. It fills res and returns an error to mark the
// task failed. Anything it panics with is recovered by Run.
type Func func(ctx context.Context, tc *domain.TaskContext, res *domain.TaskResult) error

// Run executes fn inside a span and converts every failure into a result.
func Run(ctx context.Context, taskType string, tc *domain.TaskContext, fn Func) (res *domain.TaskResult) {
	if tc == nil {
		tc = &domain.TaskContext{}
	}

	ctx, span := tracer.Start(ctx, "task."+taskType,
		trace.WithAttributes(
			attribute.String("task.id", tc.Task.ID),
			attribute.String("task.type", taskType),
			attribute.String("workflow.execution_id", tc.Execution.ExecutionID),
		),
	)
	defer span.End()

	start := time.Now()
	res = &domain.TaskResult{
		TaskID:   tc.Task.ID,
		TaskType: taskType,
		Status:   domain.TaskStatusCompleted,
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("task panicked",
				"task_id", tc.Task.ID,
				"task_type", taskType,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			res.Status = domain.TaskStatusFailed
			res.Error = fmt.Sprintf("internal error: %v", r)
		}

		res.Timestamp = time.Now().UTC()
		if res.Status == domain.TaskStatusFailed {
			span.SetStatus(codes.Error, res.Error)
		}

		slog.Debug("task finished",
			"task_id", tc.Task.ID,
			"task_type", taskType,
			"status", res.Status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}()

	if err := fn(ctx, tc, res); err != nil {
		res.Status = domain.TaskStatusFailed
		res.Error = err.Error()
	}
	return res
}
