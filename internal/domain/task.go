package domain

import (
	"context"
	"time"
)

// Task types understood by the engine.
const (
	TaskTypeAutoApproval = "auto_approval"
	TaskTypeEscalation   = "escalation"
	TaskTypeDataSync     = "data_sync"
)

// Task-level status values.
const (
	TaskStatusCompleted = "completed"
	TaskStatusFailed    = "failed"
)

// Task is an automation unit invoked by the workflow orchestrator.
// Execute is the unit's single catch boundary: it always returns a result and
// never lets a fault escape.
type Task interface {
	Type() string
	Execute(ctx context.Context, tc *TaskContext) *TaskResult
}

// TaskDescriptor is the declarative task definition supplied by the orchestrator.
type TaskDescriptor struct {
	ID     string         `json:"id"`
	Type   string         `json:"type"`
	Params map[string]any `json:"params,omitempty"`
}

// ExecutionMeta is the workflow metadata surrounding a task invocation.
type ExecutionMeta struct {
	WorkflowID  string            `json:"workflowId,omitempty"`
	ExecutionID string            `json:"executionId,omitempty"`
	StepID      string            `json:"stepId,omitempty"`
	StartedAt   time.Time         `json:"startedAt,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
}

// TaskContext is what the orchestrator hands to Execute.
// Variables is a mutable scratch map; units may write derived values into it.
type TaskContext struct {
	Task      TaskDescriptor `json:"task"`
	Execution ExecutionMeta  `json:"executionContext"`
	Variables map[string]any `json:"variables"`
}

// Var returns a variable, or nil when absent.
func (tc *TaskContext) Var(name string) any {
	if tc == nil || tc.Variables == nil {
		return nil
	}
	return tc.Variables[name]
}

// SetVar writes a variable, allocating the map if needed.
func (tc *TaskContext) SetVar(name string, value any) {
	if tc.Variables == nil {
		tc.Variables = make(map[string]any)
	}
	tc.Variables[name] = value
}

// TaskResult is the structured record returned to the orchestrator.
// Exactly one unit payload is set when the unit got far enough to produce one.
type TaskResult struct {
	TaskID    string    `json:"taskId"`
	TaskType  string    `json:"taskType"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	Approval   *ApprovalOutcome   `json:"approval,omitempty"`
	Escalation *EscalationOutcome `json:"escalation,omitempty"`
	Sync       *SyncJob           `json:"sync,omitempty"`
}

// Failed builds a failed result for a task.
func Failed(task TaskDescriptor, taskType string, err error) *TaskResult {
	return &TaskResult{
		TaskID:    task.ID,
		TaskType:  taskType,
		Status:    TaskStatusFailed,
		Error:     err.Error(),
		Timestamp: time.Now().UTC(),
	}
}
