package escalation

import (
	"context"
	"log/slog"

	"github.com/opensource-finance/loanwatch/internal/domain"
	"github.com/opensource-finance/loanwatch/internal/task"
)

// Params are the task parameters of an escalation run.
type Params struct {
	Trigger          string         `mapstructure:"trigger" validate:"required_without=CustomEscalation"`
	CustomEscalation bool           `mapstructure:"customEscalation"`
	Target           string         `mapstructure:"target" validate:"required_if=CustomEscalation true"`
	Reason           string         `mapstructure:"reason" validate:"required_if=CustomEscalation true"`
	Priority         string         `mapstructure:"priority"`
	Level            int            `mapstructure:"level"`
	EscalationData   map[string]any `mapstructure:"escalationData"`
}

// Task exposes the engine to the workflow orchestrator.
type Task struct {
	engine *Engine
}

// NewTask wraps an engine as a domain.Task.
func NewTask(engine *Engine) *Task {
	return &Task{engine: engine}
}

// Engine returns the underlying state machine.
func (t *Task) Engine() *Engine {
	return t.engine
}

// Type implements domain.Task.
func (t *Task) Type() string {
	return domain.TaskTypeEscalation
}

// Execute implements domain.Task.
func (t *Task) Execute(ctx context.Context, tc *domain.TaskContext) *domain.TaskResult {
	return task.Run(ctx, t.Type(), tc, t.run)
}

func (t *Task) run(ctx context.Context, tc *domain.TaskContext, res *domain.TaskResult) error {
	var p Params
	if err := task.Decode(tc, &p, "trigger"); err != nil {
		return err
	}

	if p.CustomEscalation {
		level := p.Level
		if v, ok := p.EscalationData["level"]; ok && level == 0 {
			var data struct {
				Level int `mapstructure:"level"`
			}
			if err := task.DecodeMap(map[string]any{"level": v}, &data); err == nil {
				level = data.Level
			}
		}
		esc, err := t.engine.Custom(ctx, CustomRequest{
			Target:   p.Target,
			Reason:   p.Reason,
			Priority: p.Priority,
			Level:    level,
			Data:     p.EscalationData,
		})
		if err != nil {
			return err
		}
		res.Escalation = &domain.EscalationOutcome{
			Escalated:  true,
			Trigger:    domain.TriggerCustom,
			Reason:     p.Reason,
			Escalation: esc,
		}
		tc.SetVar("escalationId", esc.ID)
		tc.SetVar("escalationLevel", esc.Level)
		return nil
	}

	if tc.Variables == nil {
		tc.Variables = make(map[string]any)
	}
	out, err := t.engine.Trigger(ctx, p.Trigger, tc.Variables)
	if err != nil {
		return err
	}
	res.Escalation = out

	if out.Escalated {
		tc.SetVar("escalationId", out.Escalation.ID)
		tc.SetVar("escalationLevel", out.Escalation.Level)
	}
	slog.Debug("escalation task finished",
		"task_id", tc.Task.ID,
		"trigger", p.Trigger,
		"escalated", out.Escalated,
	)
	return nil
}

var _ domain.Task = (*Task)(nil)
