// Package approval implements the loan auto-approval unit.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"
	"github.com/opensource-finance/loanwatch/internal/domain"
	"github.com/opensource-finance/loanwatch/internal/rules"
	"github.com/opensource-finance/loanwatch/internal/task"
)

// ApprovedBy marks loans approved by this unit.
const ApprovedBy = "auto-approval-system"

// Params are the task parameters of an approval run.
type Params struct {
	LoanID   string                `mapstructure:"loanId" validate:"required"`
	Criteria *rules.CustomCriteria `mapstructure:"criteria"`
}

// Task scores a pending loan and applies the decision through the host API.
type Task struct {
	api    domain.HostAPI
	engine *rules.Engine
	bus    domain.EventBus
	cfg    domain.ApprovalConfig
	clock  clockwork.Clock
}

// Option configures a Task.
type Option func(*Task)

// WithClock overrides the clock used for approval timestamps.
func WithClock(c clockwork.Clock) Option {
	return func(t *Task) { t.clock = c }
}

// WithEventBus publishes decisions on the bus.
func WithEventBus(bus domain.EventBus) Option {
	return func(t *Task) { t.bus = bus }
}

// New creates an approval unit. The engine's configuration drives both scoring
// and the post-decision actions.
func New(api domain.HostAPI, engine *rules.Engine, opts ...Option) *Task {
	t := &Task{
		api:    api,
		engine: engine,
		cfg:    engine.Config(),
		clock:  clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Type implements domain.Task.
func (t *Task) Type() string {
	return domain.TaskTypeAutoApproval
}

// Execute implements domain.Task.
func (t *Task) Execute(ctx context.Context, tc *domain.TaskContext) *domain.TaskResult {
	return task.Run(ctx, t.Type(), tc, t.run)
}

func (t *Task) run(ctx context.Context, tc *domain.TaskContext, res *domain.TaskResult) error {
	var p Params
	if err := task.Decode(tc, &p, "loanId", "criteria"); err != nil {
		return err
	}

	loan, err := t.api.GetLoan(ctx, p.LoanID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("loan not found: %s", p.LoanID)
		}
		return fmt.Errorf("failed to load loan %s: %w", p.LoanID, err)
	}
	if loan == nil {
		return fmt.Errorf("loan not found: %s", p.LoanID)
	}
	if err := task.Validate(loan); err != nil {
		return fmt.Errorf("loan %s: %w", p.LoanID, err)
	}

	eval := t.engine.Evaluate(ctx, &rules.EvaluateInput{
		Loan:        loan,
		ActiveLoans: t.activeLoans(ctx, loan.BorrowerID),
		Category:    t.category(ctx, loan.DocumentID),
		History:     t.history(ctx, loan.BorrowerID),
		Custom:      p.Criteria,
	})

	out := &domain.ApprovalOutcome{
		LoanID:     loan.ID,
		Decision:   eval.Decision,
		Reason:     eval.Reason,
		Confidence: eval.Confidence,
		Evaluation: eval,
	}
	res.Approval = out

	tc.SetVar("approvalDecision", string(eval.Decision))
	tc.SetVar("approvalConfidence", eval.Confidence)

	slog.Info("loan evaluated",
		"loan_id", loan.ID,
		"decision", eval.Decision,
		"confidence", eval.Confidence,
		"score", eval.Score,
	)

	switch eval.Decision {
	case domain.DecisionAutoApprove:
		if err := t.approve(ctx, loan, out); err != nil {
			return err
		}
	case domain.DecisionAutoReject:
		if err := t.reject(ctx, loan, out); err != nil {
			return err
		}
	default:
		out.Message = "loan requires manual review"
	}

	t.publish(ctx, out)
	return nil
}

func (t *Task) approve(ctx context.Context, loan *domain.Loan, out *domain.ApprovalOutcome) error {
	now := t.clock.Now().UTC()
	err := t.api.UpdateLoan(ctx, loan.ID, &domain.LoanUpdate{
		Status:         domain.LoanStatusActive,
		ApprovedAt:     &now,
		ApprovedBy:     ApprovedBy,
		ApprovalReason: t.cfg.ApprovalMessage,
	})
	if err != nil {
		return fmt.Errorf("failed to approve loan %s: %w", loan.ID, err)
	}

	if t.cfg.AutoExtendDays > 0 {
		err := t.api.ExtendLoan(ctx, loan.ID, domain.Extension{
			Days:   t.cfg.AutoExtendDays,
			Reason: "automatic post-approval extension",
		})
		if err != nil {
			slog.Warn("post-approval extension failed", "loan_id", loan.ID, "error", err)
		}
	}

	if t.cfg.NotifyOnApproval {
		t.notify(ctx, loan, "loan_approval", "Loan approved automatically", t.cfg.ApprovalMessage, "approvalType")
	}

	out.AutoApproved = true
	out.Message = t.cfg.ApprovalMessage
	out.ApprovedAt = &now
	return nil
}

func (t *Task) reject(ctx context.Context, loan *domain.Loan, out *domain.ApprovalOutcome) error {
	if err := t.api.CancelLoan(ctx, loan.ID, t.cfg.RejectionMessage); err != nil {
		return fmt.Errorf("failed to reject loan %s: %w", loan.ID, err)
	}

	if t.cfg.NotifyOnRejection {
		t.notify(ctx, loan, "loan_rejection", "Loan rejected automatically", t.cfg.RejectionMessage, "rejectionType")
	}

	now := t.clock.Now().UTC()
	out.AutoRejected = true
	out.Message = t.cfg.RejectionMessage
	out.RejectedAt = &now
	return nil
}

// notify is best effort.
func (t *Task) notify(ctx context.Context, loan *domain.Loan, kind, title, message, typeKey string) {
	subject := loan.DocumentTitle
	if subject == "" {
		subject = loan.DocumentID
	}
	err := t.api.SendNotification(ctx, &domain.Notification{
		Type:      kind,
		Recipient: loan.BorrowerID,
		Title:     title,
		Message:   fmt.Sprintf("%s - Document: %s", message, subject),
		Data: map[string]any{
			"loanId":     loan.ID,
			"documentId": loan.DocumentID,
			typeKey:      "automatic",
		},
	})
	if err != nil {
		slog.Warn("failed to send notification",
			"loan_id", loan.ID,
			"type", kind,
			"error", err,
		)
	}
}

func (t *Task) activeLoans(ctx context.Context, userID string) int {
	loans, err := t.api.GetUserLoans(ctx, userID)
	if err != nil {
		slog.Warn("user loans unavailable, assuming none active", "user_id", userID, "error", err)
		return 0
	}
	n := 0
	for _, l := range loans {
		if l != nil && l.Status == domain.LoanStatusActive {
			n++
		}
	}
	return n
}

func (t *Task) category(ctx context.Context, documentID string) string {
	doc, err := t.api.GetDocument(ctx, documentID)
	if err != nil || doc == nil || doc.Category == "" {
		if err != nil {
			slog.Warn("document unavailable, using general category", "document_id", documentID, "error", err)
		}
		return "general"
	}
	return doc.Category
}

func (t *Task) history(ctx context.Context, userID string) rules.History {
	activity, err := t.api.GetUserActivity(ctx, userID, t.cfg.HistoryLimit)
	if err != nil {
		slog.Warn("user history unavailable, using empty profile", "user_id", userID, "error", err)
		return rules.History{}
	}
	if activity == nil {
		return rules.History{}
	}
	return rules.Summarize(activity.Loans)
}

func (t *Task) publish(ctx context.Context, out *domain.ApprovalOutcome) {
	if t.bus == nil {
		return
	}
	payload, err := json.Marshal(out)
	if err != nil {
		slog.Warn("failed to encode approval event", "loan_id", out.LoanID, "error", err)
		return
	}
	if err := t.bus.Publish(ctx, domain.TopicApprovalDecision, payload); err != nil {
		slog.Warn("failed to publish approval event", "loan_id", out.LoanID, "error", err)
	}
}
