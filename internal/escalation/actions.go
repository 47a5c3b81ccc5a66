package escalation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/opensource-finance/loanwatch/internal/domain"
)

var errNoAuditSink = errors.New("no audit sink configured")

// aliases maps legacy action names onto the canonical ones.
var aliases = map[string]string{
	"notification": domain.ActionNotify,
	"reminder":     domain.ActionRemind,
	"assignment":   domain.ActionAssign,
	"force_action": domain.ActionForceClose,
}

// NormalizeAction returns the canonical name of an action.
func NormalizeAction(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if canonical, ok := aliases[name]; ok {
		return canonical
	}
	return name
}

// runActions executes actions in order and returns the executed names.
// A failed action is recorded as error_<action>; the rest still run.
func (e *Engine) runActions(ctx context.Context, esc *domain.Escalation, level domain.EscalationLevel, actions []string) []string {
	done := make([]string, 0, len(actions))
	for _, raw := range actions {
		action := NormalizeAction(raw)

		var err error
		switch action {
		case domain.ActionNotify:
			err = e.notify(ctx, esc, level)
		case domain.ActionRemind:
			err = e.remind(ctx, esc, level)
		case domain.ActionAssign:
			err = e.assign(esc, level)
		case domain.ActionAutoExtension:
			err = e.extend(ctx, esc)
		case domain.ActionForceClose:
			err = e.forceClose(ctx, esc)
		case domain.ActionAuditTrail:
			err = e.auditTrail(ctx, esc, done)
		default:
			err = fmt.Errorf("unknown action %q", raw)
		}

		if err != nil {
			slog.Error("escalation action failed",
				"escalation_id", esc.ID,
				"action", action,
				"level", level.Level,
				"error", err,
			)
			done = append(done, "error_"+action)
			continue
		}
		done = append(done, action)
	}
	return done
}

func (e *Engine) notify(ctx context.Context, esc *domain.Escalation, level domain.EscalationLevel) error {
	title := fmt.Sprintf("Escalation level %d: %s", esc.Level, esc.Trigger)
	return e.send(ctx, esc, level, "escalation", title, message(esc, level), "high")
}

func (e *Engine) remind(ctx context.Context, esc *domain.Escalation, level domain.EscalationLevel) error {
	if loanID := esc.LoanID(); loanID != "" {
		if _, err := e.reminders.IncrementCounter(ctx, reminderKey(loanID), 0); err != nil {
			return fmt.Errorf("failed to count reminder: %w", err)
		}
	}
	title := "Escalation reminder: " + esc.Trigger
	body := fmt.Sprintf("Escalation %s (%s) still requires attention", esc.ID, esc.Trigger)
	return e.send(ctx, esc, level, "escalation_reminder", title, body, "normal")
}

func (e *Engine) send(ctx context.Context, esc *domain.Escalation, level domain.EscalationLevel, kind, title, body, priority string) error {
	if len(level.Recipients) == 0 {
		return fmt.Errorf("level %d has no recipients", level.Level)
	}
	var errs []error
	for _, recipient := range level.Recipients {
		err := e.api.SendNotification(ctx, &domain.Notification{
			Type:      kind,
			Recipient: recipient,
			Title:     title,
			Message:   body,
			Priority:  priority,
			Data: map[string]any{
				"escalationId": esc.ID,
				"trigger":      esc.Trigger,
				"level":        esc.Level,
				"loanId":       esc.LoanID(),
			},
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", recipient, err))
		}
	}
	return errors.Join(errs...)
}

// assign binds the escalation to the level's first recipient.
func (e *Engine) assign(esc *domain.Escalation, level domain.EscalationLevel) error {
	if len(level.Recipients) == 0 {
		return fmt.Errorf("level %d has no recipients", level.Level)
	}
	esc.AssignedTo = level.Recipients[0]
	return nil
}

// extend is a no-op for escalations that do not concern a loan.
func (e *Engine) extend(ctx context.Context, esc *domain.Escalation) error {
	loanID := esc.LoanID()
	if loanID == "" {
		return nil
	}
	return e.api.ExtendLoan(ctx, loanID, domain.Extension{
		Days:   e.cfg.ExtensionDays,
		Reason: "automatic extension after escalation " + esc.ID,
	})
}

// forceClose is a no-op for escalations that do not concern a loan.
func (e *Engine) forceClose(ctx context.Context, esc *domain.Escalation) error {
	loanID := esc.LoanID()
	if loanID == "" {
		return nil
	}
	return e.api.CancelLoan(ctx, loanID, "closed by escalation "+esc.ID)
}

func (e *Engine) auditTrail(ctx context.Context, esc *domain.Escalation, done []string) error {
	if e.audit == nil {
		return errNoAuditSink
	}
	return e.audit.AppendAudit(ctx, &domain.AuditEntry{
		ID:           uuid.New().String(),
		Type:         "escalation",
		EscalationID: esc.ID,
		Level:        esc.Level,
		Trigger:      esc.Trigger,
		Actions:      append(append([]string(nil), esc.Actions...), done...),
		Context:      esc.Context,
		Timestamp:    e.clock.Now().UTC(),
	})
}

func message(esc *domain.Escalation, level domain.EscalationLevel) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\nTrigger: %s\nLevel: %d\n", level.Name, esc.Trigger, esc.Level)
	if loanID := esc.LoanID(); loanID != "" {
		fmt.Fprintf(&b, "Loan: %s\n", loanID)
	}
	if userID, ok := esc.Context["userId"].(string); ok && userID != "" {
		fmt.Fprintf(&b, "User: %s\n", userID)
	}
	if esc.Reason != "" {
		fmt.Fprintf(&b, "Reason: %s\n", esc.Reason)
	}
	actions := make([]string, len(level.Actions))
	for i, a := range level.Actions {
		actions[i] = NormalizeAction(a)
	}
	fmt.Fprintf(&b, "\nRequired actions: %s", strings.Join(actions, ", "))
	return b.String()
}
