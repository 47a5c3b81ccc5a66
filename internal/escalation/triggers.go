package escalation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/opensource-finance/loanwatch/internal/domain"
	"github.com/opensource-finance/loanwatch/internal/errorrate"
	"github.com/opensource-finance/loanwatch/internal/task"
)

// signals are the trigger inputs read from task variables.
type signals struct {
	LoanID        string   `mapstructure:"loanId"`
	FailureCount  int      `mapstructure:"failureCount"`
	FailureReason string   `mapstructure:"failureReason"`
	ErrorType     string   `mapstructure:"errorType"`
	ErrorRate     *float64 `mapstructure:"errorRate"`
	Severity      string   `mapstructure:"severity"`
	AffectedUsers int      `mapstructure:"affectedUsers"`
	DaysOverdue   int      `mapstructure:"daysOverdue"`
}

func readSignals(vars map[string]any) (*signals, error) {
	var s signals
	if err := task.DecodeMap(vars, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// evaluate runs the predicate for trigger. The reason explains the outcome.
func (e *Engine) evaluate(ctx context.Context, trigger string, vars map[string]any) (bool, string, error) {
	s, err := readSignals(vars)
	if err != nil {
		return false, "", err
	}
	th := e.cfg.Thresholds

	switch trigger {
	case domain.TriggerLoanOverdue:
		return e.checkOverdue(ctx, s, vars)

	case domain.TriggerApprovalFailed:
		if s.FailureCount < th.FailedAttempts {
			return false, fmt.Sprintf("%d failed attempts, threshold is %d", s.FailureCount, th.FailedAttempts), nil
		}
		return true, fmt.Sprintf("%d failed approval attempts", s.FailureCount), nil

	case domain.TriggerSystemError:
		rate, err := e.errorRate(ctx, s)
		if err != nil {
			return false, "", err
		}
		vars["errorRate"] = rate
		if rate < th.ErrorRate {
			return false, fmt.Sprintf("error rate %.1f%% below %.1f%%", rate, th.ErrorRate), nil
		}
		return true, fmt.Sprintf("error rate %.1f%%", rate), nil

	case domain.TriggerUserComplaint:
		if s.Severity != "high" && s.Severity != "critical" {
			return false, fmt.Sprintf("complaint severity %q does not escalate", s.Severity), nil
		}
		return true, s.Severity + " severity complaint", nil

	case domain.TriggerPerformanceIssue:
		rt := responseTime(vars["responseTime"])
		switch {
		case rt > th.ResponseTime:
			return true, fmt.Sprintf("response time %s over %s", rt, th.ResponseTime), nil
		case s.ErrorRate != nil && *s.ErrorRate > th.ErrorRate:
			return true, fmt.Sprintf("error rate %.1f%% over %.1f%%", *s.ErrorRate, th.ErrorRate), nil
		case s.AffectedUsers > th.AffectedUsers:
			return true, fmt.Sprintf("%d users affected", s.AffectedUsers), nil
		}
		return false, "performance within thresholds", nil

	default:
		slog.Warn("unsupported escalation trigger", "trigger", trigger)
		return false, "unsupported trigger: " + trigger, nil
	}
}

func (e *Engine) checkOverdue(ctx context.Context, s *signals, vars map[string]any) (bool, string, error) {
	loan, err := e.loan(ctx, s.LoanID, vars["loan"])
	if err != nil {
		return false, "", err
	}
	if loan == nil {
		return false, "no loan in context", nil
	}
	if _, ok := vars["loanId"]; !ok {
		vars["loanId"] = loan.ID
	}
	if _, ok := vars["userId"]; !ok && loan.BorrowerID != "" {
		vars["userId"] = loan.BorrowerID
	}

	th := e.cfg.Thresholds
	days := daysOverdue(e.clock.Now(), loan.ReturnDate)
	if days < th.OverdueDays {
		return false, fmt.Sprintf("loan is %d days overdue, threshold is %d", days, th.OverdueDays), nil
	}

	sent, err := e.reminders.GetCounter(ctx, reminderKey(loan.ID))
	if err != nil {
		slog.Warn("reminder count unavailable, assuming none sent", "loan_id", loan.ID, "error", err)
		sent = 0
	}
	vars["daysOverdue"] = days
	vars["remindersSent"] = int(sent)

	if int(sent) >= th.MaxReminders {
		return false, fmt.Sprintf("%d reminders already sent", sent), nil
	}
	return true, fmt.Sprintf("loan is %d days overdue", days), nil
}

// loan prefers a loan carried in the variables over a host lookup.
func (e *Engine) loan(ctx context.Context, id string, v any) (*domain.Loan, error) {
	switch l := v.(type) {
	case *domain.Loan:
		if l != nil {
			return l, nil
		}
	case map[string]any:
		if loan, ok := inlineLoan(l, id); ok {
			return loan, nil
		}
		if id == "" {
			id = domain.Record(l).String("id", "loanId")
		}
	}
	if id == "" {
		return nil, nil
	}

	loan, err := e.api.GetLoan(ctx, id)
	if errors.Is(err, domain.ErrNotFound) || (err == nil && loan == nil) {
		return nil, fmt.Errorf("loan not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load loan %s: %w", id, err)
	}
	return loan, nil
}

func (e *Engine) errorRate(ctx context.Context, s *signals) (float64, error) {
	if s.ErrorRate != nil {
		return *s.ErrorRate, nil
	}
	if e.errorRates == nil {
		return 0, nil
	}
	scope := s.ErrorType
	if scope == "" {
		scope = errorrate.TaskScope
	}
	rate, err := e.errorRates.Rate(ctx, scope)
	if err != nil {
		return 0, fmt.Errorf("failed to read error rate for %s: %w", scope, err)
	}
	return rate, nil
}

// selectLevel maps severity signals to a configured level.
func (e *Engine) selectLevel(trigger string, vars map[string]any) domain.EscalationLevel {
	s, _ := readSignals(vars)
	if s == nil {
		s = &signals{}
	}

	target := 1
	switch trigger {
	case domain.TriggerLoanOverdue:
		switch {
		case s.DaysOverdue > 30:
			target = 3
		case s.DaysOverdue > 14:
			target = 2
		}
	case domain.TriggerSystemError:
		rate := 0.0
		if s.ErrorRate != nil {
			rate = *s.ErrorRate
		}
		switch {
		case rate > 50:
			target = 3
		case rate > 25:
			target = 2
		}
	case domain.TriggerUserComplaint:
		switch s.Severity {
		case "critical":
			target = 3
		case "high":
			target = 2
		}
	}
	return e.level(target)
}

// daysOverdue rounds partial days up. A loan not yet due is 0 or negative.
func daysOverdue(now, returnDate time.Time) int {
	return int(math.Ceil(now.Sub(returnDate).Hours() / 24))
}

// responseTime reads durations as strings ("36h") or milliseconds.
func responseTime(v any) time.Duration {
	switch t := v.(type) {
	case time.Duration:
		return t
	case string:
		if d, err := time.ParseDuration(t); err == nil {
			return d
		}
		if ms, err := strconv.ParseFloat(t, 64); err == nil {
			return time.Duration(ms * float64(time.Millisecond))
		}
	case float64:
		return time.Duration(t * float64(time.Millisecond))
	case int:
		return time.Duration(t) * time.Millisecond
	case int64:
		return time.Duration(t) * time.Millisecond
	}
	return 0
}

func reminderKey(loanID string) string {
	return "reminders:" + loanID
}

// inlineLoan reads the fields the overdue check uses from a loan carried as a
// map. Only the return date is required; it may be a date without a time.
func inlineLoan(m map[string]any, fallbackID string) (*domain.Loan, bool) {
	rec := domain.Record(m)
	due, ok := rec.Time("returnDate", "dueDate")
	if !ok {
		return nil, false
	}
	loan := &domain.Loan{
		ID:         rec.String("id", "loanId"),
		BorrowerID: rec.String("borrowerId", "userId"),
		DocumentID: rec.String("documentId", "docId"),
		Status:     domain.LoanStatus(rec.String("status", "state")),
		ReturnDate: due,
	}
	if loan.ID == "" {
		loan.ID = fallbackID
	}
	if t, ok := rec.Time("loanDate", "borrowDate"); ok {
		loan.LoanDate = t
	}
	return loan, true
}
