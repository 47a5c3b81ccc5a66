package domain

import (
	"errors"
	"time"
)

// Escalation errors.
var (
	ErrEscalationNotFound = errors.New("escalation not found")
	ErrEscalationResolved = errors.New("escalation already resolved")
	ErrFinalLevel         = errors.New("escalation already at final level")
)

// Trigger names.
const (
	TriggerLoanOverdue      = "loan_overdue"
	TriggerApprovalFailed   = "approval_failed"
	TriggerSystemError      = "system_error"
	TriggerUserComplaint    = "user_complaint"
	TriggerPerformanceIssue = "performance_issue"
	TriggerCustom           = "custom"
)

// Action names. Legacy aliases are normalized by the escalation engine.
const (
	ActionNotify        = "notify"
	ActionRemind        = "remind"
	ActionAssign        = "assign"
	ActionAutoExtension = "auto_extension"
	ActionForceClose    = "force_close"
	ActionAuditTrail    = "audit_trail"
)

// EscalationStatus is active until explicitly resolved.
type EscalationStatus string

const (
	EscalationActive   EscalationStatus = "active"
	EscalationResolved EscalationStatus = "resolved"
)

// EscalationLevel is one configured severity tier.
type EscalationLevel struct {
	Level      int           `json:"level" yaml:"level"`
	Name       string        `json:"name" yaml:"name"`
	Timeout    time.Duration `json:"timeout" yaml:"timeout"`
	Recipients []string      `json:"recipients" yaml:"recipients"`
	Actions    []string      `json:"actions" yaml:"actions"`
}

// EscalationThresholds are the per-trigger firing thresholds.
type EscalationThresholds struct {
	OverdueDays    int           `json:"overdueDays" yaml:"overdueDays"`
	MaxReminders   int           `json:"maxReminders" yaml:"maxReminders"`
	FailedAttempts int           `json:"failedAttempts" yaml:"failedAttempts"`
	ErrorRate      float64       `json:"errorRate" yaml:"errorRate"`
	ResponseTime   time.Duration `json:"responseTime" yaml:"responseTime"`
	AffectedUsers  int           `json:"affectedUsers" yaml:"affectedUsers"`
}

// EscalationConfig is the level table plus thresholds.
type EscalationConfig struct {
	Levels     []EscalationLevel    `json:"levels" yaml:"levels"`
	Thresholds EscalationThresholds `json:"thresholds" yaml:"thresholds"`

	// ExtensionDays is the grace period applied by auto_extension.
	ExtensionDays int `json:"extensionDays" yaml:"extensionDays"`

	// HistoryLimit bounds retained escalation history.
	HistoryLimit int `json:"historyLimit" yaml:"historyLimit"`
}

// DefaultEscalationConfig returns the three-level default table.
func DefaultEscalationConfig() EscalationConfig {
	return EscalationConfig{
		Levels: []EscalationLevel{
			{
				Level:      1,
				Name:       "First level",
				Timeout:    24 * time.Hour,
				Recipients: []string{"supervisor"},
				Actions:    []string{ActionNotify, ActionRemind},
			},
			{
				Level:      2,
				Name:       "Second level",
				Timeout:    48 * time.Hour,
				Recipients: []string{"manager"},
				Actions:    []string{ActionNotify, ActionAssign, ActionAutoExtension},
			},
			{
				Level:      3,
				Name:       "Management level",
				Timeout:    72 * time.Hour,
				Recipients: []string{"director"},
				Actions:    []string{ActionNotify, ActionForceClose, ActionAuditTrail},
			},
		},
		Thresholds: EscalationThresholds{
			OverdueDays:    7,
			MaxReminders:   3,
			FailedAttempts: 3,
			ErrorRate:      10,
			ResponseTime:   24 * time.Hour,
			AffectedUsers:  10,
		},
		ExtensionDays: 7,
		HistoryLimit:  1000,
	}
}

// Acknowledgment records that someone has seen an escalation.
type Acknowledgment struct {
	By   string    `json:"by"`
	Note string    `json:"note,omitempty"`
	At   time.Time `json:"at"`
}

// Escalation is a tracked incident under progressive attention.
type Escalation struct {
	ID        string           `json:"id"`
	Trigger   string           `json:"trigger"`
	Level     int              `json:"level"`
	LevelName string           `json:"levelName"`
	Status    EscalationStatus `json:"status"`
	Context   map[string]any   `json:"context"`

	// Actions lists executed action names in order, with error_<action> on failure.
	Actions []string `json:"actions"`

	Acknowledgments []Acknowledgment `json:"acknowledgments"`
	AssignedTo      string           `json:"assignedTo,omitempty"`

	// Custom escalations only.
	Target   string `json:"target,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Priority string `json:"priority,omitempty"`

	Resolution       *string    `json:"resolution"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
	ResolvedAt       *time.Time `json:"resolvedAt,omitempty"`
	NextEscalationAt *time.Time `json:"nextEscalationAt,omitempty"`
}

// LoanID returns the loan the escalation concerns, if any.
func (e *Escalation) LoanID() string {
	if v, ok := e.Context["loanId"].(string); ok {
		return v
	}
	return ""
}

// Clone returns a deep enough copy for store isolation.
func (e *Escalation) Clone() *Escalation {
	c := *e
	c.Context = make(map[string]any, len(e.Context))
	for k, v := range e.Context {
		c.Context[k] = v
	}
	c.Actions = append([]string(nil), e.Actions...)
	c.Acknowledgments = append([]Acknowledgment(nil), e.Acknowledgments...)
	return &c
}

// EscalationFilter narrows a history query. Zero values match everything.
type EscalationFilter struct {
	Trigger string
	Level   int
	Status  EscalationStatus
	Limit   int
}

// Match reports whether an escalation satisfies the filter.
func (f EscalationFilter) Match(e *Escalation) bool {
	if f.Trigger != "" && e.Trigger != f.Trigger {
		return false
	}
	if f.Level != 0 && e.Level != f.Level {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	return true
}

// EscalationOutcome is the escalation unit's payload in a TaskResult.
type EscalationOutcome struct {
	Escalated  bool        `json:"escalated"`
	Trigger    string      `json:"trigger"`
	Reason     string      `json:"reason,omitempty"`
	Escalation *Escalation `json:"escalation,omitempty"`
}
