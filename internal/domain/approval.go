package domain

import "time"

// Decision is the three-way outcome of an approval evaluation.
type Decision string

const (
	DecisionAutoApprove  Decision = "auto_approve"
	DecisionAutoReject   Decision = "auto_reject"
	DecisionManualReview Decision = "manual_review_required"
)

// Decision thresholds on the 0-100 confidence scale.
const (
	ApproveConfidence = 80
	RejectConfidence  = 30
)

// CriterionResult is the outcome of a single scoring criterion.
type CriterionResult struct {
	Name    string  `json:"name"`
	Value   any     `json:"value"`
	Passed  bool    `json:"passed"`
	Points  float64 `json:"points"`
	Weight  float64 `json:"weight"`
	Reason  string  `json:"reason"`
	Penalty float64 `json:"penalty,omitempty"`
}

// ApprovalEvaluation is the transient result of scoring one loan request.
// It is never persisted by the engine.
type ApprovalEvaluation struct {
	LoanID     string                     `json:"loanId"`
	Criteria   map[string]CriterionResult `json:"criteria"`
	Score      float64                    `json:"score"`
	MaxScore   float64                    `json:"maxScore"`
	Confidence int                        `json:"confidence"`
	Decision   Decision                   `json:"decision"`
	Reason     string                     `json:"reason"`
	Reasons    []string                   `json:"reasons"`

	// Category flags that feed the decision.
	Category         string `json:"category"`
	IsRestricted     bool   `json:"isRestricted"`
	RequiresApproval bool   `json:"requiresApproval"`
}

// ApprovalOutcome is the approval unit's payload in a TaskResult.
type ApprovalOutcome struct {
	LoanID       string              `json:"loanId"`
	Decision     Decision            `json:"decision"`
	Reason       string              `json:"reason"`
	Confidence   int                 `json:"confidence"`
	Message      string              `json:"message,omitempty"`
	AutoApproved bool                `json:"autoApproved"`
	AutoRejected bool                `json:"autoRejected"`
	ApprovedAt   *time.Time          `json:"approvedAt,omitempty"`
	RejectedAt   *time.Time          `json:"rejectedAt,omitempty"`
	Evaluation   *ApprovalEvaluation `json:"evaluation"`
}

// ApprovalConfig holds the thresholds of the scoring rule engine.
type ApprovalConfig struct {
	MaxLoanDays               int      `yaml:"maxLoanDays"`
	MaxUserLoans              int      `yaml:"maxUserLoans"`
	RestrictedCategories      []string `yaml:"restrictedCategories"`
	RequireApprovalCategories []string `yaml:"requireApprovalCategories"`

	NotifyOnApproval  bool   `yaml:"notifyOnApproval"`
	NotifyOnRejection bool   `yaml:"notifyOnRejection"`
	ApprovalMessage   string `yaml:"approvalMessage"`
	RejectionMessage  string `yaml:"rejectionMessage"`

	// Post-approval extension, 0 disables it.
	AutoExtendDays int `yaml:"autoExtendDays"`

	// HistoryLimit bounds the activity lookup used for reliability.
	HistoryLimit int `yaml:"historyLimit"`
}

// DefaultApprovalConfig returns the documented approval defaults.
func DefaultApprovalConfig() ApprovalConfig {
	return ApprovalConfig{
		MaxLoanDays:               30,
		MaxUserLoans:              3,
		RestrictedCategories:      []string{"confidential", "restricted"},
		RequireApprovalCategories: []string{"sensitive", "legal"},
		NotifyOnApproval:          true,
		NotifyOnRejection:         true,
		ApprovalMessage:           "Loan approved automatically",
		RejectionMessage:          "Loan requires manual approval",
		HistoryLimit:              100,
	}
}
