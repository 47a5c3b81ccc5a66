package rules

import (
	"fmt"

	"github.com/opensource-finance/loanwatch/internal/domain"
)

// Default criterion names.
const (
	CriterionDuration    = "loanDuration"
	CriterionActiveLoans = "userLoanCount"
	CriterionCategory    = "documentCategory"
	CriterionReliability = "userHistory"
	CriterionRisk        = "riskScore"
)

// DefaultTable returns the 25/25/20/15/15 scoring table.
func DefaultTable() []Criterion {
	return []Criterion{
		{Name: CriterionDuration, Weight: 25, Evaluate: durationCriterion},
		{Name: CriterionActiveLoans, Weight: 25, Evaluate: activeLoansCriterion},
		{Name: CriterionCategory, Weight: 20, Evaluate: categoryCriterion},
		{Name: CriterionReliability, Weight: 15, Evaluate: reliabilityCriterion},
		{Name: CriterionRisk, Weight: 15, Evaluate: riskCriterion},
	}
}

func durationCriterion(f *Facts, cfg domain.ApprovalConfig) (any, float64, string) {
	if f.Days <= cfg.MaxLoanDays {
		return f.Days, 25, fmt.Sprintf("acceptable duration (%d days)", f.Days)
	}
	return f.Days, 0, fmt.Sprintf("duration too long (%d days > %d)", f.Days, cfg.MaxLoanDays)
}

func activeLoansCriterion(f *Facts, cfg domain.ApprovalConfig) (any, float64, string) {
	if f.ActiveLoans < cfg.MaxUserLoans {
		return f.ActiveLoans, 25, fmt.Sprintf("acceptable number of active loans (%d/%d)", f.ActiveLoans, cfg.MaxUserLoans)
	}
	return f.ActiveLoans, 0, fmt.Sprintf("too many active loans (%d >= %d)", f.ActiveLoans, cfg.MaxUserLoans)
}

func categoryCriterion(f *Facts, cfg domain.ApprovalConfig) (any, float64, string) {
	switch {
	case f.IsRestricted:
		return f.Category, 0, fmt.Sprintf("document in a restricted category (%s)", f.Category)
	case f.RequiresApproval:
		return f.Category, 0, fmt.Sprintf("document category requires approval (%s)", f.Category)
	default:
		return f.Category, 20, fmt.Sprintf("acceptable category (%s)", f.Category)
	}
}

func reliabilityCriterion(f *Facts, cfg domain.ApprovalConfig) (any, float64, string) {
	switch {
	case f.Reliability >= 80:
		return f.Reliability, 15, fmt.Sprintf("excellent borrower history (%d%% reliable)", f.Reliability)
	case f.Reliability >= 60:
		return f.Reliability, 10, fmt.Sprintf("good borrower history (%d%% reliable)", f.Reliability)
	default:
		return f.Reliability, 0, fmt.Sprintf("mixed borrower history (%d%% reliable)", f.Reliability)
	}
}

func riskCriterion(f *Facts, cfg domain.ApprovalConfig) (any, float64, string) {
	switch {
	case f.Risk <= 20:
		return f.Risk, 15, fmt.Sprintf("very low risk score (%d)", f.Risk)
	case f.Risk <= 40:
		return f.Risk, 10, fmt.Sprintf("low risk score (%d)", f.Risk)
	case f.Risk <= 60:
		return f.Risk, 5, fmt.Sprintf("medium risk score (%d)", f.Risk)
	default:
		return f.Risk, 0, fmt.Sprintf("high risk score (%d)", f.Risk)
	}
}
