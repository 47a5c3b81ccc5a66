// Package rules provides the weighted scoring engine behind loan auto-approval.
package rules

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sync"

	"github.com/google/cel-go/cel"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/opensource-finance/loanwatch/internal/domain"
)

// Criterion is one row of the scoring table.
// Evaluate returns the measured value, the points earned out of Weight and a
// human readable reason. Points are clamped to [0, Weight].
type Criterion struct {
	Name     string
	Weight   float64
	Evaluate func(f *Facts, cfg domain.ApprovalConfig) (value any, points float64, reason string)
}

// Facts are the inputs every criterion sees, with derived figures filled in.
type Facts struct {
	Loan        *domain.Loan
	Days        int
	ActiveLoans int
	Category    string
	History     History

	Reliability      int
	Risk             int
	IsRestricted     bool
	RequiresApproval bool
}

// EvaluateInput holds a loan request and the collaborator lookups made for it.
type EvaluateInput struct {
	Loan        *domain.Loan
	ActiveLoans int
	Category    string
	History     History
	Custom      *CustomCriteria
}

// Engine scores loan requests against a declarative criteria table.
type Engine struct {
	cfg   domain.ApprovalConfig
	table []Criterion

	env      *cel.Env
	mu       sync.RWMutex
	programs *lru.Cache[string, cel.Program]
}

// MaxCachedPrograms bounds the compiled CEL programs kept per engine.
// Expressions arrive with requests, so the least recently used are evicted.
const MaxCachedPrograms = 256

// NewEngine creates an engine with the default five-criterion table.
func NewEngine(cfg domain.ApprovalConfig) (*Engine, error) {
	env, err := newCELEnv()
	if err != nil {
		return nil, err
	}
	programs, err := lru.New[string, cel.Program](MaxCachedPrograms)
	if err != nil {
		return nil, err
	}
	return &Engine{
		cfg:      cfg,
		table:    DefaultTable(),
		env:      env,
		programs: programs,
	}, nil
}

// Config returns the engine's approval configuration.
func (e *Engine) Config() domain.ApprovalConfig {
	return e.cfg
}

// AddCriterion appends a criterion to the table.
func (e *Engine) AddCriterion(c Criterion) error {
	if c.Name == "" || c.Evaluate == nil {
		return fmt.Errorf("criterion requires a name and an evaluate function")
	}
	if c.Weight <= 0 {
		return fmt.Errorf("criterion %s: weight must be positive", c.Name)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, existing := range e.table {
		if existing.Name == c.Name {
			return fmt.Errorf("criterion %s already registered", c.Name)
		}
	}
	e.table = append(e.table, c)
	return nil
}

// Criteria returns the names of the table rows in evaluation order.
func (e *Engine) Criteria() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, len(e.table))
	for i, c := range e.table {
		names[i] = c.Name
	}
	return names
}

// Evaluate scores a loan request. It performs no I/O.
func (e *Engine) Evaluate(ctx context.Context, in *EvaluateInput) *domain.ApprovalEvaluation {
	facts := e.facts(in)

	e.mu.RLock()
	table := slices.Clone(e.table)
	e.mu.RUnlock()

	eval := &domain.ApprovalEvaluation{
		LoanID:           in.Loan.ID,
		Criteria:         make(map[string]domain.CriterionResult, len(table)),
		Category:         facts.Category,
		IsRestricted:     facts.IsRestricted,
		RequiresApproval: facts.RequiresApproval,
	}

	for _, c := range table {
		value, points, reason := c.Evaluate(facts, e.cfg)
		points = math.Max(0, math.Min(points, c.Weight))

		eval.MaxScore += c.Weight
		eval.Score += points
		eval.Criteria[c.Name] = domain.CriterionResult{
			Name:   c.Name,
			Value:  value,
			Passed: points == c.Weight,
			Points: points,
			Weight: c.Weight,
			Reason: reason,
		}
		eval.Reasons = append(eval.Reasons, reason)
	}

	if in.Custom != nil {
		for _, r := range e.applyCustom(facts, in.Custom) {
			eval.Score -= r.Penalty
			eval.Criteria[r.Name] = r
			if !r.Passed {
				eval.Reasons = append(eval.Reasons, r.Reason)
			}
		}
	}

	d := Decide(eval.Score, eval.MaxScore, facts.IsRestricted, facts.RequiresApproval)
	eval.Confidence = d.Confidence
	eval.Decision = d.Decision
	eval.Reason = d.Reason
	return eval
}

func (e *Engine) facts(in *EvaluateInput) *Facts {
	category := in.Category
	if category == "" {
		category = "general"
	}

	f := &Facts{
		Loan:             in.Loan,
		Days:             in.Loan.Days(),
		ActiveLoans:      in.ActiveLoans,
		Category:         category,
		History:          in.History,
		Reliability:      in.History.Reliability(),
		IsRestricted:     slices.Contains(e.cfg.RestrictedCategories, category),
		RequiresApproval: slices.Contains(e.cfg.RequireApprovalCategories, category),
	}
	f.Risk = RiskScore(f, e.cfg)
	return f
}

// RiskScore is the composite 0-100 risk figure. Higher is riskier.
func RiskScore(f *Facts, cfg domain.ApprovalConfig) int {
	risk := 0
	if f.Days > cfg.MaxLoanDays {
		risk += 20
	}
	if f.ActiveLoans >= cfg.MaxUserLoans {
		risk += 15
	}
	switch {
	case f.Reliability < 50:
		risk += 25
	case f.Reliability < 70:
		risk += 15
	case f.Reliability < 90:
		risk += 5
	}
	if f.RequiresApproval {
		risk += 15
	}
	if f.IsRestricted {
		risk += 25
	}
	return min(risk, 100)
}

func round(v float64) int {
	return int(math.Round(v))
}
