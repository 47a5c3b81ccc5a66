package rules

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/opensource-finance/loanwatch/internal/domain"
	"github.com/shopspring/decimal"
)

// Built-in custom criterion penalties.
const (
	MinReliabilityPenalty = 10
	MaxLoanAmountPenalty  = 15
)

// CustomCriteria are per-request thresholds layered on the default table.
// Each failed criterion subtracts its penalty from the score.
type CustomCriteria struct {
	MinReliabilityScore *int             `mapstructure:"minReliabilityScore" json:"minReliabilityScore,omitempty"`
	MaxLoanAmount       *decimal.Decimal `mapstructure:"maxLoanAmount" json:"maxLoanAmount,omitempty"`
	Expressions         []CELCriterion   `mapstructure:"expressions" json:"expressions,omitempty" validate:"dive"`
}

// CELCriterion is a boolean CEL expression over the loan facts.
// A false result costs Penalty points.
type CELCriterion struct {
	Name       string  `mapstructure:"name" json:"name" validate:"required"`
	Expression string  `mapstructure:"expression" json:"expression" validate:"required"`
	Penalty    float64 `mapstructure:"penalty" json:"penalty" validate:"gte=0"`
}

func newCELEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable("loan", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("days", cel.IntType),
		cel.Variable("active_loans", cel.IntType),
		cel.Variable("category", cel.StringType),
		cel.Variable("reliability", cel.IntType),
		cel.Variable("risk", cel.IntType),
		cel.Variable("amount", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return env, nil
}

// ValidateExpression compiles an expression without caching it.
func (e *Engine) ValidateExpression(expr string) error {
	_, err := e.compile(expr)
	return err
}

func (e *Engine) applyCustom(f *Facts, custom *CustomCriteria) []domain.CriterionResult {
	var results []domain.CriterionResult

	if custom.MinReliabilityScore != nil {
		floor := *custom.MinReliabilityScore
		r := domain.CriterionResult{
			Name:   "minReliabilityScore",
			Value:  f.Reliability,
			Passed: f.Reliability >= floor,
			Reason: fmt.Sprintf("reliability score meets minimum (%d%% >= %d%%)", f.Reliability, floor),
		}
		if !r.Passed {
			r.Penalty = MinReliabilityPenalty
			r.Reason = fmt.Sprintf("insufficient reliability score (< %d%%)", floor)
		}
		results = append(results, r)
	}

	if custom.MaxLoanAmount != nil {
		limit := *custom.MaxLoanAmount
		amount := f.Loan.Amount
		r := domain.CriterionResult{
			Name:   "maxLoanAmount",
			Value:  amount.String(),
			Passed: !amount.GreaterThan(limit),
			Reason: fmt.Sprintf("loan amount within limit (%s <= %s)", amount, limit),
		}
		if !r.Passed {
			r.Penalty = MaxLoanAmountPenalty
			r.Reason = fmt.Sprintf("loan amount too high (> %s)", limit)
		}
		results = append(results, r)
	}

	if len(custom.Expressions) > 0 {
		activation := celActivation(f)
		for _, c := range custom.Expressions {
			results = append(results, e.evalCEL(c, activation))
		}
	}

	return results
}

func (e *Engine) evalCEL(c CELCriterion, activation map[string]any) domain.CriterionResult {
	r := domain.CriterionResult{Name: c.Name}

	prg, err := e.program(c.Expression)
	if err != nil {
		r.Reason = fmt.Sprintf("criterion %s not evaluated: %v", c.Name, err)
		return r
	}

	out, _, err := prg.Eval(activation)
	if err != nil {
		r.Reason = fmt.Sprintf("criterion %s evaluation error: %v", c.Name, err)
		return r
	}

	passed, ok := out.(types.Bool)
	if !ok {
		r.Reason = fmt.Sprintf("criterion %s did not return a bool", c.Name)
		return r
	}

	r.Value = bool(passed)
	r.Passed = bool(passed)
	if r.Passed {
		r.Reason = fmt.Sprintf("criterion %s satisfied", c.Name)
	} else {
		r.Penalty = c.Penalty
		r.Reason = fmt.Sprintf("criterion %s not satisfied (-%g)", c.Name, c.Penalty)
	}
	return r
}

func (e *Engine) program(expr string) (cel.Program, error) {
	if prg, ok := e.programs.Get(expr); ok {
		return prg, nil
	}

	prg, err := e.compile(expr)
	if err != nil {
		return nil, err
	}

	e.programs.Add(expr, prg)
	return prg, nil
}

func (e *Engine) compile(expr string) (cel.Program, error) {
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile expression: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("expression must return bool, got %s", ast.OutputType())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program: %w", err)
	}
	return prg, nil
}

func celActivation(f *Facts) map[string]any {
	amount := f.Loan.Amount.InexactFloat64()
	return map[string]any{
		"loan": map[string]any{
			"id":          f.Loan.ID,
			"borrower_id": f.Loan.BorrowerID,
			"document_id": f.Loan.DocumentID,
			"status":      string(f.Loan.Status),
			"amount":      amount,
		},
		"days":         int64(f.Days),
		"active_loans": int64(f.ActiveLoans),
		"category":     f.Category,
		"reliability":  int64(f.Reliability),
		"risk":         int64(f.Risk),
		"amount":       amount,
	}
}
