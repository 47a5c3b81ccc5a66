package rules

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/opensource-finance/loanwatch/internal/domain"
	"github.com/shopspring/decimal"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	engine, err := NewEngine(domain.DefaultApprovalConfig())
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	return engine
}

func testLoan(days int) *domain.Loan {
	start := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	return &domain.Loan{
		ID:         "loan-001",
		BorrowerID: "user-001",
		DocumentID: "doc-001",
		Status:     domain.LoanStatusPending,
		LoanDate:   start,
		ReturnDate: start.AddDate(0, 0, days),
		Amount:     decimal.NewFromInt(500),
	}
}

// reliable90 yields a reliability score of exactly 90.
var reliable90 = History{TotalLoans: 10, ReturnedOnTime: 9, CancelledLoans: 1}

func TestEngineCreation(t *testing.T) {
	engine := newTestEngine(t)

	want := []string{CriterionDuration, CriterionActiveLoans, CriterionCategory, CriterionReliability, CriterionRisk}
	got := engine.Criteria()
	if len(got) != len(want) {
		t.Fatalf("expected %d criteria, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("criterion %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestEvaluateScenarios(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	t.Run("ShortLoanGoodHistoryApproved", func(t *testing.T) {
		eval := engine.Evaluate(ctx, &EvaluateInput{
			Loan:        testLoan(10),
			ActiveLoans: 1,
			Category:    "general",
			History:     reliable90,
		})

		if eval.Decision != domain.DecisionAutoApprove {
			t.Errorf("expected auto_approve, got %s (%s)", eval.Decision, eval.Reason)
		}
		if eval.Confidence < 80 {
			t.Errorf("expected confidence >= 80, got %d", eval.Confidence)
		}
		if eval.Score != 100 || eval.MaxScore != 100 {
			t.Errorf("expected 100/100, got %.0f/%.0f", eval.Score, eval.MaxScore)
		}
		if got := eval.Criteria[CriterionReliability].Value; got != 90 {
			t.Errorf("expected reliability 90, got %v", got)
		}
		if len(eval.Reasons) != 5 {
			t.Errorf("expected 5 reasons, got %d", len(eval.Reasons))
		}
	})

	t.Run("LongRestrictedLoanRejected", func(t *testing.T) {
		eval := engine.Evaluate(ctx, &EvaluateInput{
			Loan:        testLoan(45),
			ActiveLoans: 0,
			Category:    "confidential",
			History:     reliable90,
		})

		if eval.Decision != domain.DecisionAutoReject {
			t.Errorf("expected auto_reject, got %s", eval.Decision)
		}
		if !eval.IsRestricted {
			t.Error("expected category to be flagged restricted")
		}
		if eval.Criteria[CriterionDuration].Passed {
			t.Error("expected duration criterion to fail")
		}
	})

	t.Run("RequiresApprovalGoesToManualReview", func(t *testing.T) {
		eval := engine.Evaluate(ctx, &EvaluateInput{
			Loan:        testLoan(10),
			ActiveLoans: 0,
			Category:    "sensitive",
			History:     reliable90,
		})

		// 25 + 25 + 0 + 15 + 15 (risk 15)
		if eval.Confidence != 80 {
			t.Errorf("expected confidence 80, got %d", eval.Confidence)
		}
		if eval.Decision != domain.DecisionManualReview {
			t.Errorf("expected manual review, got %s", eval.Decision)
		}
	})

	t.Run("PoorProfileRejected", func(t *testing.T) {
		eval := engine.Evaluate(ctx, &EvaluateInput{
			Loan:        testLoan(45),
			ActiveLoans: 3,
			Category:    "legal",
			History:     History{TotalLoans: 4, CancelledLoans: 4},
		})

		if eval.Score != 0 {
			t.Errorf("expected score 0, got %.0f", eval.Score)
		}
		if got := eval.Criteria[CriterionRisk].Value; got != 75 {
			t.Errorf("expected risk 75, got %v", got)
		}
		if eval.Decision != domain.DecisionAutoReject {
			t.Errorf("expected auto_reject, got %s", eval.Decision)
		}
	})

	t.Run("UnknownCategoryDefaultsToGeneral", func(t *testing.T) {
		eval := engine.Evaluate(ctx, &EvaluateInput{Loan: testLoan(5)})
		if eval.Category != "general" {
			t.Errorf("expected general, got %s", eval.Category)
		}
		// No history means full reliability.
		if got := eval.Criteria[CriterionReliability].Value; got != 100 {
			t.Errorf("expected reliability 100, got %v", got)
		}
	})
}

func TestRestrictedNeverApproved(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	for _, category := range domain.DefaultApprovalConfig().RestrictedCategories {
		for _, days := range []int{1, 10, 30, 60} {
			eval := engine.Evaluate(ctx, &EvaluateInput{
				Loan:     testLoan(days),
				Category: category,
			})
			if eval.Decision == domain.DecisionAutoApprove {
				t.Errorf("category %s, %d days: restricted loan was approved", category, days)
			}
			if eval.Confidence < 0 || eval.Confidence > 100 {
				t.Errorf("confidence out of range: %d", eval.Confidence)
			}
		}
	}
}

func TestCustomCriteria(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	base := func() *EvaluateInput {
		return &EvaluateInput{
			Loan:        testLoan(10),
			ActiveLoans: 1,
			Category:    "general",
			History:     reliable90,
		}
	}

	t.Run("MinReliabilityPenalty", func(t *testing.T) {
		floor := 95
		in := base()
		in.Custom = &CustomCriteria{MinReliabilityScore: &floor}

		eval := engine.Evaluate(ctx, in)
		if eval.Score != 90 {
			t.Errorf("expected score 90, got %.0f", eval.Score)
		}
		if eval.Criteria["minReliabilityScore"].Passed {
			t.Error("expected minReliabilityScore to fail")
		}
	})

	t.Run("MaxLoanAmountPenalty", func(t *testing.T) {
		limit := decimal.RequireFromString("100.00")
		in := base()
		in.Custom = &CustomCriteria{MaxLoanAmount: &limit}

		eval := engine.Evaluate(ctx, in)
		if eval.Score != 85 {
			t.Errorf("expected score 85, got %.0f", eval.Score)
		}
		if eval.Criteria["maxLoanAmount"].Penalty != MaxLoanAmountPenalty {
			t.Errorf("expected penalty %d", MaxLoanAmountPenalty)
		}
	})

	t.Run("AmountWithinLimitNoPenalty", func(t *testing.T) {
		limit := decimal.NewFromInt(500)
		in := base()
		in.Custom = &CustomCriteria{MaxLoanAmount: &limit}

		eval := engine.Evaluate(ctx, in)
		if eval.Score != 100 {
			t.Errorf("expected score 100, got %.0f", eval.Score)
		}
	})

	t.Run("CELCriterion", func(t *testing.T) {
		in := base()
		in.Custom = &CustomCriteria{Expressions: []CELCriterion{
			{Name: "shortLoan", Expression: "days <= 7", Penalty: 20},
			{Name: "smallAmount", Expression: "amount < 1000.0 && loan.status == 'pending'", Penalty: 20},
		}}

		eval := engine.Evaluate(ctx, in)
		if eval.Score != 80 {
			t.Errorf("expected score 80, got %.0f", eval.Score)
		}
		if eval.Criteria["shortLoan"].Passed {
			t.Error("expected shortLoan to fail")
		}
		if !eval.Criteria["smallAmount"].Passed {
			t.Error("expected smallAmount to pass")
		}
	})

	t.Run("InvalidCELDoesNotAbort", func(t *testing.T) {
		in := base()
		in.Custom = &CustomCriteria{Expressions: []CELCriterion{
			{Name: "broken", Expression: "this is not valid CEL !!!", Penalty: 50},
			{Name: "notBool", Expression: "days + 1", Penalty: 50},
		}}

		eval := engine.Evaluate(ctx, in)
		if eval.Decision != domain.DecisionAutoApprove {
			t.Errorf("expected auto_approve, got %s", eval.Decision)
		}
		if eval.Criteria["broken"].Passed || eval.Criteria["broken"].Reason == "" {
			t.Error("expected broken criterion to be reported as failed with a reason")
		}
		if eval.Criteria["notBool"].Passed {
			t.Error("expected non-bool criterion to be reported as failed")
		}
	})

	t.Run("PenaltiesClampConfidence", func(t *testing.T) {
		in := &EvaluateInput{
			Loan:        testLoan(45),
			ActiveLoans: 5,
			Category:    "legal",
			History:     History{TotalLoans: 2, CancelledLoans: 2},
			Custom: &CustomCriteria{Expressions: []CELCriterion{
				{Name: "never", Expression: "false", Penalty: 40},
			}},
		}

		eval := engine.Evaluate(ctx, in)
		if eval.Score >= 0 {
			t.Errorf("expected negative raw score, got %.0f", eval.Score)
		}
		if eval.Confidence != 0 {
			t.Errorf("expected confidence clamped to 0, got %d", eval.Confidence)
		}
	})
}

func TestAddCriterion(t *testing.T) {
	engine := newTestEngine(t)

	weekend := Criterion{
		Name:   "weekdayStart",
		Weight: 10,
		Evaluate: func(f *Facts, cfg domain.ApprovalConfig) (any, float64, string) {
			wd := f.Loan.LoanDate.Weekday()
			if wd == time.Saturday || wd == time.Sunday {
				return wd.String(), 0, "loan starts on a weekend"
			}
			return wd.String(), 10, "loan starts on a weekday"
		},
	}

	if err := engine.AddCriterion(weekend); err != nil {
		t.Fatalf("AddCriterion failed: %v", err)
	}
	if err := engine.AddCriterion(weekend); err == nil {
		t.Error("expected duplicate criterion to be rejected")
	}
	if err := engine.AddCriterion(Criterion{Name: "zero", Evaluate: weekend.Evaluate}); err == nil {
		t.Error("expected zero weight to be rejected")
	}

	eval := engine.Evaluate(context.Background(), &EvaluateInput{
		Loan:     testLoan(10),
		Category: "general",
	})
	if eval.MaxScore != 110 {
		t.Errorf("expected max score 110, got %.0f", eval.MaxScore)
	}
	if _, ok := eval.Criteria["weekdayStart"]; !ok {
		t.Error("expected weekdayStart in criteria")
	}
}

func TestValidateExpression(t *testing.T) {
	engine := newTestEngine(t)

	tests := []struct {
		expr    string
		wantErr bool
	}{
		{"reliability >= 80", false},
		{"category in ['general', 'books']", false},
		{"risk", true},
		{"unknown_var > 1", true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			err := engine.ValidateExpression(tt.expr)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateExpression(%q) error = %v, wantErr %v", tt.expr, err, tt.wantErr)
			}
		})
	}
}

func TestProgramCacheIsBounded(t *testing.T) {
	engine := newTestEngine(t)

	first, err := engine.program("days <= 0")
	if err != nil {
		t.Fatalf("program failed: %v", err)
	}
	if again, _ := engine.program("days <= 0"); again != first {
		t.Error("expected the compiled program to be reused")
	}

	for i := range MaxCachedPrograms + 50 {
		if _, err := engine.program(fmt.Sprintf("days <= %d", i+1)); err != nil {
			t.Fatalf("program %d failed: %v", i, err)
		}
	}
	if n := engine.programs.Len(); n != MaxCachedPrograms {
		t.Errorf("expected %d cached programs, got %d", MaxCachedPrograms, n)
	}
	if engine.programs.Contains("days <= 0") {
		t.Error("expected the least recently used program to be evicted")
	}
}
