package repository

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-finance/loanwatch/internal/domain"
	"github.com/shopspring/decimal"
)

func newTestRepo(t *testing.T) *SQLRepository {
	t.Helper()
	path := filepath.Join(t.TempDir(), "loanwatch-test.db")

	repo, err := New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: path})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() {
		repo.Close()
		os.Remove(path)
	})
	return repo
}

func TestSQLiteRepository(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	loanDate := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	t.Run("Ping", func(t *testing.T) {
		if err := repo.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("CreateAndGetLoan", func(t *testing.T) {
		loan := &domain.Loan{
			ID:         "loan-001",
			BorrowerID: "user-001",
			DocumentID: "doc-001",
			LoanDate:   loanDate,
			ReturnDate: loanDate.AddDate(0, 0, 14),
			Amount:     decimal.RequireFromString("120.50"),
		}
		if err := repo.CreateLoan(ctx, loan); err != nil {
			t.Fatalf("CreateLoan failed: %v", err)
		}

		got, err := repo.GetLoan(ctx, "loan-001")
		if err != nil {
			t.Fatalf("GetLoan failed: %v", err)
		}
		if got.Status != domain.LoanStatusPending {
			t.Errorf("expected pending status, got %s", got.Status)
		}
		if !got.Amount.Equal(loan.Amount) {
			t.Errorf("expected amount %s, got %s", loan.Amount, got.Amount)
		}
		if got.Days() != 14 {
			t.Errorf("expected 14 days, got %d", got.Days())
		}
		if got.ApprovedAt != nil {
			t.Error("expected no approval stamp")
		}
	})

	t.Run("LoanNotFound", func(t *testing.T) {
		_, err := repo.GetLoan(ctx, "missing")
		if !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("CreateLoanValidation", func(t *testing.T) {
		err := repo.CreateLoan(ctx, &domain.Loan{ID: "bad"})
		if !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})

	t.Run("UpdateLoan", func(t *testing.T) {
		at := loanDate.Add(time.Hour)
		err := repo.UpdateLoan(ctx, "loan-001", &domain.LoanUpdate{
			Status:     domain.LoanStatusActive,
			ApprovedAt: &at,
			ApprovedBy: "auto-approval-system",
		})
		if err != nil {
			t.Fatalf("UpdateLoan failed: %v", err)
		}

		got, _ := repo.GetLoan(ctx, "loan-001")
		if got.Status != domain.LoanStatusActive || got.ApprovedBy != "auto-approval-system" {
			t.Errorf("update not applied: %+v", got)
		}
		if got.ApprovedAt == nil || !got.ApprovedAt.Equal(at) {
			t.Errorf("expected approvedAt %v, got %v", at, got.ApprovedAt)
		}

		if err := repo.UpdateLoan(ctx, "missing", &domain.LoanUpdate{Status: domain.LoanStatusActive}); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound for missing loan, got %v", err)
		}
	})

	t.Run("ExtendLoan", func(t *testing.T) {
		if err := repo.ExtendLoan(ctx, "loan-001", domain.Extension{Days: 7, Reason: "escalation"}); err != nil {
			t.Fatalf("ExtendLoan failed: %v", err)
		}
		got, _ := repo.GetLoan(ctx, "loan-001")
		if got.Days() != 21 {
			t.Errorf("expected 21 days after extension, got %d", got.Days())
		}

		if err := repo.ExtendLoan(ctx, "loan-001", domain.Extension{}); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput for zero days, got %v", err)
		}
	})

	t.Run("CancelLoan", func(t *testing.T) {
		if err := repo.CancelLoan(ctx, "loan-001", "forced close"); err != nil {
			t.Fatalf("CancelLoan failed: %v", err)
		}
		got, _ := repo.GetLoan(ctx, "loan-001")
		if got.Status != domain.LoanStatusCancelled || got.CancelReason != "forced close" {
			t.Errorf("cancel not applied: %+v", got)
		}
	})

	t.Run("UserLoansAndActivity", func(t *testing.T) {
		for i, id := range []string{"loan-002", "loan-003"} {
			err := repo.CreateLoan(ctx, &domain.Loan{
				ID:         id,
				BorrowerID: "user-002",
				DocumentID: "doc-002",
				Status:     domain.LoanStatusActive,
				LoanDate:   loanDate.AddDate(0, 0, i),
				ReturnDate: loanDate.AddDate(0, 0, i+7),
			})
			if err != nil {
				t.Fatalf("CreateLoan failed: %v", err)
			}
		}

		loans, err := repo.GetUserLoans(ctx, "user-002")
		if err != nil {
			t.Fatalf("GetUserLoans failed: %v", err)
		}
		if len(loans) != 2 || loans[0].ID != "loan-003" {
			t.Errorf("expected 2 loans newest first, got %d", len(loans))
		}

		activity, err := repo.GetUserActivity(ctx, "user-002", 1)
		if err != nil {
			t.Fatalf("GetUserActivity failed: %v", err)
		}
		if len(activity.Loans) != 1 {
			t.Errorf("expected limit to apply, got %d loans", len(activity.Loans))
		}

		all, _ := repo.ListLoans(ctx)
		if len(all) != 3 {
			t.Errorf("expected 3 loans, got %d", len(all))
		}
	})

	t.Run("UsersAndDocuments", func(t *testing.T) {
		if err := repo.CreateUser(ctx, &domain.User{ID: "user-001", Name: "Ada", Email: "ada@example.org"}); err != nil {
			t.Fatalf("CreateUser failed: %v", err)
		}
		if err := repo.CreateDocument(ctx, &domain.Document{ID: "doc-001", Title: "Ledger", Category: "confidential"}); err != nil {
			t.Fatalf("CreateDocument failed: %v", err)
		}
		if err := repo.CreateDocument(ctx, &domain.Document{ID: "doc-002", Title: "Manual", Available: true}); err != nil {
			t.Fatalf("CreateDocument failed: %v", err)
		}

		u, err := repo.GetUser(ctx, "user-001")
		if err != nil || u.Email != "ada@example.org" {
			t.Errorf("unexpected user %+v: %v", u, err)
		}

		d, err := repo.GetDocument(ctx, "doc-002")
		if err != nil {
			t.Fatalf("GetDocument failed: %v", err)
		}
		if d.Category != "general" || !d.Available {
			t.Errorf("expected general available document, got %+v", d)
		}

		docs, _ := repo.ListDocuments(ctx)
		users, _ := repo.ListUsers(ctx)
		if len(docs) != 2 || len(users) != 1 {
			t.Errorf("expected 2 documents and 1 user, got %d and %d", len(docs), len(users))
		}

		if _, err := repo.GetDocument(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("Notifications", func(t *testing.T) {
		err := repo.SendNotification(ctx, &domain.Notification{
			Type:      "loan_approval",
			Recipient: "user-001",
			Title:     "Loan approved automatically",
			Data:      map[string]any{"loanId": "loan-001"},
		})
		if err != nil {
			t.Fatalf("SendNotification failed: %v", err)
		}

		sent, err := repo.Notifications(ctx, "user-001")
		if err != nil {
			t.Fatalf("Notifications failed: %v", err)
		}
		if len(sent) != 1 || sent[0].Data["loanId"] != "loan-001" {
			t.Errorf("unexpected notifications: %+v", sent)
		}

		if err := repo.SendNotification(ctx, &domain.Notification{Type: "x"}); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})

	t.Run("AuditTrail", func(t *testing.T) {
		for _, level := range []int{1, 3} {
			err := repo.AppendAudit(ctx, &domain.AuditEntry{
				Type:         "escalation_audit",
				EscalationID: "ESC-1",
				Level:        level,
				Trigger:      "loan_overdue",
				Actions:      []string{"notify", "audit_trail"},
				Timestamp:    loanDate.Add(time.Duration(level) * time.Hour),
			})
			if err != nil {
				t.Fatalf("AppendAudit failed: %v", err)
			}
		}

		trail, err := repo.AuditTrail(ctx, "ESC-1")
		if err != nil {
			t.Fatalf("AuditTrail failed: %v", err)
		}
		if len(trail) != 2 || trail[1].Level != 3 || len(trail[0].Actions) != 2 {
			t.Errorf("unexpected audit trail: %+v", trail)
		}
	})
}

func TestUnsupportedDriver(t *testing.T) {
	_, err := New(domain.RepositoryConfig{Driver: "oracle"})
	if err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestRebind(t *testing.T) {
	tests := []struct {
		driver string
		in     string
		want   string
	}{
		{"sqlite", "SELECT * FROM loans WHERE id = ?", "SELECT * FROM loans WHERE id = ?"},
		{"postgres", "SELECT * FROM loans WHERE id = ? AND status = ?", "SELECT * FROM loans WHERE id = $1 AND status = $2"},
		{"postgres", "SELECT 1", "SELECT 1"},
	}

	for _, tt := range tests {
		t.Run(tt.driver, func(t *testing.T) {
			if got := Rebind(tt.driver, tt.in); got != tt.want {
				t.Errorf("Rebind(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
