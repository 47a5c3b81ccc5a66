package connector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/loanwatch/internal/domain"
	"github.com/shopspring/decimal"
)

// Host exposes the host API as a sync endpoint. Loans are readable and
// writable; users and documents are read-only.
type Host struct {
	api domain.HostAPI
}

// NewHost creates a host API connector.
func NewHost(api domain.HostAPI) *Host {
	return &Host{api: api}
}

func (h *Host) Load(ctx context.Context, dataType string, filters *domain.SyncFilters) ([]domain.Record, error) {
	switch dataType {
	case domain.DataLoans:
		loans, err := h.api.ListLoans(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list loans: %w", err)
		}
		out := make([]domain.Record, 0, len(loans))
		for _, l := range loans {
			out = append(out, LoanRecord(l))
		}
		return out, nil
	case domain.DataUsers:
		users, err := h.api.ListUsers(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list users: %w", err)
		}
		out := make([]domain.Record, 0, len(users))
		for _, u := range users {
			out = append(out, userRecord(u))
		}
		return out, nil
	case domain.DataDocuments:
		docs, err := h.api.ListDocuments(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list documents: %w", err)
		}
		out := make([]domain.Record, 0, len(docs))
		for _, d := range docs {
			out = append(out, documentRecord(d))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: data type %q", ErrUnsupported, dataType)
	}
}

func (h *Host) Get(ctx context.Context, dataType string, id string) (domain.Record, error) {
	var rec domain.Record
	var err error
	switch dataType {
	case domain.DataLoans:
		var l *domain.Loan
		if l, err = h.api.GetLoan(ctx, id); err == nil {
			rec = LoanRecord(l)
		}
	case domain.DataUsers:
		var u *domain.User
		if u, err = h.api.GetUser(ctx, id); err == nil {
			rec = userRecord(u)
		}
	case domain.DataDocuments:
		var d *domain.Document
		if d, err = h.api.GetDocument(ctx, id); err == nil {
			rec = documentRecord(d)
		}
	default:
		return nil, fmt.Errorf("%w: data type %q", ErrUnsupported, dataType)
	}

	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.ErrRecordNotFound
	}
	return rec, err
}

func (h *Host) Create(ctx context.Context, dataType string, id string, rec domain.Record) error {
	if dataType != domain.DataLoans {
		return fmt.Errorf("%w: create %s", ErrUnsupported, dataType)
	}
	loan, err := parseLoan(id, rec)
	if err != nil {
		return err
	}
	return h.api.CreateLoan(ctx, loan)
}

func (h *Host) Update(ctx context.Context, dataType string, id string, rec domain.Record) error {
	if dataType != domain.DataLoans {
		return fmt.Errorf("%w: update %s", ErrUnsupported, dataType)
	}
	loan, err := parseLoan(id, rec)
	if err != nil {
		return err
	}

	update := &domain.LoanUpdate{
		Status:        loan.Status,
		BorrowerID:    loan.BorrowerID,
		DocumentID:    loan.DocumentID,
		DocumentTitle: loan.DocumentTitle,
	}
	if !loan.LoanDate.IsZero() {
		update.LoanDate = &loan.LoanDate
	}
	if !loan.ReturnDate.IsZero() {
		update.ReturnDate = &loan.ReturnDate
	}
	if _, ok := rec["amount"]; ok {
		update.Amount = &loan.Amount
	}
	return h.api.UpdateLoan(ctx, id, update)
}

// LoanRecord converts a loan into its record form.
func LoanRecord(l *domain.Loan) domain.Record {
	rec := domain.Record{
		"id":         l.ID,
		"borrowerId": l.BorrowerID,
		"documentId": l.DocumentID,
		"status":     string(l.Status),
		"loanDate":   formatTime(l.LoanDate),
		"returnDate": formatTime(l.ReturnDate),
		"amount":     l.Amount.String(),
		"createdAt":  formatTime(l.CreatedAt),
		"updatedAt":  formatTime(l.UpdatedAt),
	}
	if l.DocumentTitle != "" {
		rec["documentTitle"] = l.DocumentTitle
	}
	return rec
}

func userRecord(u *domain.User) domain.Record {
	return domain.Record{
		"id":        u.ID,
		"name":      u.Name,
		"email":     u.Email,
		"createdAt": formatTime(u.CreatedAt),
	}
}

func documentRecord(d *domain.Document) domain.Record {
	return domain.Record{
		"id":        d.ID,
		"title":     d.Title,
		"category":  d.Category,
		"available": d.Available,
	}
}

// parseLoan reads a loan from a record in either its own or its mapped field names.
func parseLoan(id string, rec domain.Record) (*domain.Loan, error) {
	loan := &domain.Loan{
		ID:            id,
		BorrowerID:    rec.String("borrowerId", "userId"),
		DocumentID:    rec.String("documentId", "docId"),
		DocumentTitle: rec.String("documentTitle"),
		Status:        domain.LoanStatus(rec.String("status", "state")),
	}
	loan.LoanDate, _ = rec.Time("loanDate", "borrowDate")
	loan.ReturnDate, _ = rec.Time("returnDate", "dueDate")
	loan.CreatedAt, _ = rec.Time("createdAt")
	loan.UpdatedAt, _ = rec.Time("updatedAt")

	if s := rec.String("amount"); s != "" {
		amount, err := decimal.NewFromString(s)
		if err != nil {
			return nil, fmt.Errorf("loan %s: invalid amount %q: %w", id, s, err)
		}
		loan.Amount = amount
	}
	return loan, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

var _ domain.Connector = (*Host)(nil)
