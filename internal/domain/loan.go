package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// LoanStatus is the lifecycle state of an equipment loan.
type LoanStatus string

const (
	LoanStatusPending   LoanStatus = "pending"
	LoanStatusActive    LoanStatus = "active"
	LoanStatusReturned  LoanStatus = "returned"
	LoanStatusOverdue   LoanStatus = "overdue"
	LoanStatusCancelled LoanStatus = "cancelled"
)

// Loan represents an equipment or document loan request.
type Loan struct {
	ID            string     `json:"id"`
	BorrowerID    string     `json:"borrowerId" validate:"required"`
	DocumentID    string     `json:"documentId" validate:"required"`
	DocumentTitle string     `json:"documentTitle,omitempty"`
	Status        LoanStatus `json:"status"`

	LoanDate         time.Time  `json:"loanDate" validate:"required"`
	ReturnDate       time.Time  `json:"returnDate" validate:"required"`
	ActualReturnDate *time.Time `json:"actualReturnDate,omitempty"`

	// Amount is the declared value of the borrowed item.
	Amount decimal.Decimal `json:"amount"`

	ApprovedAt     *time.Time `json:"approvedAt,omitempty"`
	ApprovedBy     string     `json:"approvedBy,omitempty"`
	ApprovalReason string     `json:"approvalReason,omitempty"`
	CancelReason   string     `json:"cancelReason,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Days returns the requested loan duration in whole days, rounded up.
func (l *Loan) Days() int {
	d := l.ReturnDate.Sub(l.LoanDate)
	days := int(d / (24 * time.Hour))
	if d%(24*time.Hour) > 0 {
		days++
	}
	return days
}

// LoanUpdate carries the mutable fields of a loan. Zero values are left untouched.
type LoanUpdate struct {
	Status         LoanStatus `json:"status,omitempty"`
	ApprovedAt     *time.Time `json:"approvedAt,omitempty"`
	ApprovedBy     string     `json:"approvedBy,omitempty"`
	ApprovalReason string     `json:"approvalReason,omitempty"`

	// Replication fields, set by data sync.
	BorrowerID    string           `json:"borrowerId,omitempty"`
	DocumentID    string           `json:"documentId,omitempty"`
	DocumentTitle string           `json:"documentTitle,omitempty"`
	LoanDate      *time.Time       `json:"loanDate,omitempty"`
	ReturnDate    *time.Time       `json:"returnDate,omitempty"`
	Amount        *decimal.Decimal `json:"amount,omitempty"`
}

// Extension asks the host to push a loan's return date.
type Extension struct {
	Days   int    `json:"extensionDays"`
	Reason string `json:"reason"`
}

// User is a directory account able to borrow.
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"createdAt"`
}

// Document is a lendable resource.
type Document struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Category  string `json:"category"`
	Available bool   `json:"available"`
}

// UserActivity is the recent loan history of a user.
type UserActivity struct {
	UserID string  `json:"userId"`
	Loans  []*Loan `json:"loans"`
}

// Notification is a message handed to the host's notification sender.
type Notification struct {
	Type      string         `json:"type"`
	Recipient string         `json:"recipient"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Priority  string         `json:"priority,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// AuditEntry is an immutable record appended by escalation audit trails.
type AuditEntry struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	EscalationID string         `json:"escalationId"`
	Level        int            `json:"level"`
	Trigger      string         `json:"trigger"`
	Actions      []string       `json:"actions"`
	Context      map[string]any `json:"context,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}
