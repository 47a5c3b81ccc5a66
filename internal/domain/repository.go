// Package domain defines the core interfaces and types for Loanwatch.
package domain

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by HostAPI lookups for unknown ids.
var ErrNotFound = errors.New("not found")

// HostAPI is the repository/data API the automation units consume.
// Units never touch storage directly; every lookup and effect goes through here.
type HostAPI interface {
	// Loan operations
	GetLoan(ctx context.Context, loanID string) (*Loan, error)
	ListLoans(ctx context.Context) ([]*Loan, error)
	CreateLoan(ctx context.Context, loan *Loan) error
	UpdateLoan(ctx context.Context, loanID string, update *LoanUpdate) error
	CancelLoan(ctx context.Context, loanID string, reason string) error
	ExtendLoan(ctx context.Context, loanID string, ext Extension) error

	// Directory lookups
	GetUser(ctx context.Context, userID string) (*User, error)
	ListUsers(ctx context.Context) ([]*User, error)
	GetDocument(ctx context.Context, documentID string) (*Document, error)
	ListDocuments(ctx context.Context) ([]*Document, error)

	// Borrower history
	GetUserLoans(ctx context.Context, userID string) ([]*Loan, error)
	GetUserActivity(ctx context.Context, userID string, limit int) (*UserActivity, error)

	// Notifications
	SendNotification(ctx context.Context, n *Notification) error
}

// AuditSink stores immutable audit entries.
type AuditSink interface {
	AppendAudit(ctx context.Context, entry *AuditEntry) error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `yaml:"driver"`

	// SQLite specific
	SQLitePath string `yaml:"sqlitePath"`

	// PostgreSQL specific
	PostgresHost     string `yaml:"postgresHost"`
	PostgresPort     int    `yaml:"postgresPort"`
	PostgresUser     string `yaml:"postgresUser"`
	PostgresPassword string `yaml:"postgresPassword"`
	PostgresDB       string `yaml:"postgresDb"`
	PostgresSSLMode  string `yaml:"postgresSslMode"`

	// Connection pool settings
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}
