// Package repository provides the SQL-backed host API.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/loanwatch/internal/domain"
)

var (
	ErrNotFound     = domain.ErrNotFound
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.HostAPI and domain.AuditSink using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite", "":
		db, err = openSQLite(cfg)
		cfg.Driver = "sqlite"
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// DB exposes the connection pool to the SQL stores and the database connector.
func (r *SQLRepository) DB() *sql.DB {
	return r.db
}

// Driver returns "sqlite" or "postgres".
func (r *SQLRepository) Driver() string {
	return r.driver
}

const loanColumns = `
	id, borrower_id, document_id, document_title, status,
	loan_date, return_date, actual_return_date, amount,
	approved_at, approved_by, approval_reason, cancel_reason,
	created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanLoan(s scanner) (*domain.Loan, error) {
	var l domain.Loan
	var title, approvedBy, approvalReason, cancelReason sql.NullString
	var actualReturn, approvedAt sql.NullTime

	err := s.Scan(
		&l.ID, &l.BorrowerID, &l.DocumentID, &title, &l.Status,
		&l.LoanDate, &l.ReturnDate, &actualReturn, &l.Amount,
		&approvedAt, &approvedBy, &approvalReason, &cancelReason,
		&l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	l.DocumentTitle = title.String
	l.ApprovedBy = approvedBy.String
	l.ApprovalReason = approvalReason.String
	l.CancelReason = cancelReason.String
	if actualReturn.Valid {
		t := actualReturn.Time
		l.ActualReturnDate = &t
	}
	if approvedAt.Valid {
		t := approvedAt.Time
		l.ApprovedAt = &t
	}
	return &l, nil
}

// CreateLoan inserts a loan. Missing id, status and timestamps are filled in.
func (r *SQLRepository) CreateLoan(ctx context.Context, loan *domain.Loan) error {
	if loan.BorrowerID == "" || loan.DocumentID == "" {
		return fmt.Errorf("%w: borrowerId and documentId are required", ErrInvalidInput)
	}
	if loan.ID == "" {
		loan.ID = uuid.New().String()
	}
	if loan.Status == "" {
		loan.Status = domain.LoanStatusPending
	}
	now := time.Now().UTC()
	if loan.CreatedAt.IsZero() {
		loan.CreatedAt = now
	}
	if loan.UpdatedAt.IsZero() {
		loan.UpdatedAt = loan.CreatedAt
	}

	query := `INSERT INTO loans (` + loanColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		loan.ID, loan.BorrowerID, loan.DocumentID, loan.DocumentTitle, loan.Status,
		loan.LoanDate.UTC(), loan.ReturnDate.UTC(), nullTime(loan.ActualReturnDate), loan.Amount,
		nullTime(loan.ApprovedAt), loan.ApprovedBy, loan.ApprovalReason, loan.CancelReason,
		loan.CreatedAt, loan.UpdatedAt,
	)
	return err
}

// GetLoan retrieves a loan by ID.
func (r *SQLRepository) GetLoan(ctx context.Context, loanID string) (*domain.Loan, error) {
	query := `SELECT ` + loanColumns + ` FROM loans WHERE id = ?`

	loan, err := scanLoan(r.db.QueryRowContext(ctx, r.rebind(query), loanID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return loan, nil
}

// ListLoans returns every loan ordered by creation time.
func (r *SQLRepository) ListLoans(ctx context.Context) ([]*domain.Loan, error) {
	query := `SELECT ` + loanColumns + ` FROM loans ORDER BY created_at, id`
	return r.queryLoans(ctx, query)
}

// GetUserLoans returns a borrower's loans, most recent first.
func (r *SQLRepository) GetUserLoans(ctx context.Context, userID string) ([]*domain.Loan, error) {
	query := `SELECT ` + loanColumns + ` FROM loans WHERE borrower_id = ? ORDER BY loan_date DESC`
	return r.queryLoans(ctx, query, userID)
}

// GetUserActivity returns up to limit of a borrower's most recent loans.
func (r *SQLRepository) GetUserActivity(ctx context.Context, userID string, limit int) (*domain.UserActivity, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + loanColumns + ` FROM loans WHERE borrower_id = ? ORDER BY loan_date DESC LIMIT ?`

	loans, err := r.queryLoans(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}
	return &domain.UserActivity{UserID: userID, Loans: loans}, nil
}

func (r *SQLRepository) queryLoans(ctx context.Context, query string, args ...any) ([]*domain.Loan, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var loans []*domain.Loan
	for rows.Next() {
		loan, err := scanLoan(rows)
		if err != nil {
			return nil, err
		}
		loans = append(loans, loan)
	}
	return loans, rows.Err()
}

// UpdateLoan applies the non-empty fields of update.
func (r *SQLRepository) UpdateLoan(ctx context.Context, loanID string, update *domain.LoanUpdate) error {
	if update == nil {
		return fmt.Errorf("%w: update is required", ErrInvalidInput)
	}

	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC()}
	if update.Status != "" {
		sets = append(sets, "status = ?")
		args = append(args, update.Status)
	}
	if update.ApprovedAt != nil {
		sets = append(sets, "approved_at = ?")
		args = append(args, update.ApprovedAt.UTC())
	}
	if update.ApprovedBy != "" {
		sets = append(sets, "approved_by = ?")
		args = append(args, update.ApprovedBy)
	}
	if update.ApprovalReason != "" {
		sets = append(sets, "approval_reason = ?")
		args = append(args, update.ApprovalReason)
	}
	if update.BorrowerID != "" {
		sets = append(sets, "borrower_id = ?")
		args = append(args, update.BorrowerID)
	}
	if update.DocumentID != "" {
		sets = append(sets, "document_id = ?")
		args = append(args, update.DocumentID)
	}
	if update.DocumentTitle != "" {
		sets = append(sets, "document_title = ?")
		args = append(args, update.DocumentTitle)
	}
	if update.LoanDate != nil {
		sets = append(sets, "loan_date = ?")
		args = append(args, update.LoanDate.UTC())
	}
	if update.ReturnDate != nil {
		sets = append(sets, "return_date = ?")
		args = append(args, update.ReturnDate.UTC())
	}
	if update.Amount != nil {
		sets = append(sets, "amount = ?")
		args = append(args, *update.Amount)
	}
	args = append(args, loanID)

	query := `UPDATE loans SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`
	return r.execOne(ctx, query, args...)
}

// CancelLoan marks a loan cancelled with a reason.
func (r *SQLRepository) CancelLoan(ctx context.Context, loanID string, reason string) error {
	query := `UPDATE loans SET status = ?, cancel_reason = ?, updated_at = ? WHERE id = ?`
	return r.execOne(ctx, query, domain.LoanStatusCancelled, reason, time.Now().UTC(), loanID)
}

// ExtendLoan pushes a loan's return date by ext.Days.
func (r *SQLRepository) ExtendLoan(ctx context.Context, loanID string, ext domain.Extension) error {
	if ext.Days <= 0 {
		return fmt.Errorf("%w: extension days must be positive", ErrInvalidInput)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var returnDate time.Time
	err = tx.QueryRowContext(ctx, r.rebind(`SELECT return_date FROM loans WHERE id = ?`), loanID).Scan(&returnDate)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, r.rebind(`UPDATE loans SET return_date = ?, updated_at = ? WHERE id = ?`),
		returnDate.AddDate(0, 0, ext.Days).UTC(), time.Now().UTC(), loanID)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// CreateUser inserts or replaces a user.
func (r *SQLRepository) CreateUser(ctx context.Context, u *domain.User) error {
	if u.ID == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO users (id, name, email, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, email = excluded.email
	`
	_, err := r.db.ExecContext(ctx, r.rebind(query), u.ID, u.Name, u.Email, u.CreatedAt)
	return err
}

// GetUser retrieves a user by ID.
func (r *SQLRepository) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	var u domain.User
	var email sql.NullString
	err := r.db.QueryRowContext(ctx, r.rebind(`SELECT id, name, email, created_at FROM users WHERE id = ?`), userID).
		Scan(&u.ID, &u.Name, &email, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.Email = email.String
	return &u, nil
}

// ListUsers returns every user ordered by id.
func (r *SQLRepository) ListUsers(ctx context.Context) ([]*domain.User, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, name, email, created_at FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*domain.User
	for rows.Next() {
		var u domain.User
		var email sql.NullString
		if err := rows.Scan(&u.ID, &u.Name, &email, &u.CreatedAt); err != nil {
			return nil, err
		}
		u.Email = email.String
		users = append(users, &u)
	}
	return users, rows.Err()
}

// CreateDocument inserts or replaces a document.
func (r *SQLRepository) CreateDocument(ctx context.Context, d *domain.Document) error {
	if d.ID == "" {
		return fmt.Errorf("%w: document id is required", ErrInvalidInput)
	}
	category := d.Category
	if category == "" {
		category = "general"
	}
	query := `
		INSERT INTO documents (id, title, category, available) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			category = excluded.category,
			available = excluded.available
	`
	_, err := r.db.ExecContext(ctx, r.rebind(query), d.ID, d.Title, category, boolInt(d.Available))
	return err
}

// GetDocument retrieves a document by ID.
func (r *SQLRepository) GetDocument(ctx context.Context, documentID string) (*domain.Document, error) {
	var d domain.Document
	var available int
	err := r.db.QueryRowContext(ctx, r.rebind(`SELECT id, title, category, available FROM documents WHERE id = ?`), documentID).
		Scan(&d.ID, &d.Title, &d.Category, &available)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	d.Available = available == 1
	return &d, nil
}

// ListDocuments returns every document ordered by id.
func (r *SQLRepository) ListDocuments(ctx context.Context) ([]*domain.Document, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, title, category, available FROM documents ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []*domain.Document
	for rows.Next() {
		var d domain.Document
		var available int
		if err := rows.Scan(&d.ID, &d.Title, &d.Category, &available); err != nil {
			return nil, err
		}
		d.Available = available == 1
		docs = append(docs, &d)
	}
	return docs, rows.Err()
}

// SendNotification records a notification in the outbox table.
func (r *SQLRepository) SendNotification(ctx context.Context, n *domain.Notification) error {
	if n.Recipient == "" {
		return fmt.Errorf("%w: recipient is required", ErrInvalidInput)
	}
	data, _ := json.Marshal(n.Data)

	query := `
		INSERT INTO notifications (id, type, recipient, title, message, priority, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, r.rebind(query),
		uuid.New().String(), n.Type, n.Recipient, n.Title, n.Message, n.Priority,
		string(data), time.Now().UTC(),
	)
	return err
}

// Notifications lists the notifications sent to a recipient, oldest first.
func (r *SQLRepository) Notifications(ctx context.Context, recipient string) ([]*domain.Notification, error) {
	query := `
		SELECT type, recipient, title, message, priority, data
		FROM notifications
		WHERE recipient = ?
		ORDER BY created_at
	`
	rows, err := r.db.QueryContext(ctx, r.rebind(query), recipient)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Notification
	for rows.Next() {
		var n domain.Notification
		var title, message, priority, data sql.NullString
		if err := rows.Scan(&n.Type, &n.Recipient, &title, &message, &priority, &data); err != nil {
			return nil, err
		}
		n.Title, n.Message, n.Priority = title.String, message.String, priority.String
		if data.String != "" {
			json.Unmarshal([]byte(data.String), &n.Data)
		}
		out = append(out, &n)
	}
	return out, rows.Err()
}

// AppendAudit writes an immutable audit entry.
func (r *SQLRepository) AppendAudit(ctx context.Context, e *domain.AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	actions, _ := json.Marshal(e.Actions)
	auditCtx, _ := json.Marshal(e.Context)

	query := `
		INSERT INTO audit_entries (id, type, escalation_id, level, trigger_name, actions, context, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, r.rebind(query),
		e.ID, e.Type, e.EscalationID, e.Level, e.Trigger,
		string(actions), string(auditCtx), e.Timestamp,
	)
	return err
}

// AuditTrail returns the audit entries of an escalation in insertion order.
func (r *SQLRepository) AuditTrail(ctx context.Context, escalationID string) ([]*domain.AuditEntry, error) {
	query := `
		SELECT id, type, escalation_id, level, trigger_name, actions, context, timestamp
		FROM audit_entries
		WHERE escalation_id = ?
		ORDER BY timestamp
	`
	rows, err := r.db.QueryContext(ctx, r.rebind(query), escalationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var actions string
		var auditCtx sql.NullString
		if err := rows.Scan(&e.ID, &e.Type, &e.EscalationID, &e.Level, &e.Trigger, &actions, &auditCtx, &e.Timestamp); err != nil {
			return nil, err
		}
		json.Unmarshal([]byte(actions), &e.Actions)
		if auditCtx.String != "" {
			json.Unmarshal([]byte(auditCtx.String), &e.Context)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

func (r *SQLRepository) execOne(ctx context.Context, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, r.rebind(query), args...)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *SQLRepository) rebind(query string) string {
	return Rebind(r.driver, query)
}

// Rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func Rebind(driver, query string) string {
	if driver != "postgres" {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var (
	_ domain.HostAPI   = (*SQLRepository)(nil)
	_ domain.AuditSink = (*SQLRepository)(nil)
)
