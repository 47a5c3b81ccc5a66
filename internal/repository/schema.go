package repository

// Schema definitions for the Loanwatch host database.
// Compatible with both SQLite and PostgreSQL.

const schemaLoans = `
CREATE TABLE IF NOT EXISTS loans (
    id TEXT PRIMARY KEY,
    borrower_id TEXT NOT NULL,
    document_id TEXT NOT NULL,
    document_title TEXT,
    status TEXT NOT NULL,
    loan_date TIMESTAMP NOT NULL,
    return_date TIMESTAMP NOT NULL,
    actual_return_date TIMESTAMP,
    amount TEXT NOT NULL DEFAULT '0',
    approved_at TIMESTAMP,
    approved_by TEXT,
    approval_reason TEXT,
    cancel_reason TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_loans_borrower ON loans(borrower_id);
CREATE INDEX IF NOT EXISTS idx_loans_status ON loans(status);
`

const schemaUsers = `
CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    email TEXT,
    created_at TIMESTAMP NOT NULL
);
`

const schemaDocuments = `
CREATE TABLE IF NOT EXISTS documents (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL,
    category TEXT NOT NULL DEFAULT 'general',
    available INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_documents_category ON documents(category);
`

const schemaNotifications = `
CREATE TABLE IF NOT EXISTS notifications (
    id TEXT PRIMARY KEY,
    type TEXT NOT NULL,
    recipient TEXT NOT NULL,
    title TEXT,
    message TEXT,
    priority TEXT,
    data TEXT,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_notifications_recipient ON notifications(recipient);
`

// schemaAudit holds the immutable escalation audit trail. Rows are never updated.
const schemaAudit = `
CREATE TABLE IF NOT EXISTS audit_entries (
    id TEXT PRIMARY KEY,
    type TEXT NOT NULL,
    escalation_id TEXT NOT NULL,
    level INTEGER NOT NULL,
    trigger_name TEXT NOT NULL,
    actions TEXT NOT NULL,
    context TEXT,
    timestamp TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_escalation ON audit_entries(escalation_id);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaLoans,
		schemaUsers,
		schemaDocuments,
		schemaNotifications,
		schemaAudit,
	}
}
