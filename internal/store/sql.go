package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opensource-finance/loanwatch/internal/domain"
	"github.com/opensource-finance/loanwatch/internal/repository"
)

// Rows live in the active set while active = 1 and in history while seq is set.
// A row that is in neither is deleted.
const schemaEscalations = `
CREATE TABLE IF NOT EXISTS escalations (
    id TEXT PRIMARY KEY,
    trigger_name TEXT NOT NULL,
    level INTEGER NOT NULL,
    status TEXT NOT NULL,
    active INTEGER NOT NULL DEFAULT 0,
    seq INTEGER,
    payload TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_escalations_active ON escalations(active);
CREATE INDEX IF NOT EXISTS idx_escalations_seq ON escalations(seq);
`

const schemaSyncJobs = `
CREATE TABLE IF NOT EXISTS sync_jobs (
    id TEXT PRIMARY KEY,
    active INTEGER NOT NULL DEFAULT 0,
    seq INTEGER,
    payload TEXT NOT NULL,
    started_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sync_jobs_seq ON sync_jobs(seq);

CREATE TABLE IF NOT EXISTS sync_state (
    id TEXT PRIMARY KEY,
    last_full_sync TIMESTAMP,
    last_incremental_sync TIMESTAMP
);
`

type sqlBase struct {
	db     *sql.DB
	driver string
}

func (b sqlBase) rebind(query string) string {
	return repository.Rebind(b.driver, query)
}

func (b sqlBase) migrate(schema string) error {
	if _, err := b.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to run store migrations: %w", err)
	}
	return nil
}

// markHistory gives id a history sequence number unless it already has one.
func (b sqlBase) markHistory(ctx context.Context, tx *sql.Tx, table, id string) error {
	query := fmt.Sprintf(`
		UPDATE %[1]s
		SET seq = (SELECT COALESCE(MAX(seq), 0) + 1 FROM %[1]s)
		WHERE id = ? AND seq IS NULL
	`, table)
	_, err := tx.ExecContext(ctx, b.rebind(query), id)
	return err
}

// trimHistory drops history rows beyond the newest keep entries.
func (b sqlBase) trimHistory(ctx context.Context, tx *sql.Tx, table string, keep int) error {
	query := fmt.Sprintf(`
		UPDATE %[1]s SET seq = NULL
		WHERE seq IS NOT NULL AND seq <= (SELECT MAX(seq) FROM %[1]s) - ?
	`, table)
	if _, err := tx.ExecContext(ctx, b.rebind(query), keep); err != nil {
		return err
	}
	return b.purge(ctx, tx, table)
}

func (b sqlBase) purge(ctx context.Context, tx *sql.Tx, table string) error {
	_, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE active = 0 AND seq IS NULL`, table))
	return err
}

// SQLEscalations stores escalations in the shared SQL database.
type SQLEscalations struct {
	sqlBase
	limit int
}

// NewSQLEscalations creates the escalation tables if needed.
func NewSQLEscalations(db *sql.DB, driver string, historyLimit int) (*SQLEscalations, error) {
	s := &SQLEscalations{sqlBase: sqlBase{db: db, driver: driver}, limit: historyLimit}
	if err := s.migrate(schemaEscalations); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLEscalations) upsert(ctx context.Context, tx *sql.Tx, e *domain.Escalation, active bool) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode escalation %s: %w", e.ID, err)
	}

	activeSet := ""
	if active {
		activeSet = ", active = 1"
	}
	query := `
		INSERT INTO escalations (id, trigger_name, level, status, active, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			trigger_name = excluded.trigger_name,
			level = excluded.level,
			status = excluded.status,
			payload = excluded.payload,
			updated_at = excluded.updated_at` + activeSet

	activeVal := 0
	if active {
		activeVal = 1
	}
	_, err = tx.ExecContext(ctx, s.rebind(query),
		e.ID, e.Trigger, e.Level, string(e.Status), activeVal, string(payload),
		e.CreatedAt.UTC(), e.UpdatedAt.UTC(),
	)
	return err
}

func (s *SQLEscalations) Put(ctx context.Context, e *domain.Escalation) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		return s.upsert(ctx, tx, e, true)
	})
}

func (s *SQLEscalations) Get(ctx context.Context, id string) (*domain.Escalation, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT payload FROM escalations WHERE id = ?`), id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrEscalationNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeEscalation(payload)
}

func (s *SQLEscalations) Remove(ctx context.Context, id string) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE escalations SET active = 0 WHERE id = ?`), id); err != nil {
			return err
		}
		return s.purge(ctx, tx, "escalations")
	})
}

func (s *SQLEscalations) ListActive(ctx context.Context) ([]*domain.Escalation, error) {
	return s.query(ctx, `SELECT payload FROM escalations WHERE active = 1 ORDER BY created_at, id`)
}

func (s *SQLEscalations) AppendHistory(ctx context.Context, e *domain.Escalation) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := s.upsert(ctx, tx, e, false); err != nil {
			return err
		}
		if err := s.markHistory(ctx, tx, "escalations", e.ID); err != nil {
			return err
		}
		if s.limit > 0 {
			return s.trimHistory(ctx, tx, "escalations", s.limit)
		}
		return nil
	})
}

func (s *SQLEscalations) History(ctx context.Context, filter domain.EscalationFilter) ([]*domain.Escalation, error) {
	where := []string{"seq IS NOT NULL"}
	var args []any
	if filter.Trigger != "" {
		where = append(where, "trigger_name = ?")
		args = append(args, filter.Trigger)
	}
	if filter.Level != 0 {
		where = append(where, "level = ?")
		args = append(args, filter.Level)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := `SELECT payload FROM escalations WHERE ` + strings.Join(where, " AND ") + ` ORDER BY seq DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	return s.query(ctx, query, args...)
}

func (s *SQLEscalations) query(ctx context.Context, query string, args ...any) ([]*domain.Escalation, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Escalation
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		e, err := decodeEscalation(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func decodeEscalation(payload string) (*domain.Escalation, error) {
	var e domain.Escalation
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		return nil, fmt.Errorf("failed to decode escalation: %w", err)
	}
	return &e, nil
}

// SQLSyncs stores sync jobs and sync state in the shared SQL database.
type SQLSyncs struct {
	sqlBase
}

// NewSQLSyncs creates the sync tables if needed.
func NewSQLSyncs(db *sql.DB, driver string) (*SQLSyncs, error) {
	s := &SQLSyncs{sqlBase: sqlBase{db: db, driver: driver}}
	if err := s.migrate(schemaSyncJobs); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLSyncs) upsert(ctx context.Context, tx *sql.Tx, job *domain.SyncJob, active bool) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode sync job %s: %w", job.ID, err)
	}
	activeVal := 0
	if active {
		activeVal = 1
	}
	query := `
		INSERT INTO sync_jobs (id, active, payload, started_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET payload = excluded.payload`
	if active {
		query += `, active = 1`
	}
	_, err = tx.ExecContext(ctx, s.rebind(query), job.ID, activeVal, string(payload), job.StartedAt.UTC())
	return err
}

func (s *SQLSyncs) PutActive(ctx context.Context, job *domain.SyncJob) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		return s.upsert(ctx, tx, job, true)
	})
}

func (s *SQLSyncs) GetActive(ctx context.Context, id string) (*domain.SyncJob, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT payload FROM sync_jobs WHERE id = ? AND active = 1`), id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrSyncNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeJob(payload)
}

func (s *SQLSyncs) RemoveActive(ctx context.Context, id string) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE sync_jobs SET active = 0 WHERE id = ?`), id); err != nil {
			return err
		}
		return s.purge(ctx, tx, "sync_jobs")
	})
}

func (s *SQLSyncs) ListActive(ctx context.Context) ([]*domain.SyncJob, error) {
	return s.query(ctx, `SELECT payload FROM sync_jobs WHERE active = 1 ORDER BY started_at, id`)
}

func (s *SQLSyncs) AppendHistory(ctx context.Context, job *domain.SyncJob, maxEntries, keep int) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := s.upsert(ctx, tx, job, false); err != nil {
			return err
		}
		if err := s.markHistory(ctx, tx, "sync_jobs", job.ID); err != nil {
			return err
		}
		if maxEntries <= 0 {
			return nil
		}

		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_jobs WHERE seq IS NOT NULL`).Scan(&n); err != nil {
			return err
		}
		if n > maxEntries {
			return s.trimHistory(ctx, tx, "sync_jobs", max(keep, 0))
		}
		return nil
	})
}

func (s *SQLSyncs) History(ctx context.Context, limit int) ([]*domain.SyncJob, error) {
	query := `SELECT payload FROM sync_jobs WHERE seq IS NOT NULL ORDER BY seq DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.query(ctx, query, args...)
}

func (s *SQLSyncs) State(ctx context.Context) (*domain.SyncState, error) {
	var full, incremental sql.NullTime
	err := s.db.QueryRowContext(ctx, `SELECT last_full_sync, last_incremental_sync FROM sync_state WHERE id = 'default'`).
		Scan(&full, &incremental)
	if errors.Is(err, sql.ErrNoRows) {
		return &domain.SyncState{}, nil
	}
	if err != nil {
		return nil, err
	}

	state := &domain.SyncState{}
	if full.Valid {
		state.LastFullSync = &full.Time
	}
	if incremental.Valid {
		state.LastIncrementalSync = &incremental.Time
	}
	return state, nil
}

func (s *SQLSyncs) SetState(ctx context.Context, state *domain.SyncState) error {
	query := `
		INSERT INTO sync_state (id, last_full_sync, last_incremental_sync) VALUES ('default', ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_full_sync = excluded.last_full_sync,
			last_incremental_sync = excluded.last_incremental_sync
	`
	_, err := s.db.ExecContext(ctx, s.rebind(query), nullTime(state.LastFullSync), nullTime(state.LastIncrementalSync))
	return err
}

func (s *SQLSyncs) query(ctx context.Context, query string, args ...any) ([]*domain.SyncJob, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.SyncJob
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		job, err := decodeJob(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func decodeJob(payload string) (*domain.SyncJob, error) {
	var job domain.SyncJob
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return nil, fmt.Errorf("failed to decode sync job: %w", err)
	}
	return &job, nil
}

func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

var (
	_ domain.EscalationStore = (*SQLEscalations)(nil)
	_ domain.SyncStore       = (*SQLSyncs)(nil)
)
