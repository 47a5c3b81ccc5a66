package connector

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/opensource-finance/loanwatch/internal/domain"
	"github.com/opensource-finance/loanwatch/internal/repository"
)

// DefaultTable holds replicated records of every data type.
const DefaultTable = "sync_records"

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

const schemaRecords = `
CREATE TABLE IF NOT EXISTS %[1]s (
    data_type TEXT NOT NULL,
    id TEXT NOT NULL,
    payload TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (data_type, id)
);
`

// Database stores records as JSON payloads keyed by data type and id.
type Database struct {
	db     *sql.DB
	driver string
	table  string
}

// NewDatabase creates the record table if needed. An empty table uses DefaultTable.
func NewDatabase(db *sql.DB, driver, table string) (*Database, error) {
	if table == "" {
		table = DefaultTable
	}
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if _, err := db.Exec(fmt.Sprintf(schemaRecords, table)); err != nil {
		return nil, fmt.Errorf("failed to create table %s: %w", table, err)
	}
	return &Database{db: db, driver: driver, table: table}, nil
}

func (d *Database) rebind(query string) string {
	return repository.Rebind(d.driver, fmt.Sprintf(query, d.table))
}

func (d *Database) Load(ctx context.Context, dataType string, filters *domain.SyncFilters) ([]domain.Record, error) {
	rows, err := d.db.QueryContext(ctx, d.rebind(`SELECT payload FROM %s WHERE data_type = ? ORDER BY id`), dataType)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", dataType, err)
	}
	defer rows.Close()

	var out []domain.Record
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		rec, err := decodeRecord(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (d *Database) Get(ctx context.Context, dataType string, id string) (domain.Record, error) {
	var payload string
	err := d.db.QueryRowContext(ctx, d.rebind(`SELECT payload FROM %s WHERE data_type = ? AND id = ?`), dataType, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeRecord(payload)
}

func (d *Database) Create(ctx context.Context, dataType string, id string, rec domain.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record %s: %w", id, err)
	}
	_, err = d.db.ExecContext(ctx, d.rebind(`INSERT INTO %s (data_type, id, payload, updated_at) VALUES (?, ?, ?, ?)`),
		dataType, id, string(payload), time.Now().UTC())
	return err
}

func (d *Database) Update(ctx context.Context, dataType string, id string, rec domain.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record %s: %w", id, err)
	}
	result, err := d.db.ExecContext(ctx, d.rebind(`UPDATE %s SET payload = ?, updated_at = ? WHERE data_type = ? AND id = ?`),
		string(payload), time.Now().UTC(), dataType, id)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrRecordNotFound
	}
	return nil
}

func decodeRecord(payload string) (domain.Record, error) {
	var rec domain.Record
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	return rec, nil
}

var _ domain.Connector = (*Database)(nil)
