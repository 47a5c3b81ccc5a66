package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sync errors.
var (
	ErrRecordNotFound = errors.New("record not found")
	ErrReadOnly       = errors.New("endpoint is read-only")
	ErrSyncLocked     = errors.New("sync already running for this source and target")
	ErrSyncNotFound   = errors.New("sync job not found")
)

// Record is a loosely typed row moved by the sync engine.
type Record map[string]any

// Clone returns a shallow copy.
func (r Record) Clone() Record {
	c := make(Record, len(r))
	for k, v := range r {
		c[k] = v
	}
	return c
}

// String returns the first non-empty value among keys, formatted as text.
func (r Record) String(keys ...string) string {
	for _, k := range keys {
		switch v := r[k].(type) {
		case nil:
			continue
		case string:
			if v != "" {
				return v
			}
		default:
			return fmt.Sprint(v)
		}
	}
	return ""
}

// Time returns the first parseable timestamp among keys.
func (r Record) Time(keys ...string) (time.Time, bool) {
	for _, k := range keys {
		if t, ok := ParseTime(r[k]); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

var timeLayouts = []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02"}

// ParseTime accepts time.Time values and RFC 3339, "2006-01-02 15:04:05" or
// "2006-01-02" strings.
func ParseTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, !t.IsZero()
	case *time.Time:
		if t != nil {
			return *t, !t.IsZero()
		}
	case string:
		for _, layout := range timeLayouts {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, true
			}
		}
	}
	return time.Time{}, false
}

// Endpoint kinds.
const (
	EndpointAPI      = "api"
	EndpointDatabase = "database"
	EndpointFile     = "file"
	EndpointExternal = "external"
)

// Endpoint describes a sync source or target.
type Endpoint struct {
	Type string `json:"type" mapstructure:"type" validate:"required,oneof=api database file external"`

	// api
	URL   string `json:"url,omitempty" mapstructure:"url"`
	Token string `json:"-" mapstructure:"token"`

	// database
	Table string `json:"table,omitempty" mapstructure:"table"`

	// file
	Path string `json:"path,omitempty" mapstructure:"path"`

	// external
	Subject string `json:"subject,omitempty" mapstructure:"subject"`
}

// Key identifies the endpoint for locking and logs.
func (e Endpoint) Key() string {
	switch e.Type {
	case EndpointAPI:
		if e.URL != "" {
			return e.Type + ":" + e.URL
		}
	case EndpointDatabase:
		if e.Table != "" {
			return e.Type + ":" + e.Table
		}
	case EndpointFile:
		return e.Type + ":" + e.Path
	case EndpointExternal:
		if e.Subject != "" {
			return e.Type + ":" + e.Subject
		}
	}
	return e.Type
}

// Connector loads and writes records for one endpoint kind.
// Filters passed to Load are a hint; the sync engine filters again.
type Connector interface {
	Load(ctx context.Context, dataType string, filters *SyncFilters) ([]Record, error)

	// Get returns ErrRecordNotFound when the record is absent.
	Get(ctx context.Context, dataType string, id string) (Record, error)

	Create(ctx context.Context, dataType string, id string, rec Record) error
	Update(ctx context.Context, dataType string, id string, rec Record) error
}

// Sync data types.
const (
	DataLoans     = "loans"
	DataUsers     = "users"
	DataDocuments = "documents"
)

// Custom filter operators.
const (
	OpEquals      = "equals"
	OpNotEquals   = "not_equals"
	OpGreaterThan = "greater_than"
	OpLessThan    = "less_than"
	OpContains    = "contains"
	OpIn          = "in"
)

// FilterPredicate is a custom filter. Either Field/Operator/Value or a
// boolean Expression over the record is set.
type FilterPredicate struct {
	Field      string `json:"field,omitempty" mapstructure:"field"`
	Operator   string `json:"operator,omitempty" mapstructure:"operator"`
	Value      any    `json:"value,omitempty" mapstructure:"value"`
	Expression string `json:"expression,omitempty" mapstructure:"expression"`
}

// SyncFilters prune loaded records before batching.
type SyncFilters struct {
	Status   string            `json:"statusFilter,omitempty" mapstructure:"statusFilter"`
	Category string            `json:"categoryFilter,omitempty" mapstructure:"categoryFilter"`
	Custom   []FilterPredicate `json:"customFilters,omitempty" mapstructure:"customFilters"`
}

// Sync types.
const (
	SyncFull        = "full"
	SyncIncremental = "incremental"
	SyncDelta       = "delta"
)

// Conflict resolution strategies.
const (
	StrategyLatestWins     = "latest_wins"
	StrategySourcePriority = "source_priority"
	StrategyManual         = "manual"
)

// Sync job status.
const (
	SyncRunning   = "running"
	SyncCompleted = "completed"
	SyncFailed    = "failed"
)

// SyncStats holds the per-item counters of a job.
type SyncStats struct {
	Total      int `json:"total"`
	Processed  int `json:"processed"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
	Created    int `json:"created"`
	Updated    int `json:"updated"`
}

// SyncError is a batch-level error with a truncated sample.
type SyncError struct {
	Batch   int      `json:"batch"`
	Message string   `json:"message"`
	Sample  []Record `json:"sample,omitempty"`
}

// Conflict is a source/target disagreement on watched fields.
type Conflict struct {
	RecordID string         `json:"recordId"`
	Fields   []string       `json:"fields"`
	Source   Record         `json:"source"`
	Target   Record         `json:"target"`
	Strategy string         `json:"strategy"`
	Detail   map[string]any `json:"detail,omitempty"`
}

// SyncJob is one execution of data replication.
type SyncJob struct {
	ID          string      `json:"syncId"`
	Source      string      `json:"source"`
	Target      string      `json:"target"`
	SyncType    string      `json:"syncType"`
	DataType    string      `json:"dataType"`
	Strategy    string      `json:"conflictResolution"`
	Status      string      `json:"status"`
	Stats       SyncStats   `json:"stats"`
	Errors      []SyncError `json:"errors"`
	Conflicts   []Conflict  `json:"conflicts"`
	Message     string      `json:"message,omitempty"`
	StartedAt   time.Time   `json:"startedAt"`
	CompletedAt *time.Time  `json:"completedAt,omitempty"`
}

// Clone returns a copy safe to hand out of a store.
func (j *SyncJob) Clone() *SyncJob {
	c := *j
	c.Errors = append([]SyncError(nil), j.Errors...)
	c.Conflicts = append([]Conflict(nil), j.Conflicts...)
	return &c
}

// SyncState tracks the last successful runs per sync type.
type SyncState struct {
	LastFullSync        *time.Time `json:"lastFullSync,omitempty"`
	LastIncrementalSync *time.Time `json:"lastIncrementalSync,omitempty"`
}

// SyncConfig holds batch engine settings.
type SyncConfig struct {
	BatchSize          int           `yaml:"batchSize"`
	BatchPause         time.Duration `yaml:"batchPause"`
	ConflictResolution string        `yaml:"conflictResolution"`
	RetryAttempts      int           `yaml:"retryAttempts"`
	RetryDelay         time.Duration `yaml:"retryDelay"`
	WatchedFields      []string      `yaml:"watchedFields"`
	HistoryCap         int           `yaml:"historyCap"`
	HistoryKeep        int           `yaml:"historyKeep"`
	LockTTL            time.Duration `yaml:"lockTTL"`
}

// DefaultSyncConfig returns the documented sync defaults.
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		BatchSize:          100,
		BatchPause:         100 * time.Millisecond,
		ConflictResolution: StrategyLatestWins,
		RetryAttempts:      3,
		RetryDelay:         5 * time.Second,
		WatchedFields: []string{
			"state", "status", "borrowDate", "loanDate",
			"dueDate", "returnDate", "userId", "borrowerId",
		},
		HistoryCap:  100,
		HistoryKeep: 50,
		LockTTL:     10 * time.Minute,
	}
}
