// Package datasync replicates records of one data type from a source endpoint
// to a target endpoint in batches, with conflict detection on watched fields.
package datasync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/opensource-finance/loanwatch/internal/connector"
	"github.com/opensource-finance/loanwatch/internal/domain"
	"github.com/opensource-finance/loanwatch/internal/task"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("loanwatch-datasync")

// ErrInvalidRecord marks records that cannot be synchronized as given.
var ErrInvalidRecord = errors.New("invalid record")

// sampleSize is how many records of a failed batch are kept for debugging.
const sampleSize = 3

// Options override the engine's sync settings for one job.
type Options struct {
	BatchSize          *int           `mapstructure:"batchSize" validate:"omitempty,gt=0"`
	BatchPause         *time.Duration `mapstructure:"batchPause"`
	ConflictResolution string         `mapstructure:"conflictResolution" validate:"omitempty,oneof=latest_wins source_priority manual"`
	RetryAttempts      *int           `mapstructure:"retryAttempts" validate:"omitempty,gte=0"`
	RetryDelay         *time.Duration `mapstructure:"retryDelay"`
	WatchedFields      []string       `mapstructure:"watchedFields"`
}

// Request describes one sync job.
type Request struct {
	Source       domain.Endpoint    `mapstructure:"source"`
	Target       domain.Endpoint    `mapstructure:"target"`
	SyncType     string             `mapstructure:"syncType" validate:"omitempty,oneof=full incremental delta"`
	DataType     string             `mapstructure:"dataType" validate:"required,oneof=loans users documents"`
	Filters      domain.SyncFilters `mapstructure:"filters"`
	FieldMapping map[string]string  `mapstructure:"mapping"`
	Options      Options            `mapstructure:"options"`
}

// Checkpoint runs between batches. A non-nil error aborts the job.
type Checkpoint func(ctx context.Context, job *domain.SyncJob) error

// ConnectorFactory builds the connector of an endpoint.
type ConnectorFactory func(ep domain.Endpoint) (domain.Connector, error)

// Engine runs sync jobs.
type Engine struct {
	store      domain.SyncStore
	cfg        domain.SyncConfig
	connect    ConnectorFactory
	locker     Locker
	bus        domain.EventBus
	clock      clockwork.Clock
	checkpoint Checkpoint
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the clock used for timestamps and batch pauses.
func WithClock(c clockwork.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithEventBus publishes completed jobs on the bus.
func WithEventBus(bus domain.EventBus) Option {
	return func(e *Engine) { e.bus = bus }
}

// WithLocker replaces the in-process locker, for example with a RedisLocker.
func WithLocker(l Locker) Option {
	return func(e *Engine) { e.locker = l }
}

// WithCheckpoint installs a hook that runs between batches.
func WithCheckpoint(cp Checkpoint) Option {
	return func(e *Engine) { e.checkpoint = cp }
}

// WithConnectorFactory replaces connector.New.
func WithConnectorFactory(f ConnectorFactory) Option {
	return func(e *Engine) { e.connect = f }
}

// NewEngine creates a sync engine. Connectors are built from deps unless a
// factory is supplied.
func NewEngine(store domain.SyncStore, cfg domain.SyncConfig, deps connector.Deps, opts ...Option) *Engine {
	def := domain.DefaultSyncConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.ConflictResolution == "" {
		cfg.ConflictResolution = def.ConflictResolution
	}
	if cfg.HistoryCap <= 0 {
		cfg.HistoryCap = def.HistoryCap
	}
	if cfg.HistoryKeep <= 0 || cfg.HistoryKeep > cfg.HistoryCap {
		cfg.HistoryKeep = min(def.HistoryKeep, cfg.HistoryCap)
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	if cfg.WatchedFields == nil {
		cfg.WatchedFields = def.WatchedFields
	}

	e := &Engine{
		store:  store,
		cfg:    cfg,
		locker: NewLocalLocker(),
		clock:  clockwork.NewRealClock(),
		connect: func(ep domain.Endpoint) (domain.Connector, error) {
			return connector.New(ep, deps)
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the engine's default settings.
func (e *Engine) Config() domain.SyncConfig {
	return e.cfg
}

// settings are the effective options of one job.
type settings struct {
	batchSize     int
	batchPause    time.Duration
	strategy      string
	retryAttempts int
	retryDelay    time.Duration
	watched       map[string]bool
	mapping       map[string]string
	key           string
}

func (e *Engine) settings(req *Request) settings {
	s := settings{
		batchSize:     e.cfg.BatchSize,
		batchPause:    e.cfg.BatchPause,
		strategy:      e.cfg.ConflictResolution,
		retryAttempts: e.cfg.RetryAttempts,
		retryDelay:    e.cfg.RetryDelay,
		mapping:       Mapping(req.DataType, req.FieldMapping),
	}
	o := req.Options
	if o.BatchSize != nil {
		s.batchSize = *o.BatchSize
	}
	if o.BatchPause != nil {
		s.batchPause = *o.BatchPause
	}
	if o.ConflictResolution != "" {
		s.strategy = o.ConflictResolution
	}
	if o.RetryAttempts != nil {
		s.retryAttempts = *o.RetryAttempts
	}
	if o.RetryDelay != nil {
		s.retryDelay = *o.RetryDelay
	}
	s.retryAttempts = max(0, s.retryAttempts)
	if s.retryDelay <= 0 {
		s.retryDelay = time.Millisecond
	}

	watched := e.cfg.WatchedFields
	if o.WatchedFields != nil {
		watched = o.WatchedFields
	}
	s.watched = make(map[string]bool, len(watched))
	for _, f := range watched {
		s.watched[f] = true
	}
	s.key = keyField(s.mapping)
	return s
}

// Run executes a sync job. Errors are returned only when the job cannot start;
// once started, failures are reported in the returned job.
func (e *Engine) Run(ctx context.Context, req *Request) (*domain.SyncJob, error) {
	if err := task.Validate(req); err != nil {
		return nil, err
	}
	if req.SyncType == "" {
		req.SyncType = domain.SyncIncremental
	}
	filters, err := compileFilters(req.Filters)
	if err != nil {
		return nil, err
	}

	source, err := e.connect(req.Source)
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	target, err := e.connect(req.Target)
	if err != nil {
		return nil, fmt.Errorf("target: %w", err)
	}
	if connector.ReadOnly(target) {
		return nil, fmt.Errorf("target %s: %w", req.Target.Key(), domain.ErrReadOnly)
	}

	lockKey := req.Source.Key() + "|" + req.Target.Key() + "|" + req.DataType
	lock, err := e.locker.Obtain(ctx, lockKey, e.cfg.LockTTL)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("failed to release sync lock", "key", lockKey, "error", err)
		}
	}()

	s := e.settings(req)
	job := &domain.SyncJob{
		ID:        "SYNC-" + uuid.New().String(),
		Source:    req.Source.Key(),
		Target:    req.Target.Key(),
		SyncType:  req.SyncType,
		DataType:  req.DataType,
		Strategy:  s.strategy,
		Status:    domain.SyncRunning,
		Errors:    []domain.SyncError{},
		Conflicts: []domain.Conflict{},
		StartedAt: e.clock.Now().UTC(),
	}
	if err := e.store.PutActive(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to register sync job: %w", err)
	}

	slog.Info("sync started",
		"sync_id", job.ID,
		"source", job.Source,
		"target", job.Target,
		"data_type", job.DataType,
		"sync_type", job.SyncType,
		"strategy", job.Strategy,
	)

	e.perform(ctx, job, req, source, target, filters, s, newLease(lock, e.cfg.LockTTL, e.clock))
	e.finalize(ctx, job)
	return job, nil
}

func (e *Engine) perform(ctx context.Context, job *domain.SyncJob, req *Request, source, target domain.Connector, filters *filterSet, s settings, held *lease) {
	records, err := source.Load(ctx, req.DataType, &req.Filters)
	if err != nil {
		job.Status = domain.SyncFailed
		job.Message = "source error: " + err.Error()
		job.Errors = append(job.Errors, domain.SyncError{Message: job.Message})
		slog.Error("sync source failed", "sync_id", job.ID, "error", err)
		return
	}

	records = filters.Apply(records)
	job.Stats.Total = len(records)
	if len(records) == 0 {
		slog.Info("nothing to synchronize", "sync_id", job.ID)
		return
	}

	batches := slices.Collect(slices.Chunk(records, s.batchSize))
	for i, batch := range batches {
		if i > 0 {
			if err := e.between(ctx, job, s.batchPause, held); err != nil {
				job.Status = domain.SyncFailed
				job.Message = err.Error()
				slog.Warn("sync aborted", "sync_id", job.ID, "batch", i+1, "reason", err)
				return
			}
		}

		stats, conflicts, err := e.processBatch(ctx, job.ID, i+1, batch, target, req.DataType, s, held)
		if errors.Is(err, ErrLockLost) {
			addStats(job, stats, conflicts, len(batch))
			e.publishProgress(ctx, job)
			job.Status = domain.SyncFailed
			job.Message = err.Error()
			slog.Error("sync lock lost", "sync_id", job.ID, "batch", i+1, "error", err)
			return
		}
		if err != nil {
			slog.Error("sync batch failed",
				"sync_id", job.ID,
				"batch", i+1,
				"error", err,
			)
			job.Errors = append(job.Errors, domain.SyncError{
				Batch:   i + 1,
				Message: err.Error(),
				Sample:  batch[:min(sampleSize, len(batch))],
			})
			job.Stats.Failed += len(batch)
			job.Stats.Processed += len(batch)
			e.publishProgress(ctx, job)
			continue
		}

		addStats(job, stats, conflicts, len(batch))
		e.publishProgress(ctx, job)

		slog.Info("sync progress",
			"sync_id", job.ID,
			"batch", i+1,
			"batches", len(batches),
			"processed", job.Stats.Processed,
			"total", job.Stats.Total,
			"percent", job.Stats.Processed*100/job.Stats.Total,
		)
	}
}

func addStats(job *domain.SyncJob, stats domain.SyncStats, conflicts []domain.Conflict, processed int) {
	job.Stats.Successful += stats.Successful
	job.Stats.Failed += stats.Failed
	job.Stats.Skipped += stats.Skipped
	job.Stats.Created += stats.Created
	job.Stats.Updated += stats.Updated
	job.Stats.Processed += processed
	job.Conflicts = append(job.Conflicts, conflicts...)
}

// publishProgress writes the running job back to the active set so that
// observers see its counters move.
func (e *Engine) publishProgress(ctx context.Context, job *domain.SyncJob) {
	if err := e.store.PutActive(context.WithoutCancel(ctx), job); err != nil {
		slog.Warn("failed to record sync progress", "sync_id", job.ID, "error", err)
	}
}

// between is the cooperative checkpoint: it pauses, then honors cancellation,
// keeps the lock alive and runs the checkpoint hook.
func (e *Engine) between(ctx context.Context, job *domain.SyncJob, pause time.Duration, held *lease) error {
	if pause > 0 {
		select {
		case <-ctx.Done():
		case <-e.clock.After(pause):
		}
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("cancelled: %w", err)
	}
	if err := held.keep(ctx); err != nil {
		return err
	}
	if e.checkpoint != nil {
		if err := e.checkpoint(ctx, job.Clone()); err != nil {
			return fmt.Errorf("aborted at checkpoint: %w", err)
		}
	}
	return nil
}

// processBatch handles records in source order. A panic fails the whole batch.
func (e *Engine) processBatch(ctx context.Context, syncID string, n int, batch []domain.Record, target domain.Connector, dataType string, s settings, held *lease) (stats domain.SyncStats, conflicts []domain.Conflict, err error) {
	ctx, span := tracer.Start(ctx, "sync.batch",
		trace.WithAttributes(
			attribute.String("sync.id", syncID),
			attribute.Int("sync.batch", n),
			attribute.Int("sync.batch_size", len(batch)),
		),
	)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("sync batch panicked", "sync_id", syncID, "batch", n, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("batch %d: internal error: %v", n, r)
		}
	}()

	for i, raw := range batch {
		if err := held.keep(ctx); err != nil {
			stats.Failed += len(batch) - i
			return stats, conflicts, err
		}
		out, conflict, rerr := e.syncRecord(ctx, raw, target, dataType, s)
		switch out {
		case outcomeCreated:
			stats.Successful++
			stats.Created++
		case outcomeUpdated:
			stats.Successful++
			stats.Updated++
		case outcomeSkipped:
			stats.Skipped++
		case outcomeConflict:
			stats.Failed++
			conflicts = append(conflicts, *conflict)
		default:
			stats.Failed++
			slog.Warn("sync record failed", "sync_id", syncID, "batch", n, "error", rerr)
		}
	}
	return stats, conflicts, nil
}

type outcome int

const (
	outcomeFailed outcome = iota
	outcomeCreated
	outcomeUpdated
	outcomeSkipped
	outcomeConflict
)

// syncRecord resolves one record, retrying transient connector failures.
// A retried record is counted once.
func (e *Engine) syncRecord(ctx context.Context, raw domain.Record, target domain.Connector, dataType string, s settings) (outcome, *domain.Conflict, error) {
	mapped := mapRecord(raw, s.mapping)
	id := mapped.String(s.key)
	if id == "" {
		return outcomeFailed, nil, fmt.Errorf("%w: missing %s", ErrInvalidRecord, s.key)
	}

	var (
		out      outcome
		conflict *domain.Conflict
	)
	backoff := retry.WithMaxRetries(uint64(s.retryAttempts), retry.NewExponential(s.retryDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		out, conflict, err = e.resolve(ctx, id, mapped, target, dataType, s)
		if err != nil && retryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return outcomeFailed, nil, fmt.Errorf("record %s: %w", id, err)
	}
	return out, conflict, nil
}

func retryable(err error) bool {
	return !errors.Is(err, ErrInvalidRecord) &&
		!errors.Is(err, domain.ErrReadOnly) &&
		!errors.Is(err, connector.ErrUnsupported) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

func (e *Engine) resolve(ctx context.Context, id string, mapped domain.Record, target domain.Connector, dataType string, s settings) (outcome, *domain.Conflict, error) {
	current, err := target.Get(ctx, dataType, id)
	if errors.Is(err, domain.ErrRecordNotFound) {
		if err := target.Create(ctx, dataType, id, mapped); err != nil {
			return outcomeFailed, nil, fmt.Errorf("create: %w", err)
		}
		return outcomeCreated, nil, nil
	}
	if err != nil {
		return outcomeFailed, nil, fmt.Errorf("lookup: %w", err)
	}

	existing := mapRecord(current, s.mapping)
	diff := differences(mapped, existing)
	if len(diff) == 0 {
		return outcomeSkipped, nil, nil
	}

	var watched []string
	for _, f := range diff {
		if s.watched[f] {
			watched = append(watched, f)
		}
	}
	slices.Sort(watched)

	if len(watched) > 0 {
		if conflict := e.conflict(id, watched, mapped, existing, s); conflict != nil {
			return outcomeConflict, conflict, nil
		}
	}

	if err := target.Update(ctx, dataType, id, mapped); err != nil {
		return outcomeFailed, nil, fmt.Errorf("update: %w", err)
	}
	return outcomeUpdated, nil, nil
}

// conflict applies the strategy. It returns nil when the source may overwrite.
func (e *Engine) conflict(id string, fields []string, src, tgt domain.Record, s settings) *domain.Conflict {
	strategy := s.strategy
	c := &domain.Conflict{
		RecordID: id,
		Fields:   fields,
		Source:   src,
		Target:   tgt,
		Strategy: strategy,
	}

	switch strategy {
	case domain.StrategySourcePriority:
		return nil
	case domain.StrategyManual:
		c.Detail = map[string]any{"resolution": "manual_resolution_required"}
		return c
	default:
		srcAt, srcOK := timestamp(src, s.mapping)
		tgtAt, tgtOK := timestamp(tgt, s.mapping)
		if srcOK && tgtOK && srcAt.After(tgtAt) {
			return nil
		}
		c.Detail = map[string]any{"resolution": "target_is_newer"}
		if srcOK {
			c.Detail["sourceTimestamp"] = srcAt.UTC().Format(time.RFC3339Nano)
		}
		if tgtOK {
			c.Detail["targetTimestamp"] = tgtAt.UTC().Format(time.RFC3339Nano)
		}
		return c
	}
}

func (e *Engine) finalize(ctx context.Context, job *domain.SyncJob) {
	ctx = context.WithoutCancel(ctx)

	now := e.clock.Now().UTC()
	job.CompletedAt = &now
	if job.Status == domain.SyncRunning {
		job.Status = domain.SyncCompleted
	}

	if err := e.store.AppendHistory(ctx, job, e.cfg.HistoryCap, e.cfg.HistoryKeep); err != nil {
		slog.Error("failed to record sync history", "sync_id", job.ID, "error", err)
	}
	if err := e.store.RemoveActive(ctx, job.ID); err != nil {
		slog.Error("failed to remove active sync", "sync_id", job.ID, "error", err)
	}

	if job.Status == domain.SyncCompleted {
		e.markState(ctx, job)
	}

	slog.Info("sync finished",
		"sync_id", job.ID,
		"status", job.Status,
		"total", job.Stats.Total,
		"successful", job.Stats.Successful,
		"failed", job.Stats.Failed,
		"skipped", job.Stats.Skipped,
		"conflicts", len(job.Conflicts),
	)
	e.publish(ctx, job)
}

func (e *Engine) markState(ctx context.Context, job *domain.SyncJob) {
	state, err := e.store.State(ctx)
	if err != nil {
		slog.Error("failed to read sync state", "sync_id", job.ID, "error", err)
		return
	}
	if state == nil {
		state = &domain.SyncState{}
	}
	at := *job.CompletedAt
	if job.SyncType == domain.SyncFull {
		state.LastFullSync = &at
	} else {
		state.LastIncrementalSync = &at
	}
	if err := e.store.SetState(ctx, state); err != nil {
		slog.Error("failed to update sync state", "sync_id", job.ID, "error", err)
	}
}

func (e *Engine) publish(ctx context.Context, job *domain.SyncJob) {
	if e.bus == nil {
		return
	}
	payload, err := json.Marshal(job)
	if err != nil {
		slog.Warn("failed to encode sync event", "sync_id", job.ID, "error", err)
		return
	}
	if err := e.bus.Publish(ctx, domain.TopicSyncCompleted, payload); err != nil {
		slog.Warn("failed to publish sync event", "sync_id", job.ID, "error", err)
	}
}

// Active lists running jobs.
func (e *Engine) Active(ctx context.Context) ([]*domain.SyncJob, error) {
	return e.store.ListActive(ctx)
}

// Get finds a job among running jobs, then in history.
func (e *Engine) Get(ctx context.Context, id string) (*domain.SyncJob, error) {
	job, err := e.store.GetActive(ctx, id)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, domain.ErrSyncNotFound) {
		return nil, err
	}
	history, err := e.store.History(ctx, 0)
	if err != nil {
		return nil, err
	}
	for _, j := range history {
		if j.ID == id {
			return j, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrSyncNotFound, id)
}

// History returns up to limit finished jobs, most recent first.
func (e *Engine) History(ctx context.Context, limit int) ([]*domain.SyncJob, error) {
	return e.store.History(ctx, limit)
}

// State returns the last successful run times.
func (e *Engine) State(ctx context.Context) (*domain.SyncState, error) {
	return e.store.State(ctx)
}
