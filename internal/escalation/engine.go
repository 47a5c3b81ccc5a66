// Package escalation drives incidents through the configured severity levels.
//
// The engine evaluates trigger predicates, creates escalation records, runs
// each level's actions and records when the next level is due. It never starts
// timers itself: an external scheduler calls Due and Advance.
package escalation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/opensource-finance/loanwatch/internal/cache"
	"github.com/opensource-finance/loanwatch/internal/domain"
	"github.com/opensource-finance/loanwatch/internal/errorrate"
)

// Engine errors.
var (
	ErrNotFound   = domain.ErrEscalationNotFound
	ErrResolved   = domain.ErrEscalationResolved
	ErrFinalLevel = domain.ErrFinalLevel
	ErrNoLevels   = errors.New("escalation level table is empty")
)

// Engine is the escalation state machine.
type Engine struct {
	mu sync.Mutex

	api        domain.HostAPI
	store      domain.EscalationStore
	reminders  domain.Cache
	audit      domain.AuditSink
	errorRates *errorrate.Service
	bus        domain.EventBus
	clock      clockwork.Clock

	cfg    domain.EscalationConfig
	levels []domain.EscalationLevel
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the clock used for timestamps and overdue arithmetic.
func WithClock(c clockwork.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithEventBus publishes lifecycle events on the bus.
func WithEventBus(bus domain.EventBus) Option {
	return func(e *Engine) { e.bus = bus }
}

// WithReminderCounters sets the cache holding per-loan reminder counts.
func WithReminderCounters(c domain.Cache) Option {
	return func(e *Engine) { e.reminders = c }
}

// WithAuditSink sets where audit_trail entries are written.
func WithAuditSink(sink domain.AuditSink) Option {
	return func(e *Engine) { e.audit = sink }
}

// WithErrorRates sets the service consulted when a system_error trigger
// carries no errorRate variable.
func WithErrorRates(s *errorrate.Service) Option {
	return func(e *Engine) { e.errorRates = s }
}

// NewEngine creates an escalation engine. Levels are ordered by level number.
func NewEngine(api domain.HostAPI, store domain.EscalationStore, cfg domain.EscalationConfig, opts ...Option) (*Engine, error) {
	if len(cfg.Levels) == 0 {
		return nil, ErrNoLevels
	}
	if cfg.ExtensionDays <= 0 {
		cfg.ExtensionDays = domain.DefaultEscalationConfig().ExtensionDays
	}

	levels := slices.Clone(cfg.Levels)
	slices.SortFunc(levels, func(a, b domain.EscalationLevel) int { return a.Level - b.Level })

	e := &Engine{
		api:    api,
		store:  store,
		clock:  clockwork.NewRealClock(),
		cfg:    cfg,
		levels: levels,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.reminders == nil {
		e.reminders = cache.NewLRUCacheWithClock(10000, e.clock)
	}
	return e, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() domain.EscalationConfig {
	return e.cfg
}

// Levels returns the level table in ascending order.
func (e *Engine) Levels() []domain.EscalationLevel {
	return slices.Clone(e.levels)
}

// Trigger evaluates a trigger against vars and escalates when it fires.
// Derived signals such as daysOverdue are written back into vars.
func (e *Engine) Trigger(ctx context.Context, trigger string, vars map[string]any) (*domain.EscalationOutcome, error) {
	out := &domain.EscalationOutcome{Trigger: trigger}
	if vars == nil {
		vars = make(map[string]any)
	}

	fired, reason, err := e.evaluate(ctx, trigger, vars)
	if err != nil {
		return nil, err
	}
	out.Reason = reason
	if !fired {
		slog.Debug("escalation not triggered", "trigger", trigger, "reason", reason)
		return out, nil
	}

	level := e.selectLevel(trigger, vars)
	esc, err := e.create(ctx, trigger, level, vars)
	if err != nil {
		return nil, err
	}
	out.Escalated = true
	out.Escalation = esc
	return out, nil
}

// CustomRequest is a manual escalation that bypasses trigger evaluation.
type CustomRequest struct {
	Target   string
	Reason   string
	Priority string
	Level    int
	Data     map[string]any
}

// Custom creates a manual escalation at the requested level and notifies its
// recipients.
func (e *Engine) Custom(ctx context.Context, req CustomRequest) (*domain.Escalation, error) {
	if req.Priority == "" {
		req.Priority = "normal"
	}
	level := e.level(req.Level)
	now := e.clock.Now().UTC()

	esc := &domain.Escalation{
		ID:        newID(),
		Trigger:   domain.TriggerCustom,
		Level:     level.Level,
		LevelName: level.Name,
		Status:    domain.EscalationActive,
		Context:   snapshot(req.Data),
		Target:    req.Target,
		Reason:    req.Reason,
		Priority:  req.Priority,
		CreatedAt: now,
		UpdatedAt: now,
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	esc.Actions = e.runActions(ctx, esc, level, []string{domain.ActionNotify})
	if err := e.save(ctx, esc); err != nil {
		return nil, err
	}

	slog.Info("custom escalation created",
		"escalation_id", esc.ID,
		"level", esc.Level,
		"target", esc.Target,
		"priority", esc.Priority,
	)
	e.publish(ctx, domain.TopicEscalationCreated, esc)
	return esc.Clone(), nil
}

func (e *Engine) create(ctx context.Context, trigger string, level domain.EscalationLevel, vars map[string]any) (*domain.Escalation, error) {
	now := e.clock.Now().UTC()
	esc := &domain.Escalation{
		ID:        newID(),
		Trigger:   trigger,
		Level:     level.Level,
		LevelName: level.Name,
		Status:    domain.EscalationActive,
		Context:   snapshot(vars),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if target, ok := vars["target"].(string); ok {
		esc.Target = target
	}
	esc.NextEscalationAt = e.nextDue(level, now)

	e.mu.Lock()
	defer e.mu.Unlock()

	esc.Actions = e.runActions(ctx, esc, level, level.Actions)
	if err := e.save(ctx, esc); err != nil {
		return nil, err
	}

	slog.Info("escalation created",
		"escalation_id", esc.ID,
		"trigger", trigger,
		"level", esc.Level,
		"loan_id", esc.LoanID(),
		"actions", esc.Actions,
	)
	e.publish(ctx, domain.TopicEscalationCreated, esc)
	return esc.Clone(), nil
}

// Advance moves an active escalation to the next configured level and runs
// that level's actions.
func (e *Engine) Advance(ctx context.Context, id string) (*domain.Escalation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	esc, err := e.active(ctx, id)
	if err != nil {
		return nil, err
	}

	idx := e.index(esc.Level)
	if idx < 0 || idx == len(e.levels)-1 {
		return nil, fmt.Errorf("%w: %s at level %d", ErrFinalLevel, id, esc.Level)
	}
	next := e.levels[idx+1]

	now := e.clock.Now().UTC()
	esc.Level = next.Level
	esc.LevelName = next.Name
	esc.UpdatedAt = now
	esc.NextEscalationAt = e.nextDue(next, now)
	esc.Actions = append(esc.Actions, e.runActions(ctx, esc, next, next.Actions)...)

	if err := e.save(ctx, esc); err != nil {
		return nil, err
	}

	slog.Info("escalation advanced",
		"escalation_id", esc.ID,
		"level", esc.Level,
		"loan_id", esc.LoanID(),
	)
	e.publish(ctx, domain.TopicEscalationAdvanced, esc)
	return esc.Clone(), nil
}

// Due lists active escalations whose next level is due at or before now.
func (e *Engine) Due(ctx context.Context, now time.Time) ([]*domain.Escalation, error) {
	active, err := e.store.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active escalations: %w", err)
	}
	due := make([]*domain.Escalation, 0, len(active))
	for _, esc := range active {
		if esc.NextEscalationAt != nil && !esc.NextEscalationAt.After(now) {
			due = append(due, esc)
		}
	}
	return due, nil
}

// Acknowledge records that by has seen the escalation.
func (e *Engine) Acknowledge(ctx context.Context, id, by, note string) (*domain.Escalation, error) {
	if by == "" {
		return nil, fmt.Errorf("acknowledgment requires a name")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	esc, err := e.active(ctx, id)
	if err != nil {
		return nil, err
	}
	now := e.clock.Now().UTC()
	esc.Acknowledgments = append(esc.Acknowledgments, domain.Acknowledgment{By: by, Note: note, At: now})
	esc.UpdatedAt = now

	if err := e.save(ctx, esc); err != nil {
		return nil, err
	}
	slog.Info("escalation acknowledged", "escalation_id", id, "by", by)
	return esc.Clone(), nil
}

// Resolve closes an escalation. It leaves the active set and stays in history.
func (e *Engine) Resolve(ctx context.Context, id, resolution string) (*domain.Escalation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	esc, err := e.active(ctx, id)
	if err != nil {
		return nil, err
	}

	now := e.clock.Now().UTC()
	esc.Status = domain.EscalationResolved
	esc.Resolution = &resolution
	esc.ResolvedAt = &now
	esc.UpdatedAt = now
	esc.NextEscalationAt = nil

	if err := e.store.AppendHistory(ctx, esc); err != nil {
		return nil, fmt.Errorf("failed to record escalation %s: %w", id, err)
	}
	if err := e.store.Remove(ctx, id); err != nil {
		return nil, fmt.Errorf("failed to remove escalation %s: %w", id, err)
	}

	slog.Info("escalation resolved", "escalation_id", id, "resolution", resolution)
	e.publish(ctx, domain.TopicEscalationResolved, esc)
	return esc.Clone(), nil
}

// Get returns an active or historical escalation.
func (e *Engine) Get(ctx context.Context, id string) (*domain.Escalation, error) {
	return e.store.Get(ctx, id)
}

// Active lists unresolved escalations, oldest first.
func (e *Engine) Active(ctx context.Context) ([]*domain.Escalation, error) {
	return e.store.ListActive(ctx)
}

// History returns escalations matching filter, most recent first.
func (e *Engine) History(ctx context.Context, filter domain.EscalationFilter) ([]*domain.Escalation, error) {
	return e.store.History(ctx, filter)
}

// active loads an escalation that may still change.
func (e *Engine) active(ctx context.Context, id string) (*domain.Escalation, error) {
	esc, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if esc.Status == domain.EscalationResolved {
		return nil, fmt.Errorf("%w: %s", ErrResolved, id)
	}
	return esc, nil
}

func (e *Engine) save(ctx context.Context, esc *domain.Escalation) error {
	if err := e.store.Put(ctx, esc); err != nil {
		return fmt.Errorf("failed to store escalation %s: %w", esc.ID, err)
	}
	if err := e.store.AppendHistory(ctx, esc); err != nil {
		return fmt.Errorf("failed to record escalation %s: %w", esc.ID, err)
	}
	return nil
}

// level returns the configured level n, or the first level when n is unknown.
func (e *Engine) level(n int) domain.EscalationLevel {
	if i := e.index(n); i >= 0 {
		return e.levels[i]
	}
	return e.levels[0]
}

func (e *Engine) index(n int) int {
	return slices.IndexFunc(e.levels, func(l domain.EscalationLevel) bool { return l.Level == n })
}

// nextDue is nil at the final level.
func (e *Engine) nextDue(current domain.EscalationLevel, now time.Time) *time.Time {
	i := e.index(current.Level)
	if i < 0 || i == len(e.levels)-1 {
		return nil
	}
	at := now.Add(e.levels[i+1].Timeout)
	return &at
}

func (e *Engine) publish(ctx context.Context, topic string, esc *domain.Escalation) {
	if e.bus == nil {
		return
	}
	payload, err := json.Marshal(esc)
	if err != nil {
		slog.Warn("failed to encode escalation event", "escalation_id", esc.ID, "error", err)
		return
	}
	if err := e.bus.Publish(ctx, topic, payload); err != nil {
		slog.Warn("failed to publish escalation event", "escalation_id", esc.ID, "topic", topic, "error", err)
	}
}

func newID() string {
	return "ESC-" + uuid.New().String()
}

// snapshot copies the context so later variable writes do not leak into the record.
func snapshot(vars map[string]any) map[string]any {
	out := make(map[string]any, len(vars))
	for k, v := range vars {
		if k == "loan" {
			continue
		}
		out[k] = v
	}
	return out
}
