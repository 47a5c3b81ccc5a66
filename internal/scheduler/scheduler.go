// Package scheduler periodically advances escalations whose timeout elapsed.
// The escalation engine only records when the next level is due; this loop
// is what acts on it.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/opensource-finance/loanwatch/internal/domain"
)

// Escalations is the part of the escalation engine the scheduler drives.
type Escalations interface {
	Due(ctx context.Context, now time.Time) ([]*domain.Escalation, error)
	Advance(ctx context.Context, id string) (*domain.Escalation, error)
}

// Scheduler advances due escalations on every tick.
type Scheduler struct {
	escalations Escalations
	interval    time.Duration
	clock       clockwork.Clock
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the ticker clock.
func WithClock(c clockwork.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// New creates a scheduler. A non-positive interval defaults to one minute.
func New(escalations Escalations, interval time.Duration, opts ...Option) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	s := &Scheduler{
		escalations: escalations,
		interval:    interval,
		clock:       clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	slog.Info("escalation scheduler started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("escalation scheduler stopped")
			return
		case <-ticker.Chan():
			if _, err := s.Tick(ctx); err != nil {
				slog.Error("escalation scheduler tick failed", "error", err)
			}
		}
	}
}

// Tick advances every escalation due now and returns how many advanced.
// Failures of single escalations are logged and skipped.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	due, err := s.escalations.Due(ctx, s.clock.Now())
	if err != nil {
		return 0, err
	}

	advanced := 0
	for _, esc := range due {
		next, err := s.escalations.Advance(ctx, esc.ID)
		switch {
		case err == nil:
			advanced++
			slog.Info("escalation advanced by scheduler",
				"escalation_id", esc.ID,
				"from_level", esc.Level,
				"to_level", next.Level,
			)
		case errors.Is(err, domain.ErrFinalLevel), errors.Is(err, domain.ErrEscalationResolved):
			slog.Debug("escalation no longer advanceable", "escalation_id", esc.ID, "reason", err)
		default:
			slog.Warn("failed to advance escalation", "escalation_id", esc.ID, "error", err)
		}
	}
	return advanced, nil
}
