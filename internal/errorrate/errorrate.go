// Package errorrate tracks windowed event and error counts on the shared cache.
package errorrate

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/loanwatch/internal/domain"
)

// DefaultWindow is the counting window of a scope.
const DefaultWindow = time.Hour

// TaskScope is the scope fed by task executions.
const TaskScope = "tasks"

// Service counts events and errors per scope. Counters are fixed windows
// starting at the first increment, so they work the same on the LRU and Redis caches.
type Service struct {
	cache  domain.Cache
	window time.Duration
}

// NewService creates a service over cache. A zero window uses DefaultWindow.
func NewService(cache domain.Cache, window time.Duration) *Service {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Service{cache: cache, window: window}
}

// Record counts one event in scope, and one error when failed is true.
func (s *Service) Record(ctx context.Context, scope string, failed bool) error {
	if scope == "" {
		return fmt.Errorf("scope is required")
	}
	if _, err := s.cache.IncrementCounter(ctx, eventsKey(scope), s.window); err != nil {
		return fmt.Errorf("failed to count event: %w", err)
	}
	if !failed {
		return nil
	}
	if _, err := s.cache.IncrementCounter(ctx, errorsKey(scope), s.window); err != nil {
		return fmt.Errorf("failed to count error: %w", err)
	}
	return nil
}

// Observe records a task result under TaskScope.
func (s *Service) Observe(ctx context.Context, res *domain.TaskResult) error {
	return s.Record(ctx, TaskScope, res.Status == domain.TaskStatusFailed)
}

// Rate returns the error percentage of scope in the current window.
// A scope without events has rate 0.
func (s *Service) Rate(ctx context.Context, scope string) (float64, error) {
	events, err := s.cache.GetCounter(ctx, eventsKey(scope))
	if err != nil {
		return 0, fmt.Errorf("failed to read event counter: %w", err)
	}
	if events == 0 {
		return 0, nil
	}
	errs, err := s.cache.GetCounter(ctx, errorsKey(scope))
	if err != nil {
		return 0, fmt.Errorf("failed to read error counter: %w", err)
	}
	return min(float64(errs)/float64(events)*100, 100), nil
}

// Reset clears the counters of scope.
func (s *Service) Reset(ctx context.Context, scope string) error {
	if err := s.cache.Delete(ctx, eventsKey(scope)); err != nil {
		return err
	}
	return s.cache.Delete(ctx, errorsKey(scope))
}

func eventsKey(scope string) string { return "errorrate:" + scope + ":events" }
func errorsKey(scope string) string { return "errorrate:" + scope + ":errors" }
