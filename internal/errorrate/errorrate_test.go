package errorrate

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/opensource-finance/loanwatch/internal/cache"
	"github.com/opensource-finance/loanwatch/internal/domain"
)

func TestErrorRateService(t *testing.T) {
	clock := clockwork.NewFakeClock()
	lru := cache.NewLRUCacheWithClock(100, clock)
	defer lru.Close()

	svc := NewService(lru, time.Minute)
	ctx := context.Background()

	t.Run("NoEvents", func(t *testing.T) {
		rate, err := svc.Rate(ctx, "api")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if rate != 0 {
			t.Errorf("expected rate 0 without events, got %.1f", rate)
		}
	})

	t.Run("WithErrors", func(t *testing.T) {
		for i := range 8 {
			if err := svc.Record(ctx, "api", i < 2); err != nil {
				t.Fatalf("Record failed: %v", err)
			}
		}
		rate, _ := svc.Rate(ctx, "api")
		if rate != 25 {
			t.Errorf("expected 25%%, got %.1f", rate)
		}
	})

	t.Run("ScopeIsolation", func(t *testing.T) {
		rate, _ := svc.Rate(ctx, "sync")
		if rate != 0 {
			t.Errorf("expected other scope untouched, got %.1f", rate)
		}
	})

	t.Run("WindowExpiry", func(t *testing.T) {
		clock.Advance(2 * time.Minute)
		rate, _ := svc.Rate(ctx, "api")
		if rate != 0 {
			t.Errorf("expected counters to expire with the window, got %.1f", rate)
		}
	})

	t.Run("ObserveTaskResults", func(t *testing.T) {
		svc.Observe(ctx, &domain.TaskResult{Status: domain.TaskStatusCompleted})
		svc.Observe(ctx, &domain.TaskResult{Status: domain.TaskStatusFailed})
		rate, _ := svc.Rate(ctx, TaskScope)
		if rate != 50 {
			t.Errorf("expected 50%%, got %.1f", rate)
		}

		if err := svc.Reset(ctx, TaskScope); err != nil {
			t.Fatalf("Reset failed: %v", err)
		}
		rate, _ = svc.Rate(ctx, TaskScope)
		if rate != 0 {
			t.Errorf("expected 0 after reset, got %.1f", rate)
		}
	})

	t.Run("RequiresScope", func(t *testing.T) {
		if err := svc.Record(ctx, "", false); err == nil {
			t.Error("expected error for empty scope")
		}
	})
}
