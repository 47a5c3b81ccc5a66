package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/opensource-finance/loanwatch/internal/domain"
)

type fakeEscalations struct {
	mu       sync.Mutex
	due      []*domain.Escalation
	dueErr   error
	failures map[string]error
	advanced []string
	asked    []time.Time
}

func (f *fakeEscalations) Due(ctx context.Context, now time.Time) ([]*domain.Escalation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.asked = append(f.asked, now)
	return f.due, f.dueErr
}

func (f *fakeEscalations) Advance(ctx context.Context, id string) (*domain.Escalation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failures[id]; err != nil {
		return nil, err
	}
	f.advanced = append(f.advanced, id)
	return &domain.Escalation{ID: id, Level: 2}, nil
}

func (f *fakeEscalations) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.asked)
}

func TestTick(t *testing.T) {
	now := time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)

	t.Run("AdvancesDue", func(t *testing.T) {
		f := &fakeEscalations{
			due: []*domain.Escalation{{ID: "ESC-1", Level: 1}, {ID: "ESC-2", Level: 3}, {ID: "ESC-3", Level: 1}},
			failures: map[string]error{
				"ESC-2": domain.ErrFinalLevel,
				"ESC-3": errors.New("store unavailable"),
			},
		}
		s := New(f, time.Minute, WithClock(clockwork.NewFakeClockAt(now)))

		n, err := s.Tick(context.Background())
		if err != nil {
			t.Fatalf("Tick failed: %v", err)
		}
		if n != 1 || len(f.advanced) != 1 || f.advanced[0] != "ESC-1" {
			t.Errorf("expected only ESC-1 to advance, got %d %v", n, f.advanced)
		}
		if !f.asked[0].Equal(now) {
			t.Errorf("expected Due to be asked at %v, got %v", now, f.asked[0])
		}
	})

	t.Run("DueError", func(t *testing.T) {
		f := &fakeEscalations{dueErr: errors.New("boom")}
		if _, err := New(f, time.Minute).Tick(context.Background()); err == nil {
			t.Error("expected error")
		}
	})
}

func TestRun(t *testing.T) {
	clock := clockwork.NewFakeClock()
	f := &fakeEscalations{}
	s := New(f, 30*time.Second, WithClock(clock))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	if err := clock.BlockUntilContext(waitCtx, 1); err != nil {
		t.Fatalf("ticker never started: %v", err)
	}

	for i := 1; i <= 2; i++ {
		clock.Advance(30 * time.Second)
		deadline := time.Now().Add(2 * time.Second)
		for f.calls() < i && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		if f.calls() != i {
			t.Fatalf("expected %d ticks, got %d", i, f.calls())
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
