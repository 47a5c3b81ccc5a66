package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-finance/loanwatch/internal/domain"
	"github.com/opensource-finance/loanwatch/internal/repository"
)

var base = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

func openDB(t *testing.T) *repository.SQLRepository {
	t.Helper()
	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "store.db"),
	})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func escalationStores(t *testing.T, limit int) map[string]domain.EscalationStore {
	repo := openDB(t)
	sqlStore, err := NewSQLEscalations(repo.DB(), repo.Driver(), limit)
	if err != nil {
		t.Fatalf("NewSQLEscalations failed: %v", err)
	}
	return map[string]domain.EscalationStore{
		"Memory": NewMemoryEscalations(limit),
		"SQL":    sqlStore,
	}
}

func syncStores(t *testing.T) map[string]domain.SyncStore {
	repo := openDB(t)
	sqlStore, err := NewSQLSyncs(repo.DB(), repo.Driver())
	if err != nil {
		t.Fatalf("NewSQLSyncs failed: %v", err)
	}
	return map[string]domain.SyncStore{
		"Memory": NewMemorySyncs(),
		"SQL":    sqlStore,
	}
}

func escalation(id string, n int, trigger string, level int) *domain.Escalation {
	at := base.Add(time.Duration(n) * time.Minute)
	return &domain.Escalation{
		ID:        id,
		Trigger:   trigger,
		Level:     level,
		Status:    domain.EscalationActive,
		Context:   map[string]any{"loanId": "loan-" + id},
		Actions:   []string{"notify"},
		CreatedAt: at,
		UpdatedAt: at,
	}
}

func TestEscalationStores(t *testing.T) {
	for name, s := range escalationStores(t, 3) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			e := escalation("ESC-1", 0, domain.TriggerLoanOverdue, 1)
			if err := s.Put(ctx, e); err != nil {
				t.Fatalf("Put failed: %v", err)
			}
			if err := s.AppendHistory(ctx, e); err != nil {
				t.Fatalf("AppendHistory failed: %v", err)
			}

			got, err := s.Get(ctx, "ESC-1")
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if got.LoanID() != "loan-ESC-1" {
				t.Errorf("expected loan id from context, got %q", got.LoanID())
			}

			got.Actions = append(got.Actions, "mutated")
			again, _ := s.Get(ctx, "ESC-1")
			if len(again.Actions) != 1 {
				t.Error("store must not share state with callers")
			}

			if _, err := s.Get(ctx, "ESC-404"); !errors.Is(err, domain.ErrEscalationNotFound) {
				t.Errorf("expected ErrEscalationNotFound, got %v", err)
			}

			// Resolve: leave the active set but stay reachable through history.
			resolution := "returned"
			e.Status = domain.EscalationResolved
			e.Resolution = &resolution
			if err := s.AppendHistory(ctx, e); err != nil {
				t.Fatalf("AppendHistory failed: %v", err)
			}
			if err := s.Remove(ctx, "ESC-1"); err != nil {
				t.Fatalf("Remove failed: %v", err)
			}

			active, _ := s.ListActive(ctx)
			if len(active) != 0 {
				t.Errorf("expected no active escalations, got %d", len(active))
			}
			got, err = s.Get(ctx, "ESC-1")
			if err != nil {
				t.Fatalf("expected resolved escalation in history: %v", err)
			}
			if got.Status != domain.EscalationResolved || got.Resolution == nil {
				t.Errorf("expected resolved record, got %+v", got)
			}

			history, _ := s.History(ctx, domain.EscalationFilter{})
			if len(history) != 1 {
				t.Errorf("expected history entry replaced in place, got %d entries", len(history))
			}
		})
	}
}

func TestEscalationHistoryFilterAndLimit(t *testing.T) {
	for name, s := range escalationStores(t, 3) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			triggers := []string{domain.TriggerLoanOverdue, domain.TriggerSystemError, domain.TriggerLoanOverdue, domain.TriggerUserComplaint}
			for i, trig := range triggers {
				e := escalation(fmt.Sprintf("ESC-%d", i), i, trig, i%2+1)
				if err := s.Put(ctx, e); err != nil {
					t.Fatalf("Put failed: %v", err)
				}
				if err := s.AppendHistory(ctx, e); err != nil {
					t.Fatalf("AppendHistory failed: %v", err)
				}
			}

			all, _ := s.History(ctx, domain.EscalationFilter{})
			if len(all) != 3 {
				t.Fatalf("expected history bounded to 3, got %d", len(all))
			}
			if all[0].ID != "ESC-3" {
				t.Errorf("expected most recent first, got %s", all[0].ID)
			}

			overdue, _ := s.History(ctx, domain.EscalationFilter{Trigger: domain.TriggerLoanOverdue})
			if len(overdue) != 1 || overdue[0].ID != "ESC-2" {
				t.Errorf("expected only ESC-2 after trimming, got %d", len(overdue))
			}

			level2, _ := s.History(ctx, domain.EscalationFilter{Level: 2})
			if len(level2) != 2 || level2[0].ID != "ESC-3" {
				t.Errorf("unexpected level filter result: %d", len(level2))
			}

			limited, _ := s.History(ctx, domain.EscalationFilter{Limit: 2})
			if len(limited) != 2 {
				t.Errorf("expected 2 entries, got %d", len(limited))
			}

			active, _ := s.ListActive(ctx)
			if len(active) != 4 {
				t.Errorf("trimming history must not touch active set, got %d", len(active))
			}
		})
	}
}

func job(id string, n int) *domain.SyncJob {
	return &domain.SyncJob{
		ID:        id,
		Source:    "api",
		Target:    "database",
		SyncType:  domain.SyncFull,
		DataType:  "loans",
		Status:    domain.SyncRunning,
		StartedAt: base.Add(time.Duration(n) * time.Second),
	}
}

func TestSyncStores(t *testing.T) {
	for name, s := range syncStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			j := job("sync-1", 0)
			if err := s.PutActive(ctx, j); err != nil {
				t.Fatalf("PutActive failed: %v", err)
			}
			got, err := s.GetActive(ctx, "sync-1")
			if err != nil || got.Status != domain.SyncRunning {
				t.Fatalf("GetActive returned %+v: %v", got, err)
			}

			j.Status = domain.SyncCompleted
			j.Stats = domain.SyncStats{Total: 2, Processed: 2, Successful: 2, Created: 2}
			if err := s.AppendHistory(ctx, j, 100, 50); err != nil {
				t.Fatalf("AppendHistory failed: %v", err)
			}
			if err := s.RemoveActive(ctx, "sync-1"); err != nil {
				t.Fatalf("RemoveActive failed: %v", err)
			}

			if _, err := s.GetActive(ctx, "sync-1"); !errors.Is(err, domain.ErrSyncNotFound) {
				t.Errorf("expected ErrSyncNotFound, got %v", err)
			}
			history, _ := s.History(ctx, 0)
			if len(history) != 1 || history[0].Stats.Created != 2 {
				t.Errorf("unexpected history: %+v", history)
			}
		})
	}
}

func TestSyncHistoryTrim(t *testing.T) {
	for name, s := range syncStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := range 6 {
				if err := s.AppendHistory(ctx, job(fmt.Sprintf("sync-%d", i), i), 5, 2); err != nil {
					t.Fatalf("AppendHistory failed: %v", err)
				}
			}

			history, _ := s.History(ctx, 0)
			if len(history) != 2 {
				t.Fatalf("expected history trimmed to 2, got %d", len(history))
			}
			if history[0].ID != "sync-5" || history[1].ID != "sync-4" {
				t.Errorf("expected most recent jobs kept, got %s, %s", history[0].ID, history[1].ID)
			}

			limited, _ := s.History(ctx, 1)
			if len(limited) != 1 {
				t.Errorf("expected limit 1, got %d", len(limited))
			}
		})
	}
}

func TestSyncState(t *testing.T) {
	for name, s := range syncStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			state, err := s.State(ctx)
			if err != nil {
				t.Fatalf("State failed: %v", err)
			}
			if state.LastFullSync != nil || state.LastIncrementalSync != nil {
				t.Error("expected empty initial state")
			}

			full := base.Add(time.Hour)
			if err := s.SetState(ctx, &domain.SyncState{LastFullSync: &full}); err != nil {
				t.Fatalf("SetState failed: %v", err)
			}
			state, _ = s.State(ctx)
			if state.LastFullSync == nil || !state.LastFullSync.Equal(full) {
				t.Errorf("expected last full sync %v, got %v", full, state.LastFullSync)
			}
			if state.LastIncrementalSync != nil {
				t.Error("expected no incremental sync")
			}
		})
	}
}
