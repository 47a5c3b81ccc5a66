// Package store provides escalation and sync job stores.
package store

import (
	"context"
	"slices"
	"sync"

	"github.com/opensource-finance/loanwatch/internal/domain"
)

// MemoryEscalations is a mutex-guarded escalation store with bounded history.
type MemoryEscalations struct {
	mu      sync.RWMutex
	active  map[string]*domain.Escalation
	history []*domain.Escalation
	limit   int
}

// NewMemoryEscalations creates a store keeping at most historyLimit entries.
// A non-positive limit keeps everything.
func NewMemoryEscalations(historyLimit int) *MemoryEscalations {
	return &MemoryEscalations{
		active: make(map[string]*domain.Escalation),
		limit:  historyLimit,
	}
}

func (s *MemoryEscalations) Put(ctx context.Context, e *domain.Escalation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[e.ID] = e.Clone()
	return nil
}

func (s *MemoryEscalations) Get(ctx context.Context, id string) (*domain.Escalation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.active[id]; ok {
		return e.Clone(), nil
	}
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].ID == id {
			return s.history[i].Clone(), nil
		}
	}
	return nil, domain.ErrEscalationNotFound
}

func (s *MemoryEscalations) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, id)
	return nil
}

func (s *MemoryEscalations) ListActive(ctx context.Context) ([]*domain.Escalation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Escalation, 0, len(s.active))
	for _, e := range s.active {
		out = append(out, e.Clone())
	}
	slices.SortFunc(out, func(a, b *domain.Escalation) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out, nil
}

func (s *MemoryEscalations) AppendHistory(ctx context.Context, e *domain.Escalation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, h := range s.history {
		if h.ID == e.ID {
			s.history[i] = e.Clone()
			return nil
		}
	}

	s.history = append(s.history, e.Clone())
	if s.limit > 0 && len(s.history) > s.limit {
		s.history = slices.Clone(s.history[len(s.history)-s.limit:])
	}
	return nil
}

func (s *MemoryEscalations) History(ctx context.Context, filter domain.EscalationFilter) ([]*domain.Escalation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Escalation
	for i := len(s.history) - 1; i >= 0; i-- {
		if !filter.Match(s.history[i]) {
			continue
		}
		out = append(out, s.history[i].Clone())
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// MemorySyncs is a mutex-guarded sync job store.
type MemorySyncs struct {
	mu      sync.RWMutex
	active  map[string]*domain.SyncJob
	history []*domain.SyncJob
	state   domain.SyncState
}

// NewMemorySyncs creates an empty sync store.
func NewMemorySyncs() *MemorySyncs {
	return &MemorySyncs{active: make(map[string]*domain.SyncJob)}
}

func (s *MemorySyncs) PutActive(ctx context.Context, job *domain.SyncJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[job.ID] = job.Clone()
	return nil
}

func (s *MemorySyncs) GetActive(ctx context.Context, id string) (*domain.SyncJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.active[id]
	if !ok {
		return nil, domain.ErrSyncNotFound
	}
	return job.Clone(), nil
}

func (s *MemorySyncs) RemoveActive(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, id)
	return nil
}

func (s *MemorySyncs) ListActive(ctx context.Context) ([]*domain.SyncJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.SyncJob, 0, len(s.active))
	for _, job := range s.active {
		out = append(out, job.Clone())
	}
	slices.SortFunc(out, func(a, b *domain.SyncJob) int {
		return a.StartedAt.Compare(b.StartedAt)
	})
	return out, nil
}

func (s *MemorySyncs) AppendHistory(ctx context.Context, job *domain.SyncJob, maxEntries, keep int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, job.Clone())
	if maxEntries > 0 && len(s.history) > maxEntries {
		keep = max(0, min(keep, len(s.history)))
		s.history = slices.Clone(s.history[len(s.history)-keep:])
	}
	return nil
}

func (s *MemorySyncs) History(ctx context.Context, limit int) ([]*domain.SyncJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.SyncJob
	for i := len(s.history) - 1; i >= 0; i-- {
		out = append(out, s.history[i].Clone())
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemorySyncs) State(ctx context.Context) (*domain.SyncState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state := s.state
	return &state, nil
}

func (s *MemorySyncs) SetState(ctx context.Context, state *domain.SyncState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = *state
	return nil
}

var (
	_ domain.EscalationStore = (*MemoryEscalations)(nil)
	_ domain.SyncStore       = (*MemorySyncs)(nil)
)
