package task

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/opensource-finance/loanwatch/internal/domain"
)

// Registry dispatches task contexts to the unit registered for their type.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]domain.Task
}

// NewRegistry creates a registry holding the given units.
func NewRegistry(tasks ...domain.Task) *Registry {
	r := &Registry{tasks: make(map[string]domain.Task)}
	for _, t := range tasks {
		r.Register(t)
	}
	return r
}

// Register adds or replaces a unit.
func (r *Registry) Register(t domain.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[t.Type()] = t
}

// Get returns the unit for a task type.
func (r *Registry) Get(taskType string) (domain.Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[taskType]
	return t, ok
}

// Types lists registered task types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.tasks))
	for k := range r.tasks {
		types = append(types, k)
	}
	slices.Sort(types)
	return types
}

// Execute runs the unit named by tc.Task.Type. Unknown types yield a failed result.
func (r *Registry) Execute(ctx context.Context, tc *domain.TaskContext) *domain.TaskResult {
	if tc == nil {
		tc = &domain.TaskContext{}
	}
	t, ok := r.Get(tc.Task.Type)
	if !ok {
		return domain.Failed(tc.Task, tc.Task.Type, fmt.Errorf("%w: %q", ErrUnknownTask, tc.Task.Type))
	}
	return t.Execute(ctx, tc)
}
