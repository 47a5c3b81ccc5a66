package domain

import "context"

// EscalationStore holds active escalations and their bounded history.
// Implementations return copies so callers cannot mutate stored records.
type EscalationStore interface {
	Put(ctx context.Context, e *Escalation) error

	// Get returns ErrEscalationNotFound for unknown ids. It looks in the
	// active set first, then in history.
	Get(ctx context.Context, id string) (*Escalation, error)

	Remove(ctx context.Context, id string) error
	ListActive(ctx context.Context) ([]*Escalation, error)

	// AppendHistory records e in history, replacing an earlier entry with the
	// same id in place.
	AppendHistory(ctx context.Context, e *Escalation) error

	// History returns matching entries, most recent first.
	History(ctx context.Context, filter EscalationFilter) ([]*Escalation, error)
}

// SyncStore holds running jobs, bounded history and last-run state.
type SyncStore interface {
	PutActive(ctx context.Context, job *SyncJob) error
	GetActive(ctx context.Context, id string) (*SyncJob, error)
	RemoveActive(ctx context.Context, id string) error
	ListActive(ctx context.Context) ([]*SyncJob, error)

	// AppendHistory adds a finished job. When history exceeds maxEntries it is
	// trimmed to the most recent keep entries.
	AppendHistory(ctx context.Context, job *SyncJob, maxEntries, keep int) error

	// History returns up to limit finished jobs, most recent first.
	History(ctx context.Context, limit int) ([]*SyncJob, error)

	State(ctx context.Context) (*SyncState, error)
	SetState(ctx context.Context, state *SyncState) error
}
