package datasync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/jonboulle/clockwork"
	"github.com/opensource-finance/loanwatch/internal/domain"
	"github.com/redis/go-redis/v9"
)

// ErrLocked is returned when another run holds the job's lock.
var ErrLocked = domain.ErrSyncLocked

// ErrLockLost is returned when a held lock expired or was taken over.
var ErrLockLost = errors.New("sync lock lost")

// Lock is a held lock.
type Lock interface {
	// Refresh extends the lock by ttl from now.
	Refresh(ctx context.Context, ttl time.Duration) error
	Release(ctx context.Context) error
}

// Locker guards a (source, target, data type) triple against concurrent runs.
type Locker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration) (Lock, error)
}

// LocalLocker serializes runs inside one process.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewLocalLocker creates an in-process locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]bool)}
}

// Obtain fails fast with ErrLocked. Local locks never expire.
func (l *LocalLocker) Obtain(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, fmt.Errorf("%w: %s", ErrLocked, key)
	}
	l.held[key] = true
	return &localLock{locker: l, key: key}, nil
}

type localLock struct {
	locker *LocalLocker
	key    string
}

func (l *localLock) Refresh(ctx context.Context, ttl time.Duration) error {
	l.locker.mu.Lock()
	defer l.locker.mu.Unlock()
	if !l.locker.held[l.key] {
		return fmt.Errorf("%w: %s", ErrLockLost, l.key)
	}
	return nil
}

func (l *localLock) Release(ctx context.Context) error {
	l.locker.mu.Lock()
	defer l.locker.mu.Unlock()
	delete(l.locker.held, l.key)
	return nil
}

// RedisLocker holds locks in Redis so that runs on different nodes exclude
// each other.
type RedisLocker struct {
	client *redislock.Client
	prefix string
}

// NewRedisLocker creates a distributed locker on rdb.
func NewRedisLocker(rdb *redis.Client) *RedisLocker {
	return &RedisLocker{client: redislock.New(rdb), prefix: "loanwatch:sync:lock:"}
}

// Obtain takes the lock for ttl without retrying.
func (l *RedisLocker) Obtain(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	lock, err := l.client.Obtain(ctx, l.prefix+key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, fmt.Errorf("%w: %s", ErrLocked, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to obtain sync lock: %w", err)
	}
	return &redisLock{lock: lock, key: key}, nil
}

type redisLock struct {
	lock *redislock.Lock
	key  string
}

func (l *redisLock) Refresh(ctx context.Context, ttl time.Duration) error {
	err := l.lock.Refresh(ctx, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return fmt.Errorf("%w: %s", ErrLockLost, l.key)
	}
	return err
}

func (l *redisLock) Release(ctx context.Context) error {
	err := l.lock.Release(ctx)
	if errors.Is(err, redislock.ErrLockNotHeld) {
		return nil
	}
	return err
}

// lease keeps a lock alive for the length of a run. keep refreshes once a
// third of the ttl has passed since the last refresh.
type lease struct {
	lock  Lock
	ttl   time.Duration
	clock clockwork.Clock
	last  time.Time
}

func newLease(lock Lock, ttl time.Duration, clock clockwork.Clock) *lease {
	return &lease{lock: lock, ttl: ttl, clock: clock, last: clock.Now()}
}

func (l *lease) keep(ctx context.Context) error {
	if l.clock.Since(l.last) < l.ttl/3 {
		return nil
	}
	if err := l.lock.Refresh(ctx, l.ttl); err != nil {
		if errors.Is(err, ErrLockLost) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrLockLost, err)
	}
	l.last = l.clock.Now()
	return nil
}
