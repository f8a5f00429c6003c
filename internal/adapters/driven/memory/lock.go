package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/custodia-labs/calsynch/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.DistributedLock = (*Lock)(nil)

// Lock implements DistributedLock inside one process.
// Locks expire after their TTL like the Redis implementation.
type Lock struct {
	mu    sync.Mutex
	held  map[string]time.Time
	clock func() time.Time
}

// NewLock creates an in-process lock table.
func NewLock() *Lock {
	return &Lock{
		held:  make(map[string]time.Time),
		clock: time.Now,
	}
}

// Acquire takes the named lock unless an unexpired holder exists.
func (l *Lock) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if exp, ok := l.held[name]; ok && now.Before(exp) {
		return false, nil
	}
	l.held[name] = now.Add(ttl)
	return true, nil
}

// Release drops the named lock. Safe if not held.
func (l *Lock) Release(ctx context.Context, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, name)
	return nil
}

// Extend pushes out the expiry of a held lock.
func (l *Lock) Extend(ctx context.Context, name string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	exp, ok := l.held[name]
	if !ok || !now.Before(exp) {
		return fmt.Errorf("lock %s not held", name)
	}
	l.held[name] = now.Add(ttl)
	return nil
}

// Ping always succeeds.
func (l *Lock) Ping(ctx context.Context) error {
	return nil
}
