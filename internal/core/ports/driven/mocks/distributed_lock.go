package mocks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/custodia-labs/calsynch/internal/core/ports/driven"
)

// MockDistributedLock is a mock implementation of DistributedLock for testing.
// It keeps lock state in memory, records every acquisition attempt and
// supports custom behavior injection.
type MockDistributedLock struct {
	mu      sync.Mutex
	held    map[string]time.Time
	history []string
	busy    int
	extends int

	// Custom behavior hooks (optional)
	AcquireFn func(name string, ttl time.Duration) (bool, error)
	ReleaseFn func(name string) error
	ExtendFn  func(name string, ttl time.Duration) error
}

// Verify interface compliance
var _ driven.DistributedLock = (*MockDistributedLock)(nil)

// NewMockDistributedLock creates a new mock distributed lock.
func NewMockDistributedLock() *MockDistributedLock {
	return &MockDistributedLock{held: make(map[string]time.Time)}
}

// Acquire takes the named lock unless it is held and not yet expired.
func (m *MockDistributedLock) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	if m.AcquireFn != nil {
		return m.AcquireFn(name, ttl)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.history = append(m.history, name)
	if expiry, ok := m.held[name]; ok && time.Now().Before(expiry) {
		m.busy++
		return false, nil
	}
	m.held[name] = time.Now().Add(ttl)
	return true, nil
}

// Release drops the named lock.
func (m *MockDistributedLock) Release(ctx context.Context, name string) error {
	if m.ReleaseFn != nil {
		return m.ReleaseFn(name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.held, name)
	return nil
}

// Extend pushes the expiry of a held lock.
func (m *MockDistributedLock) Extend(ctx context.Context, name string, ttl time.Duration) error {
	m.mu.Lock()
	m.extends++
	m.mu.Unlock()
	if m.ExtendFn != nil {
		return m.ExtendFn(name, ttl)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	expiry, ok := m.held[name]
	if !ok || time.Now().After(expiry) {
		return fmt.Errorf("lock %s not held", name)
	}
	m.held[name] = time.Now().Add(ttl)
	return nil
}

func (m *MockDistributedLock) Ping(ctx context.Context) error {
	return nil
}

// IsHeld checks if a lock is currently held (for test assertions).
func (m *MockDistributedLock) IsHeld(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	expiry, ok := m.held[name]
	return ok && time.Now().Before(expiry)
}

// Hold forces a lock to be held (for test setup).
func (m *MockDistributedLock) Hold(name string, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.held[name] = time.Now().Add(ttl)
}

// BusyCount returns how many acquisitions found the lock already held.
func (m *MockDistributedLock) BusyCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.busy
}

// Attempts returns the names passed to Acquire, in order.
func (m *MockDistributedLock) Attempts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.history))
	copy(out, m.history)
	return out
}

// ExtendCount returns how many times Extend was called.
func (m *MockDistributedLock) ExtendCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.extends
}
