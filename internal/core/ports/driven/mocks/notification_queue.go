package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/custodia-labs/calsynch/internal/core/domain"
	"github.com/custodia-labs/calsynch/internal/core/ports/driven"
)

// MockNotificationQueue is an unbounded in-memory NotificationQueue that records offers.
type MockNotificationQueue struct {
	mu      sync.Mutex
	notes   chan *domain.Notification
	offered []*domain.Notification

	// Custom behavior hooks (optional)
	OfferFn func(note *domain.Notification) error
	TakeFn  func() (*domain.Notification, error)
}

// Verify interface compliance
var _ driven.NotificationQueue = (*MockNotificationQueue)(nil)

// NewMockNotificationQueue creates a queue holding up to 1024 notifications.
func NewMockNotificationQueue() *MockNotificationQueue {
	return &MockNotificationQueue{notes: make(chan *domain.Notification, 1024)}
}

func (m *MockNotificationQueue) Offer(ctx context.Context, note *domain.Notification, timeout time.Duration) error {
	if m.OfferFn != nil {
		if err := m.OfferFn(note); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.offered = append(m.offered, note)
	m.mu.Unlock()
	select {
	case m.notes <- note:
		return nil
	default:
		return domain.ErrQueueFull
	}
}

func (m *MockNotificationQueue) Take(ctx context.Context, timeout time.Duration) (*domain.Notification, error) {
	if m.TakeFn != nil {
		return m.TakeFn()
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case note := <-m.notes:
		return note, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *MockNotificationQueue) Len(ctx context.Context) (int64, error) {
	return int64(len(m.notes)), nil
}

func (m *MockNotificationQueue) Ping(ctx context.Context) error {
	return nil
}

func (m *MockNotificationQueue) Close() error {
	return nil
}

// Offered returns every notification passed to Offer, in order.
func (m *MockNotificationQueue) Offered() []*domain.Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.Notification, len(m.offered))
	copy(out, m.offered)
	return out
}

// WaitOffered blocks until at least n notifications were offered or timeout expires.
func (m *MockNotificationQueue) WaitOffered(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		m.mu.Lock()
		got := len(m.offered)
		m.mu.Unlock()
		if got >= n {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}
