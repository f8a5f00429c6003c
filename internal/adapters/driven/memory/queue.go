package memory

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/custodia-labs/calsynch/internal/core/domain"
	"github.com/custodia-labs/calsynch/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.NotificationQueue = (*NotificationQueue)(nil)

// ErrQueueClosed is returned by Offer after Close.
var ErrQueueClosed = errors.New("notification queue closed")

// NotificationQueue is a bounded in-process queue backed by a buffered channel.
type NotificationQueue struct {
	ch     chan *domain.Notification
	closed atomic.Bool
}

// NewNotificationQueue creates a queue holding at most size notifications.
func NewNotificationQueue(size int) *NotificationQueue {
	if size <= 0 {
		size = 100
	}
	return &NotificationQueue{ch: make(chan *domain.Notification, size)}
}

// Offer adds a notification, waiting up to timeout for room.
func (q *NotificationQueue) Offer(ctx context.Context, note *domain.Notification, timeout time.Duration) error {
	if q.closed.Load() {
		return ErrQueueClosed
	}

	select {
	case q.ch <- note:
		return nil
	default:
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case q.ch <- note:
		return nil
	case <-t.C:
		return domain.ErrQueueFull
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Take removes the next notification, waiting up to timeout.
func (q *NotificationQueue) Take(ctx context.Context, timeout time.Duration) (*domain.Notification, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case note := <-q.ch:
		return note, nil
	case <-t.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len returns the number of queued notifications.
func (q *NotificationQueue) Len(ctx context.Context) (int64, error) {
	return int64(len(q.ch)), nil
}

// Ping always succeeds.
func (q *NotificationQueue) Ping(ctx context.Context) error {
	if q.closed.Load() {
		return ErrQueueClosed
	}
	return nil
}

// Close stops accepting notifications. Queued ones can still be taken.
func (q *NotificationQueue) Close() error {
	q.closed.Store(true)
	return nil
}
