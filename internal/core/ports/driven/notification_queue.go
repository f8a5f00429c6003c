package driven

import (
	"context"
	"time"

	"github.com/custodia-labs/calsynch/internal/core/domain"
)

// NotificationQueue is the bounded queue between notification producers and the dispatcher.
// Implementations can use an in-process channel or Redis.
type NotificationQueue interface {
	// Offer adds a notification, waiting up to timeout for room.
	// Returns domain.ErrQueueFull if the queue stayed full.
	Offer(ctx context.Context, note *domain.Notification, timeout time.Duration) error

	// Take removes the next notification, waiting up to timeout.
	// Returns nil, nil if timeout is reached with nothing queued.
	Take(ctx context.Context, timeout time.Duration) (*domain.Notification, error)

	// Len returns the number of queued notifications.
	Len(ctx context.Context) (int64, error)

	// Ping checks if the queue backend is healthy.
	Ping(ctx context.Context) error

	// Close cleans up resources.
	Close() error
}
