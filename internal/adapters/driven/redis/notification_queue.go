package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/custodia-labs/calsynch/internal/core/domain"
	"github.com/custodia-labs/calsynch/internal/core/ports/driven"
)

const (
	// List holding queued notifications; LPUSH in, BRPOP out
	notificationList = "calsynch:notifications"

	// How often a blocked Offer re-checks for room
	offerPollInterval = 50 * time.Millisecond
)

// Verify interface compliance
var _ driven.NotificationQueue = (*NotificationQueue)(nil)

// offerScript pushes only while the list is below capacity.
var offerScript = redis.NewScript(`
	if redis.call("llen", KEYS[1]) >= tonumber(ARGV[2]) then
		return 0
	end
	redis.call("lpush", KEYS[1], ARGV[1])
	return 1
`)

// NotificationQueue implements NotificationQueue on a Redis list so several
// engine instances can share one bounded queue.
type NotificationQueue struct {
	client   *redis.Client
	key      string
	capacity int
}

// NewNotificationQueue creates a Redis-backed queue holding at most capacity notifications.
func NewNotificationQueue(client *redis.Client, capacity int) (*NotificationQueue, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if capacity <= 0 {
		capacity = 100
	}
	return &NotificationQueue{
		client:   client,
		key:      notificationList,
		capacity: capacity,
	}, nil
}

// Offer adds a notification, polling for room until timeout.
func (q *NotificationQueue) Offer(ctx context.Context, note *domain.Notification, timeout time.Duration) error {
	if note == nil {
		return errors.New("notification is required")
	}
	data, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	deadline := time.Now().Add(timeout)
	for {
		pushed, err := offerScript.Run(ctx, q.client, []string{q.key}, data, q.capacity).Int()
		if err != nil {
			return fmt.Errorf("failed to offer notification: %w", err)
		}
		if pushed == 1 {
			return nil
		}
		if !time.Now().Before(deadline) {
			return domain.ErrQueueFull
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(min(offerPollInterval, time.Until(deadline))):
		}
	}
}

// Take pops the oldest notification, blocking up to timeout.
// Redis rounds sub-second timeouts up to one second.
func (q *NotificationQueue) Take(ctx context.Context, timeout time.Duration) (*domain.Notification, error) {
	res, err := q.client.BRPop(ctx, timeout, q.key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to take notification: %w", err)
	}

	// res is [key, value]
	var note domain.Notification
	if err := json.Unmarshal([]byte(res[1]), &note); err != nil {
		return nil, fmt.Errorf("failed to unmarshal notification: %w", err)
	}
	return &note, nil
}

// Len returns the number of queued notifications.
func (q *NotificationQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}

// Ping checks if Redis is healthy.
func (q *NotificationQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Close cleans up resources.
func (q *NotificationQueue) Close() error {
	// Redis client is shared, don't close it here
	return nil
}
