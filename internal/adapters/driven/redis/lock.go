package redis

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/custodia-labs/calsynch/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.DistributedLock = (*Lock)(nil)

const lockPrefix = "calsynch:lock:"

// errLockNotHeld is returned by Extend when another owner holds the lock or it expired.
var errLockNotHeld = errors.New("lock not held by this instance")

// Lock implements DistributedLock with SET NX PX. Engine instances sharing
// one Redis never run two passes of the same subscription at once.
type Lock struct {
	client  *redis.Client
	ownerID string
}

// NewLock creates a Redis-backed lock. instanceID prefixes the owner value
// stored in each key; hostname:pid is used when it is empty.
func NewLock(client *redis.Client, instanceID string) *Lock {
	if instanceID == "" {
		hostname, _ := os.Hostname()
		instanceID = fmt.Sprintf("%s:%d", hostname, os.Getpid())
	}
	suffix := make([]byte, 8)
	_, _ = rand.Read(suffix)

	return &Lock{
		client:  client,
		ownerID: instanceID + ":" + hex.EncodeToString(suffix),
	}
}

// Acquire sets the key only if absent. false means another owner holds it.
func (l *Lock) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, lockPrefix+name, l.ownerID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	return ok, nil
}

// ownerOnly scripts act on KEYS[1] only when it still holds ARGV[1].
var (
	releaseScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) ~= ARGV[1] then
			return 0
		end
		return redis.call("del", KEYS[1])
	`)

	extendScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) ~= ARGV[1] then
			return 0
		end
		return redis.call("pexpire", KEYS[1], ARGV[2])
	`)
)

// Release deletes the key if this instance owns it. Safe when not held.
func (l *Lock) Release(ctx context.Context, name string) error {
	err := releaseScript.Run(ctx, l.client, []string{lockPrefix + name}, l.ownerID).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lock %s: %w", name, err)
	}
	return nil
}

// Extend resets the TTL of a lock this instance owns.
func (l *Lock) Extend(ctx context.Context, name string, ttl time.Duration) error {
	n, err := extendScript.Run(ctx, l.client, []string{lockPrefix + name}, l.ownerID, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("extend lock %s: %w", name, err)
	}
	if n == 0 {
		return fmt.Errorf("extend lock %s: %w", name, errLockNotHeld)
	}
	return nil
}

// Ping checks if the Redis backend is healthy.
func (l *Lock) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// OwnerID returns the value this instance writes into lock keys.
func (l *Lock) OwnerID() string {
	return l.ownerID
}
