package memory

import (
	"context"
	"testing"
	"time"
)

func TestLock_AcquireRelease(t *testing.T) {
	lock := NewLock()
	ctx := context.Background()

	acquired, err := lock.Acquire(ctx, "subscription:1", time.Minute)
	if err != nil || !acquired {
		t.Fatalf("expected to acquire, got %v %v", acquired, err)
	}

	acquired, _ = lock.Acquire(ctx, "subscription:1", time.Minute)
	if acquired {
		t.Error("expected second acquire to fail while held")
	}

	if err := lock.Release(ctx, "subscription:1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	acquired, _ = lock.Acquire(ctx, "subscription:1", time.Minute)
	if !acquired {
		t.Error("expected acquire after release")
	}
}

func TestLock_Expiry(t *testing.T) {
	lock := NewLock()
	now := time.Now()
	lock.clock = func() time.Time { return now }
	ctx := context.Background()

	if ok, _ := lock.Acquire(ctx, "x", time.Second); !ok {
		t.Fatal("expected to acquire")
	}

	now = now.Add(2 * time.Second)
	if err := lock.Extend(ctx, "x", time.Second); err == nil {
		t.Error("expected extend of an expired lock to fail")
	}
	if ok, _ := lock.Acquire(ctx, "x", time.Second); !ok {
		t.Error("expected expired lock to be acquirable")
	}
	if err := lock.Extend(ctx, "x", time.Minute); err != nil {
		t.Errorf("extend: %v", err)
	}
}

func TestLock_ReleaseNotHeld(t *testing.T) {
	if err := NewLock().Release(context.Background(), "nothing"); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
}
