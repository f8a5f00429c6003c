package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/custodia-labs/calsynch/internal/core/domain"
	"github.com/custodia-labs/calsynch/internal/core/ports/driven/mocks"
	"github.com/custodia-labs/calsynch/internal/core/services"
)

// noopScheduler discards reschedules so only explicit notifications run.
type noopScheduler struct{}

func (noopScheduler) Schedule(string, time.Duration) {}
func (noopScheduler) Cancel(string)                  {}

type dispatcherFixture struct {
	queue      *mocks.MockNotificationQueue
	store      *mocks.MockSubscriptionStore
	lock       *mocks.MockDistributedLock
	pool       *services.SynchlingPool
	calA       *mocks.MockCalendar
	calB       *mocks.MockCalendar
	sub        *domain.Subscription
	dispatcher *Dispatcher
}

func newDispatcherFixture(t *testing.T, configure ...func(*DispatcherConfig)) *dispatcherFixture {
	t.Helper()

	connA := mocks.NewMockConnector("alpha")
	connB := mocks.NewMockConnector("beta")
	f := &dispatcherFixture{
		queue: mocks.NewMockNotificationQueue(),
		store: mocks.NewMockSubscriptionStore(),
		lock:  mocks.NewMockDistributedLock(),
		calA:  connA.Calendar("cal-a"),
		calB:  connB.Calendar("cal-b"),
	}
	registry := mocks.NewMockConnectorRegistry(connA, connB)

	f.pool = services.NewSynchlingPool(services.SynchlingPoolConfig{
		Size:    2,
		Timeout: 50 * time.Millisecond,
		Factory: func(id int) *services.Synchling {
			return services.NewSynchling(id, services.SynchlingConfig{
				Store:      f.store,
				Connectors: registry,
				Scheduler:  noopScheduler{},
			})
		},
	})

	f.sub = domain.NewSubscription(
		domain.End{ConnectorID: "alpha", URI: "cal-a"},
		domain.End{ConnectorID: "beta", URI: "cal-b"},
		domain.DirectionAToB, domain.EndNone, domain.Options{},
	)
	f.store.Put(f.sub)

	cfg := DispatcherConfig{
		Queue:          f.queue,
		Pool:           f.pool,
		Store:          f.store,
		Lock:           f.lock,
		TakeTimeout:    10 * time.Millisecond,
		BusyDelay:      10 * time.Millisecond,
		BackoffInitial: 5 * time.Millisecond,
		BackoffMax:     10 * time.Millisecond,
	}
	for _, fn := range configure {
		fn(&cfg)
	}
	f.dispatcher = NewDispatcher(cfg)
	return f
}

func (f *dispatcherFixture) start(t *testing.T) {
	t.Helper()
	if err := f.dispatcher.Start(context.Background()); err != nil {
		t.Fatalf("failed to start dispatcher: %v", err)
	}
	t.Cleanup(func() {
		f.dispatcher.Stop()
		f.dispatcher.WaitInflight()
	})
}

func (f *dispatcherFixture) offer(t *testing.T, note *domain.Notification) {
	t.Helper()
	if err := f.queue.Offer(context.Background(), note, time.Second); err != nil {
		t.Fatalf("offer: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNewDispatcher_Defaults(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{})

	if d.takeTimeout != time.Second {
		t.Errorf("expected take timeout 1s, got %v", d.takeTimeout)
	}
	if d.maxAttempts != 5 {
		t.Errorf("expected max attempts 5, got %d", d.maxAttempts)
	}
	if d.lockTTL != 10*time.Minute {
		t.Errorf("expected lock ttl 10m, got %v", d.lockTTL)
	}
	if d.logger == nil {
		t.Error("expected default logger")
	}
}

func TestDispatcher_StartStop(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx := context.Background()

	if err := f.dispatcher.Start(ctx); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	if !f.dispatcher.Health(ctx).Running {
		t.Error("expected dispatcher to be running")
	}
	// Start again should be no-op
	if err := f.dispatcher.Start(ctx); err != nil {
		t.Errorf("second start: %v", err)
	}

	f.dispatcher.Stop()
	if f.dispatcher.Health(ctx).Running {
		t.Error("expected dispatcher to be stopped")
	}
	// Stop again should be no-op
	f.dispatcher.Stop()
}

func TestDispatcher_ContextCancellation(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	if err := f.dispatcher.Start(ctx); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	cancel()

	done := make(chan struct{})
	go func() {
		f.dispatcher.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not exit after cancellation")
	}
}

func TestDispatcher_ProcessesNotification(t *testing.T) {
	f := newDispatcherFixture(t)
	f.calA.Put(&domain.Item{UID: "u1", Properties: []domain.Property{{Name: "SUMMARY", Value: "hello"}}})
	f.start(t)

	f.offer(t, domain.FullSynchNotification(f.sub.ID))

	waitFor(t, "item to reach end B", func() bool { return f.calB.Item("u1") != nil })
	waitFor(t, "worker to return", func() bool { return f.pool.Active() == 0 })

	stats := f.dispatcher.Stats()
	if stats.Received != 1 || stats.Processed != 1 || stats.Failed != 0 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if f.lock.IsHeld("subscription:" + f.sub.ID) {
		t.Error("expected subscription lock to be released")
	}
	if got := f.lock.Attempts(); len(got) != 1 || got[0] != "subscription:"+f.sub.ID {
		t.Errorf("unexpected lock attempts: %v", got)
	}
}

func TestDispatcher_DropsDeletedSubscription(t *testing.T) {
	f := newDispatcherFixture(t)
	f.start(t)

	f.offer(t, domain.FullSynchNotification("gone"))

	waitFor(t, "drop", func() bool { return f.dispatcher.Stats().Dropped == 1 })
	if n := f.dispatcher.Stats().Processed; n != 0 {
		t.Errorf("expected nothing processed, got %d", n)
	}
	if len(f.lock.Attempts()) != 0 {
		t.Error("dropped notification must not take the lock")
	}
}

func TestDispatcher_DropsSubscriptionMarkedDeleted(t *testing.T) {
	f := newDispatcherFixture(t)
	f.sub.Deleted = true
	f.store.Put(f.sub)
	f.start(t)

	f.offer(t, domain.FullSynchNotification(f.sub.ID))

	waitFor(t, "drop", func() bool { return f.dispatcher.Stats().Dropped == 1 })
}

func TestDispatcher_NewSubscriptionNotStoredYet(t *testing.T) {
	f := newDispatcherFixture(t)
	f.start(t)

	sub := domain.NewSubscription(
		domain.End{ConnectorID: "alpha", URI: "cal-x"},
		domain.End{ConnectorID: "beta", URI: "cal-y"},
		domain.DirectionBoth, domain.EndNone, domain.Options{},
	)
	f.offer(t, domain.NewSubscriptionNotification(sub))

	waitFor(t, "subscription to be stored", func() bool { return f.store.Has(sub.ID) })
}

func TestDispatcher_BusySubscriptionRequeued(t *testing.T) {
	f := newDispatcherFixture(t)
	lockName := "subscription:" + f.sub.ID
	f.lock.Hold(lockName, time.Hour)
	f.calA.Put(&domain.Item{UID: "u1"})
	f.start(t)

	note := domain.FullSynchNotification(f.sub.ID)
	f.offer(t, note)

	waitFor(t, "lock contention", func() bool { return f.lock.BusyCount() >= 2 })
	if n := f.dispatcher.Stats().Processed; n != 0 {
		t.Errorf("expected no pass while locked, got %d", n)
	}

	if err := f.lock.Release(context.Background(), lockName); err != nil {
		t.Fatalf("release: %v", err)
	}
	waitFor(t, "pass after release", func() bool { return f.calB.Item("u1") != nil })
	if note.Attempts != 0 {
		t.Errorf("busy requeues must not consume attempts, got %d", note.Attempts)
	}
}

func TestDispatcher_WarningRetriedThenExhausted(t *testing.T) {
	f := newDispatcherFixture(t, func(c *DispatcherConfig) { c.MaxAttempts = 2 })
	f.calA.Put(&domain.Item{UID: "u1"})
	f.calB.AddItemFn = func(*domain.Item) error { return fmt.Errorf("add: %w", domain.ErrTimeout) }
	f.start(t)

	f.offer(t, domain.FullSynchNotification(f.sub.ID))

	waitFor(t, "terminal failure", func() bool { return f.dispatcher.Stats().Failed == 1 })
	waitFor(t, "worker to return", func() bool { return f.pool.Active() == 0 })

	stats := f.dispatcher.Stats()
	if stats.Processed != 3 {
		t.Errorf("expected 1 pass plus 2 retries, got %d", stats.Processed)
	}
	if stats.Requeued != 2 {
		t.Errorf("expected 2 requeues, got %d", stats.Requeued)
	}

	sub, err := f.store.Get(context.Background(), f.sub.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	// one count per failed pass, none for exhaustion itself
	if sub.ErrorCount != 3 {
		t.Errorf("expected error count 3, got %d", sub.ErrorCount)
	}
}

func TestDispatcher_ErrorNotRetried(t *testing.T) {
	f := newDispatcherFixture(t)
	f.calB.Missing = true
	f.start(t)

	f.offer(t, domain.FullSynchNotification(f.sub.ID))

	waitFor(t, "failure", func() bool { return f.dispatcher.Stats().Failed == 1 })
	time.Sleep(30 * time.Millisecond)
	if n := f.dispatcher.Stats().Requeued; n != 0 {
		t.Errorf("ERROR results must not be requeued, got %d", n)
	}
}

func TestDispatcher_RecoversFromPanic(t *testing.T) {
	f := newDispatcherFixture(t)
	f.store.GetFn = func(id string) (*domain.Subscription, error) {
		if id == "boom" {
			panic("store exploded")
		}
		return f.sub.Clone(), nil
	}
	f.calA.Put(&domain.Item{UID: "u1"})
	f.start(t)

	f.offer(t, domain.FullSynchNotification("boom"))
	f.offer(t, domain.FullSynchNotification(f.sub.ID))

	waitFor(t, "loop to survive the panic", func() bool { return f.calB.Item("u1") != nil })
	if n := f.dispatcher.Stats().Failed; n != 1 {
		t.Errorf("expected 1 failure, got %d", n)
	}
}

func TestDispatcher_LockErrorRequeues(t *testing.T) {
	f := newDispatcherFixture(t)
	calls := 0
	f.lock.AcquireFn = func(string, time.Duration) (bool, error) {
		calls++
		if calls == 1 {
			return false, errors.New("redis down")
		}
		return true, nil
	}
	f.calA.Put(&domain.Item{UID: "u1"})
	f.start(t)

	f.offer(t, domain.FullSynchNotification(f.sub.ID))

	waitFor(t, "pass after lock recovery", func() bool { return f.calB.Item("u1") != nil })
}

func TestDispatcher_ExtendsLockDuringLongPass(t *testing.T) {
	f := newDispatcherFixture(t, func(c *DispatcherConfig) { c.LockTTL = 20 * time.Millisecond })
	f.calA.GetItemsInfoFn = func() ([]domain.ItemInfo, error) {
		time.Sleep(80 * time.Millisecond)
		return nil, nil
	}
	f.start(t)

	f.offer(t, domain.FullSynchNotification(f.sub.ID))
	waitFor(t, "processed", func() bool { return f.dispatcher.Stats().Processed == 1 })

	if n := f.lock.ExtendCount(); n < 2 {
		t.Errorf("expected the lock to be extended during the pass, got %d extends", n)
	}
	waitFor(t, "lock release", func() bool { return !f.lock.IsHeld("subscription:" + f.sub.ID) })

	extends := f.lock.ExtendCount()
	time.Sleep(40 * time.Millisecond)
	if n := f.lock.ExtendCount(); n != extends {
		t.Errorf("keepalive must stop with the pass, extends went from %d to %d", extends, n)
	}
}

func TestDispatcher_NextBackOff(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{
		MaxAttempts:    3,
		BackoffInitial: 100 * time.Millisecond,
		BackoffMax:     time.Second,
		Logger:         slog.Default(),
	})

	first := d.nextBackOff(0)
	if first < 50*time.Millisecond || first > 150*time.Millisecond {
		t.Errorf("first delay out of range: %v", first)
	}
	for attempts := 0; attempts < 3; attempts++ {
		if d.nextBackOff(attempts) == backoff.Stop {
			t.Errorf("attempt %d should still be allowed", attempts+1)
		}
	}
	if d.nextBackOff(3) != backoff.Stop {
		t.Error("expected retries to be exhausted after 3 attempts")
	}
	if got := d.nextBackOff(2); got > time.Second {
		t.Errorf("delay exceeds cap: %v", got)
	}
}

func TestDispatcher_Health_QueueError(t *testing.T) {
	f := newDispatcherFixture(t)
	queue := &failingPingQueue{MockNotificationQueue: f.queue}
	d := NewDispatcher(DispatcherConfig{Queue: queue, Pool: f.pool, Store: f.store, Lock: f.lock})

	health := d.Health(context.Background())
	if health.QueueHealth {
		t.Error("expected queue to be unhealthy")
	}
	if !health.LockHealth {
		t.Error("expected lock to be healthy")
	}
	if health.Error == "" {
		t.Error("expected error message")
	}
}

type failingPingQueue struct {
	*mocks.MockNotificationQueue
}

func (q *failingPingQueue) Ping(context.Context) error {
	return errors.New("connection refused")
}
