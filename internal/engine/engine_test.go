package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/calsynch/internal/adapters/driven/memory"
	"github.com/custodia-labs/calsynch/internal/core/domain"
	"github.com/custodia-labs/calsynch/internal/core/ports/driven/mocks"
	"github.com/custodia-labs/calsynch/internal/core/ports/driving"
)

type engineFixture struct {
	engine *Engine
	store  *memory.SubscriptionStore
	queue  *memory.NotificationQueue
	alpha  *mocks.MockConnector
	beta   *mocks.MockConnector
	calA   *mocks.MockCalendar
	calB   *mocks.MockCalendar
}

func newEngineFixture(t *testing.T, configure ...func(*Config)) *engineFixture {
	t.Helper()

	f := &engineFixture{
		store: memory.NewSubscriptionStore(),
		queue: memory.NewNotificationQueue(16),
		alpha: mocks.NewMockConnector("alpha"),
		beta:  mocks.NewMockConnector("beta"),
	}
	f.calA = f.alpha.Calendar("cal-a")
	f.calB = f.beta.Calendar("cal-b")

	cfg := Config{
		Store:           f.store,
		Queue:           f.queue,
		Lock:            memory.NewLock(),
		Connectors:      mocks.NewMockConnectorRegistry(f.alpha, f.beta),
		CallbackBaseURI: "http://localhost:8080/api/v1/callbacks/",
		PoolSize:        2,
		PoolTimeout:     100 * time.Millisecond,
		TakeTimeout:     10 * time.Millisecond,
		StopTimeout:     time.Second,
		RefreshDelay:    time.Hour,
		BackoffInitial:  5 * time.Millisecond,
		BackoffMax:      10 * time.Millisecond,
	}
	for _, fn := range configure {
		fn(&cfg)
	}
	f.engine = New(cfg)
	return f
}

func (f *engineFixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.engine.Start(context.Background()))
	t.Cleanup(func() { _ = f.engine.Stop(context.Background()) })
}

func (f *engineFixture) storeSub(t *testing.T, direction domain.Direction) *domain.Subscription {
	t.Helper()
	sub := domain.NewSubscription(
		domain.End{ConnectorID: "alpha", URI: "cal-a"},
		domain.End{ConnectorID: "beta", URI: "cal-b"},
		direction, domain.EndNone, domain.Options{},
	)
	require.NoError(t, f.store.Add(context.Background(), sub))
	return sub
}

func subscribeRequest() driving.SubscribeRequest {
	return driving.SubscribeRequest{
		EndA:      domain.End{ConnectorID: "alpha", URI: "cal-a"},
		EndB:      domain.End{ConnectorID: "beta", URI: "cal-b"},
		Direction: domain.DirectionBoth,
	}
}

func event(uid, summary string) *domain.Item {
	return &domain.Item{UID: uid, Properties: []domain.Property{{Name: "SUMMARY", Value: summary}}}
}

func TestEngine_StartSynchsStoredSubscriptions(t *testing.T) {
	f := newEngineFixture(t)
	f.storeSub(t, domain.DirectionAToB)
	f.calA.Put(event("u1", "standup"))

	f.start(t)
	assert.Equal(t, domain.EngineRunning, f.engine.State())
	assert.True(t, f.alpha.Started)
	assert.True(t, f.beta.Started)

	assert.Eventually(t, func() bool { return len(f.calB.UIDs()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "standup", f.calB.Item("u1").Value("SUMMARY"))

	require.NoError(t, f.engine.Stop(context.Background()))
	assert.Equal(t, domain.EngineStopped, f.engine.State())
	assert.True(t, f.alpha.Stopped)
	assert.True(t, f.beta.Stopped)
}

func TestEngine_StartTwice(t *testing.T) {
	f := newEngineFixture(t)
	f.start(t)
	assert.Error(t, f.engine.Start(context.Background()))
}

func TestEngine_StartFailsWithoutQueue(t *testing.T) {
	f := newEngineFixture(t)
	require.NoError(t, f.queue.Close())

	err := f.engine.Start(context.Background())
	assert.ErrorIs(t, err, memory.ErrQueueClosed)
	assert.Equal(t, domain.EngineStopped, f.engine.State())
}

func TestEngine_ConnectorStartFailure(t *testing.T) {
	f := newEngineFixture(t)
	f.alpha.StartFn = func(domain.ConnectorConfig) error { return errors.New("bad credentials") }

	f.start(t)
	assert.Equal(t, domain.EngineRunning, f.engine.State())

	health := f.engine.Health(context.Background())
	assert.Contains(t, health.FailedConnectors, "alpha")
	assert.NotContains(t, health.FailedConnectors, "beta")
	assert.True(t, health.Ready())
}

func TestEngine_CallbackURI(t *testing.T) {
	f := newEngineFixture(t)
	assert.Equal(t, "http://localhost:8080/api/v1/callbacks/my%20conn", f.engine.callbackURI("my conn"))

	f.engine.cfg.CallbackBaseURI = ""
	assert.Empty(t, f.engine.callbackURI("alpha"))
}

func TestEngine_Subscribe(t *testing.T) {
	f := newEngineFixture(t)
	f.calA.Put(event("u1", "standup"))
	f.start(t)

	resp, err := f.engine.Subscribe(context.Background(), subscribeRequest())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOK, resp.Status)

	stored, err := f.engine.Get(context.Background(), resp.Subscription.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DirectionBoth, stored.Direction)
	assert.Equal(t, 1, f.calA.Calls("Subscribe"))
	assert.Equal(t, 1, f.calB.Calls("Subscribe"))

	assert.Eventually(t, func() bool { return len(f.calB.UIDs()) == 1 }, 2*time.Second, 10*time.Millisecond)

	_, err = f.engine.Subscribe(context.Background(), subscribeRequest())
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)
}

func TestEngine_SubscribeInvalid(t *testing.T) {
	f := newEngineFixture(t)
	f.start(t)

	req := subscribeRequest()
	req.Direction = "sideways"
	_, err := f.engine.Subscribe(context.Background(), req)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestEngine_SubscribeRejectedByEnd(t *testing.T) {
	f := newEngineFixture(t)
	f.calB.Missing = true
	f.start(t)

	_, err := f.engine.Subscribe(context.Background(), subscribeRequest())
	assert.ErrorIs(t, err, domain.ErrMissingTarget)

	subs, err := f.engine.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestEngine_RejectsWhenStopped(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	_, err := f.engine.Subscribe(ctx, subscribeRequest())
	assert.ErrorIs(t, err, domain.ErrStopping)
	assert.ErrorIs(t, f.engine.Unsubscribe(ctx, "sub-1"), domain.ErrStopping)
	assert.ErrorIs(t, f.engine.Refresh(ctx, "sub-1"), domain.ErrStopping)
	assert.ErrorIs(t, f.engine.Notify(ctx, domain.FullSynchNotification("sub-1")), domain.ErrStopping)
	_, err = f.engine.Status(ctx, "sub-1")
	assert.ErrorIs(t, err, domain.ErrStopping)

	assert.NoError(t, f.engine.Stop(ctx), "stopping a stopped engine is a no-op")
}

func TestEngine_BuffersWhileStarting(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	pending := f.storeSub(t, domain.DirectionBoth)
	f.engine.state = domain.EngineStarting

	resp, err := f.engine.Subscribe(ctx, driving.SubscribeRequest{
		EndA:      domain.End{ConnectorID: "alpha", URI: "cal-x"},
		EndB:      domain.End{ConnectorID: "beta", URI: "cal-y"},
		Direction: domain.DirectionAToB,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusWarning, resp.Status)

	require.NoError(t, f.engine.Unsubscribe(ctx, pending.ID))
	stored, err := f.store.Get(ctx, pending.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.PendingUnsubscribe, "unsubscribe intent must be persisted first")

	require.NoError(t, f.engine.drain(ctx))
	assert.Equal(t, domain.EngineRunning, f.engine.State())

	n, _ := f.queue.Len(ctx)
	require.Equal(t, int64(2), n)

	first, _ := f.queue.Take(ctx, time.Second)
	second, _ := f.queue.Take(ctx, time.Second)
	assert.True(t, first.Has(domain.ActionNewSubscription))
	assert.Equal(t, resp.Subscription.ID, first.SubscriptionID)
	assert.True(t, second.Has(domain.ActionUnsubscribe))
	assert.Equal(t, pending.ID, second.SubscriptionID)
}

func TestEngine_DrainEnqueuesPendingUnsubscribe(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	sub := f.storeSub(t, domain.DirectionBoth)
	at := time.Now().Add(-time.Hour)
	sub.PendingUnsubscribe = &at
	require.NoError(t, f.store.Update(ctx, sub))
	f.engine.state = domain.EngineStarting

	require.NoError(t, f.engine.drain(ctx))

	note, err := f.queue.Take(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, note)
	assert.True(t, note.Has(domain.ActionUnsubscribe))
}

func TestEngine_Unsubscribe(t *testing.T) {
	f := newEngineFixture(t)
	sub := f.storeSub(t, domain.DirectionBoth)
	f.start(t)

	require.NoError(t, f.engine.Unsubscribe(context.Background(), sub.ID))
	assert.Eventually(t, func() bool {
		_, err := f.store.Get(context.Background(), sub.ID)
		return errors.Is(err, domain.ErrNotFound)
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, f.calA.Calls("Unsubscribe"))
	assert.Equal(t, 1, f.calB.Calls("Unsubscribe"))

	assert.ErrorIs(t, f.engine.Unsubscribe(context.Background(), sub.ID), domain.ErrNotFound)
}

func TestEngine_Refresh(t *testing.T) {
	f := newEngineFixture(t)
	sub := f.storeSub(t, domain.DirectionBoth)
	f.start(t)

	require.NoError(t, f.engine.Refresh(context.Background(), sub.ID))
	assert.Eventually(t, func() bool { return f.calA.Calls("ForceRefresh") == 1 }, 2*time.Second, 10*time.Millisecond)

	assert.ErrorIs(t, f.engine.Refresh(context.Background(), "unknown"), domain.ErrNotFound)
}

func TestEngine_Status(t *testing.T) {
	f := newEngineFixture(t)
	sub := f.storeSub(t, domain.DirectionAToB)
	f.start(t)

	st, err := f.engine.Status(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, sub.ID, st.SubscriptionID)
	assert.Equal(t, domain.StatusOK, st.Status)
	assert.Equal(t, "alpha", st.EndA.ConnectorID)
	assert.Equal(t, "beta", st.EndB.ConnectorID)

	_, err = f.engine.Status(context.Background(), "unknown")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestEngine_HandleCallback(t *testing.T) {
	f := newEngineFixture(t)
	sub := f.storeSub(t, domain.DirectionBToA)
	f.beta.HandleCallbackFn = func(req *domain.CallbackRequest) ([]*domain.Notification, error) {
		return []*domain.Notification{domain.NewNotification(sub.ID, domain.EndB,
			domain.NotificationItem{Action: domain.ActionCreated, UID: "pushed"})}, nil
	}
	f.start(t)
	f.calB.Put(event("pushed", "from callback"))

	resp, err := f.engine.HandleCallback(context.Background(), &domain.CallbackRequest{ConnectorID: "beta"})
	require.NoError(t, err)
	assert.Equal(t, 202, resp.StatusCode)
	assert.Eventually(t, func() bool { return f.calA.Item("pushed") != nil }, 2*time.Second, 10*time.Millisecond)

	_, err = f.engine.HandleCallback(context.Background(), &domain.CallbackRequest{ConnectorID: "nope"})
	assert.ErrorIs(t, err, domain.ErrConnectorNotFound)
}

func TestEngine_HandleCallbackRejected(t *testing.T) {
	f := newEngineFixture(t)
	f.beta.HandleCallbackFn = func(req *domain.CallbackRequest) ([]*domain.Notification, error) {
		return nil, domain.ErrInvalidInput
	}
	f.start(t)

	resp, err := f.engine.HandleCallback(context.Background(), &domain.CallbackRequest{ConnectorID: "beta"})
	require.NoError(t, err)
	assert.Equal(t, 400, resp.StatusCode)
}

func TestEngine_Stats(t *testing.T) {
	f := newEngineFixture(t)
	stats := f.engine.Stats(context.Background())

	names := make([]string, 0, len(stats))
	values := make(map[string]int64)
	for _, s := range stats {
		names = append(names, s.Name)
		values[s.Name] = s.Value
	}
	assert.Equal(t, []string{
		"pool_timeout_ms", "pool_active", "pool_gets", "pool_wait_ms", "pool_get_failures",
		"pool_capacity", "pool_available", "timer_waiting", "timer_max_waiting", "queue_length",
		"notifications_received", "notifications_processed", "notifications_requeued",
		"notifications_dropped", "notifications_failed",
	}, names)
	assert.Equal(t, int64(100), values["pool_timeout_ms"])
	assert.Equal(t, int64(2), values["pool_capacity"])
	assert.Equal(t, int64(2), values["pool_available"])
}

func TestEngine_HousekeepingReenqueuesUnsubscribe(t *testing.T) {
	f := newEngineFixture(t, func(c *Config) { c.UnsubscribeRetryAfter = time.Minute })
	ctx := context.Background()

	stale := f.storeSub(t, domain.DirectionBoth)
	at := time.Now().Add(-time.Hour)
	stale.PendingUnsubscribe = &at
	require.NoError(t, f.store.Update(ctx, stale))

	fresh := domain.NewSubscription(
		domain.End{ConnectorID: "alpha", URI: "cal-x"},
		domain.End{ConnectorID: "beta", URI: "cal-y"},
		domain.DirectionBoth, domain.EndNone, domain.Options{},
	)
	now := time.Now()
	fresh.PendingUnsubscribe = &now
	require.NoError(t, f.store.Add(ctx, fresh))

	f.engine.state = domain.EngineRunning
	f.engine.housekeeping()

	n, _ := f.queue.Len(ctx)
	require.Equal(t, int64(1), n)
	note, _ := f.queue.Take(ctx, time.Second)
	assert.Equal(t, stale.ID, note.SubscriptionID)
	assert.True(t, note.Has(domain.ActionUnsubscribe))
}

func TestEngine_BadHousekeepingSchedule(t *testing.T) {
	f := newEngineFixture(t, func(c *Config) { c.HousekeepingSchedule = "whenever" })

	assert.Error(t, f.engine.Start(context.Background()))
	assert.Equal(t, domain.EngineStopped, f.engine.State())
}

func TestEngine_Ready(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	ready, _ := f.engine.Ready(ctx)
	assert.False(t, ready, "stopped engine is not ready")

	f.start(t)
	ready, detail := f.engine.Ready(ctx)
	assert.True(t, ready)
	health, ok := detail.(Health)
	require.True(t, ok)
	assert.Equal(t, domain.EngineRunning, health.State)
	assert.Empty(t, health.FailedConnectors)
}
