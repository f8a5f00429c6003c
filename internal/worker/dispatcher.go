package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/custodia-labs/calsynch/internal/core/domain"
	"github.com/custodia-labs/calsynch/internal/core/ports/driven"
	"github.com/custodia-labs/calsynch/internal/core/services"
)

// Dispatcher is the single loop between the notification queue and the worker pool.
// Every notification runs on a pooled Synchling while the dispatcher holds the
// lock of its subscription.
type Dispatcher struct {
	queue  driven.NotificationQueue
	pool   *services.SynchlingPool
	store  driven.SubscriptionStore
	lock   driven.DistributedLock
	logger *slog.Logger

	// Configuration
	takeTimeout    time.Duration
	offerTimeout   time.Duration
	lockTTL        time.Duration
	busyDelay      time.Duration
	maxAttempts    int
	backoffInitial time.Duration
	backoffMax     time.Duration

	// Internal state
	mu       sync.RWMutex
	running  bool
	stopping atomic.Bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	pending  map[string]*time.Timer
	inflight sync.WaitGroup

	// traces holds subscriptions whose failure was logged in full recently
	traces *expirable.LRU[string, struct{}]

	received  atomic.Int64
	processed atomic.Int64
	requeued  atomic.Int64
	dropped   atomic.Int64
	failed    atomic.Int64
}

// DispatcherConfig holds configuration for the dispatcher.
type DispatcherConfig struct {
	Queue  driven.NotificationQueue
	Pool   *services.SynchlingPool
	Store  driven.SubscriptionStore
	Lock   driven.DistributedLock
	Logger *slog.Logger

	TakeTimeout    time.Duration // Wait for a notification before checking for stop (default: 1s)
	OfferTimeout   time.Duration // Wait for room when requeueing (default: 5s)
	LockTTL        time.Duration // Subscription lock TTL (default: 10m)
	BusyDelay      time.Duration // Requeue delay when the subscription is locked (default: 1s)
	MaxAttempts    int           // Retries of a WARNING notification (default: 5)
	BackoffInitial time.Duration // First retry delay (default: 1s)
	BackoffMax     time.Duration // Retry delay cap (default: 2m)

	// TraceWindow is the minimum interval between full failure traces per subscription (default: 30s)
	TraceWindow time.Duration
}

// DispatcherStats is a snapshot of dispatcher counters.
type DispatcherStats struct {
	Received  int64
	Processed int64
	Requeued  int64
	Dropped   int64
	Failed    int64
}

// NewDispatcher creates a new dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	d := &Dispatcher{
		queue:          cfg.Queue,
		pool:           cfg.Pool,
		store:          cfg.Store,
		lock:           cfg.Lock,
		logger:         logger,
		takeTimeout:    orDefault(cfg.TakeTimeout, time.Second),
		offerTimeout:   orDefault(cfg.OfferTimeout, 5*time.Second),
		lockTTL:        orDefault(cfg.LockTTL, 10*time.Minute),
		busyDelay:      orDefault(cfg.BusyDelay, time.Second),
		maxAttempts:    cfg.MaxAttempts,
		backoffInitial: orDefault(cfg.BackoffInitial, time.Second),
		backoffMax:     orDefault(cfg.BackoffMax, 2*time.Minute),
		pending:        make(map[string]*time.Timer),
		traces:         expirable.NewLRU[string, struct{}](1024, nil, orDefault(cfg.TraceWindow, 30*time.Second)),
	}
	if d.maxAttempts <= 0 {
		d.maxAttempts = 5
	}
	return d
}

func orDefault(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

// Start begins the dispatch loop.
// It runs until Stop is called or context is cancelled.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = true
	d.stopping.Store(false)
	d.stopCh = make(chan struct{})
	d.doneCh = make(chan struct{})
	d.mu.Unlock()

	d.logger.Info("dispatcher starting",
		"take_timeout", d.takeTimeout,
		"max_attempts", d.maxAttempts,
	)

	go d.loop(ctx)
	return nil
}

// Stop ends the dispatch loop and drops scheduled requeues.
// Passes already running are left to finish; wait for them through the pool.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.stopping.Store(true)
	close(d.stopCh)
	d.mu.Unlock()

	<-d.doneCh

	d.mu.Lock()
	d.running = false
	for id, t := range d.pending {
		t.Stop()
		delete(d.pending, id)
	}
	d.mu.Unlock()

	d.logger.Info("dispatcher stopped")
}

// Wait blocks until the dispatch loop exits.
func (d *Dispatcher) Wait() {
	<-d.doneCh
}

// WaitInflight blocks until every started pass has returned its worker.
func (d *Dispatcher) WaitInflight() {
	d.inflight.Wait()
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer close(d.doneCh)

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher context cancelled")
			return
		case <-d.stopCh:
			d.logger.Info("dispatcher stop signal received")
			return
		default:
		}

		note, err := d.queue.Take(ctx, d.takeTimeout)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			d.logger.Error("failed to take notification", "error", err)
			select {
			case <-time.After(time.Second): // Back off on error
			case <-d.stopCh:
			}
			continue
		}
		if note == nil {
			continue
		}

		d.received.Add(1)
		d.safeDispatch(ctx, note)
	}
}

// safeDispatch keeps the loop alive whatever happens to one notification.
func (d *Dispatcher) safeDispatch(ctx context.Context, note *domain.Notification) {
	defer func() {
		if r := recover(); r != nil {
			d.failed.Add(1)
			d.trace(note, fmt.Errorf("panic: %v", r), debug.Stack())
		}
	}()
	d.dispatch(ctx, note)
}

func (d *Dispatcher) dispatch(ctx context.Context, note *domain.Notification) {
	logger := d.logger.With("subscription_id", note.SubscriptionID, "notification_id", note.ID)

	if !note.Has(domain.ActionNewSubscription) {
		sub, err := d.store.Get(ctx, note.SubscriptionID)
		switch {
		case errors.Is(err, domain.ErrNotFound) || (err == nil && sub.Deleted):
			d.dropped.Add(1)
			logger.Debug("dropping notification for deleted subscription")
			return
		case err != nil:
			logger.Warn("failed to load subscription", "error", err)
			d.retry(note, err, logger)
			return
		}
	}

	lockName := "subscription:" + note.SubscriptionID
	acquired, err := d.lock.Acquire(ctx, lockName, d.lockTTL)
	if err != nil {
		logger.Warn("failed to acquire subscription lock", "error", err)
	}
	if err != nil || !acquired {
		// another pass for this subscription is running; no attempt is consumed
		d.requeueLater(note, d.busyDelay, logger)
		return
	}

	s := d.acquireWorker(ctx)
	if s == nil {
		d.release(ctx, lockName, logger)
		d.requeueLater(note, d.busyDelay, logger)
		return
	}

	d.inflight.Add(1)
	go d.process(ctx, s, note, lockName, logger)
}

// acquireWorker waits for a free Synchling, retrying across pool timeouts
// until one is free or the dispatcher stops.
func (d *Dispatcher) acquireWorker(ctx context.Context) *services.Synchling {
	for {
		if d.stopping.Load() || ctx.Err() != nil {
			return nil
		}
		if s := d.pool.GetNoError(ctx); s != nil {
			return s
		}
		d.logger.Debug("synchling pool exhausted, waiting")
	}
}

func (d *Dispatcher) process(ctx context.Context, s *services.Synchling, note *domain.Notification, lockName string, logger *slog.Logger) {
	defer d.inflight.Done()
	defer d.pool.Add(s)
	defer d.release(ctx, lockName, logger)
	defer func() {
		if r := recover(); r != nil {
			d.failed.Add(1)
			d.trace(note, fmt.Errorf("panic: %v", r), debug.Stack())
		}
	}()

	stopKeepalive := d.keepLock(ctx, lockName, logger)
	defer stopKeepalive()

	start := time.Now()
	status, err := s.HandleNotification(ctx, note)
	stopKeepalive()
	d.processed.Add(1)

	switch status {
	case domain.StatusOK:
		logger.Debug("notification processed", "duration", time.Since(start))
	case domain.StatusWarning:
		d.retry(note, err, logger)
	default:
		d.failed.Add(1)
		d.trace(note, err, nil)
	}
}

// retry re-offers a notification after an exponential backoff. Once the
// attempts are exhausted the notification fails for good; the failed passes
// were already counted on the subscription.
func (d *Dispatcher) retry(note *domain.Notification, cause error, logger *slog.Logger) {
	wait := d.nextBackOff(note.Attempts)
	if wait == backoff.Stop {
		d.failed.Add(1)
		logger.Error("notification retries exhausted",
			"attempts", note.Attempts,
			"error", cause,
		)
		return
	}

	note.Attempts++
	d.requeued.Add(1)
	logger.Info("notification will be retried",
		"attempt", note.Attempts,
		"retry_in", wait,
		"error", cause,
	)
	d.requeueLater(note, wait, logger)
}

// nextBackOff returns the delay before retry number attempts+1, or backoff.Stop.
func (d *Dispatcher) nextBackOff(attempts int) time.Duration {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = d.backoffInitial
	eb.MaxInterval = d.backoffMax
	eb.MaxElapsedTime = 0
	eb.Reset()

	b := backoff.WithMaxRetries(eb, uint64(d.maxAttempts))
	wait := b.NextBackOff()
	for i := 0; i < attempts && wait != backoff.Stop; i++ {
		wait = b.NextBackOff()
	}
	return wait
}

func (d *Dispatcher) requeueLater(note *domain.Notification, delay time.Duration, logger *slog.Logger) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running || d.stopping.Load() {
		d.dropped.Add(1)
		logger.Info("dispatcher stopping, notification not requeued")
		return
	}
	if existing, ok := d.pending[note.ID]; ok {
		existing.Stop()
	}

	d.pending[note.ID] = time.AfterFunc(delay, func() {
		d.mu.Lock()
		delete(d.pending, note.ID)
		d.mu.Unlock()

		if err := d.queue.Offer(context.Background(), note, d.offerTimeout); err != nil {
			d.dropped.Add(1)
			logger.Error("failed to requeue notification", "error", err)
		}
	})
}

// keepLock extends the subscription lock every half TTL so a long pass keeps
// its exclusion. The returned func stops it and may be called more than once.
func (d *Dispatcher) keepLock(ctx context.Context, lockName string, logger *slog.Logger) func() {
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		ticker := time.NewTicker(d.lockTTL / 2)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := d.lock.Extend(ctx, lockName, d.lockTTL); err != nil {
					logger.Warn("failed to extend subscription lock", "lock", lockName, "error", err)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
		<-exited
	}
}

func (d *Dispatcher) release(ctx context.Context, lockName string, logger *slog.Logger) {
	if err := d.lock.Release(context.WithoutCancel(ctx), lockName); err != nil {
		logger.Warn("failed to release subscription lock", "lock", lockName, "error", err)
	}
}

// trace logs a failed notification. The full detail, including the stack
// when there is one, is written at most once per window per subscription.
func (d *Dispatcher) trace(note *domain.Notification, err error, stack []byte) {
	logger := d.logger.With("subscription_id", note.SubscriptionID, "notification_id", note.ID)
	if d.traces.Contains(note.SubscriptionID) {
		logger.Error("notification failed", "error", err)
		return
	}
	d.traces.Add(note.SubscriptionID, struct{}{})

	actions := make([]string, 0, len(note.Items))
	for _, it := range note.Items {
		actions = append(actions, string(it.Action))
	}
	attrs := []any{
		"error", err,
		"actions", actions,
		"origin", note.Origin,
		"attempts", note.Attempts,
	}
	if stack != nil {
		attrs = append(attrs, "stack", string(stack))
	}
	logger.Error("notification failed", attrs...)
}

// Stats returns a snapshot of the dispatcher counters.
func (d *Dispatcher) Stats() DispatcherStats {
	return DispatcherStats{
		Received:  d.received.Load(),
		Processed: d.processed.Load(),
		Requeued:  d.requeued.Load(),
		Dropped:   d.dropped.Load(),
		Failed:    d.failed.Load(),
	}
}

// Health returns health status of the dispatcher.
type Health struct {
	Running     bool   `json:"running"`
	QueueHealth bool   `json:"queue_health"`
	LockHealth  bool   `json:"lock_health"`
	Error       string `json:"error,omitempty"`
}

// Health returns the health status of the dispatcher.
func (d *Dispatcher) Health(ctx context.Context) Health {
	d.mu.RLock()
	running := d.running
	d.mu.RUnlock()

	health := Health{
		Running:     running,
		QueueHealth: true,
		LockHealth:  true,
	}

	// Check queue health
	if err := d.queue.Ping(ctx); err != nil {
		health.QueueHealth = false
		health.Error = err.Error()
	}
	if err := d.lock.Ping(ctx); err != nil {
		health.LockHealth = false
		health.Error = err.Error()
	}

	return health
}
