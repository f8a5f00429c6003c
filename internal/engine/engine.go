package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/custodia-labs/calsynch/internal/core/domain"
	"github.com/custodia-labs/calsynch/internal/core/ports/driven"
	"github.com/custodia-labs/calsynch/internal/core/ports/driving"
	"github.com/custodia-labs/calsynch/internal/core/services"
	"github.com/custodia-labs/calsynch/internal/worker"
)

// Verify interface compliance
var (
	_ driving.SynchEngine     = (*Engine)(nil)
	_ driven.NotificationSink = (*Engine)(nil)
)

// Config holds everything the engine is built from.
type Config struct {
	Store      driven.SubscriptionStore
	Queue      driven.NotificationQueue
	Lock       driven.DistributedLock
	Connectors driven.ConnectorRegistry
	Logger     *slog.Logger

	// CallbackBaseURI is the public prefix connectors hand to remote systems.
	// The connector id is appended to it.
	CallbackBaseURI string

	PoolSize             int
	PoolTimeout          time.Duration
	QueueOfferTimeout    time.Duration // default: 5s
	BatchSize            int
	MissingTargetRetries int
	SubscriptionsOnly    bool
	RefreshDelay         time.Duration
	NotifyResyncDelay    time.Duration
	RetryDelay           time.Duration
	StopTimeout          time.Duration // default: 90s
	MaxAttempts          int
	BackoffInitial       time.Duration
	BackoffMax           time.Duration
	LockTTL              time.Duration
	TakeTimeout          time.Duration

	// HousekeepingSchedule is a cron spec for the housekeeping job (default: @every 5m)
	HousekeepingSchedule string

	// UnsubscribeRetryAfter is how long an unsubscribe may stay pending
	// before housekeeping enqueues it again (default: 5m)
	UnsubscribeRetryAfter time.Duration
}

// bufferedRequest is a subscribe or unsubscribe received while starting.
type bufferedRequest struct {
	subscribe   *domain.Subscription
	unsubscribe string
}

// Engine owns the pool, the timer and the dispatcher and drives them through
// the stopped, starting, running, stopping lifecycle.
type Engine struct {
	cfg        Config
	logger     *slog.Logger
	store      driven.SubscriptionStore
	queue      driven.NotificationQueue
	lock       driven.DistributedLock
	connectors driven.ConnectorRegistry

	timer      *services.SynchTimer
	pool       *services.SynchlingPool
	dispatcher *worker.Dispatcher

	mu        sync.Mutex
	state     domain.EngineState
	buffered  []bufferedRequest
	cron      *cron.Cron
	runCancel context.CancelFunc
	started   map[string]driven.Connector
	failed    map[string]error
}

// New wires an engine. It does not start anything.
func New(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.QueueOfferTimeout <= 0 {
		cfg.QueueOfferTimeout = 5 * time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 90 * time.Second
	}
	if cfg.HousekeepingSchedule == "" {
		cfg.HousekeepingSchedule = "@every 5m"
	}
	if cfg.UnsubscribeRetryAfter <= 0 {
		cfg.UnsubscribeRetryAfter = 5 * time.Minute
	}

	e := &Engine{
		cfg:        cfg,
		logger:     cfg.Logger.With("component", "engine"),
		store:      cfg.Store,
		queue:      cfg.Queue,
		lock:       cfg.Lock,
		connectors: cfg.Connectors,
		state:      domain.EngineStopped,
	}

	e.timer = services.NewSynchTimer(services.SynchTimerConfig{
		Sink:       e,
		Logger:     cfg.Logger,
		RetryDelay: cfg.RetryDelay,
	})

	synchlingCfg := services.SynchlingConfig{
		Store:                cfg.Store,
		Connectors:           cfg.Connectors,
		Scheduler:            e.timer,
		Logger:               cfg.Logger,
		BatchSize:            cfg.BatchSize,
		MissingTargetRetries: cfg.MissingTargetRetries,
		SubscriptionsOnly:    cfg.SubscriptionsOnly,
		RefreshDelay:         cfg.RefreshDelay,
		NotifyResyncDelay:    cfg.NotifyResyncDelay,
		RetryDelay:           cfg.RetryDelay,
	}
	e.pool = services.NewSynchlingPool(services.SynchlingPoolConfig{
		Size:    cfg.PoolSize,
		Timeout: cfg.PoolTimeout,
		Factory: func(id int) *services.Synchling { return services.NewSynchling(id, synchlingCfg) },
		Logger:  cfg.Logger,
	})

	e.dispatcher = worker.NewDispatcher(worker.DispatcherConfig{
		Queue:          cfg.Queue,
		Pool:           e.pool,
		Store:          cfg.Store,
		Lock:           cfg.Lock,
		Logger:         cfg.Logger,
		TakeTimeout:    cfg.TakeTimeout,
		OfferTimeout:   cfg.QueueOfferTimeout,
		LockTTL:        cfg.LockTTL,
		MaxAttempts:    cfg.MaxAttempts,
		BackoffInitial: cfg.BackoffInitial,
		BackoffMax:     cfg.BackoffMax,
	})

	return e
}

// State returns the lifecycle state.
func (e *Engine) State() domain.EngineState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) setState(s domain.EngineState) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
	e.logger.Info("engine state changed", "state", s)
}

// Start brings the engine from stopped to running.
// Connectors that fail to start are logged and left out; the engine still starts.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.state != domain.EngineStopped {
		state := e.state
		e.mu.Unlock()
		return fmt.Errorf("engine is %s", state)
	}
	e.state = domain.EngineStarting
	e.mu.Unlock()
	e.logger.Info("engine state changed", "state", domain.EngineStarting)

	if err := e.queue.Ping(ctx); err != nil {
		e.setState(domain.EngineStopped)
		return fmt.Errorf("notification queue: %w", err)
	}

	e.startConnectors(ctx)
	e.timer.Start()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.mu.Lock()
	e.runCancel = cancel
	e.mu.Unlock()

	if err := e.dispatcher.Start(runCtx); err != nil {
		e.abortStart(ctx)
		return fmt.Errorf("start dispatcher: %w", err)
	}

	if err := e.startHousekeeping(); err != nil {
		e.abortStart(ctx)
		return err
	}

	if err := e.drain(ctx); err != nil {
		e.abortStart(ctx)
		return err
	}
	return nil
}

func (e *Engine) abortStart(ctx context.Context) {
	e.mu.Lock()
	e.state = domain.EngineStopping
	e.buffered = nil
	e.mu.Unlock()
	e.shutdown(ctx)
}

// startConnectors starts every registered connector concurrently.
func (e *Engine) startConnectors(ctx context.Context) {
	var (
		g       errgroup.Group
		mu      sync.Mutex
		started = make(map[string]driven.Connector)
		failed  = make(map[string]error)
	)

	for _, cc := range e.connectors.Configs() {
		g.Go(func() error {
			c, err := e.connectors.Get(cc.ID)
			if err == nil {
				err = c.Start(ctx, cc, e.callbackURI(cc.ID), e)
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed[cc.ID] = err
				e.logger.Error("connector failed to start", "connector", cc.ID, "type", cc.Type, "error", err)
				return fmt.Errorf("connector %s: %w", cc.ID, err)
			}
			started[cc.ID] = c
			e.logger.Info("connector started", "connector", cc.ID, "type", cc.Type)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		e.logger.Warn("engine starting without some connectors", "failed", len(failed), "first_error", err)
	}

	e.mu.Lock()
	e.started = started
	e.failed = failed
	e.mu.Unlock()
}

func (e *Engine) callbackURI(connectorID string) string {
	if e.cfg.CallbackBaseURI == "" {
		return ""
	}
	return strings.TrimRight(e.cfg.CallbackBaseURI, "/") + "/" + url.PathEscape(connectorID)
}

// drain loads every stored subscription, merging requests buffered while
// starting, until a pass finds nothing new. The engine is running once it returns.
func (e *Engine) drain(ctx context.Context) error {
	seen := make(map[string]bool)
	unsubscribed := make(map[string]bool)

	for {
		for _, req := range e.takeBuffered() {
			switch {
			case req.subscribe != nil:
				seen[req.subscribe.ID] = true
				if err := e.offer(ctx, domain.NewSubscriptionNotification(req.subscribe)); err != nil {
					e.logger.Error("failed to enqueue buffered subscribe", "subscription_id", req.subscribe.ID, "error", err)
				}
			case req.unsubscribe != "":
				unsubscribed[req.unsubscribe] = true
				if err := e.offer(ctx, domain.UnsubscribeNotification(req.unsubscribe)); err != nil {
					e.logger.Error("failed to enqueue buffered unsubscribe", "subscription_id", req.unsubscribe, "error", err)
				}
			}
		}

		subs, err := e.store.List(ctx)
		if err != nil {
			return fmt.Errorf("list subscriptions: %w", err)
		}

		added := 0
		for _, sub := range subs {
			if seen[sub.ID] {
				continue
			}
			seen[sub.ID] = true
			added++

			switch {
			case unsubscribed[sub.ID]:
			case sub.PendingUnsubscribe != nil:
				if err := e.offer(ctx, domain.UnsubscribeNotification(sub.ID)); err != nil {
					e.logger.Error("failed to enqueue pending unsubscribe", "subscription_id", sub.ID, "error", err)
				}
			default:
				e.timer.Schedule(sub.ID, 0)
			}
		}

		e.mu.Lock()
		if added == 0 && len(e.buffered) == 0 {
			e.state = domain.EngineRunning
			e.mu.Unlock()
			e.logger.Info("engine state changed", "state", domain.EngineRunning, "subscriptions", len(seen))
			return nil
		}
		e.mu.Unlock()
	}
}

func (e *Engine) takeBuffered() []bufferedRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	reqs := e.buffered
	e.buffered = nil
	return reqs
}

// bufferIfStarting queues req for the drain loop when the engine is starting.
func (e *Engine) bufferIfStarting(req bufferedRequest) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != domain.EngineStarting {
		return false
	}
	e.buffered = append(e.buffered, req)
	return true
}

// Notify hands a notification to the dispatcher.
func (e *Engine) Notify(ctx context.Context, note *domain.Notification) error {
	if !e.State().Accepting() {
		return domain.ErrStopping
	}
	return e.offer(ctx, note)
}

func (e *Engine) offer(ctx context.Context, note *domain.Notification) error {
	if err := e.queue.Offer(ctx, note, e.cfg.QueueOfferTimeout); err != nil {
		return fmt.Errorf("enqueue notification for %s: %w", note.SubscriptionID, err)
	}
	return nil
}

// Subscribe validates and creates a subscription. While running the request
// is handled synchronously on a pooled worker; while starting, or when no
// worker frees up in time, it is queued and WARNING is returned.
func (e *Engine) Subscribe(ctx context.Context, req driving.SubscribeRequest) (*driving.SubscribeResponse, error) {
	sub := domain.NewSubscription(req.EndA, req.EndB, req.Direction, req.Master, req.Options)
	if err := sub.Validate(); err != nil {
		return nil, err
	}

	if e.bufferIfStarting(bufferedRequest{subscribe: sub}) {
		return &driving.SubscribeResponse{
			Subscription: sub,
			Status:       domain.StatusWarning,
			Message:      "engine starting, subscription queued",
		}, nil
	}
	if e.State() != domain.EngineRunning {
		return nil, domain.ErrStopping
	}

	s, err := e.pool.Get(ctx)
	if err != nil {
		if !errors.Is(err, domain.ErrTimeout) {
			return nil, err
		}
		if err := e.Notify(ctx, domain.NewSubscriptionNotification(sub)); err != nil {
			return nil, err
		}
		return &driving.SubscribeResponse{
			Subscription: sub,
			Status:       domain.StatusWarning,
			Message:      "no worker available, subscription queued",
		}, nil
	}
	defer e.pool.Add(s)

	status, err := s.HandleNotification(ctx, domain.NewSubscriptionNotification(sub))
	switch status {
	case domain.StatusOK:
		return &driving.SubscribeResponse{Subscription: sub, Status: status}, nil
	case domain.StatusWarning:
		// the dispatcher retries with backoff
		if nerr := e.Notify(ctx, domain.NewSubscriptionNotification(sub)); nerr != nil {
			return nil, errors.Join(err, nerr)
		}
		resp := &driving.SubscribeResponse{Subscription: sub, Status: status, Message: "subscribe will be retried"}
		if err != nil {
			resp.Message += ": " + err.Error()
		}
		return resp, nil
	default:
		if err == nil {
			err = fmt.Errorf("subscribe %s failed", sub.ID)
		}
		return nil, err
	}
}

// Unsubscribe records the intent durably and then enqueues the teardown.
func (e *Engine) Unsubscribe(ctx context.Context, id string) error {
	if !e.State().Accepting() {
		return domain.ErrStopping
	}

	sub, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if sub.PendingUnsubscribe == nil {
		now := time.Now()
		sub.PendingUnsubscribe = &now
		sub.UpdatedAt = now
		if err := e.store.Update(ctx, sub); err != nil {
			return fmt.Errorf("mark unsubscribe pending: %w", err)
		}
	}

	if e.bufferIfStarting(bufferedRequest{unsubscribe: id}) {
		return nil
	}
	return e.Notify(ctx, domain.UnsubscribeNotification(id))
}

// Refresh enqueues a Refresh notification for the subscription.
func (e *Engine) Refresh(ctx context.Context, id string) error {
	if !e.State().Accepting() {
		return domain.ErrStopping
	}
	if _, err := e.store.Get(ctx, id); err != nil {
		return err
	}
	return e.Notify(ctx, domain.NewNotification(id, domain.EndNone, domain.NotificationItem{Action: domain.ActionRefresh}))
}

// Status runs a status query on a pooled worker.
func (e *Engine) Status(ctx context.Context, id string) (*domain.SubscriptionStatus, error) {
	if e.State() != domain.EngineRunning {
		return nil, domain.ErrStopping
	}

	s, err := e.pool.Get(ctx)
	if err != nil {
		return nil, err
	}
	defer e.pool.Add(s)

	note := domain.NewNotification(id, domain.EndNone, domain.NotificationItem{Action: domain.ActionStatusQuery})
	if _, err := s.HandleNotification(ctx, note); err != nil {
		return nil, err
	}
	if note.Items[0].Response == nil {
		return nil, fmt.Errorf("status of %s: %w", id, domain.ErrNotFound)
	}
	return note.Items[0].Response, nil
}

// Get retrieves a stored subscription.
func (e *Engine) Get(ctx context.Context, id string) (*domain.Subscription, error) {
	return e.store.Get(ctx, id)
}

// List retrieves every stored subscription.
func (e *Engine) List(ctx context.Context) ([]*domain.Subscription, error) {
	return e.store.List(ctx)
}

// HandleCallback lets the addressed connector turn a push callback into
// notifications, enqueues them and returns the connector's reply.
func (e *Engine) HandleCallback(ctx context.Context, req *domain.CallbackRequest) (*domain.CallbackResponse, error) {
	c, err := e.connectors.Get(req.ConnectorID)
	if err != nil {
		return nil, err
	}

	notes, err := c.HandleCallback(ctx, req)
	if err == nil {
		for _, note := range notes {
			if err = e.Notify(ctx, note); err != nil {
				break
			}
		}
	}
	if err != nil {
		e.logger.Warn("callback not accepted", "connector", req.ConnectorID, "error", err)
	}
	return c.RespondCallback(ctx, req, notes, err), nil
}

// Stats returns the flat counter list of pool, timer, queue and dispatcher.
func (e *Engine) Stats(ctx context.Context) []domain.Stat {
	pool := e.pool.Stats()
	timer := e.timer.Stats()
	disp := e.dispatcher.Stats()

	queueLen, err := e.queue.Len(ctx)
	if err != nil {
		queueLen = -1
	}

	return []domain.Stat{
		{Name: "pool_timeout_ms", Value: pool.Timeout.Milliseconds()},
		{Name: "pool_active", Value: int64(pool.Active)},
		{Name: "pool_gets", Value: pool.Gets},
		{Name: "pool_wait_ms", Value: pool.WaitTime.Milliseconds()},
		{Name: "pool_get_failures", Value: pool.GetFailures},
		{Name: "pool_capacity", Value: int64(pool.Capacity)},
		{Name: "pool_available", Value: int64(pool.Available)},
		{Name: "timer_waiting", Value: int64(timer.Waiting)},
		{Name: "timer_max_waiting", Value: int64(timer.MaxWaiting)},
		{Name: "queue_length", Value: queueLen},
		{Name: "notifications_received", Value: disp.Received},
		{Name: "notifications_processed", Value: disp.Processed},
		{Name: "notifications_requeued", Value: disp.Requeued},
		{Name: "notifications_dropped", Value: disp.Dropped},
		{Name: "notifications_failed", Value: disp.Failed},
	}
}

// Health reports dispatcher health along with connectors that failed to start.
func (e *Engine) Health(ctx context.Context) Health {
	e.mu.Lock()
	failed := make(map[string]string, len(e.failed))
	for id, err := range e.failed {
		failed[id] = err.Error()
	}
	e.mu.Unlock()

	return Health{
		State:            e.State(),
		Dispatcher:       e.dispatcher.Health(ctx),
		FailedConnectors: failed,
	}
}

// Health is the engine health snapshot.
type Health struct {
	State            domain.EngineState `json:"state"`
	Dispatcher       worker.Health      `json:"dispatcher"`
	FailedConnectors map[string]string  `json:"failed_connectors,omitempty"`
}

// Ready reports whether the engine is running and its backends answer.
func (h Health) Ready() bool {
	return h.State == domain.EngineRunning && h.Dispatcher.QueueHealth && h.Dispatcher.LockHealth
}

// Ready reports readiness with the health snapshot as detail.
func (e *Engine) Ready(ctx context.Context) (bool, any) {
	h := e.Health(ctx)
	return h.Ready(), h
}

// Stop brings the engine from running (or starting) to stopped.
// In-flight passes get StopTimeout to finish.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.state.Accepting() {
		e.mu.Unlock()
		return nil
	}
	e.state = domain.EngineStopping
	e.mu.Unlock()
	e.logger.Info("engine state changed", "state", domain.EngineStopping)

	return e.shutdown(ctx)
}

func (e *Engine) shutdown(ctx context.Context) error {
	e.stopHousekeeping()
	e.timer.Stop()
	e.stopConnectors(ctx)
	e.dispatcher.Stop()

	drainCtx, cancel := context.WithTimeout(ctx, e.cfg.StopTimeout)
	defer cancel()
	err := e.pool.WaitForDrain(drainCtx)
	if err != nil {
		e.logger.Warn("workers still active at stop", "active", e.pool.Active(), "error", err)
	}

	e.mu.Lock()
	if e.runCancel != nil {
		e.runCancel()
		e.runCancel = nil
	}
	e.mu.Unlock()

	e.setState(domain.EngineStopped)
	return err
}

func (e *Engine) stopConnectors(ctx context.Context) {
	e.mu.Lock()
	started := e.started
	e.started = nil
	e.mu.Unlock()

	for id, c := range started {
		if err := c.Stop(ctx); err != nil {
			e.logger.Warn("connector failed to stop", "connector", id, "error", err)
		}
	}
}
