package services

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/custodia-labs/calsynch/internal/core/domain"
	"github.com/custodia-labs/calsynch/internal/core/ports/driven"
)

// SynchTimerConfig holds configuration for the timer.
type SynchTimerConfig struct {
	// Sink receives the FullSynch notifications produced when timers fire
	Sink   driven.NotificationSink
	Logger *slog.Logger

	// RetryDelay re-arms a timer whose notification could not be delivered (default: 1m)
	RetryDelay time.Duration
}

// TimerStats is a snapshot of timer counters.
type TimerStats struct {
	Waiting    int
	MaxWaiting int
}

// SynchTimer arms one-shot full synchs per subscription. Firing never runs
// reconciliation inline; it hands a notification to the sink.
type SynchTimer struct {
	sink       driven.NotificationSink
	logger     *slog.Logger
	retryDelay time.Duration

	mu         sync.Mutex
	waiting    map[string]*armed
	maxWaiting int
	running    bool
}

type armed struct {
	timer *time.Timer
}

// Verify interface compliance
var _ Rescheduler = (*SynchTimer)(nil)

// NewSynchTimer creates a stopped timer.
func NewSynchTimer(cfg SynchTimerConfig) *SynchTimer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Minute
	}
	return &SynchTimer{
		sink:       cfg.Sink,
		logger:     cfg.Logger,
		retryDelay: cfg.RetryDelay,
		waiting:    make(map[string]*armed),
	}
}

// Start allows timers to be armed.
func (t *SynchTimer) Start() {
	t.mu.Lock()
	t.running = true
	t.mu.Unlock()
}

// Stop cancels every pending timer.
func (t *SynchTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running = false
	for id, a := range t.waiting {
		a.timer.Stop()
		delete(t.waiting, id)
	}
}

// Schedule arms a full synch for subscriptionID after delay,
// replacing any timer already armed for it.
func (t *SynchTimer) Schedule(subscriptionID string, delay time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return
	}
	if existing, ok := t.waiting[subscriptionID]; ok {
		existing.timer.Stop()
	}

	a := &armed{}
	a.timer = time.AfterFunc(max(delay, 0), func() { t.fire(subscriptionID, a) })
	t.waiting[subscriptionID] = a
	t.maxWaiting = max(t.maxWaiting, len(t.waiting))
}

// ScheduleAt arms a full synch at the given time.
func (t *SynchTimer) ScheduleAt(subscriptionID string, at time.Time) {
	t.Schedule(subscriptionID, time.Until(at))
}

// Cancel disarms the timer of subscriptionID, if any.
func (t *SynchTimer) Cancel(subscriptionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if a, ok := t.waiting[subscriptionID]; ok {
		a.timer.Stop()
		delete(t.waiting, subscriptionID)
	}
}

// Waiting reports whether a timer is armed for subscriptionID.
func (t *SynchTimer) Waiting(subscriptionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.waiting[subscriptionID]
	return ok
}

// Stats returns the current and maximum number of armed timers.
func (t *SynchTimer) Stats() TimerStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TimerStats{Waiting: len(t.waiting), MaxWaiting: t.maxWaiting}
}

func (t *SynchTimer) fire(subscriptionID string, a *armed) {
	t.mu.Lock()
	if t.waiting[subscriptionID] != a {
		// replaced or cancelled after this timer expired
		t.mu.Unlock()
		return
	}
	delete(t.waiting, subscriptionID)
	t.mu.Unlock()

	if err := t.sink.Notify(context.Background(), domain.FullSynchNotification(subscriptionID)); err != nil {
		t.logger.Warn("failed to deliver scheduled synch, retrying later",
			"subscription_id", subscriptionID,
			"retry_in", t.retryDelay,
			"error", err,
		)
		t.Schedule(subscriptionID, t.retryDelay)
	}
}
