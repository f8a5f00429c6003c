package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/custodia-labs/calsynch/internal/core/domain"
)

const housekeepingTimeout = time.Minute

func (e *Engine) startHousekeeping() error {
	c := cron.New()
	if _, err := c.AddFunc(e.cfg.HousekeepingSchedule, e.housekeeping); err != nil {
		return fmt.Errorf("housekeeping schedule %q: %w", e.cfg.HousekeepingSchedule, err)
	}
	c.Start()

	e.mu.Lock()
	e.cron = c
	e.mu.Unlock()
	return nil
}

func (e *Engine) stopHousekeeping() {
	e.mu.Lock()
	c := e.cron
	e.cron = nil
	e.mu.Unlock()

	if c != nil {
		ctx := c.Stop()
		<-ctx.Done()
	}
}

// housekeeping logs engine stats and re-drives subscriptions that fell through
// the cracks: unsubscribes still pending and subscriptions with no armed timer.
func (e *Engine) housekeeping() {
	ctx, cancel := context.WithTimeout(context.Background(), housekeepingTimeout)
	defer cancel()

	args := make([]any, 0, 32)
	for _, s := range e.Stats(ctx) {
		args = append(args, s.Name, s.Value)
	}
	e.logger.Info("engine stats", args...)

	if !e.State().Accepting() {
		return
	}

	subs, err := e.store.List(ctx)
	if err != nil {
		e.logger.Error("housekeeping: failed to list subscriptions", "error", err)
		return
	}

	stale := 2 * max(e.cfg.RefreshDelay, e.cfg.NotifyResyncDelay, 5*time.Minute)
	now := time.Now()
	for _, sub := range subs {
		switch {
		case sub.PendingUnsubscribe != nil:
			if now.Sub(*sub.PendingUnsubscribe) < e.cfg.UnsubscribeRetryAfter {
				continue
			}
			e.logger.Info("re-enqueueing outstanding unsubscribe", "subscription_id", sub.ID)
			if err := e.Notify(ctx, domain.UnsubscribeNotification(sub.ID)); err != nil {
				e.logger.Warn("failed to re-enqueue unsubscribe", "subscription_id", sub.ID, "error", err)
			}
		case !e.timer.Waiting(sub.ID) && (sub.LastRefresh == nil || now.Sub(*sub.LastRefresh) > stale):
			e.logger.Info("re-arming subscription without a timer", "subscription_id", sub.ID)
			e.timer.Schedule(sub.ID, 0)
		}
	}
}
