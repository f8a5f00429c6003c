package services

import (
	"context"
	"fmt"
	"testing"

	"github.com/cucumber/godog"

	"github.com/custodia-labs/calsynch/internal/core/domain"
	"github.com/custodia-labs/calsynch/internal/core/ports/driven/mocks"
)

// reconciliationWorld holds the state of one scenario.
type reconciliationWorld struct {
	t      *testing.T
	h      *testHarness
	status domain.Status
	err    error
}

func (w *reconciliationWorld) subscription(direction string, configure ...func(*SynchlingConfig)) error {
	w.h = newTestHarness(w.t, domain.Direction(direction), configure...)
	return nil
}

func (w *reconciliationWorld) aSubscription(direction string) error {
	return w.subscription(direction)
}

func (w *reconciliationWorld) aSubscriptionWithDeletionsSuppressed(direction string) error {
	if err := w.subscription(direction); err != nil {
		return err
	}
	w.h.setOptions(domain.Options{SuppressDeletes: true})
	return nil
}

func (w *reconciliationWorld) aSubscriptionWithBatchSize(direction string, size int) error {
	return w.subscription(direction, func(c *SynchlingConfig) { c.BatchSize = size })
}

func (w *reconciliationWorld) aSubscriptionTolerating(direction string, retries int) error {
	return w.subscription(direction, func(c *SynchlingConfig) { c.MissingTargetRetries = retries })
}

func (w *reconciliationWorld) endHolds(end, uid, lastmod, title string) error {
	w.calendar(end).Put(event(uid, lastmod, title))
	return nil
}

func (w *reconciliationWorld) endHoldsGenerated(end string, n int) error {
	for i := 0; i < n; i++ {
		w.calendar(end).Put(event(fmt.Sprintf("gen-%03d", i), "", fmt.Sprintf("generated %d", i)))
	}
	return nil
}

func (w *reconciliationWorld) endIsMissing(end string) error {
	w.calendar(end).Missing = true
	return nil
}

func (w *reconciliationWorld) aFullSynchRuns() error {
	w.status, w.err = w.h.synchling.HandleNotification(context.Background(), domain.FullSynchNotification(w.h.sub.ID))
	return nil
}

func (w *reconciliationWorld) aFullSynchRunsAgain() error {
	w.h.calA.ResetCalls()
	w.h.calB.ResetCalls()
	return w.aFullSynchRuns()
}

func (w *reconciliationWorld) aFullSynchRunsTimes(n int) error {
	for i := 0; i < n; i++ {
		if err := w.aFullSynchRuns(); err != nil {
			return err
		}
	}
	return nil
}

func (w *reconciliationWorld) thePassReports(status string) error {
	if w.err != nil {
		return fmt.Errorf("pass failed: %w", w.err)
	}
	if string(w.status) != status {
		return fmt.Errorf("expected status %s, got %s", status, w.status)
	}
	return nil
}

func (w *reconciliationWorld) endHoldsItems(end string, n int) error {
	if got := len(w.calendar(end).UIDs()); got != n {
		return fmt.Errorf("expected %d items at end %s, got %d", n, end, got)
	}
	return nil
}

func (w *reconciliationWorld) endReceived(end string, n int, kind string) error {
	op := map[string]string{"adds": "AddItem", "updates": "UpdateItem", "deletes": "DeleteItem"}[kind]
	if got := w.calendar(end).Calls(op); got != n {
		return fmt.Errorf("expected %d %s at end %s, got %d", n, kind, end, got)
	}
	return nil
}

func (w *reconciliationWorld) endServedBatchFetches(end string, n int) error {
	if got := w.calendar(end).Calls("FetchItems"); got != n {
		return fmt.Errorf("expected %d batch fetches from end %s, got %d", n, end, got)
	}
	return nil
}

func (w *reconciliationWorld) endItemIsTitled(end, uid, title string) error {
	item := w.calendar(end).Item(uid)
	if item == nil {
		return fmt.Errorf("item %s not found at end %s", uid, end)
	}
	if got := item.Value("SUMMARY"); got != title {
		return fmt.Errorf("expected title %q, got %q", title, got)
	}
	return nil
}

func (w *reconciliationWorld) noWritesHappened() error {
	for _, end := range []string{"A", "B"} {
		for _, op := range []string{"AddItem", "UpdateItem", "DeleteItem"} {
			if n := w.calendar(end).Calls(op); n != 0 {
				return fmt.Errorf("end %s saw %d %s calls", end, n, op)
			}
		}
	}
	return nil
}

func (w *reconciliationWorld) theSubscriptionStillExists() error {
	if !w.h.store.Has(w.h.sub.ID) {
		return fmt.Errorf("subscription %s was deleted", w.h.sub.ID)
	}
	return nil
}

func (w *reconciliationWorld) theSubscriptionNoLongerExists() error {
	if w.h.store.Has(w.h.sub.ID) {
		return fmt.Errorf("subscription %s still stored", w.h.sub.ID)
	}
	return nil
}

func (w *reconciliationWorld) calendar(end string) *mocks.MockCalendar {
	if end == "A" {
		return w.h.calA
	}
	return w.h.calB
}

func TestReconciliationFeatures(t *testing.T) {
	suite := godog.TestSuite{
		Name: "reconciliation",
		ScenarioInitializer: func(sc *godog.ScenarioContext) {
			w := &reconciliationWorld{t: t}
			sc.Before(func(ctx context.Context, _ *godog.Scenario) (context.Context, error) {
				*w = reconciliationWorld{t: t}
				return ctx, nil
			})

			sc.Step(`^a "([^"]*)" subscription$`, w.aSubscription)
			sc.Step(`^a "([^"]*)" subscription with deletions suppressed$`, w.aSubscriptionWithDeletionsSuppressed)
			sc.Step(`^a "([^"]*)" subscription with batch size (\d+)$`, w.aSubscriptionWithBatchSize)
			sc.Step(`^a "([^"]*)" subscription tolerating (\d+) missing target failures$`, w.aSubscriptionTolerating)
			sc.Step(`^end ([AB]) holds "([^"]*)" modified at "([^"]*)" titled "([^"]*)"$`, w.endHolds)
			sc.Step(`^end ([AB]) holds (\d+) generated items$`, w.endHoldsGenerated)
			sc.Step(`^end ([AB]) is missing$`, w.endIsMissing)
			sc.Step(`^a full synch runs$`, w.aFullSynchRuns)
			sc.Step(`^a full synch runs again$`, w.aFullSynchRunsAgain)
			sc.Step(`^a full synch runs (\d+) times$`, w.aFullSynchRunsTimes)
			sc.Step(`^the pass reports "([^"]*)"$`, w.thePassReports)
			sc.Step(`^end ([AB]) holds (\d+) items$`, w.endHoldsItems)
			sc.Step(`^end ([AB]) received (\d+) (adds|updates|deletes)$`, w.endReceived)
			sc.Step(`^end ([AB]) served (\d+) batch fetches$`, w.endServedBatchFetches)
			sc.Step(`^end ([AB]) item "([^"]*)" is titled "([^"]*)"$`, w.endItemIsTitled)
			sc.Step(`^no writes happened during the last pass$`, w.noWritesHappened)
			sc.Step(`^the subscription still exists$`, w.theSubscriptionStillExists)
			sc.Step(`^the subscription no longer exists$`, w.theSubscriptionNoLongerExists)
		},
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features"},
			TestingT: t,
		},
	}

	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run feature tests")
	}
}
