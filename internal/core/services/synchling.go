package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/custodia-labs/calsynch/internal/core/domain"
	"github.com/custodia-labs/calsynch/internal/core/ports/driven"
)

// Rescheduler arms deferred full synchs. SynchTimer implements it.
type Rescheduler interface {
	Schedule(subscriptionID string, delay time.Duration)
	Cancel(subscriptionID string)
}

// SynchlingConfig holds configuration shared by every Synchling.
type SynchlingConfig struct {
	Store      driven.SubscriptionStore
	Connectors driven.ConnectorRegistry
	Scheduler  Rescheduler
	Logger     *slog.Logger

	// BatchSize caps the uids fetched and applied per round (default: 20)
	BatchSize int

	// MissingTargetRetries is how many missing-target failures are tolerated
	// before the subscription is deleted (default: 3)
	MissingTargetRetries int

	// SubscriptionsOnly disables item propagation
	SubscriptionsOnly bool

	// RefreshDelay reschedules subscriptions with a polled end (default: 5m)
	RefreshDelay time.Duration

	// NotifyResyncDelay reschedules subscriptions whose ends both push (default: 1h)
	NotifyResyncDelay time.Duration

	// RetryDelay reschedules subscriptions whose last pass failed (default: 1m)
	RetryDelay time.Duration
}

func (c *SynchlingConfig) applyDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	if c.MissingTargetRetries <= 0 {
		c.MissingTargetRetries = 3
	}
	if c.RefreshDelay <= 0 {
		c.RefreshDelay = 5 * time.Minute
	}
	if c.NotifyResyncDelay <= 0 {
		c.NotifyResyncDelay = time.Hour
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Minute
	}
}

// Synchling is one reconciliation worker. It processes one notification at a
// time; all per-pass state lives in locals. The only state it carries between
// calls is the differ cache of the last subscription it handled.
type Synchling struct {
	id     int
	cfg    SynchlingConfig
	logger *slog.Logger

	differSub string
	differs   map[domain.Route]*Differ
}

// NewSynchling creates a worker.
func NewSynchling(id int, cfg SynchlingConfig) *Synchling {
	cfg.applyDefaults()
	return &Synchling{
		id:     id,
		cfg:    cfg,
		logger: cfg.Logger.With("synchling", id),
	}
}

// ID returns the worker id, unique within its pool.
func (s *Synchling) ID() int {
	return s.id
}

// HandleNotification executes every item of note in order.
// The first item that does not return OK aborts the rest.
func (s *Synchling) HandleNotification(ctx context.Context, note *domain.Notification) (domain.Status, error) {
	logger := s.logger.With("subscription_id", note.SubscriptionID, "notification_id", note.ID)

	sub, err := s.load(ctx, note)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) && note.Has(domain.ActionUnsubscribe) {
			logger.Info("unsubscribe for unknown subscription, nothing to do")
			return domain.StatusOK, nil
		}
		return domain.StatusOf(err), err
	}

	for i := range note.Items {
		item := &note.Items[i]
		status, err := s.handleItem(ctx, sub, note, item, logger)
		if status != domain.StatusOK {
			logger.Warn("notification item not completed",
				"action", item.Action,
				"status", status,
				"error", err,
			)
			return status, err
		}
	}
	return domain.StatusOK, nil
}

func (s *Synchling) load(ctx context.Context, note *domain.Notification) (*domain.Subscription, error) {
	if note.Subscription != nil && note.Has(domain.ActionNewSubscription) {
		return note.Subscription.Clone(), nil
	}
	sub, err := s.cfg.Store.Get(ctx, note.SubscriptionID)
	if err != nil {
		return nil, fmt.Errorf("load subscription %s: %w", note.SubscriptionID, err)
	}
	return sub, nil
}

func (s *Synchling) handleItem(ctx context.Context, sub *domain.Subscription, note *domain.Notification, item *domain.NotificationItem, logger *slog.Logger) (domain.Status, error) {
	switch item.Action {
	case domain.ActionNewSubscription:
		return s.newSubscription(ctx, sub, logger)
	case domain.ActionUnsubscribe:
		return s.unsubscribe(ctx, sub, logger)
	case domain.ActionRefresh:
		return s.refresh(ctx, sub)
	case domain.ActionStatusQuery:
		item.Response = s.status(ctx, sub)
		return domain.StatusOK, nil
	case domain.ActionCreated, domain.ActionModified, domain.ActionDeleted:
		if s.cfg.SubscriptionsOnly {
			return domain.StatusOK, nil
		}
		return s.itemChanged(ctx, sub, note.Origin, item, logger)
	case domain.ActionFullSynch:
		if s.cfg.SubscriptionsOnly {
			return domain.StatusOK, nil
		}
		return s.reSynch(ctx, sub, logger)
	default:
		return domain.StatusError, fmt.Errorf("%w: action %q", domain.ErrUnsupported, item.Action)
	}
}

// newSubscription asks both ends to accept the subscription, then stores and schedules it.
// A rejection is returned as is; nothing is rolled back.
func (s *Synchling) newSubscription(ctx context.Context, sub *domain.Subscription, logger *slog.Logger) (domain.Status, error) {
	if err := sub.Validate(); err != nil {
		return domain.StatusError, err
	}
	if existing, err := s.cfg.Store.Find(ctx, sub.EndA, sub.EndB); err == nil && existing.ID != sub.ID {
		return domain.StatusError, fmt.Errorf("subscription %s links the same ends: %w", existing.ID, domain.ErrAlreadyExists)
	}

	for _, id := range []domain.EndID{domain.EndA, domain.EndB} {
		h, err := s.openEnd(ctx, sub, id)
		if err != nil {
			return domain.StatusOf(err), err
		}
		if err := h.inst.Subscribe(ctx); err != nil {
			return domain.StatusOf(err), fmt.Errorf("subscribe end %s: %w", id, err)
		}
	}

	if err := s.cfg.Store.Add(ctx, sub); err != nil {
		return domain.StatusError, fmt.Errorf("store subscription: %w", err)
	}
	s.cfg.Scheduler.Schedule(sub.ID, 0)
	logger.Info("subscription created",
		"end_a", sub.EndA.Key(),
		"end_b", sub.EndB.Key(),
		"direction", sub.Direction,
	)
	return domain.StatusOK, nil
}

// unsubscribe tears down both ends best effort and always deletes locally.
func (s *Synchling) unsubscribe(ctx context.Context, sub *domain.Subscription, logger *slog.Logger) (domain.Status, error) {
	for _, id := range []domain.EndID{domain.EndA, domain.EndB} {
		h, err := s.openEnd(ctx, sub, id)
		if err != nil {
			logger.Warn("unsubscribe: end unavailable", "end", id, "error", err)
			continue
		}
		if err := h.inst.Unsubscribe(ctx); err != nil {
			logger.Warn("unsubscribe: end failed", "end", id, "error", err)
		}
	}

	sub.Deleted = true
	s.cfg.Scheduler.Cancel(sub.ID)
	if err := s.cfg.Store.Delete(ctx, sub.ID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		logger.Error("unsubscribe: delete failed", "error", err)
	}
	logger.Info("subscription deleted")
	return domain.StatusOK, nil
}

// refresh drops cached change tokens and reschedules immediately.
func (s *Synchling) refresh(ctx context.Context, sub *domain.Subscription) (domain.Status, error) {
	for _, id := range []domain.EndID{domain.EndA, domain.EndB} {
		h, err := s.openEnd(ctx, sub, id)
		if err != nil {
			return domain.StatusOf(err), err
		}
		if err := h.inst.ForceRefresh(ctx); err != nil {
			return domain.StatusOf(err), fmt.Errorf("refresh end %s: %w", id, err)
		}
	}
	sub.LastRefresh = nil
	sub.UpdatedAt = time.Now()
	if err := s.cfg.Store.Update(ctx, sub); err != nil {
		return domain.StatusOf(err), err
	}
	s.cfg.Scheduler.Schedule(sub.ID, 0)
	return domain.StatusOK, nil
}

// status validates both ends through their connector instances.
func (s *Synchling) status(ctx context.Context, sub *domain.Subscription) *domain.SubscriptionStatus {
	st := &domain.SubscriptionStatus{
		SubscriptionID: sub.ID,
		Direction:      sub.Direction,
		Master:         sub.Master,
		ErrorCount:     sub.ErrorCount,
		MissingTarget:  sub.MissingTarget,
		LastRefresh:    sub.LastRefresh,
		Pending:        sub.PendingUnsubscribe != nil,
		Status:         domain.StatusOK,
	}
	st.EndA = s.endStatus(ctx, sub, domain.EndA)
	st.EndB = s.endStatus(ctx, sub, domain.EndB)
	st.Status = st.EndA.Status.Worse(st.EndB.Status)
	return st
}

func (s *Synchling) endStatus(ctx context.Context, sub *domain.Subscription, id domain.EndID) domain.EndStatus {
	desc := sub.End(id)
	es := domain.EndStatus{
		ConnectorID:       desc.ConnectorID,
		URI:               desc.URI,
		LastRefreshStatus: desc.LastRefreshStatus,
		Counts:            desc.Counts,
		Status:            domain.StatusOK,
	}
	h, err := s.openEnd(ctx, sub, id)
	if err == nil {
		es.Kind = h.connector.Kind()
		es.ReadOnly = h.connector.IsReadOnly()
		err = h.inst.Check(ctx)
	}
	if err != nil {
		es.Status = domain.StatusOf(err)
		es.Message = err.Error()
	}
	return es
}

// itemChanged applies a single pushed change from the origin end to the other end.
func (s *Synchling) itemChanged(ctx context.Context, sub *domain.Subscription, origin domain.EndID, it *domain.NotificationItem, logger *slog.Logger) (domain.Status, error) {
	if !origin.Valid() {
		return domain.StatusError, fmt.Errorf("%w: item notification without origin", domain.ErrInvalidInput)
	}
	if !sub.Allows(origin) {
		logger.Debug("change ignored by direction", "origin", origin, "uid", it.UID)
		return domain.StatusOK, nil
	}

	route := domain.Route{From: origin, To: origin.Other()}
	ends, err := s.openEnds(ctx, sub)
	if err != nil {
		return domain.StatusOf(err), err
	}
	src, dst := ends[route.From], ends[route.To]
	if dst.connector.IsReadOnly() {
		return domain.StatusOK, nil
	}

	var run domain.CrudCounts
	status, marked, err := s.applyChange(ctx, sub, route, src, dst, it, &run)
	if run != (domain.CrudCounts{}) || marked {
		dst.inst.Counts().Record(run)
		sub.UpdatedAt = time.Now()
		if uerr := s.cfg.Store.Update(context.WithoutCancel(ctx), sub); uerr != nil {
			logger.Error("failed to persist counters", "error", uerr)
		}
	}
	return status, err
}

// applyChange writes one item to dst. marked reports whether the uid's
// entry in the synchronized set changed.
func (s *Synchling) applyChange(ctx context.Context, sub *domain.Subscription, route domain.Route, src, dst *endHandle, it *domain.NotificationItem, run *domain.CrudCounts) (status domain.Status, marked bool, err error) {
	uid := it.UID
	if uid == "" && it.Item != nil {
		uid = it.Item.UID
	}

	if it.Action == domain.ActionDeleted {
		if sub.Options.SuppressDeletes {
			return domain.StatusOK, false, nil
		}
		if err := dst.inst.DeleteItem(ctx, uid); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return domain.StatusOK, sub.SetSynched(uid, false), nil
			}
			return domain.StatusOf(err), false, fmt.Errorf("delete %s: %w", uid, err)
		}
		run.Deleted++
		return domain.StatusOK, sub.SetSynched(uid, false), nil
	}

	item := it.Item
	if item == nil {
		if item, err = src.inst.FetchItem(ctx, uid); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return domain.StatusOK, false, nil
			}
			return domain.StatusOf(err), false, fmt.Errorf("fetch %s: %w", uid, err)
		}
	}

	desired, err := transform(item, src, dst)
	if err != nil || desired == nil {
		return domain.StatusOf(err), false, err
	}

	current, err := dst.inst.FetchItem(ctx, uid)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		if err := dst.inst.AddItem(ctx, desired); err != nil {
			return domain.StatusOf(err), false, fmt.Errorf("add %s: %w", uid, err)
		}
		run.Created++
		return domain.StatusOK, sub.SetSynched(uid, true), nil
	case err != nil:
		return domain.StatusOf(err), false, fmt.Errorf("fetch %s: %w", uid, err)
	}

	updated, err := s.update(ctx, s.differFor(sub, route, src, dst), dst, desired, current)
	if err != nil {
		return domain.StatusOf(err), false, err
	}
	if updated {
		run.Updated++
	}
	return domain.StatusOK, sub.SetSynched(uid, true), nil
}

// update diffs desired against the filtered destination item and writes the
// minimal change set guarded by the destination change token.
func (s *Synchling) update(ctx context.Context, differ *Differ, dst *endHandle, desired, current *domain.Item) (bool, error) {
	filtered, err := dst.out.apply(current)
	if err != nil || filtered == nil {
		return false, err
	}
	cs := differ.Diff(desired, filtered)
	if cs == nil {
		return false, nil
	}
	if err := dst.inst.UpdateItem(ctx, current.UID, current.ChangeToken, cs); err != nil {
		return false, fmt.Errorf("update %s: %w", current.UID, err)
	}
	return true, nil
}

// transform runs an item through the source input filters and the destination output filters.
func transform(item *domain.Item, src, dst *endHandle) (*domain.Item, error) {
	out, err := src.in.apply(item)
	if err != nil || out == nil {
		return nil, err
	}
	if out, err = dst.out.apply(out); err != nil || out == nil {
		return nil, err
	}
	out = out.Clone()
	out.ChangeToken = ""
	return out, nil
}

// differFor returns the cached differ for route, rebuilding the cache when
// the subscription changes. Skip lists depend on the subscription filters.
func (s *Synchling) differFor(sub *domain.Subscription, route domain.Route, src, dst *endHandle) *Differ {
	if s.differSub != sub.ID || s.differs == nil {
		s.differSub = sub.ID
		s.differs = make(map[domain.Route]*Differ)
	}
	d, ok := s.differs[route]
	if !ok {
		d = NewDiffer(append(src.in.skipList(), dst.out.skipList()...)...)
		s.differs[route] = d
	}
	return d
}

// endHandle holds the connector handles resolved for one end during one pass.
type endHandle struct {
	id        domain.EndID
	connector driven.Connector
	inst      driven.ConnectorInstance
	in, out   filterChain
}

func (s *Synchling) openEnd(ctx context.Context, sub *domain.Subscription, id domain.EndID) (*endHandle, error) {
	desc := sub.End(id)
	connector, err := s.cfg.Connectors.Get(desc.ConnectorID)
	if err != nil {
		return nil, fmt.Errorf("end %s: %w", id, err)
	}
	inst, err := connector.Instance(ctx, sub, id)
	if err != nil {
		return nil, fmt.Errorf("end %s: instance: %w", id, err)
	}
	if err := inst.Open(ctx); err != nil {
		return nil, fmt.Errorf("end %s: open: %w", id, err)
	}
	in, out, err := buildFilters(sub, id)
	if err != nil {
		return nil, err
	}
	return &endHandle{id: id, connector: connector, inst: inst, in: in, out: out}, nil
}

func (s *Synchling) openEnds(ctx context.Context, sub *domain.Subscription) (map[domain.EndID]*endHandle, error) {
	ends := make(map[domain.EndID]*endHandle, 2)
	for _, id := range []domain.EndID{domain.EndA, domain.EndB} {
		h, err := s.openEnd(ctx, sub, id)
		if err != nil {
			return nil, err
		}
		ends[id] = h
	}
	return ends, nil
}

// nextDelay picks when a subscription should be reconciled again.
func (s *Synchling) nextDelay(sub *domain.Subscription) time.Duration {
	if sub.ErrorCount > 0 {
		return s.cfg.RetryDelay
	}
	for _, id := range []domain.EndID{domain.EndA, domain.EndB} {
		c, err := s.cfg.Connectors.Get(sub.End(id).ConnectorID)
		if err != nil {
			return s.cfg.RetryDelay
		}
		if c.Kind() != domain.ConnectorNotify {
			return s.cfg.RefreshDelay
		}
	}
	return s.cfg.NotifyResyncDelay
}
