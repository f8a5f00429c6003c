package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/samber/lo"

	"github.com/custodia-labs/calsynch/internal/core/domain"
)

// reSynch runs a full reconciliation pass. Whatever happens, the pass ends by
// stamping, persisting and rescheduling the subscription.
func (s *Synchling) reSynch(ctx context.Context, sub *domain.Subscription, logger *slog.Logger) (status domain.Status, err error) {
	start := time.Now()
	status = domain.StatusError
	defer func() {
		s.finishPass(ctx, sub, status, logger)
		logger.Info("full synch completed",
			"status", status,
			"duration", time.Since(start),
		)
	}()

	ends, err := s.openEnds(ctx, sub)
	if err != nil {
		if errors.Is(err, domain.ErrMissingTarget) {
			return s.missingTarget(ctx, sub, err, logger)
		}
		return domain.StatusOf(err), err
	}

	// Only routes whose source moved since the last recorded token need work.
	var active []domain.Route
	for _, route := range sub.Routes() {
		changed, err := ends[route.From].inst.Changed(ctx)
		if err != nil {
			if errors.Is(err, domain.ErrMissingTarget) {
				return s.missingTarget(ctx, sub, err, logger)
			}
			return domain.StatusOf(err), fmt.Errorf("changed %s: %w", route.From, err)
		}
		if changed {
			active = append(active, route)
		}
	}
	if len(active) == 0 {
		logger.Debug("no end changed since last pass")
		return domain.StatusOK, nil
	}

	maps := make(map[domain.EndID]itemMap, 2)
	for _, route := range active {
		for _, id := range []domain.EndID{route.From, route.To} {
			if _, ok := maps[id]; ok {
				continue
			}
			infos, err := ends[id].inst.GetItemsInfo(ctx)
			if err != nil {
				if errors.Is(err, domain.ErrMissingTarget) {
					return s.missingTarget(ctx, sub, err, logger)
				}
				return domain.StatusOf(err), fmt.Errorf("list end %s: %w", id, err)
			}
			maps[id] = newItemMap(infos)
		}
	}
	sub.MissingTarget = false
	sub.MissingTargetRetries = 0

	trusted := ends[domain.EndA].connector.TrustLastmod() && ends[domain.EndB].connector.TrustLastmod()
	var synched func(string) bool
	if sub.BothWays() && !sub.Options.SuppressDeletes {
		synched = sub.WasSynched
	}
	p := make(plan)
	for _, route := range active {
		seen := make(map[string]bool)
		classify(route, maps[route.From], maps[route.To], trusted, synched, p, seen)
		if !sub.Options.SuppressDeletes {
			checkDeletes(route, maps[route.To], seen, synched, p)
		}
	}
	resolveConflicts(sub, p, maps, logger)

	result := domain.StatusOK
	for _, route := range sub.Routes() {
		st, err := s.applyRoute(ctx, sub, route, ends, p, logger)
		if err != nil {
			return st, err
		}
		result = result.Worse(st)
	}
	sub.SynchedUIDs = p.synchedAfter(sub, maps)
	return result, nil
}

// applyRoute adds, updates and deletes everything planned for route.To, in
// rounds of at most BatchSize uids. Item failures are logged and the round
// continues; a transient one turns the result into WARNING.
func (s *Synchling) applyRoute(ctx context.Context, sub *domain.Subscription, route domain.Route, ends map[domain.EndID]*endHandle, p plan, logger *slog.Logger) (domain.Status, error) {
	src, dst := ends[route.From], ends[route.To]
	adds, updates, deletes := p.forRoute(route)
	if len(adds)+len(updates)+len(deletes) == 0 {
		return domain.StatusOK, nil
	}
	logger = logger.With("route", route.String())
	if dst.connector.IsReadOnly() {
		logger.Debug("destination is read only, skipping route")
		return domain.StatusOK, nil
	}

	differ := s.differFor(sub, route, src, dst)
	status := domain.StatusOK
	var run domain.CrudCounts
	defer func() {
		dst.inst.Counts().Record(run)
		logger.Debug("route applied",
			"created", run.Created,
			"updated", run.Updated,
			"deleted", run.Deleted,
		)
	}()

	itemFailed := func(op, uid string, err error) {
		logger.Warn("item "+op+" failed", "uid", uid, "error", err)
		if domain.IsTransient(err) || errors.Is(err, context.DeadlineExceeded) {
			status = status.Worse(domain.StatusWarning)
		}
	}

	for _, batch := range lo.Chunk(slices.Concat(adds, updates), s.cfg.BatchSize) {
		uids := lo.Map(batch, func(r *synchInfo, _ int) string { return r.uid })
		items, err := src.inst.FetchItems(ctx, uids)
		if err != nil {
			return domain.StatusOf(err), fmt.Errorf("fetch from %s: %w", route.From, err)
		}
		fetched := lo.KeyBy(items, func(it *domain.Item) string { return it.UID })

		var current map[string]*domain.Item
		updateUIDs := lo.FilterMap(batch, func(r *synchInfo, _ int) (string, bool) {
			return r.uid, r.updateAt == route.To
		})
		if len(updateUIDs) > 0 {
			cur, err := dst.inst.FetchItems(ctx, updateUIDs)
			if err != nil {
				return domain.StatusOf(err), fmt.Errorf("fetch from %s: %w", route.To, err)
			}
			current = lo.KeyBy(cur, func(it *domain.Item) string { return it.UID })
		}

		for _, rec := range batch {
			item, ok := fetched[rec.uid]
			if !ok {
				// removed at the source since the snapshot
				continue
			}
			desired, err := transform(item, src, dst)
			if err != nil {
				itemFailed("filter", rec.uid, err)
				continue
			}
			if desired == nil {
				continue
			}

			if rec.addTo == route.To {
				if err := dst.inst.AddItem(ctx, desired); err != nil {
					itemFailed("add", rec.uid, err)
					continue
				}
				rec.applied = true
				run.Created++
				continue
			}

			cur, ok := current[rec.uid]
			if !ok {
				continue
			}
			updated, err := s.update(ctx, differ, dst, desired, cur)
			if err != nil {
				itemFailed("update", rec.uid, err)
				continue
			}
			if updated {
				run.Updated++
			}
		}
	}

	for _, batch := range lo.Chunk(deletes, s.cfg.BatchSize) {
		for _, rec := range batch {
			if err := dst.inst.DeleteItem(ctx, rec.uid); err != nil {
				if errors.Is(err, domain.ErrNotFound) {
					rec.applied = true
					continue
				}
				itemFailed("delete", rec.uid, err)
				continue
			}
			rec.applied = true
			run.Deleted++
		}
	}

	return status, nil
}

// missingTarget counts a vanished remote collection. Past the configured
// number of retries the subscription is deleted.
func (s *Synchling) missingTarget(ctx context.Context, sub *domain.Subscription, cause error, logger *slog.Logger) (domain.Status, error) {
	sub.MissingTarget = true
	sub.MissingTargetRetries++
	if sub.MissingTargetRetries <= s.cfg.MissingTargetRetries {
		logger.Warn("target collection missing",
			"retries", sub.MissingTargetRetries,
			"max_retries", s.cfg.MissingTargetRetries,
		)
		return domain.StatusError, cause
	}

	logger.Error("target collection missing, deleting subscription",
		"retries", sub.MissingTargetRetries,
	)
	sub.Deleted = true
	s.cfg.Scheduler.Cancel(sub.ID)
	if err := s.cfg.Store.Delete(context.WithoutCancel(ctx), sub.ID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		logger.Error("failed to delete subscription", "error", err)
	}
	return domain.StatusError, cause
}

// finishPass stamps the refresh outcome, persists the subscription and arms
// its next pass. It runs even when the caller's context is already done.
func (s *Synchling) finishPass(ctx context.Context, sub *domain.Subscription, status domain.Status, logger *slog.Logger) {
	ctx = context.WithoutCancel(ctx)

	now := time.Now()
	sub.LastRefresh = &now
	sub.EndA.LastRefreshStatus = status
	sub.EndB.LastRefreshStatus = status
	if status == domain.StatusOK {
		sub.ErrorCount = 0
	} else {
		sub.ErrorCount++
		sub.ClearChangeTokens()
	}
	if sub.Deleted {
		return
	}

	sub.UpdatedAt = now
	if err := s.cfg.Store.Update(ctx, sub); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// unsubscribed while the pass was running
			return
		}
		logger.Error("failed to persist subscription", "error", err)
	}
	s.cfg.Scheduler.Schedule(sub.ID, s.nextDelay(sub))
}
