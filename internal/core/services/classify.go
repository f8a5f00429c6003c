package services

import (
	"log/slog"
	"slices"

	"github.com/custodia-labs/calsynch/internal/core/domain"
)

// itemMap is one end's snapshot keyed by uid.
type itemMap map[string]domain.ItemInfo

func newItemMap(infos []domain.ItemInfo) itemMap {
	m := make(itemMap, len(infos))
	for _, info := range infos {
		m[info.UID] = info
	}
	return m
}

func (m itemMap) sortedUIDs() []string {
	uids := make([]string, 0, len(m))
	for uid := range m {
		uids = append(uids, uid)
	}
	slices.Sort(uids)
	return uids
}

// synchInfo is one reconciliation decision. At most one of addTo, updateAt
// and deleteFrom is set. Records are built fresh for every pass and never
// written back into the snapshots they were derived from. applied is set
// once the add or delete went through.
type synchInfo struct {
	uid        string
	addTo      domain.EndID
	updateAt   domain.EndID
	deleteFrom domain.EndID
	conflict   bool
	applied    bool
}

// plan holds the decisions of one pass keyed by uid.
type plan map[string]*synchInfo

// forRoute returns the work whose destination is route.To, sorted by uid.
func (p plan) forRoute(route domain.Route) (adds, updates, deletes []*synchInfo) {
	uids := make([]string, 0, len(p))
	for uid := range p {
		uids = append(uids, uid)
	}
	slices.Sort(uids)

	for _, uid := range uids {
		rec := p[uid]
		switch {
		case rec.conflict:
			continue
		case rec.addTo == route.To:
			adds = append(adds, rec)
		case rec.updateAt == route.To:
			updates = append(updates, rec)
		case rec.deleteFrom == route.To:
			deletes = append(deletes, rec)
		}
	}
	return adds, updates, deletes
}

// classify compares the source snapshot of route against its destination.
// Items missing at the destination are added there. Items present at both
// ends are update candidates; with trusted lastmods only when the destination
// is strictly older. Every destination uid matched is recorded in seen.
//
// synched is nil in one-way mode and when deletions are suppressed. Otherwise
// a uid it reports as synchronized before was deleted at the destination;
// the reverse route deletes it from the source.
func classify(route domain.Route, src, dst itemMap, trusted bool, synched func(string) bool, p plan, seen map[string]bool) {
	for _, uid := range src.sortedUIDs() {
		info := src[uid]
		other, ok := dst[uid]
		if !ok {
			if synched != nil && synched(uid) {
				continue
			}
			p[uid] = &synchInfo{uid: uid, addTo: route.To}
			continue
		}

		seen[uid] = true
		if trusted && domain.CompareLastmod(other.Lastmod, info.Lastmod) >= 0 {
			continue
		}
		if rec, exists := p[uid]; exists && rec.updateAt == route.From {
			rec.conflict = true
			continue
		}
		p[uid] = &synchInfo{uid: uid, updateAt: route.To}
	}
}

// checkDeletes classifies destination items not seen during classify as
// deleted at the source. With synched set (both-ways mode) only uids
// synchronized before qualify; the others are new at the destination.
func checkDeletes(route domain.Route, dst itemMap, seen map[string]bool, synched func(string) bool, p plan) {
	for _, uid := range dst.sortedUIDs() {
		if seen[uid] {
			continue
		}
		if synched != nil && !synched(uid) {
			continue
		}
		p[uid] = &synchInfo{uid: uid, deleteFrom: route.To}
	}
}

// synchedAfter returns the sorted uids present at both ends once the applied
// records are taken into account. A uid synchronized before stays listed
// while it remains at either end, so a failed delete is retried rather than
// turned into an add.
func (p plan) synchedAfter(sub *domain.Subscription, maps map[domain.EndID]itemMap) []string {
	a, b := maps[domain.EndA], maps[domain.EndB]
	uids := make([]string, 0, len(a)+len(b))
	for uid := range a {
		uids = append(uids, uid)
	}
	for uid := range b {
		if _, ok := a[uid]; !ok {
			uids = append(uids, uid)
		}
	}
	slices.Sort(uids)

	out := make([]string, 0, len(uids))
	for _, uid := range uids {
		_, inA := a[uid]
		_, inB := b[uid]
		if rec := p[uid]; rec != nil && rec.applied {
			switch {
			case rec.addTo == domain.EndA:
				inA = true
			case rec.addTo == domain.EndB:
				inB = true
			case rec.deleteFrom == domain.EndA:
				inA = false
			case rec.deleteFrom == domain.EndB:
				inB = false
			}
		}
		if (inA && inB) || ((inA || inB) && sub.WasSynched(uid)) {
			out = append(out, uid)
		}
	}
	return out
}

// resolveConflicts decides records where both ends want to update the other.
// The master end wins; without one the later lastmod wins and ties are skipped.
func resolveConflicts(sub *domain.Subscription, p plan, maps map[domain.EndID]itemMap, logger *slog.Logger) {
	for uid, rec := range p {
		if !rec.conflict {
			continue
		}

		winner := sub.Master
		if !winner.Valid() {
			switch domain.CompareLastmod(maps[domain.EndA][uid].Lastmod, maps[domain.EndB][uid].Lastmod) {
			case 1:
				winner = domain.EndA
			case -1:
				winner = domain.EndB
			default:
				logger.Info("conflicting update skipped, equal lastmod", "uid", uid)
				delete(p, uid)
				continue
			}
		}

		rec.conflict = false
		rec.updateAt = winner.Other()
	}
}
