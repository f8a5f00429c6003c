package services

import (
	"log/slog"
	"slices"
	"testing"

	"github.com/custodia-labs/calsynch/internal/core/domain"
)

func info(uid, lastmod string) domain.ItemInfo {
	return domain.ItemInfo{UID: uid, Lastmod: lastmod}
}

// synchedSet reports the given uids as synchronized before.
func synchedSet(uids ...string) func(string) bool {
	return func(uid string) bool { return slices.Contains(uids, uid) }
}

var (
	aToB = domain.Route{From: domain.EndA, To: domain.EndB}
	bToA = domain.Route{From: domain.EndB, To: domain.EndA}
)

func TestClassify_AddAndSkip(t *testing.T) {
	a := newItemMap([]domain.ItemInfo{
		info("u1", "2024-01-01T00:00:00Z"),
		info("u2", "2024-01-02T00:00:00Z"),
	})
	b := newItemMap([]domain.ItemInfo{
		info("u1", "2024-01-01T00:00:00Z"),
	})

	p := make(plan)
	for _, route := range []domain.Route{aToB, bToA} {
		src, dst := a, b
		if route == bToA {
			src, dst = b, a
		}
		seen := make(map[string]bool)
		classify(route, src, dst, true, synchedSet(), p, seen)
		checkDeletes(route, dst, seen, synchedSet(), p)
	}

	if len(p) != 1 {
		t.Fatalf("expected exactly one decision, got %d", len(p))
	}
	rec, ok := p["u2"]
	if !ok || rec.addTo != domain.EndB {
		t.Errorf("expected u2 added to B, got %+v", rec)
	}
}

func TestClassify_Update(t *testing.T) {
	tests := []struct {
		name       string
		srcLastmod string
		dstLastmod string
		trusted    bool
		wantUpdate bool
	}{
		{"destination older", "2024-01-02T00:00:00Z", "2024-01-01T00:00:00Z", true, true},
		{"destination equal", "2024-01-01T00:00:00Z", "2024-01-01T00:00:00Z", true, false},
		{"destination newer", "2024-01-01T00:00:00Z", "2024-01-02T00:00:00Z", true, false},
		{"untrusted newer", "2024-01-01T00:00:00Z", "2024-01-02T00:00:00Z", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := newItemMap([]domain.ItemInfo{info("u1", tt.srcLastmod)})
			dst := newItemMap([]domain.ItemInfo{info("u1", tt.dstLastmod)})
			p := make(plan)
			seen := make(map[string]bool)

			classify(aToB, src, dst, tt.trusted, nil, p, seen)

			if !seen["u1"] {
				t.Error("expected u1 to be seen")
			}
			_, updates, _ := p.forRoute(aToB)
			if got := len(updates) == 1; got != tt.wantUpdate {
				t.Errorf("update = %v, want %v", got, tt.wantUpdate)
			}
		})
	}
}

func TestClassify_SnapshotsNotMutated(t *testing.T) {
	src := newItemMap([]domain.ItemInfo{info("u1", "2024-01-02T00:00:00Z")})
	dst := newItemMap([]domain.ItemInfo{info("u1", "2024-01-01T00:00:00Z")})
	before := dst["u1"]

	classify(aToB, src, dst, true, nil, make(plan), make(map[string]bool))

	if dst["u1"] != before {
		t.Error("classification must not modify the snapshot")
	}
}

func TestCheckDeletes(t *testing.T) {
	tests := []struct {
		name    string
		synched func(string) bool
		want    int
	}{
		{"one way deletes unseen", nil, 1},
		{"both ways keeps new item", synchedSet(), 0},
		{"both ways deletes synched item", synchedSet("u1"), 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := newItemMap(nil)
			dst := newItemMap([]domain.ItemInfo{info("u1", "2024-01-01T00:00:00Z")})
			p := make(plan)
			seen := make(map[string]bool)

			classify(aToB, src, dst, true, tt.synched, p, seen)
			checkDeletes(aToB, dst, seen, tt.synched, p)

			_, _, deletes := p.forRoute(aToB)
			if len(deletes) != tt.want {
				t.Fatalf("expected %d deletes, got %d", tt.want, len(deletes))
			}
			if tt.want == 1 && deletes[0].deleteFrom != domain.EndB {
				t.Errorf("expected delete from B, got %s", deletes[0].deleteFrom)
			}
		})
	}
}

func TestClassify_BothWaysSkipsDeletedAtDestination(t *testing.T) {
	src := newItemMap([]domain.ItemInfo{info("u1", "2024-01-01T00:00:00Z")})
	dst := newItemMap(nil)
	p := make(plan)

	classify(aToB, src, dst, true, synchedSet("u1"), p, make(map[string]bool))

	if len(p) != 0 {
		t.Errorf("expected no add for an item deleted at the destination, got %+v", p["u1"])
	}
}

func TestClassify_BothWaysDeletionReachesOrigin(t *testing.T) {
	// u1 was copied from A to B; the copy was then deleted at B.
	a := newItemMap([]domain.ItemInfo{info("u1", "2024-01-01T00:00:00Z"), info("u2", "2024-01-03T00:00:00Z")})
	b := newItemMap(nil)
	synched := synchedSet("u1")

	p := make(plan)
	for _, route := range []domain.Route{aToB, bToA} {
		src, dst := a, b
		if route == bToA {
			src, dst = b, a
		}
		seen := make(map[string]bool)
		classify(route, src, dst, true, synched, p, seen)
		checkDeletes(route, dst, seen, synched, p)
	}

	if rec := p["u1"]; rec == nil || rec.deleteFrom != domain.EndA {
		t.Errorf("expected u1 deleted from A, got %+v", rec)
	}
	if rec := p["u2"]; rec == nil || rec.addTo != domain.EndB {
		t.Errorf("expected new u2 added to B, got %+v", rec)
	}
}

func TestPlan_SynchedAfter(t *testing.T) {
	sub := &domain.Subscription{SynchedUIDs: []string{"gone", "kept", "pending"}}
	maps := map[domain.EndID]itemMap{
		domain.EndA: newItemMap([]domain.ItemInfo{info("both", ""), info("added", ""), info("kept", ""), info("pending", ""), info("failed", "")}),
		domain.EndB: newItemMap([]domain.ItemInfo{info("both", ""), info("kept", ""), info("only-b", "")}),
	}
	p := plan{
		"added":   {uid: "added", addTo: domain.EndB, applied: true},
		"failed":  {uid: "failed", addTo: domain.EndB},
		"pending": {uid: "pending", deleteFrom: domain.EndA},
		"kept":    {uid: "kept", updateAt: domain.EndB, applied: true},
	}

	got := p.synchedAfter(sub, maps)

	want := []string{"added", "both", "kept", "pending"}
	if !slices.Equal(got, want) {
		t.Errorf("synchedAfter = %v, want %v", got, want)
	}
}

func TestResolveConflicts(t *testing.T) {
	tests := []struct {
		name       string
		master     domain.EndID
		lastmodA   string
		lastmodB   string
		wantAt     domain.EndID
		wantAbsent bool
	}{
		{"master wins", domain.EndA, "2024-01-01T00:00:00Z", "2024-01-09T00:00:00Z", domain.EndB, false},
		{"later A wins", domain.EndNone, "2024-01-09T00:00:00Z", "2024-01-01T00:00:00Z", domain.EndB, false},
		{"later B wins", domain.EndNone, "2024-01-01T00:00:00Z", "2024-01-09T00:00:00Z", domain.EndA, false},
		{"tie skipped", domain.EndNone, "2024-01-01T00:00:00Z", "2024-01-01T00:00:00Z", domain.EndNone, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newItemMap([]domain.ItemInfo{info("u1", tt.lastmodA)})
			b := newItemMap([]domain.ItemInfo{info("u1", tt.lastmodB)})
			p := make(plan)
			classify(aToB, a, b, false, synchedSet("u1"), p, make(map[string]bool))
			classify(bToA, b, a, false, synchedSet("u1"), p, make(map[string]bool))

			if rec := p["u1"]; rec == nil || !rec.conflict {
				t.Fatalf("expected a conflict record, got %+v", rec)
			}

			sub := &domain.Subscription{Master: tt.master}
			resolveConflicts(sub, p, map[domain.EndID]itemMap{domain.EndA: a, domain.EndB: b}, slog.Default())

			rec, ok := p["u1"]
			if tt.wantAbsent {
				if ok {
					t.Errorf("expected tie to be dropped, got %+v", rec)
				}
				return
			}
			if !ok || rec.conflict || rec.updateAt != tt.wantAt {
				t.Errorf("expected update at %s, got %+v", tt.wantAt, rec)
			}
		})
	}
}

func TestPlan_ForRoute(t *testing.T) {
	p := plan{
		"c": {uid: "c", addTo: domain.EndB},
		"a": {uid: "a", addTo: domain.EndB},
		"b": {uid: "b", updateAt: domain.EndA},
		"d": {uid: "d", deleteFrom: domain.EndB},
		"e": {uid: "e", updateAt: domain.EndB, conflict: true},
	}

	adds, updates, deletes := p.forRoute(aToB)
	if len(adds) != 2 || adds[0].uid != "a" || adds[1].uid != "c" {
		t.Errorf("expected sorted adds [a c], got %v", adds)
	}
	if len(updates) != 0 {
		t.Errorf("expected no updates for B, got %v", updates)
	}
	if len(deletes) != 1 || deletes[0].uid != "d" {
		t.Errorf("expected delete d, got %v", deletes)
	}
}
