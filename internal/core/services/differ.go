package services

import (
	"slices"
	"strings"

	"github.com/samber/lo"

	"github.com/custodia-labs/calsynch/internal/core/domain"
)

// DefaultSkipList holds properties that are never compared.
// They change on every write regardless of content.
var DefaultSkipList = []string{"DTSTAMP", "LAST-MODIFIED", "SEQUENCE", "CREATED", "PRODID"}

// Differ computes property-level change sets between two representations of an item.
type Differ struct {
	skip map[string]struct{}
}

// NewDiffer creates a differ ignoring DefaultSkipList plus the extra names.
func NewDiffer(extra ...string) *Differ {
	skip := make(map[string]struct{}, len(DefaultSkipList)+len(extra))
	for _, name := range append(slices.Clone(DefaultSkipList), extra...) {
		skip[strings.ToUpper(name)] = struct{}{}
	}
	return &Differ{skip: skip}
}

// Skips reports whether name is excluded from comparison.
func (d *Differ) Skips(name string) bool {
	_, ok := d.skip[strings.ToUpper(name)]
	return ok
}

// Diff returns the changes that turn current into desired, or nil if they match.
// Repeated properties are compared as a set per name.
func (d *Differ) Diff(desired, current *domain.Item) *domain.ChangeSet {
	want := d.group(desired)
	have := d.group(current)

	cs := &domain.ChangeSet{}
	for _, name := range sortedKeys(want) {
		if sameValues(want[name], have[name]) {
			continue
		}
		cs.Set = append(cs.Set, want[name]...)
	}
	for _, name := range sortedKeys(have) {
		if _, ok := want[name]; !ok {
			cs.Remove = append(cs.Remove, name)
		}
	}

	if cs.Empty() {
		return nil
	}
	return cs
}

func (d *Differ) group(item *domain.Item) map[string][]domain.Property {
	out := make(map[string][]domain.Property)
	if item == nil {
		return out
	}
	for _, p := range item.Properties {
		name := strings.ToUpper(p.Name)
		if d.Skips(name) {
			continue
		}
		out[name] = append(out[name], p)
	}
	return out
}

func sameValues(a, b []domain.Property) bool {
	if len(a) != len(b) {
		return false
	}
	ka := lo.Map(a, func(p domain.Property, _ int) string { return p.Key() })
	kb := lo.Map(b, func(p domain.Property, _ int) string { return p.Key() })
	slices.Sort(ka)
	slices.Sort(kb)
	return slices.Equal(ka, kb)
}

func sortedKeys(m map[string][]domain.Property) []string {
	keys := lo.Keys(m)
	slices.Sort(keys)
	return keys
}
