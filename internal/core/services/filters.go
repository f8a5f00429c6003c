package services

import (
	"fmt"
	"strings"

	"github.com/custodia-labs/calsynch/internal/core/domain"
	"github.com/custodia-labs/calsynch/internal/core/ports/driven"
)

// X-properties used when an end cannot store LOCATION or CATEGORIES natively.
const (
	XPropLocation   = "X-CALSYNCH-LOCATION"
	XPropCategories = "X-CALSYNCH-CATEGORIES"
)

// filterChain applies filters in order; a nil result from any filter suppresses the item.
type filterChain []driven.Filter

func (c filterChain) apply(item *domain.Item) (*domain.Item, error) {
	out := item
	for _, f := range c {
		if out == nil {
			return nil, nil
		}
		var err error
		if out, err = f.Apply(out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (c filterChain) skipList() []string {
	var out []string
	for _, f := range c {
		out = append(out, f.SkipList()...)
	}
	return out
}

// buildFilters returns the input and output filter chains for one end.
// Input filters run on items read from the end, output filters on items written to it.
func buildFilters(sub *domain.Subscription, end domain.EndID) (in, out filterChain, err error) {
	desc := sub.End(end)
	if desc == nil {
		return nil, nil, fmt.Errorf("%w: end %s", domain.ErrInvalidInput, end)
	}

	if desc.LocationXProp || desc.CategoryXProp {
		in = append(in, &xPropFilter{end: end, output: false})
		out = append(out, &xPropFilter{end: end, output: true})
	}
	if sub.Options.AlarmPolicy == domain.AlarmStrip {
		out = append(out, &stripFilter{names: []string{"VALARM"}})
	}
	if sub.Options.SchedulingPolicy == domain.SchedulingStrip {
		out = append(out, &stripFilter{names: []string{"ORGANIZER", "ATTENDEE"}})
	}
	if sub.Options.PublicOnly {
		out = append(out, &publicOnlyFilter{})
	}

	for _, f := range append(append(filterChain{}, in...), out...) {
		if err := f.Init(sub); err != nil {
			return nil, nil, fmt.Errorf("init filter: %w", err)
		}
	}
	return in, out, nil
}

// stripFilter removes the named properties. They are also excluded from diffs,
// otherwise stripped properties present at the destination would always differ.
type stripFilter struct {
	names []string
}

func (f *stripFilter) Init(*domain.Subscription) error { return nil }

func (f *stripFilter) Apply(item *domain.Item) (*domain.Item, error) {
	out := item.Clone()
	out.Remove(f.names...)
	return out, nil
}

func (f *stripFilter) SkipList() []string { return f.names }

// publicOnlyFilter suppresses private and confidential items.
type publicOnlyFilter struct{}

func (f *publicOnlyFilter) Init(*domain.Subscription) error { return nil }

func (f *publicOnlyFilter) Apply(item *domain.Item) (*domain.Item, error) {
	switch strings.ToUpper(item.Value("CLASS")) {
	case "PRIVATE", "CONFIDENTIAL":
		return nil, nil
	}
	return item, nil
}

func (f *publicOnlyFilter) SkipList() []string { return nil }

// xPropFilter moves LOCATION and CATEGORIES into x-properties on output
// and back on input, for ends that cannot store them natively.
type xPropFilter struct {
	end      domain.EndID
	output   bool
	location bool
	category bool
}

func (f *xPropFilter) Init(sub *domain.Subscription) error {
	desc := sub.End(f.end)
	if desc == nil {
		return fmt.Errorf("%w: end %s", domain.ErrInvalidInput, f.end)
	}
	f.location = desc.LocationXProp
	f.category = desc.CategoryXProp
	return nil
}

func (f *xPropFilter) Apply(item *domain.Item) (*domain.Item, error) {
	out := item.Clone()
	for _, m := range f.mappings() {
		if f.output {
			out.Rename(m[0], m[1])
		} else {
			out.Rename(m[1], m[0])
		}
	}
	return out, nil
}

// SkipList is empty in both directions. When both ends carry the
// x-properties the destination output writes them again, and they must be
// compared.
func (f *xPropFilter) SkipList() []string { return nil }

func (f *xPropFilter) mappings() [][2]string {
	var m [][2]string
	if f.location {
		m = append(m, [2]string{"LOCATION", XPropLocation})
	}
	if f.category {
		m = append(m, [2]string{"CATEGORIES", XPropCategories})
	}
	return m
}
