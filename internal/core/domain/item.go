package domain

import (
	"maps"
	"slices"
	"strings"
	"time"
)

// Property is a single calendar property. Repeated names are allowed.
type Property struct {
	Name   string            `json:"name"`
	Params map[string]string `json:"params,omitempty"`
	Value  string            `json:"value"`
}

// Key renders the property in a canonical form used for comparison.
func (p Property) Key() string {
	var b strings.Builder
	b.WriteString(strings.ToUpper(p.Name))
	keys := slices.Sorted(maps.Keys(p.Params))
	for _, k := range keys {
		b.WriteByte(';')
		b.WriteString(strings.ToUpper(k))
		b.WriteByte('=')
		b.WriteString(p.Params[k])
	}
	b.WriteByte(':')
	b.WriteString(p.Value)
	return b.String()
}

// Item is a protocol-neutral calendar entity
type Item struct {
	UID         string     `json:"uid"`
	Lastmod     string     `json:"lastmod,omitempty"`
	ChangeToken string     `json:"change_token,omitempty"`
	Properties  []Property `json:"properties"`
}

// Clone returns a deep copy.
func (i *Item) Clone() *Item {
	if i == nil {
		return nil
	}
	c := *i
	c.Properties = make([]Property, len(i.Properties))
	for n, p := range i.Properties {
		p.Params = maps.Clone(p.Params)
		c.Properties[n] = p
	}
	return &c
}

// Get returns every property with the given name.
func (i *Item) Get(name string) []Property {
	var out []Property
	for _, p := range i.Properties {
		if strings.EqualFold(p.Name, name) {
			out = append(out, p)
		}
	}
	return out
}

// Value returns the value of the first property with the given name.
func (i *Item) Value(name string) string {
	for _, p := range i.Properties {
		if strings.EqualFold(p.Name, name) {
			return p.Value
		}
	}
	return ""
}

// Remove deletes every property with one of the given names.
func (i *Item) Remove(names ...string) {
	i.Properties = slices.DeleteFunc(i.Properties, func(p Property) bool {
		return slices.ContainsFunc(names, func(n string) bool { return strings.EqualFold(n, p.Name) })
	})
}

// Rename changes the name of every property called from.
func (i *Item) Rename(from, to string) {
	for n := range i.Properties {
		if strings.EqualFold(i.Properties[n].Name, from) {
			i.Properties[n].Name = to
		}
	}
}

// ChangeSet is the minimal update produced by the differ.
// Set carries the full replacement values for every changed name.
type ChangeSet struct {
	Set    []Property `json:"set,omitempty"`
	Remove []string   `json:"remove,omitempty"`
}

// Empty reports whether the change set does nothing.
func (c *ChangeSet) Empty() bool {
	return c == nil || (len(c.Set) == 0 && len(c.Remove) == 0)
}

// Apply returns a copy of item with the change set applied.
func (c *ChangeSet) Apply(item *Item) *Item {
	out := item.Clone()
	if c.Empty() {
		return out
	}
	names := slices.Clone(c.Remove)
	for _, p := range c.Set {
		names = append(names, p.Name)
	}
	out.Remove(names...)
	for _, p := range c.Set {
		p.Params = maps.Clone(p.Params)
		out.Properties = append(out.Properties, p)
	}
	return out
}

// ItemInfo is the per-item metadata returned by a connector snapshot
type ItemInfo struct {
	UID     string `json:"uid"`
	Lastmod string `json:"lastmod"`

	// LastSynch is set when the engine last wrote this item
	LastSynch *time.Time `json:"last_synch,omitempty"`

	// Handle is an opaque connector-private reference (e.g. remote item id)
	Handle string `json:"-"`
}
