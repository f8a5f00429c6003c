package domain

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
)

// EndID names one side of a subscription
type EndID string

const (
	EndNone EndID = ""
	EndA    EndID = "a"
	EndB    EndID = "b"
)

// Other returns the opposite end.
func (e EndID) Other() EndID {
	switch e {
	case EndA:
		return EndB
	case EndB:
		return EndA
	default:
		return EndNone
	}
}

// Valid reports whether e names a real end.
func (e EndID) Valid() bool {
	return e == EndA || e == EndB
}

func (e EndID) String() string {
	if e == EndNone {
		return "none"
	}
	return string(e)
}

// Direction controls which way items flow between the two ends
type Direction string

const (
	DirectionAToB Direction = "a_to_b"
	DirectionBToA Direction = "b_to_a"
	DirectionBoth Direction = "both"
)

// Route is one directed leg of a subscription: items flow From -> To
type Route struct {
	From EndID
	To   EndID
}

func (r Route) String() string {
	return fmt.Sprintf("%s->%s", r.From, r.To)
}

// AlarmPolicy controls how VALARM components are propagated
type AlarmPolicy string

const (
	AlarmKeep  AlarmPolicy = "keep"
	AlarmStrip AlarmPolicy = "strip"
)

// SchedulingPolicy controls how ORGANIZER and ATTENDEE properties are propagated
type SchedulingPolicy string

const (
	SchedulingKeep  SchedulingPolicy = "keep"
	SchedulingStrip SchedulingPolicy = "strip"
)

// Options are the per-subscription processing options
type Options struct {
	AlarmPolicy      AlarmPolicy      `json:"alarm_policy,omitempty"`
	SchedulingPolicy SchedulingPolicy `json:"scheduling_policy,omitempty"`
	PublicOnly       bool             `json:"public_only,omitempty"`
	SuppressDeletes  bool             `json:"suppress_deletes,omitempty"`
}

// CrudCounts counts created, updated and deleted items
type CrudCounts struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Deleted int `json:"deleted"`
}

// Add returns the element-wise sum.
func (c CrudCounts) Add(o CrudCounts) CrudCounts {
	return CrudCounts{
		Created: c.Created + o.Created,
		Updated: c.Updated + o.Updated,
		Deleted: c.Deleted + o.Deleted,
	}
}

// EndCounts holds the counters of one end for the last run and since creation
type EndCounts struct {
	LastRun CrudCounts `json:"last_run"`
	Total   CrudCounts `json:"total"`
}

// Record stores run as the last-run counts and folds it into the total.
func (c *EndCounts) Record(run CrudCounts) {
	c.LastRun = run
	c.Total = c.Total.Add(run)
}

// End describes one side of a subscription
type End struct {
	ConnectorID string `json:"connector_id"`
	URI         string `json:"uri"`
	Principal   string `json:"principal,omitempty"`

	// Credential is stored encrypted by durable stores
	Credential string `json:"credential,omitempty"`

	// ChangeToken is the collection-level token recorded by the last Changed call
	ChangeToken       string    `json:"change_token,omitempty"`
	LastRefreshStatus Status    `json:"last_refresh_status,omitempty"`
	Counts            EndCounts `json:"counts"`

	// LocationXProp and CategoryXProp move LOCATION/CATEGORIES into x-properties at this end
	LocationXProp bool `json:"location_xprop,omitempty"`
	CategoryXProp bool `json:"category_xprop,omitempty"`

	// Properties are connector-specific settings
	Properties map[string]string `json:"properties,omitempty"`
}

// Key identifies the remote collection an end points at.
func (e End) Key() string {
	return e.ConnectorID + "|" + e.URI
}

// Subscription is the durable unit of synchronization intent
type Subscription struct {
	ID        string    `json:"id"`
	EndA      End       `json:"end_a"`
	EndB      End       `json:"end_b"`
	Direction Direction `json:"direction"`
	Master    EndID     `json:"master,omitempty"`
	Options   Options   `json:"options"`

	ErrorCount           int        `json:"error_count"`
	MissingTarget        bool       `json:"missing_target"`
	MissingTargetRetries int        `json:"missing_target_retries"`
	LastRefresh          *time.Time `json:"last_refresh,omitempty"`
	Deleted              bool       `json:"deleted"`

	// PendingUnsubscribe is set when an unsubscribe was requested but not yet processed
	PendingUnsubscribe *time.Time `json:"pending_unsubscribe,omitempty"`

	// SynchedUIDs lists, sorted, the uids known at both ends after the last
	// full pass. In both-ways mode an item missing at one end is a deletion
	// when its uid is listed here and a new item otherwise.
	SynchedUIDs []string `json:"synched_uids,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Changed marks in-memory modifications not yet persisted
	Changed bool `json:"-"`
}

// NewSubscription creates a subscription with a fresh id.
func NewSubscription(endA, endB End, direction Direction, master EndID, opts Options) *Subscription {
	now := time.Now()
	return &Subscription{
		ID:        uuid.NewString(),
		EndA:      endA,
		EndB:      endB,
		Direction: direction,
		Master:    master,
		Options:   opts,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Validate checks the subscription is well formed.
func (s *Subscription) Validate() error {
	if s.EndA.ConnectorID == "" || s.EndB.ConnectorID == "" {
		return fmt.Errorf("%w: both ends need a connector", ErrInvalidInput)
	}
	if s.EndA.Key() == s.EndB.Key() {
		return fmt.Errorf("%w: ends must differ", ErrInvalidInput)
	}
	switch s.Direction {
	case DirectionAToB, DirectionBToA, DirectionBoth:
	default:
		return fmt.Errorf("%w: unknown direction %q", ErrInvalidInput, s.Direction)
	}
	if s.Master != EndNone && !s.Master.Valid() {
		return fmt.Errorf("%w: unknown master %q", ErrInvalidInput, s.Master)
	}
	return nil
}

// End returns a pointer to the descriptor of the given end, or nil.
func (s *Subscription) End(id EndID) *End {
	switch id {
	case EndA:
		return &s.EndA
	case EndB:
		return &s.EndB
	default:
		return nil
	}
}

// Routes lists the directed legs implied by the direction.
func (s *Subscription) Routes() []Route {
	switch s.Direction {
	case DirectionAToB:
		return []Route{{From: EndA, To: EndB}}
	case DirectionBToA:
		return []Route{{From: EndB, To: EndA}}
	case DirectionBoth:
		return []Route{{From: EndA, To: EndB}, {From: EndB, To: EndA}}
	default:
		return nil
	}
}

// Allows reports whether items may flow from one end to the other.
func (s *Subscription) Allows(from EndID) bool {
	for _, r := range s.Routes() {
		if r.From == from {
			return true
		}
	}
	return false
}

// BothWays reports whether the subscription synchronizes in both directions.
func (s *Subscription) BothWays() bool {
	return s.Direction == DirectionBoth
}

// ClearChangeTokens forces the next pass to treat both ends as changed.
func (s *Subscription) ClearChangeTokens() {
	s.EndA.ChangeToken = ""
	s.EndB.ChangeToken = ""
	s.Changed = true
}

// WasSynched reports whether uid was present at both ends after the last full pass.
func (s *Subscription) WasSynched(uid string) bool {
	_, found := slices.BinarySearch(s.SynchedUIDs, uid)
	return found
}

// SetSynched adds or removes uid from SynchedUIDs and reports whether the list changed.
func (s *Subscription) SetSynched(uid string, synched bool) bool {
	i, found := slices.BinarySearch(s.SynchedUIDs, uid)
	switch {
	case synched && !found:
		s.SynchedUIDs = slices.Insert(s.SynchedUIDs, i, uid)
	case !synched && found:
		s.SynchedUIDs = slices.Delete(s.SynchedUIDs, i, i+1)
	default:
		return false
	}
	return true
}

// Clone returns a deep copy.
func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	c := *s
	c.EndA = s.EndA.clone()
	c.EndB = s.EndB.clone()
	if s.LastRefresh != nil {
		t := *s.LastRefresh
		c.LastRefresh = &t
	}
	if s.PendingUnsubscribe != nil {
		t := *s.PendingUnsubscribe
		c.PendingUnsubscribe = &t
	}
	c.SynchedUIDs = slices.Clone(s.SynchedUIDs)
	return &c
}

// Redacted returns a copy without end credentials, safe to expose.
func (s *Subscription) Redacted() *Subscription {
	c := s.Clone()
	if c != nil {
		c.EndA.Credential = ""
		c.EndB.Credential = ""
	}
	return c
}

func (e End) clone() End {
	e.Properties = maps.Clone(e.Properties)
	return e
}
