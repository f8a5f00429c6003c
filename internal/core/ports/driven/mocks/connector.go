package mocks

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/custodia-labs/calsynch/internal/core/domain"
	"github.com/custodia-labs/calsynch/internal/core/ports/driven"
)

// MockCalendar is an in-memory calendar collection used behind MockConnector.
// It counts calls per operation and supports custom behavior injection.
type MockCalendar struct {
	mu        sync.Mutex
	items     map[string]*domain.Item
	lastSynch map[string]time.Time
	version   int
	tokenSeq  int
	calls     map[string]int

	// Missing makes every collection-level call fail with ErrMissingTarget
	Missing bool

	// Custom behavior hooks (optional)
	SubscribeFn    func() error
	UnsubscribeFn  func() error
	OpenFn         func() error
	GetItemsInfoFn func() ([]domain.ItemInfo, error)
	AddItemFn      func(item *domain.Item) error
	UpdateItemFn   func(uid string) error
	DeleteItemFn   func(uid string) error
	CheckFn        func() error
}

// NewMockCalendar creates an empty calendar.
func NewMockCalendar() *MockCalendar {
	return &MockCalendar{
		items:     make(map[string]*domain.Item),
		lastSynch: make(map[string]time.Time),
		calls:     make(map[string]int),
	}
}

// Put stores an item as if it was changed remotely.
func (c *MockCalendar) Put(item *domain.Item) {
	c.mu.Lock()
	defer c.mu.Unlock()
	stored := item.Clone()
	if stored.Lastmod == "" {
		stored.Lastmod = domain.FormatLastmod(time.Now())
	}
	stored.ChangeToken = c.nextToken()
	c.items[stored.UID] = stored
	c.version++
}

// Remove deletes an item as if it was deleted remotely.
func (c *MockCalendar) Remove(uid string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, uid)
	delete(c.lastSynch, uid)
	c.version++
}

// Item returns a copy of a stored item, or nil.
func (c *MockCalendar) Item(uid string) *domain.Item {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.items[uid].Clone()
}

// UIDs returns the sorted uids in the calendar.
func (c *MockCalendar) UIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	uids := make([]string, 0, len(c.items))
	for uid := range c.items {
		uids = append(uids, uid)
	}
	slices.Sort(uids)
	return uids
}

// Calls returns how many times an operation was invoked.
func (c *MockCalendar) Calls(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op]
}

// ResetCalls zeroes the call counters.
func (c *MockCalendar) ResetCalls() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = make(map[string]int)
}

func (c *MockCalendar) record(op string) {
	c.mu.Lock()
	c.calls[op]++
	c.mu.Unlock()
}

func (c *MockCalendar) nextToken() string {
	c.tokenSeq++
	return fmt.Sprintf("etag-%d", c.tokenSeq)
}

// MockConnector is a mock implementation of Connector backed by MockCalendars keyed by end URI.
type MockConnector struct {
	mu        sync.Mutex
	id        string
	calendars map[string]*MockCalendar

	KindValue domain.ConnectorKind
	ReadOnly  bool
	Trust     bool

	// Custom behavior hooks (optional)
	StartFn          func(cfg domain.ConnectorConfig) error
	StopFn           func() error
	InstanceFn       func(sub *domain.Subscription, end domain.EndID) error
	HandleCallbackFn func(req *domain.CallbackRequest) ([]*domain.Notification, error)

	Started bool
	Stopped bool
}

// Verify interface compliance
var _ driven.Connector = (*MockConnector)(nil)

// NewMockConnector creates a poll connector that trusts lastmod.
func NewMockConnector(id string) *MockConnector {
	return &MockConnector{
		id:        id,
		calendars: make(map[string]*MockCalendar),
		KindValue: domain.ConnectorPoll,
		Trust:     true,
	}
}

// Calendar returns the calendar at uri, creating it if needed.
func (m *MockConnector) Calendar(uri string) *MockCalendar {
	m.mu.Lock()
	defer m.mu.Unlock()
	cal, ok := m.calendars[uri]
	if !ok {
		cal = NewMockCalendar()
		m.calendars[uri] = cal
	}
	return cal
}

func (m *MockConnector) ID() string                 { return m.id }
func (m *MockConnector) Kind() domain.ConnectorKind { return m.KindValue }
func (m *MockConnector) IsReadOnly() bool           { return m.ReadOnly }
func (m *MockConnector) TrustLastmod() bool         { return m.Trust }

func (m *MockConnector) Start(ctx context.Context, cfg domain.ConnectorConfig, callbackURI string, sink driven.NotificationSink) error {
	if m.StartFn != nil {
		if err := m.StartFn(cfg); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.Started = true
	m.mu.Unlock()
	return nil
}

func (m *MockConnector) Stop(ctx context.Context) error {
	m.mu.Lock()
	m.Stopped = true
	m.mu.Unlock()
	if m.StopFn != nil {
		return m.StopFn()
	}
	return nil
}

func (m *MockConnector) Instance(ctx context.Context, sub *domain.Subscription, end domain.EndID) (driven.ConnectorInstance, error) {
	if m.InstanceFn != nil {
		if err := m.InstanceFn(sub, end); err != nil {
			return nil, err
		}
	}
	desc := sub.End(end)
	if desc == nil {
		return nil, fmt.Errorf("%w: end %s", domain.ErrInvalidInput, end)
	}
	return &mockInstance{cal: m.Calendar(desc.URI), end: desc, readOnly: m.ReadOnly}, nil
}

func (m *MockConnector) HandleCallback(ctx context.Context, req *domain.CallbackRequest) ([]*domain.Notification, error) {
	if m.HandleCallbackFn != nil {
		return m.HandleCallbackFn(req)
	}
	return nil, nil
}

func (m *MockConnector) RespondCallback(ctx context.Context, req *domain.CallbackRequest, notes []*domain.Notification, err error) *domain.CallbackResponse {
	if err != nil {
		return &domain.CallbackResponse{StatusCode: 400}
	}
	return &domain.CallbackResponse{StatusCode: 202}
}

type mockInstance struct {
	cal      *MockCalendar
	end      *domain.End
	readOnly bool
}

func (i *mockInstance) Subscribe(ctx context.Context) error {
	i.cal.record("Subscribe")
	if i.cal.SubscribeFn != nil {
		return i.cal.SubscribeFn()
	}
	if i.cal.Missing {
		return domain.ErrMissingTarget
	}
	return nil
}

func (i *mockInstance) Unsubscribe(ctx context.Context) error {
	i.cal.record("Unsubscribe")
	if i.cal.UnsubscribeFn != nil {
		return i.cal.UnsubscribeFn()
	}
	return nil
}

func (i *mockInstance) Open(ctx context.Context) error {
	i.cal.record("Open")
	if i.cal.OpenFn != nil {
		return i.cal.OpenFn()
	}
	return nil
}

func (i *mockInstance) Changed(ctx context.Context) (bool, error) {
	i.cal.record("Changed")
	i.cal.mu.Lock()
	defer i.cal.mu.Unlock()
	token := fmt.Sprintf("v%d", i.cal.version)
	changed := i.end.ChangeToken != token
	i.end.ChangeToken = token
	return changed, nil
}

func (i *mockInstance) GetItemsInfo(ctx context.Context) ([]domain.ItemInfo, error) {
	i.cal.record("GetItemsInfo")
	if i.cal.GetItemsInfoFn != nil {
		return i.cal.GetItemsInfoFn()
	}
	i.cal.mu.Lock()
	defer i.cal.mu.Unlock()
	if i.cal.Missing {
		return nil, fmt.Errorf("list collection: %w", domain.ErrMissingTarget)
	}
	infos := make([]domain.ItemInfo, 0, len(i.cal.items))
	for uid, item := range i.cal.items {
		info := domain.ItemInfo{UID: uid, Lastmod: item.Lastmod, Handle: uid}
		if at, ok := i.cal.lastSynch[uid]; ok {
			at := at
			info.LastSynch = &at
		}
		infos = append(infos, info)
	}
	slices.SortFunc(infos, func(a, b domain.ItemInfo) int {
		switch {
		case a.UID < b.UID:
			return -1
		case a.UID > b.UID:
			return 1
		}
		return 0
	})
	return infos, nil
}

func (i *mockInstance) AddItem(ctx context.Context, item *domain.Item) error {
	i.cal.record("AddItem")
	if i.cal.AddItemFn != nil {
		if err := i.cal.AddItemFn(item); err != nil {
			return err
		}
	}
	if i.readOnly {
		return domain.ErrReadOnly
	}
	i.cal.mu.Lock()
	defer i.cal.mu.Unlock()
	if _, exists := i.cal.items[item.UID]; exists {
		return fmt.Errorf("add %s: %w", item.UID, domain.ErrAlreadyExists)
	}
	stored := item.Clone()
	now := time.Now()
	stored.Lastmod = domain.FormatLastmod(now)
	stored.ChangeToken = i.cal.nextToken()
	i.cal.items[stored.UID] = stored
	i.cal.lastSynch[stored.UID] = now
	i.cal.version++
	return nil
}

func (i *mockInstance) FetchItem(ctx context.Context, uid string) (*domain.Item, error) {
	i.cal.record("FetchItem")
	i.cal.mu.Lock()
	defer i.cal.mu.Unlock()
	item, ok := i.cal.items[uid]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return item.Clone(), nil
}

func (i *mockInstance) FetchItems(ctx context.Context, uids []string) ([]*domain.Item, error) {
	i.cal.record("FetchItems")
	i.cal.mu.Lock()
	defer i.cal.mu.Unlock()
	out := make([]*domain.Item, 0, len(uids))
	for _, uid := range uids {
		if item, ok := i.cal.items[uid]; ok {
			out = append(out, item.Clone())
		}
	}
	return out, nil
}

func (i *mockInstance) UpdateItem(ctx context.Context, uid, changeToken string, changes *domain.ChangeSet) error {
	i.cal.record("UpdateItem")
	if i.cal.UpdateItemFn != nil {
		if err := i.cal.UpdateItemFn(uid); err != nil {
			return err
		}
	}
	if i.readOnly {
		return domain.ErrReadOnly
	}
	i.cal.mu.Lock()
	defer i.cal.mu.Unlock()
	item, ok := i.cal.items[uid]
	if !ok {
		return domain.ErrNotFound
	}
	if item.ChangeToken != changeToken {
		return fmt.Errorf("update %s: %w", uid, domain.ErrConflict)
	}
	updated := changes.Apply(item)
	now := time.Now()
	updated.Lastmod = domain.FormatLastmod(now)
	updated.ChangeToken = i.cal.nextToken()
	i.cal.items[uid] = updated
	i.cal.lastSynch[uid] = now
	i.cal.version++
	return nil
}

func (i *mockInstance) DeleteItem(ctx context.Context, uid string) error {
	i.cal.record("DeleteItem")
	if i.cal.DeleteItemFn != nil {
		if err := i.cal.DeleteItemFn(uid); err != nil {
			return err
		}
	}
	if i.readOnly {
		return domain.ErrReadOnly
	}
	i.cal.mu.Lock()
	defer i.cal.mu.Unlock()
	if _, ok := i.cal.items[uid]; !ok {
		return domain.ErrNotFound
	}
	delete(i.cal.items, uid)
	delete(i.cal.lastSynch, uid)
	i.cal.version++
	return nil
}

func (i *mockInstance) ForceRefresh(ctx context.Context) error {
	i.cal.record("ForceRefresh")
	i.end.ChangeToken = ""
	return nil
}

func (i *mockInstance) Check(ctx context.Context) error {
	i.cal.record("Check")
	if i.cal.CheckFn != nil {
		return i.cal.CheckFn()
	}
	if i.cal.Missing {
		return domain.ErrMissingTarget
	}
	return nil
}

func (i *mockInstance) Counts() *domain.EndCounts {
	return &i.end.Counts
}

// MockConnectorRegistry is a mock implementation of ConnectorRegistry.
type MockConnectorRegistry struct {
	mu         sync.RWMutex
	connectors map[string]driven.Connector
	configs    []domain.ConnectorConfig
}

// Verify interface compliance
var _ driven.ConnectorRegistry = (*MockConnectorRegistry)(nil)

// NewMockConnectorRegistry registers the given connectors.
func NewMockConnectorRegistry(connectors ...driven.Connector) *MockConnectorRegistry {
	r := &MockConnectorRegistry{connectors: make(map[string]driven.Connector)}
	for _, c := range connectors {
		r.connectors[c.ID()] = c
		r.configs = append(r.configs, domain.ConnectorConfig{ID: c.ID(), Type: "mock"})
	}
	return r
}

func (r *MockConnectorRegistry) Get(id string) (driven.Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrConnectorNotFound, id)
	}
	return c, nil
}

func (r *MockConnectorRegistry) Configs() []domain.ConnectorConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.configs)
}
