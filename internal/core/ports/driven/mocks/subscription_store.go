package mocks

import (
	"context"
	"sort"
	"sync"

	"github.com/custodia-labs/calsynch/internal/core/domain"
	"github.com/custodia-labs/calsynch/internal/core/ports/driven"
)

// MockSubscriptionStore is an in-memory SubscriptionStore for testing.
type MockSubscriptionStore struct {
	mu   sync.Mutex
	subs map[string]*domain.Subscription

	// Custom behavior hooks (optional)
	AddFn    func(sub *domain.Subscription) error
	UpdateFn func(sub *domain.Subscription) error
	DeleteFn func(id string) error
	GetFn    func(id string) (*domain.Subscription, error)
	ListFn   func() ([]*domain.Subscription, error)

	Updates int
	Deletes int
}

// Verify interface compliance
var _ driven.SubscriptionStore = (*MockSubscriptionStore)(nil)

// NewMockSubscriptionStore creates an empty store.
func NewMockSubscriptionStore() *MockSubscriptionStore {
	return &MockSubscriptionStore{subs: make(map[string]*domain.Subscription)}
}

func (m *MockSubscriptionStore) Add(ctx context.Context, sub *domain.Subscription) error {
	if m.AddFn != nil {
		return m.AddFn(sub)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub.ID]; ok {
		return domain.ErrAlreadyExists
	}
	for _, s := range m.subs {
		if s.EndA.Key() == sub.EndA.Key() && s.EndB.Key() == sub.EndB.Key() {
			return domain.ErrAlreadyExists
		}
	}
	m.subs[sub.ID] = sub.Clone()
	return nil
}

func (m *MockSubscriptionStore) Update(ctx context.Context, sub *domain.Subscription) error {
	if m.UpdateFn != nil {
		return m.UpdateFn(sub)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub.ID]; !ok {
		return domain.ErrNotFound
	}
	m.Updates++
	m.subs[sub.ID] = sub.Clone()
	return nil
}

func (m *MockSubscriptionStore) Delete(ctx context.Context, id string) error {
	if m.DeleteFn != nil {
		return m.DeleteFn(id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return domain.ErrNotFound
	}
	m.Deletes++
	delete(m.subs, id)
	return nil
}

func (m *MockSubscriptionStore) Get(ctx context.Context, id string) (*domain.Subscription, error) {
	if m.GetFn != nil {
		return m.GetFn(id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return sub.Clone(), nil
}

func (m *MockSubscriptionStore) Find(ctx context.Context, endA, endB domain.End) (*domain.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subs {
		if s.EndA.Key() == endA.Key() && s.EndB.Key() == endB.Key() {
			return s.Clone(), nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *MockSubscriptionStore) List(ctx context.Context) ([]*domain.Subscription, error) {
	if m.ListFn != nil {
		return m.ListFn()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.Subscription, 0, len(m.subs))
	for _, s := range m.subs {
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Put stores a subscription directly (for test setup).
func (m *MockSubscriptionStore) Put(sub *domain.Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = sub.Clone()
}

// Has reports whether a subscription is stored (for test assertions).
func (m *MockSubscriptionStore) Has(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.subs[id]
	return ok
}
