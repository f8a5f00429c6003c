package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/custodia-labs/calsynch/internal/core/domain"
	"github.com/custodia-labs/calsynch/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.SubscriptionStore = (*SubscriptionStore)(nil)

// SubscriptionStore keeps subscriptions in process memory.
// Used in standalone mode when no database is configured.
type SubscriptionStore struct {
	mu    sync.RWMutex
	subs  map[string]*domain.Subscription
	pairs map[string]string // end pair key -> subscription id
}

// NewSubscriptionStore creates an empty store.
func NewSubscriptionStore() *SubscriptionStore {
	return &SubscriptionStore{
		subs:  make(map[string]*domain.Subscription),
		pairs: make(map[string]string),
	}
}

func pairKey(endA, endB domain.End) string {
	return endA.Key() + "#" + endB.Key()
}

// Add stores a new subscription.
func (s *SubscriptionStore) Add(ctx context.Context, sub *domain.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subs[sub.ID]; ok {
		return fmt.Errorf("subscription %s: %w", sub.ID, domain.ErrAlreadyExists)
	}
	key := pairKey(sub.EndA, sub.EndB)
	if id, ok := s.pairs[key]; ok {
		return fmt.Errorf("ends already linked by subscription %s: %w", id, domain.ErrAlreadyExists)
	}

	s.subs[sub.ID] = sub.Clone()
	s.pairs[key] = sub.ID
	return nil
}

// Update replaces a stored subscription.
func (s *SubscriptionStore) Update(ctx context.Context, sub *domain.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.subs[sub.ID]
	if !ok {
		return fmt.Errorf("subscription %s: %w", sub.ID, domain.ErrNotFound)
	}
	delete(s.pairs, pairKey(old.EndA, old.EndB))

	stored := sub.Clone()
	stored.Changed = false
	s.subs[sub.ID] = stored
	s.pairs[pairKey(sub.EndA, sub.EndB)] = sub.ID
	return nil
}

// Delete removes a subscription.
func (s *SubscriptionStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.subs[id]
	if !ok {
		return fmt.Errorf("subscription %s: %w", id, domain.ErrNotFound)
	}
	delete(s.pairs, pairKey(old.EndA, old.EndB))
	delete(s.subs, id)
	return nil
}

// Get retrieves a subscription by id.
func (s *SubscriptionStore) Get(ctx context.Context, id string) (*domain.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subs[id]
	if !ok {
		return nil, fmt.Errorf("subscription %s: %w", id, domain.ErrNotFound)
	}
	return sub.Clone(), nil
}

// Find retrieves the subscription linking the two ends.
func (s *SubscriptionStore) Find(ctx context.Context, endA, endB domain.End) (*domain.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.pairs[pairKey(endA, endB)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return s.subs[id].Clone(), nil
}

// List retrieves every subscription ordered by creation time.
func (s *SubscriptionStore) List(ctx context.Context) ([]*domain.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	subs := make([]*domain.Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub.Clone())
	}
	sort.Slice(subs, func(i, j int) bool {
		if subs[i].CreatedAt.Equal(subs[j].CreatedAt) {
			return subs[i].ID < subs[j].ID
		}
		return subs[i].CreatedAt.Before(subs[j].CreatedAt)
	})
	return subs, nil
}
