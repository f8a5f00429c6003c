package driven

import (
	"context"

	"github.com/custodia-labs/calsynch/internal/core/domain"
)

// SubscriptionStore persists subscriptions.
// Implementations return copies; callers own what they get back.
type SubscriptionStore interface {
	// Add stores a new subscription.
	// Returns domain.ErrAlreadyExists if the id or the (end A, end B) pair is taken.
	Add(ctx context.Context, sub *domain.Subscription) error

	// Update replaces a stored subscription. Returns domain.ErrNotFound if absent.
	Update(ctx context.Context, sub *domain.Subscription) error

	// Delete removes a subscription. Returns domain.ErrNotFound if absent.
	Delete(ctx context.Context, id string) error

	// Get retrieves a subscription by id.
	Get(ctx context.Context, id string) (*domain.Subscription, error)

	// Find retrieves the subscription linking the two ends.
	Find(ctx context.Context, endA, endB domain.End) (*domain.Subscription, error)

	// List retrieves every subscription.
	List(ctx context.Context) ([]*domain.Subscription, error)
}
