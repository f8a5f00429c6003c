package driving

import (
	"context"

	"github.com/custodia-labs/calsynch/internal/core/domain"
)

// SubscribeRequest describes a new subscription
type SubscribeRequest struct {
	EndA      domain.End       `json:"end_a"`
	EndB      domain.End       `json:"end_b"`
	Direction domain.Direction `json:"direction"`
	Master    domain.EndID     `json:"master,omitempty"`
	Options   domain.Options   `json:"options"`
}

// SubscribeResponse reports how a subscribe request was handled.
// Status is WARNING when the request was queued rather than completed.
type SubscribeResponse struct {
	Subscription *domain.Subscription `json:"subscription"`
	Status       domain.Status        `json:"status"`
	Message      string               `json:"message,omitempty"`
}

// SynchEngine is the API the engine exposes to the outside world
type SynchEngine interface {
	// Subscribe creates a subscription. Both ends must accept it.
	Subscribe(ctx context.Context, req SubscribeRequest) (*SubscribeResponse, error)

	// Unsubscribe tears a subscription down. Always converges.
	Unsubscribe(ctx context.Context, id string) error

	// Refresh drops cached change tokens and reconciles as soon as possible.
	Refresh(ctx context.Context, id string) error

	// Status validates both ends and reports the subscription state.
	Status(ctx context.Context, id string) (*domain.SubscriptionStatus, error)

	// Get retrieves a stored subscription.
	Get(ctx context.Context, id string) (*domain.Subscription, error)

	// List retrieves every stored subscription.
	List(ctx context.Context) ([]*domain.Subscription, error)

	// HandleCallback routes a push callback to its connector.
	HandleCallback(ctx context.Context, req *domain.CallbackRequest) (*domain.CallbackResponse, error)

	// Stats returns the flat counter list from pool, timer and dispatcher.
	Stats(ctx context.Context) []domain.Stat

	// State returns the engine lifecycle state.
	State() domain.EngineState
}
