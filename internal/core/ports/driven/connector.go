package driven

import (
	"context"

	"github.com/custodia-labs/calsynch/internal/core/domain"
)

// NotificationSink accepts notifications produced outside the dispatch loop.
// The engine implements it; connectors and the timer deliver through it.
type NotificationSink interface {
	Notify(ctx context.Context, note *domain.Notification) error
}

// Connector is the per-remote-system entry point.
// One connector is registered per configured id and shared by every subscription using it.
type Connector interface {
	// ID returns the configured connector id.
	ID() string

	// Kind reports whether the remote system is polled or pushes callbacks.
	Kind() domain.ConnectorKind

	// IsReadOnly reports whether items can be written through this connector.
	IsReadOnly() bool

	// TrustLastmod reports whether remote lastmod values are reliable enough
	// to skip the differ when the destination is not older.
	TrustLastmod() bool

	// Start prepares the connector. callbackURI is where the remote system
	// should deliver push callbacks; sink receives notifications produced by them.
	Start(ctx context.Context, cfg domain.ConnectorConfig, callbackURI string, sink NotificationSink) error

	// Stop releases connector resources. Best effort.
	Stop(ctx context.Context) error

	// Instance binds the connector to one end of a subscription.
	// The instance may update the end descriptor (change token, counters).
	Instance(ctx context.Context, sub *domain.Subscription, end domain.EndID) (ConnectorInstance, error)

	// HandleCallback turns a raw push callback into notifications.
	HandleCallback(ctx context.Context, req *domain.CallbackRequest) ([]*domain.Notification, error)

	// RespondCallback builds the reply sent to the remote system after HandleCallback.
	RespondCallback(ctx context.Context, req *domain.CallbackRequest, notes []*domain.Notification, err error) *domain.CallbackResponse
}

// ConnectorInstance is a connector bound to one subscription end.
type ConnectorInstance interface {
	// Subscribe registers interest in the remote collection.
	// Returns domain.ErrMissingTarget if the collection does not exist.
	Subscribe(ctx context.Context) error

	// Unsubscribe removes the registration. Best effort.
	Unsubscribe(ctx context.Context) error

	// Open prepares the instance for a reconciliation pass.
	Open(ctx context.Context) error

	// Changed reports whether the collection changed since the token recorded
	// in the end descriptor, and records the current token there.
	Changed(ctx context.Context) (bool, error)

	// GetItemsInfo lists every item in the collection.
	GetItemsInfo(ctx context.Context) ([]domain.ItemInfo, error)

	// AddItem creates an item.
	AddItem(ctx context.Context, item *domain.Item) error

	// FetchItem returns one item or domain.ErrNotFound.
	FetchItem(ctx context.Context, uid string) (*domain.Item, error)

	// FetchItems returns the items that exist, in the order requested.
	FetchItems(ctx context.Context, uids []string) ([]*domain.Item, error)

	// UpdateItem applies changes if the item still carries changeToken,
	// otherwise it returns domain.ErrConflict.
	UpdateItem(ctx context.Context, uid, changeToken string, changes *domain.ChangeSet) error

	// DeleteItem removes an item by uid.
	DeleteItem(ctx context.Context, uid string) error

	// ForceRefresh drops any cached change token.
	ForceRefresh(ctx context.Context) error

	// Check validates that the end is reachable and well configured.
	Check(ctx context.Context) error

	// Counts exposes the crud counters of the bound end.
	Counts() *domain.EndCounts
}

// ConnectorRegistry resolves connectors by configured id.
type ConnectorRegistry interface {
	// Get returns the connector registered under id or domain.ErrConnectorNotFound.
	Get(id string) (Connector, error)

	// Configs lists the configuration of every registered connector.
	Configs() []domain.ConnectorConfig
}

// Filter transforms items flowing into or out of one end.
// Apply returning a nil item suppresses it.
type Filter interface {
	Init(sub *domain.Subscription) error
	Apply(item *domain.Item) (*domain.Item, error)
	SkipList() []string
}
