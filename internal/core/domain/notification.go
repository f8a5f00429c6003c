package domain

import (
	"time"

	"github.com/google/uuid"
)

// Action identifies what a notification item asks the engine to do
type Action string

const (
	ActionFullSynch       Action = "full_synch"
	ActionCreated         Action = "created"
	ActionModified        Action = "modified"
	ActionDeleted         Action = "deleted"
	ActionNewSubscription Action = "new_subscription"
	ActionUnsubscribe     Action = "unsubscribe"
	ActionRefresh         Action = "refresh"
	ActionStatusQuery     Action = "status_query"
)

// NotificationItem is one unit of work inside a notification
type NotificationItem struct {
	Action Action `json:"action"`

	// UID identifies the item for Created, Modified and Deleted
	UID string `json:"uid,omitempty"`

	// Item optionally carries the entity pushed by the connector
	Item *Item `json:"item,omitempty"`

	// Response is filled in for StatusQuery
	Response *SubscriptionStatus `json:"response,omitempty"`
}

// Notification is an inbound unit of work for one subscription
type Notification struct {
	ID             string `json:"id"`
	SubscriptionID string `json:"subscription_id"`

	// Subscription is carried only by NewSubscription, before it is stored
	Subscription *Subscription `json:"subscription,omitempty"`

	// Origin is the end that produced the notification, EndNone for scheduled work
	Origin EndID              `json:"origin,omitempty"`
	Items  []NotificationItem `json:"items"`

	// Attempts counts retries after WARNING results
	Attempts  int       `json:"attempts"`
	CreatedAt time.Time `json:"created_at"`
}

// NewNotification creates a notification with a fresh id.
func NewNotification(subscriptionID string, origin EndID, items ...NotificationItem) *Notification {
	return &Notification{
		ID:             uuid.NewString(),
		SubscriptionID: subscriptionID,
		Origin:         origin,
		Items:          items,
		CreatedAt:      time.Now(),
	}
}

// FullSynchNotification asks for a full reconciliation pass.
func FullSynchNotification(subscriptionID string) *Notification {
	return NewNotification(subscriptionID, EndNone, NotificationItem{Action: ActionFullSynch})
}

// NewSubscriptionNotification carries a subscription that is not stored yet.
func NewSubscriptionNotification(sub *Subscription) *Notification {
	n := NewNotification(sub.ID, EndNone, NotificationItem{Action: ActionNewSubscription})
	n.Subscription = sub
	return n
}

// UnsubscribeNotification asks for a subscription to be torn down.
func UnsubscribeNotification(subscriptionID string) *Notification {
	return NewNotification(subscriptionID, EndNone, NotificationItem{Action: ActionUnsubscribe})
}

// Has reports whether any item carries the given action.
func (n *Notification) Has(action Action) bool {
	for _, it := range n.Items {
		if it.Action == action {
			return true
		}
	}
	return false
}
