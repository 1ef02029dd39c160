// Package push subscribes the agent to push messages and presents the
// notifications they carry to connected UI clients.
package push

import (
	"context"

	"fitsync/internal/models"
)

// SubscribeOptions are passed to the push platform on subscription
type SubscribeOptions struct {
	UserVisibleOnly      bool   `json:"userVisibleOnly"`
	ApplicationServerKey string `json:"applicationServerKey"`
}

// Platform is the push service that hands out subscriptions
type Platform interface {
	Subscribe(ctx context.Context, opts SubscribeOptions) (*models.PushSubscription, error)
}

// Persister stores a subscription with the backend
type Persister interface {
	PersistSubscription(ctx context.Context, sub models.PushSubscription) error
}

// Notifier renders and dismisses notifications
type Notifier interface {
	Show(ctx context.Context, n models.Notification) error
	Close(ctx context.Context, id string) error
}

// Opener focuses or opens a view of the app at url
type Opener interface {
	OpenWindow(ctx context.Context, url string) error
}
