package models

// PushSubscription is the descriptor handed out by the push platform. It is
// forwarded to the backend unmodified.
type PushSubscription struct {
	Endpoint       string               `json:"endpoint"`
	ExpirationTime *int64               `json:"expirationTime"`
	Keys           PushSubscriptionKeys `json:"keys"`
}

// PushSubscriptionKeys carries the client encryption material.
type PushSubscriptionKeys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// Notification is a rendered, user-visible notification.
type Notification struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	Icon      string `json:"icon"`
	Badge     string `json:"badge"`
	Tag       string `json:"tag,omitempty"`
	Data      string `json:"data"` // click target URL
	CreatedAt int64  `json:"createdAt"`
}
