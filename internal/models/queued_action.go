package models

import "encoding/json"

// QueuedAction is a user mutation waiting in the durable local queue for
// delivery to the remote backend.
type QueuedAction struct {
	ID             int64           `json:"id"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	Timestamp      int64           `json:"timestamp"` // epoch milliseconds, set at enqueue
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	Attempts       int             `json:"attempts"`
	LastError      string          `json:"lastError,omitempty"`
}

// DeadLetter is a queued action that exceeded the configured delivery attempts.
// The original record is kept intact.
type DeadLetter struct {
	Action  QueuedAction `json:"action"`
	Reason  string       `json:"reason"`
	MovedAt int64        `json:"movedAt"`
}
