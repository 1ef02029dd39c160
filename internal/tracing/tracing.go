package tracing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type contextKey int

const (
	requestIDKey contextKey = iota
	drainIDKey
	startTimeKey
)

// Correlation field names shared by HTTP and sync log entries
const (
	FieldRequestID = "request_id"
	FieldDrainID   = "drain_id"
)

// GenerateRequestID returns a fresh id for one API request
func GenerateRequestID() string {
	return "req_" + uuid.NewString()
}

// GenerateDrainID returns a fresh id for one replay pass over the queue
func GenerateDrainID() string {
	return "drain_" + uuid.NewString()
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithDrainID tags ctx with the replay pass it belongs to. A drain started by
// POST /sync?wait=true carries both the request id and the drain id.
func WithDrainID(ctx context.Context, drainID string) context.Context {
	return context.WithValue(ctx, drainIDKey, drainID)
}

func GetDrainID(ctx context.Context) string {
	id, _ := ctx.Value(drainIDKey).(string)
	return id
}

func WithStartTime(ctx context.Context, startTime time.Time) context.Context {
	return context.WithValue(ctx, startTimeKey, startTime)
}

func GetStartTime(ctx context.Context) time.Time {
	startTime, _ := ctx.Value(startTimeKey).(time.Time)
	return startTime
}

// Duration is the time elapsed since WithStartTime, zero when unset
func Duration(ctx context.Context) time.Duration {
	startTime := GetStartTime(ctx)
	if startTime.IsZero() {
		return 0
	}
	return time.Since(startTime)
}

// Fields returns the correlation ids present in ctx, keyed for logging
func Fields(ctx context.Context) map[string]any {
	fields := make(map[string]any, 2)
	if id := GetRequestID(ctx); id != "" {
		fields[FieldRequestID] = id
	}
	if id := GetDrainID(ctx); id != "" {
		fields[FieldDrainID] = id
	}
	return fields
}
