package queue

import (
	"context"
	"errors"
	"strings"
)

// isLockContention reports a write lock held by another connection or
// process. It is the only failure a store operation retries; everything else
// is surfaced to the caller.
func isLockContention(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "database is locked") || strings.Contains(errStr, "database table is locked")
}

// isRetryableDBError determines if a failure while opening the store is worth
// retrying
func isRetryableDBError(err error) bool {
	if err == nil {
		return false
	}

	// Context timeout/cancellation are not retryable by us
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	errStr := err.Error()

	if isLockContention(err) {
		return true
	}

	// Disk I/O errors might be transient
	if strings.Contains(errStr, "disk I/O error") {
		return true
	}

	// Redis failover and loading states
	if strings.Contains(errStr, "LOADING") || strings.Contains(errStr, "TRYAGAIN") {
		return true
	}

	return false
}
