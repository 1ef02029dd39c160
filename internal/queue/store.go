package queue

import (
	"context"
	"fmt"
	"strings"

	apperrors "fitsync/internal/errors"
	"fitsync/internal/models"
	"fitsync/internal/retry"

	"github.com/sirupsen/logrus"
)

// Store is the durable local queue of pending actions. Every operation is a
// single atomic unit against the backing store and no records are cached
// between calls, so several processes may share one store.
type Store interface {
	// Add inserts the action under a fresh id and returns the stored record.
	Add(ctx context.Context, action models.QueuedAction) (models.QueuedAction, error)
	// GetAll returns a snapshot of every queued action in insertion order.
	// A record that cannot be read is moved to the dead letters and left out,
	// so it never blocks the rest of the queue.
	GetAll(ctx context.Context) ([]models.QueuedAction, error)
	// DeleteByID removes one action. Deleting an absent id is not an error.
	DeleteByID(ctx context.Context, id int64) error
	// Clear removes every queued action. Dead letters are kept.
	Clear(ctx context.Context) error
	// RecordFailure bumps the attempt counter of an action and returns the new
	// count. An absent id reports zero attempts.
	RecordFailure(ctx context.Context, id int64, reason string) (int, error)
	// MoveToDeadLetter moves an action out of the queue into the dead-letter
	// store. An absent id is a no-op.
	MoveToDeadLetter(ctx context.Context, id int64, reason string) error
	// DeadLetters lists dead-lettered actions, oldest first.
	DeadLetters(ctx context.Context) ([]models.DeadLetter, error)
	Close() error
}

// Supported store drivers
const (
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

// Open opens the store selected by cfg.Driver. Transient open failures are
// retried with backoff before StorageUnavailable is returned.
func Open(ctx context.Context, cfg models.DatabaseConfig, retryCfg models.RetryConfig, logger *logrus.Logger) (Store, error) {
	if logger == nil {
		logger = logrus.New()
	}

	enc, err := NewEncryptor()
	if err != nil {
		return nil, apperrors.NewStorageUnavailable("open", err)
	}

	var store Store
	backoff := retry.NewBackoff(retry.FromRetryConfig(retryCfg))
	attempt := 0

	err = backoff.RetryWithPredicate(ctx, func() error {
		attempt++
		var openErr error
		switch strings.ToLower(cfg.Driver) {
		case "", DriverSQLite:
			store, openErr = OpenSQLite(ctx, cfg.Path, enc)
		case DriverRedis:
			store, openErr = OpenRedis(ctx, cfg, enc)
		default:
			return fmt.Errorf("unknown queue driver %q", cfg.Driver)
		}
		if openErr != nil {
			logger.WithFields(logrus.Fields{
				"driver":  cfg.Driver,
				"attempt": attempt,
			}).WithError(openErr).Warn("Failed to open action queue")
		}
		return openErr
	}, isRetryableOpenError)
	if err != nil {
		return nil, apperrors.NewStorageUnavailable("open", err)
	}

	logger.WithFields(logrus.Fields{
		"driver":     driverName(cfg.Driver),
		"encryption": enc.Enabled(),
	}).Info("Action queue opened")
	return store, nil
}

// unreadableError marks a stored record whose payload or encoding cannot be
// read back, typically after the encryption secret changed
type unreadableError struct {
	id  int64
	err error
}

func (e *unreadableError) Error() string {
	return fmt.Sprintf("action %d: %s", e.id, e.reason())
}

func (e *unreadableError) Unwrap() error {
	return e.err
}

// reason is the dead-letter reason recorded for the record
func (e *unreadableError) reason() string {
	return "unreadable record: " + e.err.Error()
}

func driverName(driver string) string {
	if driver == "" {
		return DriverSQLite
	}
	return strings.ToLower(driver)
}

func isRetryableOpenError(err error) bool {
	if isRetryableDBError(err) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") || strings.Contains(msg, "i/o timeout")
}
