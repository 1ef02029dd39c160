package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	apperrors "fitsync/internal/errors"
	"fitsync/internal/migrations"
	"fitsync/internal/models"
	"fitsync/internal/retry"
	"fitsync/internal/security"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore keeps the queue in a local SQLite file
type SQLiteStore struct {
	db        *sql.DB
	encryptor *Encryptor
	backoff   *retry.Backoff
}

// OpenSQLite opens (creating if needed) the queue database at path and applies
// pending schema migrations.
func OpenSQLite(ctx context.Context, path string, enc *Encryptor) (*SQLiteStore, error) {
	if err := security.ValidateFilePath(path); err != nil {
		return nil, fmt.Errorf("invalid database path: %w", err)
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create database file: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("failed to close database file: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows a single writer; one connection avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		return nil, closeOnError(db, "failed to ping database", err)
	}
	if err := applyPragmas(ctx, db); err != nil {
		return nil, closeOnError(db, "failed to apply pragmas", err)
	}
	if err := migrations.Apply(ctx, db); err != nil {
		return nil, closeOnError(db, "failed to initialize schema", err)
	}

	if enc == nil {
		enc = &Encryptor{}
	}

	return &SQLiteStore{
		db:        db,
		encryptor: enc,
		backoff: retry.NewBackoff(retry.BackoffConfig{
			InitialDelay: 20 * time.Millisecond,
			MaxDelay:     200 * time.Millisecond,
			Multiplier:   2.0,
			MaxAttempts:  3,
			Jitter:       true,
		}),
	}, nil
}

func closeOnError(db *sql.DB, msg string, err error) error {
	if closeErr := db.Close(); closeErr != nil {
		return fmt.Errorf("%s: %w (close error: %v)", msg, err, closeErr)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func applyPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// Close closes the database handle
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) exec(ctx context.Context, op string, fn func() error) error {
	if err := s.backoff.RetryWithPredicate(ctx, fn, isLockContention); err != nil {
		return apperrors.NewStorageUnavailable(op, err)
	}
	return nil
}

// Add inserts a new action
func (s *SQLiteStore) Add(ctx context.Context, action models.QueuedAction) (models.QueuedAction, error) {
	payload, err := s.encryptor.Seal(action.Payload)
	if err != nil {
		return models.QueuedAction{}, apperrors.NewStorageUnavailable("add", err)
	}

	err = s.exec(ctx, "add", func() error {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO offline_actions (type, payload, timestamp, idempotency_key, attempts, last_error)
			 VALUES (?, ?, ?, ?, 0, '')`,
			action.Type, payload, action.Timestamp, action.IdempotencyKey)
		if err != nil {
			return err
		}
		action.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return models.QueuedAction{}, err
	}

	action.Attempts = 0
	action.LastError = ""
	return action, nil
}

// GetAll returns every queued action ordered by id. Unreadable rows are
// quarantined once the result set is closed; the single connection cannot
// write while rows are open.
func (s *SQLiteStore) GetAll(ctx context.Context) ([]models.QueuedAction, error) {
	var (
		actions    []models.QueuedAction
		unreadable []*unreadableError
	)

	err := s.exec(ctx, "get_all", func() error {
		rows, err := s.db.QueryContext(ctx,
			`SELECT id, type, payload, timestamp, idempotency_key, attempts, last_error
			 FROM offline_actions ORDER BY id ASC`)
		if err != nil {
			return err
		}
		defer rows.Close()

		actions = actions[:0]
		unreadable = unreadable[:0]
		for rows.Next() {
			action, err := s.scanAction(rows)
			var bad *unreadableError
			if errors.As(err, &bad) {
				unreadable = append(unreadable, bad)
				continue
			}
			if err != nil {
				return err
			}
			actions = append(actions, action)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	for _, bad := range unreadable {
		if err := s.MoveToDeadLetter(ctx, bad.id, bad.reason()); err != nil {
			return nil, err
		}
	}

	if actions == nil {
		actions = []models.QueuedAction{}
	}
	return actions, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanAction(row rowScanner, extra ...any) (models.QueuedAction, error) {
	var (
		action  models.QueuedAction
		payload string
	)
	dest := append([]any{
		&action.ID, &action.Type, &payload, &action.Timestamp,
		&action.IdempotencyKey, &action.Attempts, &action.LastError,
	}, extra...)
	if err := row.Scan(dest...); err != nil {
		return models.QueuedAction{}, err
	}

	plain, err := s.encryptor.Open(payload)
	if err != nil {
		return action, &unreadableError{id: action.ID, err: err}
	}
	action.Payload = plain
	return action, nil
}

// DeleteByID removes one action; absent ids are ignored
func (s *SQLiteStore) DeleteByID(ctx context.Context, id int64) error {
	return s.exec(ctx, "delete", func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM offline_actions WHERE id = ?`, id)
		return err
	})
}

// Clear removes every queued action
func (s *SQLiteStore) Clear(ctx context.Context) error {
	return s.exec(ctx, "clear", func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM offline_actions`)
		return err
	})
}

// RecordFailure increments the attempt counter and stores the last error
func (s *SQLiteStore) RecordFailure(ctx context.Context, id int64, reason string) (int, error) {
	var attempts int

	err := s.exec(ctx, "record_failure", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx,
			`UPDATE offline_actions SET attempts = attempts + 1, last_error = ? WHERE id = ?`,
			reason, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			attempts = 0
			return nil
		}

		if err := tx.QueryRowContext(ctx,
			`SELECT attempts FROM offline_actions WHERE id = ?`, id).Scan(&attempts); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	return attempts, nil
}

// MoveToDeadLetter copies the action into dead_letters and removes it from the
// queue in one transaction
func (s *SQLiteStore) MoveToDeadLetter(ctx context.Context, id int64, reason string) error {
	return s.exec(ctx, "dead_letter", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx,
			`INSERT INTO dead_letters (id, type, payload, timestamp, idempotency_key, attempts, last_error, reason, moved_at)
			 SELECT id, type, payload, timestamp, idempotency_key, attempts, last_error, ?, ?
			 FROM offline_actions WHERE id = ?`,
			reason, time.Now().UnixMilli(), id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM offline_actions WHERE id = ?`, id); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// DeadLetters lists dead-lettered actions by id
func (s *SQLiteStore) DeadLetters(ctx context.Context) ([]models.DeadLetter, error) {
	var letters []models.DeadLetter

	err := s.exec(ctx, "dead_letters", func() error {
		rows, err := s.db.QueryContext(ctx,
			`SELECT id, type, payload, timestamp, idempotency_key, attempts, last_error, reason, moved_at
			 FROM dead_letters ORDER BY id ASC`)
		if err != nil {
			return err
		}
		defer rows.Close()

		letters = letters[:0]
		for rows.Next() {
			var letter models.DeadLetter
			action, err := s.scanAction(rows, &letter.Reason, &letter.MovedAt)
			var bad *unreadableError
			if err != nil && !errors.As(err, &bad) {
				return err
			}
			// Quarantined records are listed without their payload
			letter.Action = action
			letters = append(letters, letter)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	if letters == nil {
		letters = []models.DeadLetter{}
	}
	return letters, nil
}
