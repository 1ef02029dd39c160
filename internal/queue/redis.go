package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"fitsync/internal/constants"
	apperrors "fitsync/internal/errors"
	"fitsync/internal/models"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps the queue in Redis so several agents on one host can share
// it. Records live in one hash keyed by id; ids come from an INCR counter that
// is never reset, so Clear does not cause id reuse.
type RedisStore struct {
	client    *redis.Client
	encryptor *Encryptor
	keyspace  string
}

// redisRecord is the stored JSON form of a queued action
type redisRecord struct {
	ID             int64  `json:"id"`
	Type           string `json:"type"`
	Payload        string `json:"payload"`
	Timestamp      int64  `json:"timestamp"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	Attempts       int    `json:"attempts"`
	LastError      string `json:"last_error,omitempty"`
	Reason         string `json:"reason,omitempty"`
	MovedAt        int64  `json:"moved_at,omitempty"`
}

// OpenRedis connects to the Redis server named in cfg
func OpenRedis(ctx context.Context, cfg models.DatabaseConfig, enc *Encryptor) (*RedisStore, error) {
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("redis address is required for the redis queue driver")
	}

	client := redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr,
		DB:   cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		if closeErr := client.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis connect failed: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis connect failed: %w", err)
	}

	return NewRedisStore(client, cfg.RedisKeyspace, enc), nil
}

// NewRedisStore wraps an existing client
func NewRedisStore(client *redis.Client, keyspace string, enc *Encryptor) *RedisStore {
	if keyspace == "" {
		keyspace = constants.DefaultRedisKeyspace
	}
	if enc == nil {
		enc = &Encryptor{}
	}
	return &RedisStore{client: client, encryptor: enc, keyspace: keyspace}
}

func (s *RedisStore) seqKey() string     { return s.keyspace + ":seq" }
func (s *RedisStore) actionsKey() string { return s.keyspace + ":actions" }
func (s *RedisStore) deadKey() string    { return s.keyspace + ":dead_letters" }

// Close closes the client
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Add inserts a new action under the next counter value
func (s *RedisStore) Add(ctx context.Context, action models.QueuedAction) (models.QueuedAction, error) {
	payload, err := s.encryptor.Seal(action.Payload)
	if err != nil {
		return models.QueuedAction{}, apperrors.NewStorageUnavailable("add", err)
	}

	id, err := s.client.Incr(ctx, s.seqKey()).Result()
	if err != nil {
		return models.QueuedAction{}, apperrors.NewStorageUnavailable("add", err)
	}

	action.ID = id
	action.Attempts = 0
	action.LastError = ""

	data, err := json.Marshal(redisRecord{
		ID:             id,
		Type:           action.Type,
		Payload:        payload,
		Timestamp:      action.Timestamp,
		IdempotencyKey: action.IdempotencyKey,
	})
	if err != nil {
		return models.QueuedAction{}, apperrors.NewStorageUnavailable("add", err)
	}

	if err := s.client.HSet(ctx, s.actionsKey(), field(id), data).Err(); err != nil {
		return models.QueuedAction{}, apperrors.NewStorageUnavailable("add", err)
	}
	return action, nil
}

// GetAll returns every queued action ordered by id. Unreadable records are
// moved to the dead-letter hash and left out.
func (s *RedisStore) GetAll(ctx context.Context) ([]models.QueuedAction, error) {
	values, err := s.client.HGetAll(ctx, s.actionsKey()).Result()
	if err != nil {
		return nil, apperrors.NewStorageUnavailable("get_all", err)
	}

	records, corrupt := decodeRecords(values)
	for key := range corrupt {
		if err := s.quarantineRaw(ctx, key, values[key]); err != nil {
			return nil, apperrors.NewStorageUnavailable("get_all", err)
		}
	}

	actions := make([]models.QueuedAction, 0, len(records))
	for _, rec := range records {
		action, err := s.toAction(rec)
		var bad *unreadableError
		if errors.As(err, &bad) {
			if err := s.MoveToDeadLetter(ctx, bad.id, bad.reason()); err != nil {
				return nil, err
			}
			continue
		}
		actions = append(actions, action)
	}
	return actions, nil
}

// quarantineRaw moves a record that is not valid JSON to the dead-letter hash
// as is
func (s *RedisStore) quarantineRaw(ctx context.Context, key, raw string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.deadKey(), key, raw)
		pipe.HDel(ctx, s.actionsKey(), key)
		return nil
	})
	return err
}

// DeleteByID removes one action; absent ids are ignored
func (s *RedisStore) DeleteByID(ctx context.Context, id int64) error {
	if err := s.client.HDel(ctx, s.actionsKey(), field(id)).Err(); err != nil {
		return apperrors.NewStorageUnavailable("delete", err)
	}
	return nil
}

// Clear drops the action hash; the id counter is kept
func (s *RedisStore) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.actionsKey()).Err(); err != nil {
		return apperrors.NewStorageUnavailable("clear", err)
	}
	return nil
}

// RecordFailure updates the stored record inside a WATCH transaction so a
// concurrent delete is never undone
func (s *RedisStore) RecordFailure(ctx context.Context, id int64, reason string) (int, error) {
	var attempts int

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		attempts = 0
		raw, err := tx.HGet(ctx, s.actionsKey(), field(id)).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}

		var rec redisRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return fmt.Errorf("action %d: %w", id, err)
		}
		rec.Attempts++
		rec.LastError = reason

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, s.actionsKey(), field(id), data)
			return nil
		})
		if err == nil {
			attempts = rec.Attempts
		}
		return err
	}, s.actionsKey())
	if err != nil {
		return 0, apperrors.NewStorageUnavailable("record_failure", err)
	}
	return attempts, nil
}

// MoveToDeadLetter moves the record to the dead-letter hash atomically
func (s *RedisStore) MoveToDeadLetter(ctx context.Context, id int64, reason string) error {
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.HGet(ctx, s.actionsKey(), field(id)).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}

		var rec redisRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return fmt.Errorf("action %d: %w", id, err)
		}
		rec.Reason = reason
		rec.MovedAt = time.Now().UnixMilli()

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, s.deadKey(), field(id), data)
			pipe.HDel(ctx, s.actionsKey(), field(id))
			return nil
		})
		return err
	}, s.actionsKey())
	if err != nil {
		return apperrors.NewStorageUnavailable("dead_letter", err)
	}
	return nil
}

// DeadLetters lists dead-lettered actions by id
func (s *RedisStore) DeadLetters(ctx context.Context) ([]models.DeadLetter, error) {
	values, err := s.client.HGetAll(ctx, s.deadKey()).Result()
	if err != nil {
		return nil, apperrors.NewStorageUnavailable("dead_letters", err)
	}

	records, corrupt := decodeRecords(values)
	for key, err := range corrupt {
		id, _ := strconv.ParseInt(key, 10, 64)
		records = append(records, redisRecord{ID: id, Reason: (&unreadableError{id: id, err: err}).reason()})
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })

	letters := make([]models.DeadLetter, 0, len(records))
	for _, rec := range records {
		// Quarantined records are listed without their payload
		action, _ := s.toAction(rec)
		letters = append(letters, models.DeadLetter{Action: action, Reason: rec.Reason, MovedAt: rec.MovedAt})
	}
	return letters, nil
}

func (s *RedisStore) toAction(rec redisRecord) (models.QueuedAction, error) {
	action := models.QueuedAction{
		ID:             rec.ID,
		Type:           rec.Type,
		Timestamp:      rec.Timestamp,
		IdempotencyKey: rec.IdempotencyKey,
		Attempts:       rec.Attempts,
		LastError:      rec.LastError,
	}
	if rec.Payload == "" {
		return action, nil
	}
	payload, err := s.encryptor.Open(rec.Payload)
	if err != nil {
		return action, &unreadableError{id: rec.ID, err: err}
	}
	action.Payload = payload
	return action, nil
}

// decodeRecords parses hash values sorted by id. Values that are not valid
// JSON are returned separately, keyed by hash field.
func decodeRecords(values map[string]string) ([]redisRecord, map[string]error) {
	records := make([]redisRecord, 0, len(values))
	corrupt := make(map[string]error)
	for key, raw := range values {
		var rec redisRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			corrupt[key] = err
			continue
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records, corrupt
}

func field(id int64) string {
	return strconv.FormatInt(id, 10)
}
