package queue

import (
	"context"
	"encoding/json"
	"os"
	"testing"

	"fitsync/internal/models"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openTestRedis connects to REDIS_ADDR under a throwaway keyspace
func openTestRedis(t *testing.T) *RedisStore {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}

	ctx := context.Background()
	keyspace := "fitsync-test-" + uuid.NewString()
	store, err := OpenRedis(ctx, models.DatabaseConfig{RedisAddr: addr, RedisKeyspace: keyspace}, nil)
	require.NoError(t, err)

	t.Cleanup(func() {
		client := redis.NewClient(&redis.Options{Addr: addr})
		defer client.Close()
		client.Del(ctx, store.seqKey(), store.actionsKey(), store.deadKey())
		store.Close()
	})
	return store
}

func TestOpenRedis_RequiresAddress(t *testing.T) {
	_, err := OpenRedis(context.Background(), models.DatabaseConfig{}, nil)
	assert.Error(t, err)
}

func TestRedisStore_AddGetDelete(t *testing.T) {
	store := openTestRedis(t)
	ctx := context.Background()

	first, err := store.Add(ctx, newAction("booking.create", `{"classId":42}`))
	require.NoError(t, err)
	second, err := store.Add(ctx, newAction("workout.log", `{"userId":"u1"}`))
	require.NoError(t, err)
	assert.Greater(t, second.ID, first.ID)

	actions, err := store.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, actions, 2)
	assert.Equal(t, first.ID, actions[0].ID)
	assert.JSONEq(t, `{"classId":42}`, string(actions[0].Payload))
	assert.Equal(t, first.Timestamp, actions[0].Timestamp)

	require.NoError(t, store.DeleteByID(ctx, first.ID))
	require.NoError(t, store.DeleteByID(ctx, first.ID))
	require.NoError(t, store.DeleteByID(ctx, 999999))

	actions, err = store.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, second.ID, actions[0].ID)
}

func TestRedisStore_ClearKeepsCounter(t *testing.T) {
	store := openTestRedis(t)
	ctx := context.Background()

	before, err := store.Add(ctx, newAction("checkin.record", `{}`))
	require.NoError(t, err)
	require.NoError(t, store.Clear(ctx))

	actions, err := store.GetAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, actions)

	after, err := store.Add(ctx, newAction("checkin.record", `{}`))
	require.NoError(t, err)
	assert.Greater(t, after.ID, before.ID)
}

func TestRedisStore_FailureAndDeadLetter(t *testing.T) {
	store := openTestRedis(t)
	ctx := context.Background()

	action, err := store.Add(ctx, newAction("profile.update", `{"userId":"u1"}`))
	require.NoError(t, err)

	attempts, err := store.RecordFailure(ctx, action.ID, "boom")
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)

	attempts, err = store.RecordFailure(ctx, 424242, "missing")
	require.NoError(t, err)
	assert.Zero(t, attempts)

	require.NoError(t, store.MoveToDeadLetter(ctx, action.ID, "max attempts reached"))

	actions, err := store.GetAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, actions)

	letters, err := store.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, action.ID, letters[0].Action.ID)
	assert.Equal(t, "boom", letters[0].Action.LastError)
	assert.Equal(t, "max attempts reached", letters[0].Reason)
}

func TestRedisStore_UnreadableRecordsAreQuarantined(t *testing.T) {
	store := openTestRedis(t)
	ctx := context.Background()

	good, err := store.Add(ctx, newAction("booking.create", `{"classId":1}`))
	require.NoError(t, err)
	sealed, err := store.Add(ctx, newAction("booking.cancel", `{"bookingId":"b-2"}`))
	require.NoError(t, err)

	// One record sealed with a foreign key, one that is not JSON at all
	data, err := json.Marshal(redisRecord{ID: sealed.ID, Type: sealed.Type, Payload: encryptedPrefix + "AAAA"})
	require.NoError(t, err)
	require.NoError(t, store.client.HSet(ctx, store.actionsKey(), field(sealed.ID), data).Err())
	require.NoError(t, store.client.HSet(ctx, store.actionsKey(), "999", "{not json").Err())

	actions, err := store.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, good.ID, actions[0].ID)

	letters, err := store.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, letters, 2)
	assert.Equal(t, sealed.ID, letters[0].Action.ID)
	assert.Contains(t, letters[0].Reason, "unreadable record")
	assert.Equal(t, int64(999), letters[1].Action.ID)
	assert.Contains(t, letters[1].Reason, "unreadable record")
}
