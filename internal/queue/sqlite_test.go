package queue

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	apperrors "fitsync/internal/errors"
	"fitsync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestSQLite(t *testing.T, path string) *SQLiteStore {
	t.Helper()
	store, err := OpenSQLite(context.Background(), path, nil)
	require.NoError(t, err)
	return store
}

func newAction(actionType, payload string) models.QueuedAction {
	return models.QueuedAction{
		Type:           actionType,
		Payload:        json.RawMessage(payload),
		Timestamp:      time.Now().UnixMilli(),
		IdempotencyKey: "key-" + actionType,
	}
}

func TestOpenSQLite_InvalidPath(t *testing.T) {
	ctx := context.Background()

	_, err := OpenSQLite(ctx, "", nil)
	assert.Error(t, err)

	_, err = OpenSQLite(ctx, "../outside.db", nil)
	assert.Error(t, err)

	_, err = OpenSQLite(ctx, filepath.Join(t.TempDir(), "missing", "dir", "queue.db"), nil)
	assert.Error(t, err)
}

func TestSQLiteStore_DurableAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "queue.db")

	store := openTestSQLite(t, path)
	first, err := store.Add(ctx, newAction("booking.create", `{"classId":42}`))
	require.NoError(t, err)
	second, err := store.Add(ctx, newAction("profile.update", `{"userId":"u1","fields":{"nombre":"Ana"}}`))
	require.NoError(t, err)
	third, err := store.Add(ctx, newAction("checkin.record", `{"userId":"u1"}`))
	require.NoError(t, err)
	require.NoError(t, store.DeleteByID(ctx, second.ID))
	require.NoError(t, store.Close())

	reopened := openTestSQLite(t, path)
	defer reopened.Close()

	actions, err := reopened.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, actions, 2)

	for i, want := range []models.QueuedAction{first, third} {
		got := actions[i]
		assert.Equal(t, want.ID, got.ID)
		assert.Equal(t, want.Type, got.Type)
		assert.JSONEq(t, string(want.Payload), string(got.Payload))
		assert.Equal(t, want.Timestamp, got.Timestamp)
		assert.Equal(t, want.IdempotencyKey, got.IdempotencyKey)
	}
}

func TestSQLiteStore_IDsIncreaseAndAreNotReused(t *testing.T) {
	ctx := context.Background()
	store := openTestSQLite(t, filepath.Join(t.TempDir(), "queue.db"))
	defer store.Close()

	a, err := store.Add(ctx, newAction("workout.log", `{}`))
	require.NoError(t, err)
	b, err := store.Add(ctx, newAction("workout.log", `{}`))
	require.NoError(t, err)
	assert.Greater(t, b.ID, a.ID)

	require.NoError(t, store.DeleteByID(ctx, b.ID))
	require.NoError(t, store.Clear(ctx))

	c, err := store.Add(ctx, newAction("workout.log", `{}`))
	require.NoError(t, err)
	assert.Greater(t, c.ID, b.ID)
}

func TestSQLiteStore_DeleteByIDIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := openTestSQLite(t, filepath.Join(t.TempDir(), "queue.db"))
	defer store.Close()

	kept, err := store.Add(ctx, newAction("booking.create", `{"classId":1}`))
	require.NoError(t, err)
	removed, err := store.Add(ctx, newAction("booking.create", `{"classId":2}`))
	require.NoError(t, err)

	require.NoError(t, store.DeleteByID(ctx, removed.ID))
	require.NoError(t, store.DeleteByID(ctx, removed.ID))

	actions, err := store.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, kept.ID, actions[0].ID)
}

func TestSQLiteStore_DeleteMissingOnEmptyQueue(t *testing.T) {
	ctx := context.Background()
	store := openTestSQLite(t, filepath.Join(t.TempDir(), "queue.db"))
	defer store.Close()

	assert.NoError(t, store.DeleteByID(ctx, 999))

	actions, err := store.GetAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, actions)
	assert.NotNil(t, actions)
}

func TestSQLiteStore_Clear(t *testing.T) {
	for _, n := range []int{0, 1, 5} {
		t.Run("", func(t *testing.T) {
			ctx := context.Background()
			store := openTestSQLite(t, filepath.Join(t.TempDir(), "queue.db"))
			defer store.Close()

			for i := 0; i < n; i++ {
				_, err := store.Add(ctx, newAction("checkin.record", `{"userId":"u"}`))
				require.NoError(t, err)
			}

			require.NoError(t, store.Clear(ctx))

			actions, err := store.GetAll(ctx)
			require.NoError(t, err)
			assert.Empty(t, actions)
		})
	}
}

func TestSQLiteStore_GetAllIsSnapshot(t *testing.T) {
	ctx := context.Background()
	store := openTestSQLite(t, filepath.Join(t.TempDir(), "queue.db"))
	defer store.Close()

	_, err := store.Add(ctx, newAction("booking.create", `{"classId":1}`))
	require.NoError(t, err)

	snapshot, err := store.GetAll(ctx)
	require.NoError(t, err)

	_, err = store.Add(ctx, newAction("booking.create", `{"classId":2}`))
	require.NoError(t, err)
	require.NoError(t, store.DeleteByID(ctx, snapshot[0].ID))

	assert.Len(t, snapshot, 1)
	assert.JSONEq(t, `{"classId":1}`, string(snapshot[0].Payload))
}

func TestSQLiteStore_RecordFailure(t *testing.T) {
	ctx := context.Background()
	store := openTestSQLite(t, filepath.Join(t.TempDir(), "queue.db"))
	defer store.Close()

	action, err := store.Add(ctx, newAction("booking.cancel", `{"bookingId":"b1"}`))
	require.NoError(t, err)

	attempts, err := store.RecordFailure(ctx, action.ID, "503 service unavailable")
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)

	attempts, err = store.RecordFailure(ctx, action.ID, "timeout")
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)

	actions, err := store.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, 2, actions[0].Attempts)
	assert.Equal(t, "timeout", actions[0].LastError)
	assert.Equal(t, action.ID, actions[0].ID)

	attempts, err = store.RecordFailure(ctx, 12345, "gone")
	require.NoError(t, err)
	assert.Zero(t, attempts)
}

func TestSQLiteStore_MoveToDeadLetter(t *testing.T) {
	ctx := context.Background()
	store := openTestSQLite(t, filepath.Join(t.TempDir(), "queue.db"))
	defer store.Close()

	poison, err := store.Add(ctx, newAction("profile.update", `{"userId":"u1"}`))
	require.NoError(t, err)
	_, err = store.RecordFailure(ctx, poison.ID, "400 bad request")
	require.NoError(t, err)
	healthy, err := store.Add(ctx, newAction("checkin.record", `{"userId":"u1"}`))
	require.NoError(t, err)

	require.NoError(t, store.MoveToDeadLetter(ctx, poison.ID, "max attempts reached"))
	require.NoError(t, store.MoveToDeadLetter(ctx, poison.ID, "max attempts reached"))

	actions, err := store.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, healthy.ID, actions[0].ID)

	letters, err := store.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, poison.ID, letters[0].Action.ID)
	assert.Equal(t, "profile.update", letters[0].Action.Type)
	assert.JSONEq(t, `{"userId":"u1"}`, string(letters[0].Action.Payload))
	assert.Equal(t, 1, letters[0].Action.Attempts)
	assert.Equal(t, "400 bad request", letters[0].Action.LastError)
	assert.Equal(t, "max attempts reached", letters[0].Reason)
	assert.NotZero(t, letters[0].MovedAt)

	require.NoError(t, store.Clear(ctx))
	letters, err = store.DeadLetters(ctx)
	require.NoError(t, err)
	assert.Len(t, letters, 1)
}

func TestSQLiteStore_ClosedStoreReportsStorageUnavailable(t *testing.T) {
	ctx := context.Background()
	store := openTestSQLite(t, filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, store.Close())

	_, err := store.Add(ctx, newAction("booking.create", `{"classId":1}`))
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeStorageUnavailable))

	_, err = store.GetAll(ctx)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeStorageUnavailable))
}

func TestSQLiteStore_EncryptedPayloadAtRest(t *testing.T) {
	t.Setenv(encryptionEnabledEnv, "true")
	t.Setenv(encryptionSecretEnv, "this-is-a-very-long-test-secret-key-for-encryption-testing")

	enc, err := NewEncryptor()
	require.NoError(t, err)

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "queue.db")
	store, err := OpenSQLite(ctx, path, enc)
	require.NoError(t, err)
	defer store.Close()

	_, err = store.Add(ctx, newAction("profile.update", `{"userId":"u1","fields":{"telefono":"600123123"}}`))
	require.NoError(t, err)

	var raw string
	require.NoError(t, store.db.QueryRow(`SELECT payload FROM offline_actions`).Scan(&raw))
	assert.NotContains(t, raw, "600123123")

	actions, err := store.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.JSONEq(t, `{"userId":"u1","fields":{"telefono":"600123123"}}`, string(actions[0].Payload))
}

func TestSQLiteStore_FilePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	store := openTestSQLite(t, path)
	defer store.Close()

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestOpenSQLite_RejectsUnsafePaths(t *testing.T) {
	for _, path := range []string{"", "../queue.db", "data/../../queue.db", "queue\x00.db"} {
		_, err := OpenSQLite(context.Background(), path, nil)
		assert.Error(t, err, path)
	}
}

func TestSQLiteStore_OnlyLockContentionIsRetried(t *testing.T) {
	store := openTestSQLite(t, filepath.Join(t.TempDir(), "queue.db"))
	defer store.Close()

	tests := []struct {
		name  string
		err   error
		calls int
	}{
		{"disk error surfaces at once", errors.New("disk I/O error"), 1},
		{"constraint error surfaces at once", errors.New("UNIQUE constraint failed"), 1},
		{"lock contention is retried", errors.New("database is locked"), 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := store.exec(context.Background(), "add", func() error {
				calls++
				return tt.err
			})
			require.Error(t, err)
			assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeStorageUnavailable))
			assert.Equal(t, tt.calls, calls)
		})
	}
}

func TestSQLiteStore_UnreadableRowIsQuarantined(t *testing.T) {
	ctx := context.Background()
	store := openTestSQLite(t, filepath.Join(t.TempDir(), "queue.db"))
	defer store.Close()

	first, err := store.Add(ctx, newAction("booking.create", `{"classId":1}`))
	require.NoError(t, err)
	broken, err := store.Add(ctx, newAction("booking.cancel", `{"bookingId":"b-2"}`))
	require.NoError(t, err)
	last, err := store.Add(ctx, newAction("booking.create", `{"classId":3}`))
	require.NoError(t, err)

	// Sealed with a key this store does not have
	_, err = store.db.Exec(`UPDATE offline_actions SET payload = ? WHERE id = ?`, encryptedPrefix+"AAAA", broken.ID)
	require.NoError(t, err)

	actions, err := store.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, actions, 2)
	assert.Equal(t, first.ID, actions[0].ID)
	assert.Equal(t, last.ID, actions[1].ID)

	letters, err := store.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, broken.ID, letters[0].Action.ID)
	assert.Equal(t, "booking.cancel", letters[0].Action.Type)
	assert.Nil(t, letters[0].Action.Payload)
	assert.Contains(t, letters[0].Reason, "unreadable record")

	// The quarantine happens once
	actions, err = store.GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, actions, 2)
	letters, err = store.DeadLetters(ctx)
	require.NoError(t, err)
	assert.Len(t, letters, 1)
}
