package syncer

import (
	"context"
	"io"
	"path/filepath"
	"sync"
	"testing"

	"fitsync/internal/models"
	"fitsync/internal/queue"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) Add(ctx context.Context, action models.QueuedAction) (models.QueuedAction, error) {
	args := m.Called(ctx, action)
	return args.Get(0).(models.QueuedAction), args.Error(1)
}

func (m *mockStore) GetAll(ctx context.Context) ([]models.QueuedAction, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.QueuedAction), args.Error(1)
}

func (m *mockStore) DeleteByID(ctx context.Context, id int64) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *mockStore) Clear(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *mockStore) RecordFailure(ctx context.Context, id int64, reason string) (int, error) {
	args := m.Called(ctx, id, reason)
	return args.Int(0), args.Error(1)
}

func (m *mockStore) MoveToDeadLetter(ctx context.Context, id int64, reason string) error {
	args := m.Called(ctx, id, reason)
	return args.Error(0)
}

func (m *mockStore) DeadLetters(ctx context.Context) ([]models.DeadLetter, error) {
	args := m.Called(ctx)
	return args.Get(0).([]models.DeadLetter), args.Error(1)
}

func (m *mockStore) Close() error {
	return nil
}

// stubDeliverer records every delivery and answers from fn
type stubDeliverer struct {
	mu    sync.Mutex
	calls []models.QueuedAction
	fn    func(call int, action models.QueuedAction) error
}

func (d *stubDeliverer) Deliver(ctx context.Context, action models.QueuedAction) error {
	d.mu.Lock()
	d.calls = append(d.calls, action)
	call := len(d.calls)
	fn := d.fn
	d.mu.Unlock()

	if fn == nil {
		return nil
	}
	return fn(call, action)
}

func (d *stubDeliverer) Calls() []models.QueuedAction {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]models.QueuedAction, len(d.calls))
	copy(out, d.calls)
	return out
}

type mockRegistrar struct {
	mock.Mock
}

func (m *mockRegistrar) Register(ctx context.Context, tag string) error {
	args := m.Called(ctx, tag)
	return args.Error(0)
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestStore(t *testing.T) queue.Store {
	t.Helper()
	store, err := queue.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "queue.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func addAction(t *testing.T, store queue.Store, actionType, payload string) models.QueuedAction {
	t.Helper()
	action, err := store.Add(context.Background(), models.QueuedAction{
		Type:      actionType,
		Payload:   []byte(payload),
		Timestamp: 1700000000000,
	})
	require.NoError(t, err)
	return action
}
