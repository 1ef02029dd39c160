// Package syncer implements the offline sync flow: queueing actions,
// arming background sync, replaying the queue when the backend is reachable
// and watching connectivity.
package syncer

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"fitsync/internal/actions"
	"fitsync/internal/constants"
	apperrors "fitsync/internal/errors"
	"fitsync/internal/metrics"
	"fitsync/internal/models"
	"fitsync/internal/queue"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// registrationTimeout bounds the asynchronous sync registration
const registrationTimeout = 10 * time.Second

// Enqueuer is the entry point for mutations that may have to wait for
// connectivity
type Enqueuer struct {
	store     queue.Store
	registrar Registrar
	tag       string
	logger    *apperrors.Logger

	now    func() time.Time
	newKey func() string

	wg sync.WaitGroup
}

// NewEnqueuer creates an enqueuer arming tag on every enqueue. An empty tag
// uses the default sync tag.
func NewEnqueuer(store queue.Store, registrar Registrar, tag string, logger *logrus.Logger) *Enqueuer {
	if tag == "" {
		tag = constants.SyncUpdatesTag
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Enqueuer{
		store:     store,
		registrar: registrar,
		tag:       tag,
		logger:    apperrors.WrapLogger(logger),
		now:       time.Now,
		newKey:    uuid.NewString,
	}
}

// QueueAndSync validates and durably queues an action, then asks for
// background sync without waiting for it. Only validation and storage
// failures reach the caller.
func (e *Enqueuer) QueueAndSync(ctx context.Context, actionType string, payload json.RawMessage) (models.QueuedAction, error) {
	if err := actions.Validate(actionType, payload); err != nil {
		return models.QueuedAction{}, err
	}

	stored, err := e.store.Add(ctx, models.QueuedAction{
		Type:           actionType,
		Payload:        payload,
		Timestamp:      e.now().UnixMilli(),
		IdempotencyKey: e.newKey(),
	})
	if err != nil {
		return models.QueuedAction{}, err
	}

	metrics.IncrementCounter(metrics.ActionsEnqueued, map[string]string{"type": actionType}, "Actions queued for sync")
	e.logger.WithFields(logrus.Fields{
		"action_id":   stored.ID,
		"action_type": stored.Type,
	}).Info("Action queued for offline sync")

	e.wg.Add(1)
	go e.requestSync(context.WithoutCancel(ctx), stored.ID)

	return stored, nil
}

func (e *Enqueuer) requestSync(ctx context.Context, actionID int64) {
	defer e.wg.Done()

	if e.registrar == nil {
		e.logger.WithField("action_id", actionID).Warn("Background sync not available, action waits for a manual flush")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, registrationTimeout)
	defer cancel()

	if err := e.registrar.Register(ctx, e.tag); err != nil {
		e.logger.LogWarn(err, "Background sync registration failed, action stays queued", logrus.Fields{
			"action_id": actionID,
			"tag":       e.tag,
		})
	}
}

// Wait blocks until every in-flight sync registration has returned
func (e *Enqueuer) Wait() {
	e.wg.Wait()
}
