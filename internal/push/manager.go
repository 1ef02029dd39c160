package push

import (
	"context"
	"fmt"

	apperrors "fitsync/internal/errors"
	"fitsync/internal/metrics"
	"fitsync/internal/models"

	"github.com/sirupsen/logrus"
)

// Manager obtains a push subscription and registers it with the backend.
// Push is optional: every failure is logged and reported as a nil
// subscription.
type Manager struct {
	platform  Platform
	persister Persister
	vapidKey  string
	logger    *apperrors.Logger
}

// NewManager creates a subscription manager. A nil persister skips the
// backend registration.
func NewManager(platform Platform, persister Persister, vapidPublicKey string, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	return &Manager{
		platform:  platform,
		persister: persister,
		vapidKey:  vapidPublicKey,
		logger:    apperrors.WrapLogger(logger),
	}
}

// Subscribe returns the subscription, or nil when push is unavailable
func (m *Manager) Subscribe(ctx context.Context) (sub *models.PushSubscription) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.LogError(fmt.Errorf("%v", r), "Push subscription panicked")
			m.record("error")
			sub = nil
		}
	}()

	if m.platform == nil {
		m.fail(apperrors.NewPushUnsupported("no push platform configured", nil))
		return nil
	}
	if err := ValidateVAPIDPublicKey(m.vapidKey); err != nil {
		m.fail(apperrors.NewPushUnsupported("invalid VAPID public key", err))
		return nil
	}

	sub, err := m.platform.Subscribe(ctx, SubscribeOptions{
		UserVisibleOnly:      true,
		ApplicationServerKey: m.vapidKey,
	})
	if err != nil {
		m.fail(err)
		return nil
	}
	if sub == nil || sub.Endpoint == "" {
		m.fail(apperrors.NewPushUnsupported("platform returned an empty subscription", nil))
		return nil
	}

	if m.persister != nil {
		if err := m.persister.PersistSubscription(ctx, *sub); err != nil {
			m.fail(err)
			return nil
		}
	}

	m.record("subscribed")
	m.logger.WithField("endpoint", sub.Endpoint).Info("Push subscription registered")
	return sub
}

func (m *Manager) fail(err error) {
	result := "error"
	switch {
	case apperrors.IsCode(err, apperrors.ErrCodePushPermissionDenied):
		result = "denied"
	case apperrors.IsCode(err, apperrors.ErrCodePushUnsupported):
		result = "unsupported"
	}
	m.record(result)
	m.logger.LogWarn(err, "Push subscription failed")
}

func (m *Manager) record(result string) {
	metrics.IncrementCounter(metrics.PushSubscriptions, map[string]string{"result": result}, "Push subscription attempts")
}
