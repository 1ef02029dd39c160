package push

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"fitsync/internal/constants"
	apperrors "fitsync/internal/errors"
	"fitsync/internal/metrics"
	"fitsync/internal/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// pushData is the JSON body of a push message. Every field is optional.
type pushData struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url"`
	Tag   string `json:"tag"`
	Icon  string `json:"icon"`
}

// Click is a user activation of a shown notification
type Click struct {
	ID   string `json:"id"`
	Data string `json:"data"`
}

// Presenter turns push messages into notifications and routes clicks. It
// keeps no state between notifications.
type Presenter struct {
	notifier Notifier
	opener   Opener
	logger   *apperrors.Logger

	now   func() time.Time
	newID func() string
}

// NewPresenter creates a presenter rendering through notifier and opening
// click targets through opener
func NewPresenter(notifier Notifier, opener Opener, logger *logrus.Logger) *Presenter {
	if logger == nil {
		logger = logrus.New()
	}
	return &Presenter{
		notifier: notifier,
		opener:   opener,
		logger:   apperrors.WrapLogger(logger),
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Render builds the notification for a push message. Empty or non-JSON data
// renders the defaults.
func (p *Presenter) Render(data []byte) models.Notification {
	var msg pushData
	if len(data) > 0 {
		if err := json.Unmarshal(data, &msg); err != nil {
			p.logger.WithError(err).Debug("Push data is not JSON, using defaults")
			msg = pushData{}
		}
	}

	return models.Notification{
		ID:        p.newID(),
		Title:     orDefault(msg.Title, constants.DefaultNotificationTitle),
		Body:      orDefault(msg.Body, constants.DefaultNotificationBody),
		Icon:      orDefault(msg.Icon, constants.DefaultNotificationIcon),
		Badge:     constants.DefaultNotificationIcon,
		Tag:       msg.Tag,
		Data:      orDefault(msg.URL, constants.DefaultNotificationURL),
		CreatedAt: p.now().UnixMilli(),
	}
}

// HandlePush renders a push message and shows it
func (p *Presenter) HandlePush(ctx context.Context, data []byte) (models.Notification, error) {
	n := p.Render(data)

	if err := p.notifier.Show(ctx, n); err != nil {
		metrics.IncrementCounter(metrics.NotificationsShown, map[string]string{"result": "error"}, "Notifications shown")
		return n, fmt.Errorf("failed to show notification: %w", err)
	}

	metrics.IncrementCounter(metrics.NotificationsShown, map[string]string{"result": "shown"}, "Notifications shown")
	p.logger.WithFields(logrus.Fields{
		"notification_id": n.ID,
		"tag":             n.Tag,
	}).Debug("Notification shown")
	return n, nil
}

// HandleClick dismisses the clicked notification and opens its target
func (p *Presenter) HandleClick(ctx context.Context, click Click) error {
	if err := p.notifier.Close(ctx, click.ID); err != nil {
		p.logger.LogWarn(err, "Failed to close notification", logrus.Fields{"notification_id": click.ID})
	}

	target := orDefault(click.Data, constants.DefaultNotificationURL)
	if err := p.opener.OpenWindow(ctx, target); err != nil {
		return fmt.Errorf("failed to open %s: %w", target, err)
	}
	return nil
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
