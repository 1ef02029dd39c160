package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"fitsync/internal/constants"
	apperrors "fitsync/internal/errors"
	"fitsync/internal/models"
	"fitsync/internal/retry"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"
)

// maxPushPayload bounds one push message read from the relay stream
const maxPushPayload = 64 << 10

// RelayPlatform is a push platform backed by a push relay service. Subscriptions
// are created over HTTP and messages arrive over a websocket stream.
type RelayPlatform struct {
	baseURL string
	client  *http.Client
	backoff *retry.Backoff
	logger  *logrus.Logger
}

// NewRelayPlatform creates a relay platform. An empty relayURL makes every
// subscription fail as unsupported.
func NewRelayPlatform(relayURL string, httpClient *http.Client, backoff retry.BackoffConfig, logger *logrus.Logger) *RelayPlatform {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: constants.DefaultHTTPTimeoutSec * time.Second}
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &RelayPlatform{
		baseURL: strings.TrimRight(relayURL, "/"),
		client:  httpClient,
		backoff: retry.NewBackoff(backoff),
		logger:  logger,
	}
}

// Subscribe asks the relay for a subscription
func (p *RelayPlatform) Subscribe(ctx context.Context, opts SubscribeOptions) (*models.PushSubscription, error) {
	if p.baseURL == "" {
		return nil, apperrors.NewPushUnsupported("no push relay configured", nil)
	}

	body, err := json.Marshal(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal subscribe request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/subscriptions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create subscribe request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, apperrors.NewPushUnsupported("push relay unreachable", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxPushPayload))

	switch {
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized:
		return nil, apperrors.NewPushPermissionDenied(fmt.Errorf("relay returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody))))
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusNotImplemented:
		return nil, apperrors.NewPushUnsupported(fmt.Sprintf("relay returned %d", resp.StatusCode), nil)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("push relay returned status %d", resp.StatusCode)
	}

	var sub models.PushSubscription
	if err := json.Unmarshal(respBody, &sub); err != nil {
		return nil, fmt.Errorf("failed to decode subscription: %w", err)
	}
	return &sub, nil
}

// Listen streams push messages for endpoint until the connection drops or ctx
// is cancelled. Each message is passed to handle.
func (p *RelayPlatform) Listen(ctx context.Context, endpoint string, handle func(ctx context.Context, data []byte)) error {
	if p.baseURL == "" {
		return apperrors.NewPushUnsupported("no push relay configured", nil)
	}

	streamURL := p.baseURL + "/stream?endpoint=" + url.QueryEscape(endpoint)
	conn, _, err := websocket.Dial(ctx, streamURL, &websocket.DialOptions{HTTPClient: p.client})
	if err != nil {
		return fmt.Errorf("failed to connect to push stream: %w", err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxPushPayload)

	p.logger.WithField("endpoint", endpoint).Info("Listening for push messages")
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return fmt.Errorf("push stream read failed: %w", err)
		}
		handle(ctx, data)
	}
}

// Run keeps a Listen session open, reconnecting with backoff, until ctx is
// cancelled
func (p *RelayPlatform) Run(ctx context.Context, endpoint string, handle func(ctx context.Context, data []byte)) {
	attempt := 0
	for ctx.Err() == nil {
		err := p.Listen(ctx, endpoint, handle)
		if ctx.Err() != nil {
			return
		}
		var appErr *apperrors.AppError
		if errors.As(err, &appErr) && appErr.Code == apperrors.ErrCodePushUnsupported {
			p.logger.WithError(err).Warn("Push stream unavailable, not reconnecting")
			return
		}

		if err == nil {
			attempt = 0
		}
		attempt++
		if err != nil {
			p.logger.WithError(err).WithField("attempt", attempt).Warn("Push stream disconnected")
		}
		if p.backoff.Wait(ctx, attempt) != nil {
			return
		}
	}
}
