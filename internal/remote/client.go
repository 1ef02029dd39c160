// Package remote talks to the hosted backend REST API: it delivers queued
// actions, persists push subscriptions and probes reachability.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"fitsync/internal/actions"
	"fitsync/internal/constants"
	apperrors "fitsync/internal/errors"
	"fitsync/internal/metrics"
	"fitsync/internal/models"
	"fitsync/internal/tracing"
	"fitsync/pkg/circuitbreaker"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
)

// maxErrorBody bounds how much of an error response is kept for diagnostics
const maxErrorBody = 512

const (
	preferMinimal = "return=minimal"
	preferUpsert  = "resolution=merge-duplicates,return=minimal"
)

// call is one backend request
type call struct {
	method         string
	path           string
	body           []byte
	idempotencyKey string
	prefer         string
}

// Client calls the backend REST API
type Client struct {
	baseURL     string
	apiKey      string
	accessToken string
	client      *http.Client
	breaker     *circuitbreaker.CircuitBreaker
	logger      *logrus.Logger
}

// NewClient builds a backend client. A nil httpClient gets one with the
// configured timeout.
func NewClient(cfg models.BackendConfig, httpClient *http.Client, logger *logrus.Logger) *Client {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}

	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = constants.DefaultHTTPTimeoutSec * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	maxFailures := cfg.BreakerMaxFailures
	if maxFailures <= 0 {
		maxFailures = constants.DefaultBreakerMaxFailures
	}
	resetSec := cfg.BreakerResetSec
	if resetSec <= 0 {
		resetSec = constants.DefaultBreakerResetTimeoutSec
	}

	return &Client{
		baseURL:     strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:      cfg.APIKey,
		accessToken: cfg.AccessToken,
		client:      httpClient,
		breaker: circuitbreaker.New(circuitbreaker.Config{
			Name:         "backend",
			MaxFailures:  uint32(maxFailures),
			ResetTimeout: time.Duration(resetSec) * time.Second,
			// Only server-side trouble counts; a rejected payload says the
			// backend is healthy.
			IsFailure: apperrors.IsRetryable,
		}, logger),
		logger: logger,
	}
}

// BreakerStats exposes circuit breaker state for the metrics endpoint
func (c *Client) BreakerStats() circuitbreaker.Stats {
	return c.breaker.GetStats()
}

// Deliver sends one queued action to the backend. A nil error means the
// backend accepted it, including a 409 conflict on a create that was applied
// by an earlier replay.
func (c *Client) Deliver(ctx context.Context, action models.QueuedAction) error {
	ctx, span := tracing.StartSpan(ctx, "remote.deliver",
		attribute.Int64("action.id", action.ID),
		attribute.String("action.type", action.Type),
	)
	defer span.End()

	route, err := actions.Route(action.Type, action.Payload)
	if err != nil {
		tracing.RecordError(ctx, err)
		return err
	}

	status, err := c.do(ctx, call{
		method:         route.Method,
		path:           route.Path,
		body:           route.Body,
		idempotencyKey: action.IdempotencyKey,
		prefer:         preferMinimal,
	})
	if route.Create && status == http.StatusConflict {
		c.logger.WithFields(logrus.Fields{
			"action_id":   action.ID,
			"action_type": action.Type,
		}).Debug("Backend reports action already applied")
		return nil
	}
	if err != nil {
		deliveryErr := apperrors.NewDeliveryError(action.Type, status, err)
		tracing.RecordError(ctx, deliveryErr, attribute.Int("http.status_code", status))
		return deliveryErr
	}
	return nil
}

// PersistSubscription stores a push subscription on the backend. The upsert
// is keyed by endpoint so re-subscribing replaces the keys.
func (c *Client) PersistSubscription(ctx context.Context, sub models.PushSubscription) error {
	ctx, span := tracing.StartSpan(ctx, "remote.persist_subscription")
	defer span.End()

	row := map[string]any{
		"endpoint": sub.Endpoint,
		"p256dh":   sub.Keys.P256dh,
		"auth":     sub.Keys.Auth,
	}
	if sub.ExpirationTime != nil {
		row["expiration_time"] = *sub.ExpirationTime
	}
	body, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("failed to marshal subscription: %w", err)
	}

	path := constants.DefaultRESTPrefix + "/" + actions.TablePushEndpoints + "?on_conflict=endpoint"
	status, err := c.do(ctx, call{method: http.MethodPost, path: path, body: body, prefer: preferUpsert})
	if err != nil {
		tracing.RecordError(ctx, err)
		return apperrors.NewDeliveryError("push.subscription", status, err)
	}
	return nil
}

// Ping checks that the backend answers. Any HTTP response counts as
// reachable; only transport errors and 5xx do not.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+constants.DefaultRESTPrefix+"/", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req, call{})

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("backend unreachable: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 500 {
		return fmt.Errorf("backend unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// do performs one request through the circuit breaker and returns the HTTP
// status (0 when no response was received)
func (c *Client) do(ctx context.Context, rc call) (int, error) {
	if c.baseURL == "" {
		return 0, errors.New("backend base URL is not configured")
	}

	var status int
	start := time.Now()

	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		var reader io.Reader
		if rc.body != nil {
			reader = bytes.NewReader(rc.body)
		}
		req, err := http.NewRequestWithContext(ctx, rc.method, c.baseURL+rc.path, reader)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		c.setHeaders(req, rc)
		otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

		resp, err := c.client.Do(req)
		if err != nil {
			return apperrors.WrapRetryable(err, apperrors.ErrCodeDeliveryFailure, "request failed")
		}
		defer resp.Body.Close()

		status = resp.StatusCode
		if status >= 200 && status < 300 {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}

		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return apperrors.NewDeliveryError(rc.method+" "+rc.path, status,
			fmt.Errorf("status %d: %s", status, strings.TrimSpace(string(msg))))
	})

	result := "success"
	if err != nil {
		result = "failure"
	}
	labels := map[string]string{"method": rc.method, "result": result}
	if status != 0 {
		labels["status"] = strconv.Itoa(status)
	}
	metrics.IncrementCounter(metrics.RemoteRequests, labels, "Backend requests")
	metrics.RecordTimer(metrics.RemoteRequestDuration, time.Since(start), map[string]string{"method": rc.method}, "Backend request latency")

	if circuitbreaker.IsCircuitBreakerError(err) {
		return 0, apperrors.WrapRetryable(err, apperrors.ErrCodeDeliveryFailure, "backend circuit open")
	}
	return status, err
}

func (c *Client) setHeaders(req *http.Request, rc call) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if rc.prefer != "" {
		req.Header.Set("Prefer", rc.prefer)
	}
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}
	token := c.accessToken
	if token == "" {
		token = c.apiKey
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if rc.idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", rc.idempotencyKey)
	}
}
