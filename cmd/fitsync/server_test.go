package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	apperrors "fitsync/internal/errors"
	"fitsync/internal/models"
	"fitsync/internal/push"
	"fitsync/internal/versioning"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const cancelBooking = `{"type":"booking.cancel","payload":{"bookingId":"b-1"}}`

func TestServer_EnqueueAndList(t *testing.T) {
	backend := newBackend(t, http.StatusNoContent)
	server, _ := newTestServer(t, backend, "")

	w := doRequest(t, server.Handler(), http.MethodPost, "/api/v1/actions", cancelBooking)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	assert.Equal(t, versioning.CurrentVersion.String(), w.Header().Get(versioning.CurrentVersionHeader))

	var action models.QueuedAction
	decode(t, w, &action)
	assert.Positive(t, action.ID)
	assert.Equal(t, "booking.cancel", action.Type)
	assert.NotEmpty(t, action.IdempotencyKey)

	w = doRequest(t, server.Handler(), http.MethodGet, "/api/v1/actions", "")
	require.Equal(t, http.StatusOK, w.Code)
	var listed struct {
		Actions []models.QueuedAction `json:"actions"`
		Count   int                   `json:"count"`
	}
	decode(t, w, &listed)
	assert.Equal(t, 1, listed.Count)
	assert.Equal(t, action.ID, listed.Actions[0].ID)

	assert.Empty(t, backend.Calls(), "offline host must not deliver")
}

func TestServer_EnqueueRejectsInvalidRequests(t *testing.T) {
	backend := newBackend(t, http.StatusNoContent)
	server, a := newTestServer(t, backend, "")

	tests := []struct {
		name string
		body string
	}{
		{"unknown type", `{"type":"booking.teleport","payload":{}}`},
		{"invalid payload", `{"type":"booking.cancel","payload":{}}`},
		{"unknown field", `{"type":"booking.cancel","payload":{"bookingId":"b"},"extra":1}`},
		{"not json", `booking`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(t, server.Handler(), http.MethodPost, "/api/v1/actions", tt.body)
			require.Equal(t, http.StatusBadRequest, w.Code)

			var resp apperrors.HTTPErrorResponse
			decode(t, w, &resp)
			assert.Equal(t, apperrors.ErrCodeInvalidAction, resp.Error.Code)
			assert.Equal(t, w.Header().Get("X-Request-ID"), resp.RequestID)
		})
	}

	pending, err := a.store.GetAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestServer_SyncWaitDrainsQueue(t *testing.T) {
	backend := newBackend(t, http.StatusNoContent)
	server, a := newTestServer(t, backend, "")

	require.Equal(t, http.StatusCreated, doRequest(t, server.Handler(), http.MethodPost, "/api/v1/actions", cancelBooking).Code)

	w := doRequest(t, server.Handler(), http.MethodPost, "/api/v1/sync?wait=true", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var report struct {
		Attempted int `json:"attempted"`
		Delivered int `json:"delivered"`
		Remaining int `json:"remaining"`
	}
	decode(t, w, &report)
	assert.Equal(t, 1, report.Attempted)
	assert.Equal(t, 1, report.Delivered)
	assert.Equal(t, 0, report.Remaining)

	assert.Equal(t, []string{"DELETE /rest/v1/reservas_clases?id=eq.b-1"}, backend.Calls())

	pending, err := a.store.GetAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestServer_SyncFiresHost(t *testing.T) {
	backend := newBackend(t, http.StatusNoContent)
	server, a := newTestServer(t, backend, "")

	require.Equal(t, http.StatusCreated, doRequest(t, server.Handler(), http.MethodPost, "/api/v1/actions", cancelBooking).Code)
	a.enqueuer.Wait()

	w := doRequest(t, server.Handler(), http.MethodPost, "/api/v1/sync", "")
	require.Equal(t, http.StatusAccepted, w.Code)

	assert.Eventually(t, func() bool {
		pending, err := a.store.GetAll(context.Background())
		return err == nil && len(pending) == 0
	}, 3*time.Second, 20*time.Millisecond)
	assert.Eventually(t, func() bool { return !a.host.Armed(a.cfg.Sync.Tag) }, 3*time.Second, 20*time.Millisecond)
}

func TestServer_GoingOnlineReplaysQueue(t *testing.T) {
	backend := newBackend(t, http.StatusCreated)
	server, a := newTestServer(t, backend, "")

	body := `{"type":"booking.create","payload":{"classId":42}}`
	require.Equal(t, http.StatusCreated, doRequest(t, server.Handler(), http.MethodPost, "/api/v1/actions", body).Code)

	assert.Eventually(t, func() bool { return a.host.Armed(a.cfg.Sync.Tag) }, time.Second, 10*time.Millisecond)
	assert.True(t, a.monitor.CheckNow(context.Background()))

	assert.Eventually(t, func() bool {
		pending, err := a.store.GetAll(context.Background())
		return err == nil && len(pending) == 0
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, []string{"POST /rest/v1/reservas_clases"}, backend.Calls())
}

func TestServer_ReplaysQueueLeftBeforeStart(t *testing.T) {
	backend := newBackend(t, http.StatusNoContent)
	cfgPath := writeTestConfig(t, backend.URL, "")

	_, err := runCLI(t, "-c", cfgPath, "enqueue", "booking.cancel", "--payload", `{"bookingId":"b-9"}`)
	require.NoError(t, err)

	_, a := newTestServerFromConfig(t, cfgPath)
	assert.True(t, a.host.Armed(a.cfg.Sync.Tag))
	assert.Empty(t, backend.Calls())

	assert.True(t, a.monitor.CheckNow(context.Background()))

	assert.Eventually(t, func() bool {
		pending, err := a.store.GetAll(context.Background())
		return err == nil && len(pending) == 0
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, []string{"DELETE /rest/v1/reservas_clases?id=eq.b-9"}, backend.Calls())
}

func TestServer_OnlineProbePicksUpActionsQueuedByCLI(t *testing.T) {
	backend := newBackend(t, http.StatusNoContent)
	cfgPath := writeTestConfig(t, backend.URL, "")
	_, a := newTestServerFromConfig(t, cfgPath)

	require.True(t, a.monitor.CheckNow(context.Background()))
	assert.False(t, a.host.Armed(a.cfg.Sync.Tag))

	_, err := runCLI(t, "-c", cfgPath, "enqueue", "booking.cancel", "--payload", `{"bookingId":"b-10"}`)
	require.NoError(t, err)

	// Next probe while still online
	require.True(t, a.monitor.CheckNow(context.Background()))

	assert.Eventually(t, func() bool {
		pending, err := a.store.GetAll(context.Background())
		return err == nil && len(pending) == 0
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, []string{"DELETE /rest/v1/reservas_clases?id=eq.b-10"}, backend.Calls())
}

func TestServer_DeadLetters(t *testing.T) {
	backend := newBackend(t, http.StatusInternalServerError)
	server, _ := newTestServer(t, backend, `, "maxAttempts": 1`)

	require.Equal(t, http.StatusCreated, doRequest(t, server.Handler(), http.MethodPost, "/api/v1/actions", cancelBooking).Code)
	require.Equal(t, http.StatusOK, doRequest(t, server.Handler(), http.MethodPost, "/api/v1/sync?wait=true", "").Code)

	w := doRequest(t, server.Handler(), http.MethodGet, "/api/v1/dead-letters", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		DeadLetters []models.DeadLetter `json:"dead_letters"`
		Count       int                 `json:"count"`
	}
	decode(t, w, &resp)
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, "booking.cancel", resp.DeadLetters[0].Action.Type)
	assert.Equal(t, 1, resp.DeadLetters[0].Action.Attempts)
}

func TestServer_ClearActions(t *testing.T) {
	backend := newBackend(t, http.StatusNoContent)
	server, a := newTestServer(t, backend, "")

	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusCreated, doRequest(t, server.Handler(), http.MethodPost, "/api/v1/actions", cancelBooking).Code)
	}

	w := doRequest(t, server.Handler(), http.MethodDelete, "/api/v1/actions", "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	pending, err := a.store.GetAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestServer_HealthAndMetrics(t *testing.T) {
	backend := newBackend(t, http.StatusNoContent)
	server, _ := newTestServer(t, backend, "")

	w := doRequest(t, server.Handler(), http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	var health map[string]any
	decode(t, w, &health)
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, false, health["online"])

	w = doRequest(t, server.Handler(), http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "no-cache, no-store, must-revalidate", w.Header().Get("Cache-Control"))
	var body map[string]any
	decode(t, w, &body)
	assert.Contains(t, body, "metrics")
	assert.Contains(t, body, "backend")
	assert.Contains(t, w.Body.String(), "queue_depth")
}

func TestServer_PushSubscribeWithoutRelay(t *testing.T) {
	backend := newBackend(t, http.StatusNoContent)
	server, _ := newTestServer(t, backend, "")

	w := doRequest(t, server.Handler(), http.MethodPost, "/api/v1/push/subscribe", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Subscribed   bool                     `json:"subscribed"`
		Subscription *models.PushSubscription `json:"subscription"`
	}
	decode(t, w, &resp)
	assert.False(t, resp.Subscribed)
	assert.Nil(t, resp.Subscription)
}

func TestServer_PushTestRendersNotification(t *testing.T) {
	backend := newBackend(t, http.StatusNoContent)
	server, _ := newTestServer(t, backend, "")

	w := doRequest(t, server.Handler(), http.MethodPost, "/api/v1/push/test", `{"title":"Clase cancelada","url":"/reservas"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var n models.Notification
	decode(t, w, &n)
	assert.Equal(t, "Clase cancelada", n.Title)
	assert.Equal(t, "/reservas", n.Data)
	assert.NotEmpty(t, n.ID)
}

func TestServer_RejectsUnsupportedAPIVersion(t *testing.T) {
	backend := newBackend(t, http.StatusNoContent)
	server, _ := newTestServer(t, backend, "")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/actions", nil)
	req.Header.Set(versioning.AcceptVersionHeader, "2.0.0")
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestServer_ProductionRejectsRemoteCallers(t *testing.T) {
	backend := newBackend(t, http.StatusNoContent)
	server, _ := newTestServer(t, backend, "")
	t.Setenv("FITSYNC_ENV", "production")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/actions", nil)
	req.RemoteAddr = "10.0.0.8:52100"
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/actions", nil)
	req.RemoteAddr = "127.0.0.1:52100"
	w = httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestServer_NotificationStream(t *testing.T) {
	backend := newBackend(t, http.StatusNoContent)
	server, a := newTestServer(t, backend, "")

	httpServer := httptest.NewServer(server.Handler())
	t.Cleanup(httpServer.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/api/v1/notifications/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.Eventually(t, func() bool { return a.hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Post(httpServer.URL+"/api/v1/push/test", "application/json", strings.NewReader(`{"body":"Nueva clase"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var shown push.HubMessage
	require.NoError(t, wsjson.Read(ctx, conn, &shown))
	assert.Equal(t, push.MessageShow, shown.Type)
	require.NotNil(t, shown.Notification)
	assert.Equal(t, "Nueva clase", shown.Notification.Body)

	require.NoError(t, wsjson.Write(ctx, conn, push.HubMessage{
		Type: push.MessageClick,
		ID:   shown.Notification.ID,
		Data: shown.Notification.Data,
	}))

	var closed, opened push.HubMessage
	require.NoError(t, wsjson.Read(ctx, conn, &closed))
	require.NoError(t, wsjson.Read(ctx, conn, &opened))
	assert.Equal(t, push.MessageClose, closed.Type)
	assert.Equal(t, shown.Notification.ID, closed.ID)
	assert.Equal(t, push.MessageOpen, opened.Type)
	assert.Equal(t, "/", opened.URL)
}
