package push

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"fitsync/internal/models"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialHub(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	server := httptest.NewServer(hub)
	t.Cleanup(server.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(server.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 5*time.Millisecond)
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) HubMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var msg HubMessage
	require.NoError(t, wsjson.Read(ctx, conn, &msg))
	return msg
}

func TestHub_BroadcastsFrames(t *testing.T) {
	hub := NewHub(quietLogger())
	conn := dialHub(t, hub)
	ctx := context.Background()

	require.NoError(t, hub.Show(ctx, models.Notification{ID: "n1", Title: "Hola", Data: "/"}))
	require.NoError(t, hub.Close(ctx, "n1"))
	require.NoError(t, hub.OpenWindow(ctx, "/reservas"))

	show := readFrame(t, conn)
	assert.Equal(t, MessageShow, show.Type)
	require.NotNil(t, show.Notification)
	assert.Equal(t, "Hola", show.Notification.Title)

	closeFrame := readFrame(t, conn)
	assert.Equal(t, MessageClose, closeFrame.Type)
	assert.Equal(t, "n1", closeFrame.ID)

	open := readFrame(t, conn)
	assert.Equal(t, MessageOpen, open.Type)
	assert.Equal(t, "/reservas", open.URL)
}

func TestHub_RoutesClicksThroughPresenter(t *testing.T) {
	hub := NewHub(quietLogger())
	presenter := NewPresenter(hub, hub, quietLogger())
	hub.OnClick(presenter.HandleClick)
	conn := dialHub(t, hub)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, conn, HubMessage{Type: MessageClick, ID: "n7", Data: "/entrenos"}))

	closeFrame := readFrame(t, conn)
	assert.Equal(t, MessageClose, closeFrame.Type)
	assert.Equal(t, "n7", closeFrame.ID)

	open := readFrame(t, conn)
	assert.Equal(t, MessageOpen, open.Type)
	assert.Equal(t, "/entrenos", open.URL)
}

func TestHub_ShowWithoutClients(t *testing.T) {
	hub := NewHub(quietLogger())
	assert.NoError(t, hub.Show(context.Background(), models.Notification{ID: "n"}))
	assert.Zero(t, hub.Clients())
}

func TestHub_UnregistersOnDisconnect(t *testing.T) {
	hub := NewHub(quietLogger())
	conn := dialHub(t, hub)

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))
	assert.Eventually(t, func() bool { return hub.Clients() == 0 }, 2*time.Second, 5*time.Millisecond)
}
