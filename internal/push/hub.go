package push

import (
	"context"
	"net/http"
	"sync"
	"time"

	"fitsync/internal/constants"
	"fitsync/internal/metrics"
	"fitsync/internal/models"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/sirupsen/logrus"
)

const hubWriteTimeout = 5 * time.Second

// Hub message types
const (
	MessageShow  = "show"
	MessageClose = "close"
	MessageOpen  = "open"
	MessageClick = "click"
)

// HubMessage is the frame exchanged with UI clients. The hub sends show,
// close and open frames; clients send click frames.
type HubMessage struct {
	Type         string               `json:"type"`
	Notification *models.Notification `json:"notification,omitempty"`
	ID           string               `json:"id,omitempty"`
	URL          string               `json:"url,omitempty"`
	Data         string               `json:"data,omitempty"`
}

type hubClient struct {
	send chan HubMessage
	done chan struct{}
	once sync.Once
}

func (c *hubClient) close() {
	c.once.Do(func() { close(c.done) })
}

// Hub fans notifications out to UI clients connected over websocket. It acts
// as the Notifier and Opener of a Presenter; clients with a full buffer are
// disconnected rather than blocking the sender.
type Hub struct {
	mu      sync.RWMutex
	clients map[*hubClient]struct{}
	onClick func(ctx context.Context, click Click) error
	logger  *logrus.Logger
}

// NewHub creates an empty hub
func NewHub(logger *logrus.Logger) *Hub {
	if logger == nil {
		logger = logrus.New()
	}
	return &Hub{
		clients: make(map[*hubClient]struct{}),
		logger:  logger,
	}
}

// OnClick sets the handler for clicks reported by clients
func (h *Hub) OnClick(handler func(ctx context.Context, click Click) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onClick = handler
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Show sends a notification to every client
func (h *Hub) Show(ctx context.Context, n models.Notification) error {
	h.broadcast(HubMessage{Type: MessageShow, Notification: &n})
	return nil
}

// Close tells every client to dismiss a notification
func (h *Hub) Close(ctx context.Context, id string) error {
	h.broadcast(HubMessage{Type: MessageClose, ID: id})
	return nil
}

// OpenWindow tells every client to navigate to url
func (h *Hub) OpenWindow(ctx context.Context, url string) error {
	h.broadcast(HubMessage{Type: MessageOpen, URL: url})
	return nil
}

func (h *Hub) broadcast(msg HubMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		select {
		case client.send <- msg:
		default:
			h.logger.WithField("type", msg.Type).Warn("Notification client too slow, disconnecting")
			client.close()
		}
	}
}

// ServeHTTP upgrades the request and serves one client until it disconnects
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("Failed to accept notification client")
		return
	}
	defer conn.CloseNow()

	client := &hubClient{
		send: make(chan HubMessage, constants.HubClientBufferSize),
		done: make(chan struct{}),
	}
	h.register(client)
	defer h.unregister(client)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		h.readLoop(ctx, conn)
		cancel()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-client.done:
			_ = conn.Close(websocket.StatusPolicyViolation, "client too slow")
			return
		case msg := <-client.send:
			writeCtx, cancelWrite := context.WithTimeout(ctx, hubWriteTimeout)
			err := wsjson.Write(writeCtx, conn, msg)
			cancelWrite()
			if err != nil {
				h.logger.WithError(err).Debug("Notification client write failed")
				return
			}
		}
	}
}

func (h *Hub) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		var msg HubMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return
		}
		if msg.Type != MessageClick {
			continue
		}

		h.mu.RLock()
		handler := h.onClick
		h.mu.RUnlock()
		if handler == nil {
			continue
		}
		if err := handler(ctx, Click{ID: msg.ID, Data: msg.Data}); err != nil {
			h.logger.WithError(err).Warn("Notification click failed")
		}
	}
}

func (h *Hub) register(client *hubClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()

	metrics.SetGauge(metrics.NotificationClients, float64(count), nil, "Connected notification clients")
	h.logger.WithField("clients", count).Debug("Notification client connected")
}

func (h *Hub) unregister(client *hubClient) {
	h.mu.Lock()
	delete(h.clients, client)
	count := len(h.clients)
	h.mu.Unlock()

	metrics.SetGauge(metrics.NotificationClients, float64(count), nil, "Connected notification clients")
	h.logger.WithField("clients", count).Debug("Notification client disconnected")
}
