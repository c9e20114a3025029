// Package notifications relays the posts change feed to websocket viewers.
package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/gofiber/websocket/v2"

	"fireframe/internal/models"
	"fireframe/internal/observability"
	"fireframe/internal/provider"
)

const (
	// Max connections per viewer
	maxConnsPerViewer = 12
	// Max total connections
	maxTotalConns = 10000
)

// Feed message types.
const (
	TypeInitialLoad    = "INITIAL_LOAD"
	TypeRealtimeUpdate = "REALTIME_UPDATE"
)

var (
	ErrHubClosed          = errors.New("feed hub is shut down")
	ErrServerLimitReached = errors.New("server connection limit reached")
	ErrViewerLimitReached = errors.New("viewer connection limit reached")
)

var dropNotice = []byte(`{"type":"MESSAGES_DROPPED","payload":{"reason":"buffer_full"}}`)

// InitialLoadMessage encodes the snapshot a viewer receives on connect.
func InitialLoadMessage(list []models.Post) ([]byte, error) {
	if list == nil {
		list = []models.Post{}
	}
	return json.Marshal(struct {
		Type  string        `json:"type"`
		Posts []models.Post `json:"posts"`
	}{TypeInitialLoad, list})
}

// UpdateMessage encodes one change event.
func UpdateMessage(ev provider.ChangeEvent) ([]byte, error) {
	return json.Marshal(struct {
		Type    string               `json:"type"`
		Payload provider.ChangeEvent `json:"payload"`
	}{TypeRealtimeUpdate, ev})
}

// FeedHub fans change events for one table out to every registered client
// whose subscription matches.
type FeedHub struct {
	table string
	log   *observability.WSLogger

	mu      sync.RWMutex
	clients map[*Client]provider.Subscription
	viewers map[string]int
	closed  bool
	unsub   provider.Unsubscribe
}

// NewFeedHub creates a hub for table.
func NewFeedHub(table string) *FeedHub {
	return &FeedHub{
		table:   table,
		log:     observability.NewWSLogger("feed"),
		clients: make(map[*Client]provider.Subscription),
		viewers: make(map[string]int),
	}
}

// Name returns a human-readable identifier for this hub.
func (h *FeedHub) Name() string { return "feed hub" }

// Start subscribes the hub to the table's change feed. Events are relayed
// until Shutdown.
func (h *FeedHub) Start(ctx context.Context, rt provider.Realtime) error {
	unsub, err := rt.Subscribe(context.WithoutCancel(ctx), provider.Subscription{Table: h.table}, h.Relay)
	if err != nil {
		return err
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		unsub()
		return ErrHubClosed
	}
	h.unsub = unsub
	h.mu.Unlock()
	h.log.LogLifecycle(ctx, "started", map[string]interface{}{"table": h.table})
	return nil
}

// Register adds a connection for viewerID. sub.Filter narrows the events the
// client receives; its Table is forced to the hub's table. initial, when
// set, is queued ahead of any event.
func (h *FeedHub) Register(viewerID string, conn *websocket.Conn, sub provider.Subscription, initial []byte) (*Client, error) {
	sub.Table = h.table
	if _, _, err := provider.ParseFilter(sub.Filter); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	if len(h.clients) >= maxTotalConns {
		return nil, ErrServerLimitReached
	}
	if viewerID != "" && h.viewers[viewerID] >= maxConnsPerViewer {
		return nil, ErrViewerLimitReached
	}

	client := NewClient(h, conn, viewerID)
	if initial != nil {
		client.Send <- initial
	}
	h.clients[client] = sub
	if viewerID != "" {
		h.viewers[viewerID]++
	}
	observability.WebSocketConnections.Inc()
	h.log.LogConnect(context.Background(), viewerID, sub.Channel())
	return client, nil
}

// UnregisterClient removes c and closes its send channel. Unknown clients
// are ignored.
func (h *FeedHub) UnregisterClient(c *Client) {
	h.mu.Lock()
	sub, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		if c.ViewerID != "" {
			if h.viewers[c.ViewerID]--; h.viewers[c.ViewerID] <= 0 {
				delete(h.viewers, c.ViewerID)
			}
		}
		close(c.Send)
	}
	h.mu.Unlock()

	if ok {
		observability.WebSocketConnections.Dec()
		h.log.LogDisconnect(context.Background(), c.ViewerID, sub.Channel(), "unregistered")
	}
}

// Relay encodes ev once and queues it on every matching client.
func (h *FeedHub) Relay(ev provider.ChangeEvent) {
	msg, err := UpdateMessage(ev)
	if err != nil {
		h.log.LogError(context.Background(), h.table, err, string(ev.EventType))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c, sub := range h.clients {
		if ok, err := sub.Matches(ev); err != nil || !ok {
			continue
		}
		c.TrySend(msg)
	}
}

// Count returns the number of registered clients.
func (h *FeedHub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown leaves the change feed and closes every connection.
func (h *FeedHub) Shutdown(_ context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	unsub := h.unsub
	clients := h.clients
	h.clients = make(map[*Client]provider.Subscription)
	h.viewers = make(map[string]int)
	h.mu.Unlock()

	if unsub != nil {
		unsub()
	}

	// Closing Send makes each WritePump send the close frame.
	for client := range clients {
		observability.WebSocketConnections.Dec()
		close(client.Send)
	}
	h.log.LogLifecycle(context.Background(), "stopped", map[string]interface{}{"clients": len(clients)})
	return nil
}
