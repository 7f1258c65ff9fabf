// Package notify forwards validated panel events and session changes to
// presentation clients over WebSocket. Delivery is best-effort: consumers
// re-validate against current state, so at-least-once and drops are both
// acceptable.
package notify

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stravu/crystal-core/events"
	"github.com/stravu/crystal-core/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 64
)

// NoticeType distinguishes the payloads a client can receive.
type NoticeType string

const (
	NoticePanelEvent     NoticeType = "panel_event"
	NoticeSessionChanged NoticeType = "session_changed"
)

// SessionNotice is the session-change payload.
type SessionNotice struct {
	SessionID         string `json:"sessionId"`
	Name              string `json:"name"`
	Status            string `json:"status"`
	CompletedUnviewed bool   `json:"completedUnviewed"`
	Archived          bool   `json:"archived"`
}

// Notice is the wire frame sent to clients.
type Notice struct {
	Type    NoticeType         `json:"type"`
	Event   *events.PanelEvent `json:"event,omitempty"`
	Session *SessionNotice     `json:"session,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The daemon only listens on loopback; origin checks happen there.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// client is one connected presentation consumer.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// Hub fans notices out to all connected clients. A client that cannot keep
// up is disconnected rather than blocking the rest.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*client]struct{})}
}

// PublishEvent broadcasts an already-validated panel event.
func (h *Hub) PublishEvent(ev events.PanelEvent) {
	h.broadcast(Notice{Type: NoticePanelEvent, Event: &ev})
}

// PublishSessionChange broadcasts a session-change notice.
func (h *Hub) PublishSessionChange(sn SessionNotice) {
	h.broadcast(Notice{Type: NoticeSessionChanged, Session: &sn})
}

func (h *Hub) broadcast(n Notice) {
	raw, err := json.Marshal(n)
	if err != nil {
		logger.WithComponent("notify").Error("marshal notice", "error", err)
		return
	}

	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- raw:
		default:
			// Slow consumer: drop the connection, not the pipeline.
			h.remove(c)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects all clients and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()

	for _, c := range clients {
		close(c.send)
	}
}

func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
	}
	h.mu.Unlock()
	if ok {
		close(c.send)
	}
}

// ServeHTTP upgrades the request and attaches the connection to the hub.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WithComponent("notify").Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{hub: h, conn: conn, send: make(chan []byte, sendBuffer)}
	if !h.add(c) {
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// readPump discards inbound frames and detects disconnects. The protocol is
// one-way; clients talk to the daemon over its command API.
func (c *client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case raw, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{}) //nolint:errcheck
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
