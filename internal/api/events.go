package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Event is pushed to every connected UI client
type Event struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Pushed event names
const (
	EventCurrentChanged    = "current-changed"
	EventUnreadChanged     = "unread-changed"
	EventConnectionChanged = "connection-changed"
	EventAuthError         = "auth-error"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Hub fans events out to websocket clients
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	log     *zap.Logger
}

// NewHub creates an empty hub
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients: make(map[*client]struct{}),
		log:     logger,
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}

// Count returns the number of connected clients
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends ev to every client. Clients whose buffer is full are dropped.
func (h *Hub) Broadcast(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.log.Error("encode event", zap.String("event", ev.Event), zap.Error(err))
		return
	}

	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if !c.enqueue(payload) {
			h.log.Warn("dropping slow event client")
			h.unregister(c)
		}
	}
}

// Close disconnects every client
func (h *Hub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()
	for c := range clients {
		c.close()
	}
}

type client struct {
	conn *websocket.Conn
	send chan []byte

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
}

func newClient(conn *websocket.Conn) *client {
	return &client{
		conn: conn,
		send: make(chan []byte, 64),
	}
}

func (c *client) enqueue(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enqueueLocked(payload)
}

func (c *client) enqueueLocked(payload []byte) bool {
	if c.closed {
		return true
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.send)
		c.mu.Unlock()
		_ = c.conn.Close()
	})
}

func (c *client) writePump() {
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// readPump discards client input and returns when the peer goes away
func (c *client) readPump() {
	c.conn.SetReadLimit(1 << 16)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// serveEvents upgrades the request and streams events until the client leaves.
// The client is registered before snapshot runs, and broadcasts that race
// with it are queued behind the snapshot events.
func (h *Hub) serveEvents(w http.ResponseWriter, r *http.Request, snapshot func() []Event) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("event upgrade failed", zap.Error(err))
		return
	}
	c := newClient(conn)

	c.mu.Lock()
	h.register(c)
	for _, ev := range snapshot() {
		if b, err := json.Marshal(ev); err == nil {
			c.enqueueLocked(b)
		}
	}
	c.mu.Unlock()
	go c.writePump()

	c.readPump()
	h.unregister(c)
}
