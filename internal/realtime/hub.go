// Package realtime pushes notifications to connected users over WebSocket.
//
// Each connection belongs to one authenticated user and receives only that
// user's events, optionally narrowed to a set of event kinds.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mbd888/marketledger/internal/metrics"
	"github.com/mbd888/marketledger/internal/notify"
)

// Errors returned by Deliver.
var (
	ErrHubStopped = errors.New("realtime hub stopped")
	ErrBacklog    = errors.New("realtime hub backlog full")
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // Allow non-browser clients
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// Subscription narrows the kinds a connection receives. Empty means all.
type Subscription struct {
	Kinds []string `json:"kinds"`
}

// Client represents a WebSocket connection
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	userID int64
	send   chan []byte
	mu     sync.RWMutex
	sub    Subscription
}

// MaxClients is the maximum number of concurrent WebSocket connections.
const MaxClients = 10000

// Hub manages all WebSocket connections
type Hub struct {
	clients    map[int64]map[*Client]struct{}
	events     chan *notify.Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits; prevents upgrade race
	maxClients int

	// Stats
	totalEvents  atomic.Int64
	totalClients atomic.Int64
}

// NewHub creates a new WebSocket hub
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[int64]map[*Client]struct{}),
		events:     make(chan *notify.Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for uid, set := range h.clients {
				for client := range set {
					close(client.send) // writePump sends CloseMessage on closed channel
				}
				delete(h.clients, uid)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			set, ok := h.clients[client.userID]
			if !ok {
				set = make(map[*Client]struct{})
				h.clients[client.userID] = set
			}
			set[client] = struct{}{}
			n := h.countLocked()
			h.mu.Unlock()
			h.totalClients.Add(1)
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client connected", "user_id", client.userID, "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			h.removeLocked(client)
			n := h.countLocked()
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client disconnected", "user_id", client.userID, "total", n)

		case event := <-h.events:
			h.totalEvents.Add(1)
			h.dispatch(event)
		}
	}
}

// dispatch sends event to its user's connections, dropping slow ones.
func (h *Hub) dispatch(event *notify.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Warn("failed to encode realtime event", "event_id", event.ID, "error", err)
		return
	}

	h.mu.RLock()
	var slow []*Client
	for client := range h.clients[event.UserID] {
		if !client.wants(event.Kind) {
			continue
		}
		select {
		case client.send <- data:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	if len(slow) > 0 {
		h.mu.Lock()
		for _, client := range slow {
			h.removeLocked(client)
		}
		h.mu.Unlock()
	}
}

// removeLocked must be called with h.mu held.
func (h *Hub) removeLocked(client *Client) {
	set := h.clients[client.userID]
	if _, ok := set[client]; !ok {
		return
	}
	delete(set, client)
	close(client.send)
	if len(set) == 0 {
		delete(h.clients, client.userID)
	}
}

func (h *Hub) countLocked() int {
	n := 0
	for _, set := range h.clients {
		n += len(set)
	}
	return n
}

func (c *Client) wants(kind string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sub.Kinds) == 0 || slices.Contains(c.sub.Kinds, kind)
}

// Name implements notify.Sink.
func (h *Hub) Name() string { return "websocket" }

// Deliver implements notify.Sink. Users without a connection are skipped.
func (h *Hub) Deliver(ctx context.Context, e *notify.Event) error {
	select {
	case <-h.done:
		return ErrHubStopped
	default:
	}
	select {
	case h.events <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrBacklog
	}
}

// Stats returns hub statistics
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]interface{}{
		"connectedClients": h.countLocked(),
		"connectedUsers":   len(h.clients),
		"totalEvents":      h.totalEvents.Load(),
		"totalClients":     h.totalClients.Load(),
	}
}

// HandleWebSocket upgrades HTTP to WebSocket for an authenticated user.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request, userID int64) {
	// Reject upgrades after the hub has stopped to prevent orphaned connections.
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n := h.countLocked()
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:    h,
		conn:   conn,
		userID: userID,
		send:   make(chan []byte, 64),
	}

	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump reads subscription updates and keeps the connection alive.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(4 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Debug("websocket read error", "error", err)
			}
			return
		}

		var sub Subscription
		if err := json.Unmarshal(message, &sub); err == nil {
			c.mu.Lock()
			c.sub = sub
			c.mu.Unlock()
		}
	}
}

// writePump writes messages to WebSocket
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Debug("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

var _ notify.Sink = (*Hub)(nil)
