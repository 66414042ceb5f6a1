// Package websocket pushes ETA results to browser clients watching a ride.
package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"jms/ride-tracking/internal/eta"
	"jms/ride-tracking/internal/metrics"
)

const (
	sendBuffer      = 64
	cleanupInterval = 5 * time.Minute
	staleAfter      = 10 * time.Minute
)

// SessionStore records connected clients. It is optional.
type SessionStore interface {
	Register(ctx context.Context, sessionID, rideID string) error
	Unregister(ctx context.Context, sessionID string) error
	Heartbeat(ctx context.Context, sessionID string) error
	Cleanup(ctx context.Context, staleAfter time.Duration) error
}

type Hub struct {
	mu         sync.Mutex
	rides      map[string]map[*client]bool
	latest     map[string]eta.Result
	register   chan *client
	unregister chan *client
	quit       chan struct{}
	sessions   SessionStore
	upgrader   websocket.Upgrader
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	id     string
	rideID string
}

type message struct {
	Type    string     `json:"type"`
	Payload eta.Result `json:"payload"`
}

func NewHub(sessions SessionStore) *Hub {
	return &Hub{
		rides:      make(map[string]map[*client]bool),
		latest:     make(map[string]eta.Result),
		register:   make(chan *client),
		unregister: make(chan *client),
		quit:       make(chan struct{}),
		sessions:   sessions,
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.quit)
	t := time.NewTicker(cleanupInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case c := <-h.register:
			h.add(c)
			h.store(func(ctx context.Context, s SessionStore) error {
				return s.Register(ctx, c.id, c.rideID)
			}, "ws session insert failed", c.id)
		case c := <-h.unregister:
			// a client dropped by Publish is already detached but still recorded
			h.remove(c)
			h.store(func(ctx context.Context, s SessionStore) error {
				return s.Unregister(ctx, c.id)
			}, "ws session delete failed", c.id)
		case <-t.C:
			h.store(func(ctx context.Context, s SessionStore) error {
				return s.Cleanup(ctx, staleAfter)
			}, "ws session cleanup failed", "")
		}
	}
}

// Publish records r as the latest result for its ride and pushes it to
// every client watching that ride. Slow clients are dropped.
func (h *Hub) Publish(r eta.Result) {
	msg, err := json.Marshal(message{Type: "eta", Payload: r})
	if err != nil {
		slog.Warn("encode eta result failed", "ride_id", r.RideID, "error", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.latest[r.RideID] = r
	for c := range h.rides[r.RideID] {
		select {
		case c.send <- msg:
		default:
			h.drop(c)
		}
	}
}

// Forget discards the latest result kept for a ride.
func (h *Hub) Forget(rideID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.latest, rideID)
}

func (h *Hub) Connections(rideID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rides[rideID])
}

func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, rideID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &client{conn: conn, send: make(chan []byte, sendBuffer), id: uuid.NewString(), rideID: rideID}
	select {
	case h.register <- c:
	case <-h.quit:
		_ = conn.Close()
		return
	}
	go c.readPump(h)
	go h.writePump(c)
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.rides[c.rideID]
	if !ok {
		set = make(map[*client]bool)
		h.rides[c.rideID] = set
	}
	set[c] = true
	metrics.WebsocketConnections.Inc()
	if r, ok := h.latest[c.rideID]; ok {
		if msg, err := json.Marshal(message{Type: "eta", Payload: r}); err == nil {
			c.send <- msg
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rides[c.rideID][c] {
		h.drop(c)
	}
}

// drop must be called with mu held.
func (h *Hub) drop(c *client) {
	set := h.rides[c.rideID]
	delete(set, c)
	if len(set) == 0 {
		delete(h.rides, c.rideID)
	}
	close(c.send)
	metrics.WebsocketConnections.Dec()
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, set := range h.rides {
		for c := range set {
			h.drop(c)
		}
	}
}

func (h *Hub) leave(c *client) {
	select {
	case h.unregister <- c:
	case <-h.quit:
	}
}

func (h *Hub) writePump(c *client) {
	defer func() {
		h.leave(c)
		_ = c.conn.Close()
	}()
	for {
		msg, ok := <-c.send
		if !ok {
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (h *Hub) heartbeat(sessionID string) {
	h.store(func(ctx context.Context, s SessionStore) error {
		return s.Heartbeat(ctx, sessionID)
	}, "ws heartbeat failed", sessionID)
}

func (h *Hub) store(op func(context.Context, SessionStore) error, msg, sessionID string) {
	if h.sessions == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := op(ctx, h.sessions); err != nil {
		slog.Warn(msg, "error", err, "session_id", sessionID)
	}
}
