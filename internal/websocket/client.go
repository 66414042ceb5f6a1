package websocket

import (
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

const (
	readLimit = 512
	// Clients ping at least this often or are dropped.
	idleTimeout = 70 * time.Second
)

// readPump discards client frames; it only keeps the session alive on pings
// and notices when the client goes away.
func (c *client) readPump(hub *Hub) {
	defer func() {
		hub.leave(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(idleTimeout))
	c.conn.SetPingHandler(func(appData string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(idleTimeout))
		go hub.heartbeat(c.id)
		return c.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Warn("websocket closed unexpectedly", "error", err, "client", c.id, "ride_id", c.rideID)
			}
			return
		}
	}
}
