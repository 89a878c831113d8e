package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/ctrlai/chainlog/internal/record"
)

// wsHub manages the set of active WebSocket connections and broadcasts
// committed records to all of them.
//
// A single hub goroutine handles registration, unregistration and
// broadcasting, so the connections map needs no lock.
type wsHub struct {
	connections map[*wsConn]bool

	broadcastCh  chan []byte
	registerCh   chan *wsConn
	unregisterCh chan *wsConn
	done         chan struct{}
}

// wsConn wraps a single WebSocket connection.
type wsConn struct {
	conn *websocket.Conn
	send chan []byte
	mu   sync.Mutex // Protects concurrent writes.
}

// newUpgrader accepts only same-origin browser connections unless bearer
// authentication is on. Browsers cannot attach a bearer token to a
// websocket handshake, so an authenticated feed is safe from any origin.
func newUpgrader(authenticated bool) websocket.Upgrader {
	u := websocket.Upgrader{}
	if authenticated {
		u.CheckOrigin = func(r *http.Request) bool { return true }
	}
	return u
}

func newWSHub() *wsHub {
	return &wsHub{
		connections:  make(map[*wsConn]bool),
		broadcastCh:  make(chan []byte, 256),
		registerCh:   make(chan *wsConn),
		unregisterCh: make(chan *wsConn),
		done:         make(chan struct{}),
	}
}

// run is the hub event loop. It returns when the hub is stopped, closing
// every client's send channel.
func (h *wsHub) run() {
	for {
		select {
		case conn := <-h.registerCh:
			h.connections[conn] = true
			slog.Debug("websocket client connected", "total", len(h.connections))

		case conn := <-h.unregisterCh:
			if _, ok := h.connections[conn]; ok {
				delete(h.connections, conn)
				close(conn.send)
				slog.Debug("websocket client disconnected", "total", len(h.connections))
			}

		case msg := <-h.broadcastCh:
			for conn := range h.connections {
				select {
				case conn.send <- msg:
				default:
					// A slow client is dropped rather than blocking the feed.
					delete(h.connections, conn)
					close(conn.send)
				}
			}

		case <-h.done:
			for conn := range h.connections {
				delete(h.connections, conn)
				close(conn.send)
			}
			return
		}
	}
}

func (h *wsHub) stop() {
	select {
	case <-h.done:
	default:
		close(h.done)
	}
}

// publish queues a committed record for every client. It never blocks:
// it runs inside the log's append critical section, and the live feed is
// best effort (clients catch up through GET /api/events).
func (h *wsHub) publish(r record.Record) {
	data, err := json.Marshal(r)
	if err != nil {
		slog.Error("failed to marshal broadcast record", "seq", r.Sequence, "error", err)
		return
	}
	select {
	case h.broadcastCh <- data:
	default:
	}
}

// handleWebSocket upgrades the connection and registers the client.
// GET /api/ws
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "origin", r.Header.Get("Origin"), "error", err)
		return
	}

	client := &wsConn{
		conn: conn,
		send: make(chan []byte, 64),
	}

	select {
	case s.hub.registerCh <- client:
	case <-s.hub.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump(s.hub)
}

// writePump sends queued messages until the hub closes the send channel.
func (c *wsConn) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		c.mu.Lock()
		err := c.conn.WriteMessage(websocket.TextMessage, msg)
		c.mu.Unlock()
		if err != nil {
			return
		}
	}
}

// readPump drains the connection to detect disconnection. The feed is
// one-directional, so incoming messages are ignored.
func (c *wsConn) readPump(hub *wsHub) {
	defer func() {
		select {
		case hub.unregisterCh <- c:
		case <-hub.done:
		}
		c.conn.Close()
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
