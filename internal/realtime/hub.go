package realtime

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/siam-sk/nexus-living-bms-client/pkg/roles"
)

const (
	TypeRoleSnapshot   = "role.snapshot"
	TypeRoleChanged    = "role.changed"
	TypeSessionExpired = "session.expired"
)

type Event struct {
	Type       string     `json:"type"`
	Role       roles.Role `json:"role,omitempty"`
	Previous   roles.Role `json:"previous,omitempty"`
	RedirectTo string     `json:"redirect_to,omitempty"`
	At         time.Time  `json:"at"`
}

// Hub fans role events out to the websocket connections of each client
// session. A session may have several tabs open.
type Hub struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]map[*conn]struct{}
}

type conn struct {
	ws   *websocket.Conn
	send chan []byte
}

// NewHub accepts upgrades from the given origins; none means same-origin only.
func NewHub(allowedOrigins []string) *Hub {
	allowed := map[string]bool{}
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	h := &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		clients: map[string]map[*conn]struct{}{},
	}
	if len(allowed) > 0 {
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || allowed[origin] || allowed["*"]
		}
	}
	return h
}

// Serve upgrades the request and streams events for client id until the
// connection closes. initial, when set, is sent first.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, id string, initial *Event) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("websocket upgrade failed", "client", id, "error", err)
		return
	}

	c := &conn{ws: ws, send: make(chan []byte, 16)}
	h.add(id, c)
	if initial != nil {
		h.Publish(id, *initial)
	}

	go h.writePump(c)
	h.readPump(id, c)
}

// Publish sends ev to every connection of client id.
func (h *Hub) Publish(id string, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients[id] {
		select {
		case c.send <- b:
		default:
			// Slow client; drop it.
			h.removeLocked(id, c)
		}
	}
}

// Disconnect closes every connection of client id.
func (h *Hub) Disconnect(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients[id] {
		h.removeLocked(id, c)
	}
}

// Connections is the number of open connections for client id.
func (h *Hub) Connections(id string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients[id])
}

func (h *Hub) add(id string, c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[id] == nil {
		h.clients[id] = map[*conn]struct{}{}
	}
	h.clients[id][c] = struct{}{}
}

func (h *Hub) remove(id string, c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(id, c)
}

func (h *Hub) removeLocked(id string, c *conn) {
	set := h.clients[id]
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.clients, id)
	}
	close(c.send)
	_ = c.ws.Close()
}

func (h *Hub) readPump(id string, c *conn) {
	defer h.remove(id, c)
	c.ws.SetReadLimit(1024)
	_ = c.ws.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *conn) {
	ticker := time.NewTicker(25 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
