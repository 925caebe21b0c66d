package notify

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tiroq/replaybuf/internal/diaglog"
)

const (
	hubWriteWait  = 5 * time.Second
	hubPongWait   = 60 * time.Second
	hubPingPeriod = hubPongWait * 9 / 10
)

// Hub broadcasts events as JSON text messages to connected websocket
// clients. Each client has a bounded queue; a client that falls behind is
// disconnected rather than slowing down the save job.
type Hub struct {
	upgrader websocket.Upgrader
	queueLen int
	diag     *diaglog.Logger

	mu      sync.Mutex
	clients map[*hubClient]struct{}
	recent  []Event
	closed  bool

	sent    atomic.Uint64
	evicted atomic.Uint64
}

type hubClient struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

// recentEvents are replayed to new clients.
const recentEvents = 8

// NewHub returns a hub with per-client queues of queueLen messages.
func NewHub(queueLen int, diag *diaglog.Logger) *Hub {
	if queueLen <= 0 {
		queueLen = 16
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		queueLen: queueLen,
		diag:     diag,
		clients:  make(map[*hubClient]struct{}),
	}
}

// ServeHTTP upgrades the request and streams events until the client leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &hubClient{conn: conn, send: make(chan []byte, h.queueLen+recentEvents)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	for _, e := range h.recent {
		if data, err := json.Marshal(e); err == nil {
			c.send <- data
		}
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.writeLoop(c)
	h.readLoop(c)
}

// Notify queues e for every client without blocking.
func (h *Hub) Notify(e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.recent = append(h.recent, e)
	if len(h.recent) > recentEvents {
		h.recent = h.recent[len(h.recent)-recentEvents:]
	}
	for c := range h.clients {
		select {
		case c.send <- data:
			h.sent.Add(1)
		default:
			h.evicted.Add(1)
			h.dropLocked(c)
			h.diag.Log(diaglog.LogEntry{
				Component: diaglog.ComponentNotify,
				Event:     diaglog.EventSinkError,
				JobID:     e.JobID,
				Reason:    "websocket client too slow",
				Payload:   map[string]interface{}{"remote": c.conn.RemoteAddr().String()},
			})
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Evicted counts clients dropped for falling behind.
func (h *Hub) Evicted() uint64 { return h.evicted.Load() }

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		h.dropLocked(c)
	}
}

// dropLocked must be called with mu held.
func (h *Hub) dropLocked(c *hubClient) {
	delete(h.clients, c)
	c.once.Do(func() { close(c.send) })
}

func (h *Hub) writeLoop(c *hubClient) {
	ticker := time.NewTicker(hubPingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(hubWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(hubWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop discards client messages and returns when the connection ends.
func (h *Hub) readLoop(c *hubClient) {
	defer func() {
		h.mu.Lock()
		h.dropLocked(c)
		h.mu.Unlock()
	}()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(hubPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(hubPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
