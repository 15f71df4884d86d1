package sink

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/banshee-data/roadwatch/internal/metrics"
	"github.com/banshee-data/roadwatch/internal/monitoring"
)

const (
	writeWait      = 5 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	broadcastQueue = 64
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub tracks websocket alert clients. Run owns every write to a client
// connection.
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	greeting   []byte
	metrics    *metrics.Metrics

	mu    sync.RWMutex
	count int
}

// NewHub creates a hub. greeting, when non-empty, is written to every new
// client before any alert.
func NewHub(greeting []byte, m *metrics.Metrics) *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, broadcastQueue),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		greeting:   greeting,
		metrics:    m,
	}
}

// Run serves registrations and broadcasts until ctx is done, then closes
// every client.
func (h *Hub) Run(ctx context.Context) {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		close(h.done)
		for c := range h.clients {
			c.Close()
			delete(h.clients, c)
		}
		h.setCount(0)
	}()
	for {
		select {
		case <-ctx.Done():
			return

		case <-ping.C:
			deadline := time.Now().Add(writeWait)
			for c := range h.clients {
				if err := c.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					delete(h.clients, c)
					c.Close()
				}
			}
			h.setCount(len(h.clients))

		case c := <-h.register:
			if len(h.greeting) > 0 && !h.write(c, h.greeting) {
				c.Close()
				continue
			}
			h.clients[c] = true
			h.setCount(len(h.clients))
			monitoring.Logf("alert client connected, total %d", len(h.clients))

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				c.Close()
				h.setCount(len(h.clients))
				monitoring.Logf("alert client disconnected, total %d", len(h.clients))
			}

		case msg := <-h.broadcast:
			for c := range h.clients {
				if !h.write(c, msg) {
					delete(h.clients, c)
					c.Close()
				}
			}
			h.setCount(len(h.clients))
		}
	}
}

func (h *Hub) write(c *websocket.Conn, msg []byte) bool {
	_ = c.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
		monitoring.Logf("alert client write failed: %v", err)
		return false
	}
	return true
}

// Broadcast queues msg for every client. When the queue is full the
// message is dropped.
func (h *Hub) Broadcast(msg []byte) {
	select {
	case h.broadcast <- msg:
	default:
		monitoring.Logf("alert broadcast queue full, dropping message")
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

func (h *Hub) setCount(n int) {
	h.mu.Lock()
	h.count = n
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.AlertClients.Store(int64(n))
	}
}

// ServeHTTP upgrades the request and keeps the client registered until it
// disconnects. Clients only listen; anything they send is discarded.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		monitoring.Logf("websocket upgrade error: %v", err)
		return
	}
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
		return
	}
	defer func() {
		select {
		case h.unregister <- conn:
		case <-h.done:
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
