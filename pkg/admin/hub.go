package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lefthookroll/webserv/pkg/telemetry"
)

// DefaultBacklog is the number of access entries buffered between the
// event loop and the broadcaster.
const DefaultBacklog = 256

// AccessEntry is one finished exchange as sent to access-log subscribers.
type AccessEntry struct {
	Time       time.Time `json:"time"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	Proto      string    `json:"proto,omitempty"`
	Host       string    `json:"host,omitempty"`
	Peer       string    `json:"peer"`
	Status     int       `json:"status"`
	Kind       string    `json:"kind"`
	Bytes      int64     `json:"bytes"`
	DurationMs float64   `json:"duration_ms"`
}

func newAccessEntry(e telemetry.Exchange) AccessEntry {
	return AccessEntry{
		Time:       e.Start,
		Method:     e.Method,
		Path:       e.Path,
		Proto:      e.Proto,
		Host:       e.Host,
		Peer:       e.Peer,
		Status:     e.Status,
		Kind:       e.Kind,
		Bytes:      e.Bytes,
		DurationMs: float64(e.Duration) / float64(time.Millisecond),
	}
}

// Hub fans access entries out to WebSocket subscribers.
type Hub struct {
	clients  map[*websocket.Conn]bool
	mu       sync.RWMutex
	upgrader websocket.Upgrader

	entries chan AccessEntry
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
	dropped atomic.Int64

	logger *slog.Logger
}

// NewHub creates a hub and starts its broadcaster.
func NewHub(backlog int, logger *slog.Logger) *Hub {
	if backlog <= 0 {
		backlog = DefaultBacklog
	}
	h := &Hub{
		clients: make(map[*websocket.Conn]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		entries: make(chan AccessEntry, backlog),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		logger:  logger,
	}
	go h.run()
	return h
}

// Publish queues an entry without blocking. When the backlog is full the
// entry is dropped and counted.
func (h *Hub) Publish(e telemetry.Exchange) {
	select {
	case h.entries <- newAccessEntry(e):
	default:
		h.dropped.Add(1)
	}
}

// Dropped returns the number of entries lost to a full backlog.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// HandleWebSocket upgrades the request and keeps the subscriber until it
// disconnects.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, req *http.Request) {
	conn, err := h.upgrader.Upgrade(w, req, nil)
	if err != nil {
		h.logger.Debug("access upgrade failed", "error", err)
		return
	}

	h.mu.Lock()
	h.clients[conn] = true
	h.mu.Unlock()
	h.logger.Debug("access subscriber joined", "remote", req.RemoteAddr)

	// Subscribers only listen; reading detects the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()
	conn.Close()
}

func (h *Hub) run() {
	defer close(h.stopped)
	for {
		select {
		case e := <-h.entries:
			h.broadcast(e)
		case <-h.done:
			return
		}
	}
}

func (h *Hub) broadcast(e AccessEntry) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}

	h.mu.RLock()
	clients := make([]*websocket.Conn, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		client.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := client.WriteMessage(websocket.TextMessage, data); err != nil {
			h.mu.Lock()
			delete(h.clients, client)
			h.mu.Unlock()
			client.Close()
		}
	}
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close stops the broadcaster and disconnects every subscriber.
func (h *Hub) Close() {
	h.once.Do(func() {
		close(h.done)
		<-h.stopped

		h.mu.Lock()
		defer h.mu.Unlock()
		for client := range h.clients {
			client.Close()
			delete(h.clients, client)
		}
	})
}
