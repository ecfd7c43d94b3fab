// Package relay connects socket clients to the session engine: the Hub
// fans events out to rooms, the Server speaks the CBOR frame protocol,
// and HealthHandler reports liveness over HTTP.
package relay

import (
	"log/slog"
	"sync"

	"github.com/Veraticus/sage/internal/protocol"
	"github.com/Veraticus/sage/internal/session"
)

// DefaultQueueSize is the number of frames buffered per connection
// before the connection is considered stuck and dropped.
const DefaultQueueSize = 64

var _ session.Broadcaster = (*Hub)(nil)

// client is one registered connection's outbound queue.
type client struct {
	out       chan protocol.Frame
	done      chan struct{}
	id        string
	closeOnce sync.Once
}

func (c *client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Hub routes frames to connections and rooms. It never blocks the caller.
type Hub struct {
	clients   map[string]*client
	rooms     map[string]map[string]struct{}
	logger    *slog.Logger
	queueSize int
	mu        sync.RWMutex
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithQueueSize sets the per-connection outbound buffer.
func WithQueueSize(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.queueSize = n
		}
	}
}

// WithHubLogger sets the logger.
func WithHubLogger(logger *slog.Logger) HubOption {
	return func(h *Hub) {
		h.logger = logger
	}
}

// NewHub creates an empty hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		clients:   make(map[string]*client),
		rooms:     make(map[string]map[string]struct{}),
		queueSize: DefaultQueueSize,
		logger:    slog.Default().With(slog.String("component", "hub")),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// register adds a connection and returns its outbound queue.
func (h *Hub) register(connID string) *client {
	c := &client{
		id:   connID,
		out:  make(chan protocol.Frame, h.queueSize),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.clients[connID]; ok {
		old.close()
	}
	h.clients[connID] = c
	return c
}

// unregister removes a connection from the hub and every room.
func (h *Hub) unregister(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if c, ok := h.clients[connID]; ok {
		c.close()
		delete(h.clients, connID)
	}
	for room, members := range h.rooms {
		delete(members, connID)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// Connections returns the number of registered connections.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Send implements session.Broadcaster.
func (h *Hub) Send(connID, event string, payload any) {
	frame, ok := h.frame(event, payload)
	if !ok {
		return
	}

	h.mu.RLock()
	c := h.clients[connID]
	h.mu.RUnlock()
	if c != nil {
		h.enqueue(c, frame)
	}
}

// Broadcast implements session.Broadcaster.
func (h *Hub) Broadcast(room, event string, payload any) {
	h.BroadcastExcept(room, "", event, payload)
}

// BroadcastExcept implements session.Broadcaster.
func (h *Hub) BroadcastExcept(room, exceptConnID, event string, payload any) {
	frame, ok := h.frame(event, payload)
	if !ok {
		return
	}

	h.mu.RLock()
	targets := make([]*client, 0, len(h.rooms[room]))
	for connID := range h.rooms[room] {
		if connID == exceptConnID {
			continue
		}
		if c := h.clients[connID]; c != nil {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.enqueue(c, frame)
	}
}

// Join implements session.Broadcaster.
func (h *Hub) Join(room, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		h.rooms[room] = members
	}
	members[connID] = struct{}{}
}

// Leave implements session.Broadcaster.
func (h *Hub) Leave(room, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	members, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

func (h *Hub) frame(event string, payload any) (protocol.Frame, bool) {
	frame, err := protocol.NewFrame(event, payload)
	if err != nil {
		h.logger.Error("failed to encode frame",
			slog.String("event", event),
			slog.Any("error", err))
		return protocol.Frame{}, false
	}
	return frame, true
}

// enqueue queues frame for c, dropping the connection if its queue is full.
func (h *Hub) enqueue(c *client, frame protocol.Frame) {
	select {
	case <-c.done:
		return
	default:
	}

	select {
	case c.out <- frame:
	default:
		h.logger.Warn("outbound queue full, dropping connection",
			slog.String("conn", c.id),
			slog.String("event", frame.Event))
		c.close()
	}
}
