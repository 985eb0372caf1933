package realtime

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/example/ride-tracking/internal/observability"
)

// Handler receives the events of one realtime channel. HandleEvent is called
// sequentially per connection in receipt order.
type Handler interface {
	HandleEvent(ctx context.Context, c *Conn, f Frame)
	HandleDisconnect(c *Conn)
}

type HubOptions struct {
	// Rate and Burst size the per-connection token bucket; zero disables it.
	Rate   float64
	Burst  int
	Logger *slog.Logger
	// CheckOrigin overrides the upgrader origin check.
	CheckOrigin func(r *http.Request) bool
}

// Hub tracks the connections of one channel and their room memberships.
type Hub struct {
	channel  string
	log      *slog.Logger
	upgrader websocket.Upgrader
	rate     rate.Limit
	burst    int

	mu     sync.RWMutex
	conns  map[*Conn]struct{}
	rooms  map[string]map[*Conn]struct{}
	closed bool
}

func NewHub(channel string, opts HubOptions) *Hub {
	h := &Hub{
		channel: channel,
		log:     opts.Logger,
		rate:    rate.Limit(opts.Rate),
		burst:   opts.Burst,
		conns:   make(map[*Conn]struct{}),
		rooms:   make(map[string]map[*Conn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     opts.CheckOrigin,
		},
	}
	if h.log == nil {
		h.log = slog.Default()
	}
	if h.upgrader.CheckOrigin == nil {
		h.upgrader.CheckOrigin = func(*http.Request) bool { return true }
	}
	if h.burst <= 0 && h.rate > 0 {
		h.burst = 1
	}
	return h
}

// Serve upgrades the request and runs the connection until it closes.
func (h *Hub) Serve(handler Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.log.Warn("ws_upgrade_failed", "channel", h.channel, "error", err)
			return
		}
		c := newConn(h, ws)
		if !h.register(c) {
			_ = ws.Close()
			return
		}
		h.log.Info("ws_connected", "channel", h.channel, "conn_id", c.id, "remote", r.RemoteAddr)

		go c.writeLoop()
		ctx := r.Context()
		c.readLoop(func(f Frame) { handler.HandleEvent(ctx, c, f) })

		handler.HandleDisconnect(c)
		h.unregister(c)
		h.log.Info("ws_disconnected", "channel", h.channel, "conn_id", c.id)
	}
}

func (h *Hub) register(c *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[c] = struct{}{}
	observability.WSConnections.WithLabelValues(h.channel).Inc()
	return true
}

func (h *Hub) unregister(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c]; !ok {
		return
	}
	delete(h.conns, c)
	for room := range c.rooms {
		h.leaveLocked(c, room)
	}
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	observability.WSConnections.WithLabelValues(h.channel).Dec()
}

func (h *Hub) Join(c *Conn, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c]; !ok {
		return
	}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Conn]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
	c.rooms[room] = struct{}{}
}

func (h *Hub) Leave(c *Conn, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(c, room)
}

func (h *Hub) leaveLocked(c *Conn, room string) {
	delete(c.rooms, room)
	if members, ok := h.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// Broadcast queues an event for every connection and returns how many
// accepted it.
func (h *Hub) Broadcast(event string, data any) int {
	b, err := encode(event, "", data)
	if err != nil {
		h.log.Error("ws_encode_failed", "event", event, "error", err)
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for c := range h.conns {
		if h.enqueueLocked(c, b) {
			n++
		}
	}
	return n
}

// EmitTo queues an event for the members of room.
func (h *Hub) EmitTo(room, event string, data any) int {
	b, err := encode(event, "", data)
	if err != nil {
		h.log.Error("ws_encode_failed", "event", event, "error", err)
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for c := range h.rooms[room] {
		if h.enqueueLocked(c, b) {
			n++
		}
	}
	return n
}

// RoomSize reports the number of connections in room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) enqueue(c *Conn, b []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.enqueueLocked(c, b)
}

func (h *Hub) enqueueLocked(c *Conn, b []byte) bool {
	if c.closed {
		return false
	}
	select {
	case c.send <- b:
		return true
	default:
		observability.DroppedFrames.WithLabelValues(h.channel).Inc()
		h.log.Warn("ws_frame_dropped", "channel", h.channel, "conn_id", c.id)
		return false
	}
}

// Shutdown closes every send queue; writers then send a close frame and the
// read loops unwind through HandleDisconnect. New connections are refused.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.conns {
		if !c.closed {
			c.closed = true
			close(c.send)
		}
	}
}
