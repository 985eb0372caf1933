package realtime

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/example/ride-tracking/internal/apperr"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

// Conn is one realtime client. Frames are queued on send and written by a
// single writer goroutine; a full queue drops the frame.
type Conn struct {
	id      string
	hub     *Hub
	ws      *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter

	// guarded by hub.mu
	rooms  map[string]struct{}
	closed bool
}

func newConn(h *Hub, ws *websocket.Conn) *Conn {
	c := &Conn{
		id:    uuid.NewString(),
		hub:   h,
		ws:    ws,
		send:  make(chan []byte, sendBuffer),
		rooms: make(map[string]struct{}),
	}
	if h.rate > 0 {
		c.limiter = rate.NewLimiter(h.rate, h.burst)
	}
	return c
}

func (c *Conn) ID() string { return c.id }

// Emit queues an event for this connection only.
func (c *Conn) Emit(event string, data any) bool {
	b, err := encode(event, "", data)
	if err != nil {
		c.hub.log.Error("ws_encode_failed", "event", event, "error", err)
		return false
	}
	return c.hub.enqueue(c, b)
}

// Reply answers an inbound frame with an ack carrying the same id.
func (c *Conn) Reply(id string, ack Ack) {
	b, err := encode(eventAck, id, ack)
	if err != nil {
		c.hub.log.Error("ws_encode_failed", "event", eventAck, "error", err)
		return
	}
	c.hub.enqueue(c, b)
}

// Allow reports whether a rate limited action may proceed now.
func (c *Conn) Allow() bool {
	return c.limiter == nil || c.limiter.Allow()
}

func (c *Conn) readLoop(handle func(Frame)) {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Debug("ws_unexpected_close", "conn_id", c.id, "error", err)
			}
			return
		}
		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil || f.Event == "" {
			c.Reply(f.ID, ackErr(apperr.New(apperr.CodeInvalidArgument, "malformed frame")))
			continue
		}
		handle(f)
	}
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
