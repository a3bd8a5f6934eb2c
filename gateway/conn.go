package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// sendQueueSize bounds the per-connection outbound buffer. A consumer slower
// than this loses events rather than stalling the routing path.
const sendQueueSize = 64

type envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Conn is one live transport link, bound to exactly one session for its
// lifetime. A single writer goroutine owns the websocket write side; all
// outbound traffic goes through the send queue so per-connection delivery
// order matches submission order.
type Conn struct {
	id string
	ws *websocket.Conn

	send chan []byte
	done chan struct{}

	closeOnce sync.Once

	// identity, bound once at handshake
	sessionID string
	userID    string
	username  string
}

func newConn(ws *websocket.Conn) *Conn {
	return &Conn{
		id:   uuid.NewString(),
		ws:   ws,
		send: make(chan []byte, sendQueueSize),
		done: make(chan struct{}),
	}
}

func (c *Conn) ID() string { return c.id }

// SendEvent queues an event for delivery. Sends to a closed or saturated
// connection are dropped; delivery is best-effort once the frame leaves the
// router.
func (c *Conn) SendEvent(name string, data any) {
	b, err := json.Marshal(envelope{Event: name, Data: data})
	if err != nil {
		logger.Err(err).Str("conn", c.id).Str("event", name).Msg("failed to marshal outbound event")
		return
	}
	// A select racing done against the buffered send could still enqueue
	// after Close, so the closed check has to happen on its own first.
	if c.closed() {
		return
	}
	select {
	case c.send <- b:
	default:
		logger.Warn().Str("conn", c.id).Str("event", name).Msg("send queue full, dropping event")
	}
}

// writePump is the single writer for the websocket. Runs until Close.
func (c *Conn) writePump() {
	for {
		select {
		case b := <-c.send:
			if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				c.Close()
				_ = c.ws.Close()
				return
			}
		case <-c.done:
			// drain whatever was queued before the close fired
			for {
				select {
				case b := <-c.send:
					_ = c.ws.WriteMessage(websocket.TextMessage, b)
				default:
					deadline := time.Now().Add(time.Second)
					_ = c.ws.WriteControl(websocket.CloseMessage, []byte{}, deadline)
					_ = c.ws.Close()
					return
				}
			}
		}
	}
}

// Close tears down the transport. Idempotent; safe from any goroutine.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *Conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
