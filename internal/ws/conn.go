// Package ws is the websocket transport: one Conn per client with a
// buffered send channel and write pump, the Hub that fans room events out
// to local connections (and across instances via Redis pub/sub), and the
// HTTP handler that reads client intents and dispatches them to the room
// coordinator.
package ws

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"scriptroom/internal/identity"
)

const sendBuffer = 256

// Conn is one connected client. Writes go through the buffered send
// channel; the write pump is the only goroutine touching the socket for
// writes.
type Conn struct {
	ID       string
	Identity identity.Identity

	sock *websocket.Conn

	// mu guards closed and the close of send. Broadcasts snapshot Conn
	// pointers outside the hub lock, so an enqueue can race the
	// disconnect path; sending on a closed channel would panic the
	// process.
	mu     sync.Mutex
	closed bool
	send   chan []byte
}

func NewConn(id string, ident identity.Identity, sock *websocket.Conn) *Conn {
	return &Conn{
		ID:       id,
		Identity: ident,
		sock:     sock,
		send:     make(chan []byte, sendBuffer),
	}
}

// enqueue hands a frame to the write pump without blocking. It reports
// false when the send buffer is full, which the hub treats as a dead
// client. A frame for an already closed connection is silently dropped.
func (c *Conn) enqueue(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// closeSend ends the write pump. Idempotent, and the only place the send
// channel is closed.
func (c *Conn) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// writePump drains the send channel onto the socket until the channel is
// closed, then sends a close frame.
func (c *Conn) writePump(logger *slog.Logger) {
	defer c.sock.Close()
	for frame := range c.send {
		if err := c.sock.WriteMessage(websocket.TextMessage, frame); err != nil {
			logger.Debug("write to client failed", "conn", c.ID, "err", err)
			return
		}
	}
	_ = c.sock.WriteMessage(websocket.CloseMessage, []byte{})
}
