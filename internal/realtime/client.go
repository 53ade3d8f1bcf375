package realtime

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Conn is the slice of *websocket.Conn the hub needs. Tests substitute an
// in-memory implementation.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// Client is one live connection bound to one authenticated identity. A
// user may hold any number of clients at once (multi-device).
type Client struct {
	ID     string
	UserID string

	conn     Conn
	send     chan []byte
	lastSeen atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
}

func newClient(conn Conn, userID string, sendBuffer int) *Client {
	c := &Client{
		ID:     uuid.NewString(),
		UserID: userID,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
	c.touch()
	return c
}

func (c *Client) touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

func (c *Client) idleSince() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// enqueue is the fire-and-forget delivery point: non-blocking send onto
// the bounded outbound queue, dropping the event when the receiver is too
// slow. The durable store, not this channel, is the ledger.
func (c *Client) enqueue(data []byte) {
	select {
	case c.send <- data:
	default:
	}
}

func (c *Client) sendEvent(evt Event) {
	data, err := encodeEvent(evt)
	if err != nil {
		return
	}
	c.enqueue(data)
}

// close tears the connection down once; safe from any goroutine.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// writePump drains the outbound queue onto the transport and keeps the
// connection alive with pings. One per client.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
