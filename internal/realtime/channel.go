package realtime

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/michaelbrown/codepair/internal/ids"
)

const (
	writeWait = 5 * time.Second

	// DefaultSendQueue is the number of outbound frames a channel buffers
	// before a slow peer is treated as broken.
	DefaultSendQueue = 100
)

// Channel is one live duplex message stream.
type Channel interface {
	// ID is the channel's identity in the registry.
	ID() string
	// Send queues one message, stamping it with the send time. It must not
	// block on the peer.
	Send(msg Message) error
	// Receive blocks until the next inbound frame. It returns an error once
	// the channel is closed.
	Receive() ([]byte, error)
	Close() error
}

// ChannelOptions tune a websocket channel.
type ChannelOptions struct {
	// Heartbeat is the ping interval. The peer must answer within two
	// intervals. Zero disables pings and read deadlines.
	Heartbeat time.Duration
	// ReadLimit caps the size of one inbound frame.
	ReadLimit int64
	// SendQueue is the outbound buffer length. Zero means DefaultSendQueue.
	SendQueue int
}

// WSChannel is a Channel over a gorilla websocket connection. A single
// writer goroutine owns the socket's write side; Send only enqueues. Close
// is safe to call from any goroutine, any number of times, and flushes
// what is already queued before the socket closes.
type WSChannel struct {
	id   string
	conn *websocket.Conn
	opts ChannelOptions

	queue     chan []byte
	closeOnce sync.Once
	closing   chan struct{}
}

func NewWSChannel(conn *websocket.Conn, opts ChannelOptions) *WSChannel {
	if opts.SendQueue <= 0 {
		opts.SendQueue = DefaultSendQueue
	}
	c := &WSChannel{
		id:      ids.Connection(),
		conn:    conn,
		opts:    opts,
		queue:   make(chan []byte, opts.SendQueue),
		closing: make(chan struct{}),
	}
	if opts.ReadLimit > 0 {
		conn.SetReadLimit(opts.ReadLimit)
	}
	if opts.Heartbeat > 0 {
		c.extendReadDeadline()
		conn.SetPongHandler(func(string) error {
			c.extendReadDeadline()
			return nil
		})
	}
	go c.writeLoop()
	return c
}

func (c *WSChannel) ID() string {
	return c.id
}

// Send returns ErrSendQueueFull when the peer has fallen too far behind.
func (c *WSChannel) Send(msg Message) error {
	select {
	case <-c.closing:
		return ErrChannelClosed
	default:
	}

	data, err := json.Marshal(Envelope{Type: msg.Type, Data: msg.Data, Timestamp: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encoding %s: %w", msg.Type, err)
	}

	select {
	case c.queue <- data:
		return nil
	default:
		return ErrSendQueueFull
	}
}

func (c *WSChannel) Receive() ([]byte, error) {
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		if c.opts.Heartbeat > 0 {
			c.extendReadDeadline()
		}
		return data, nil
	}
}

// Close stops accepting messages and unblocks Receive. The writer flushes
// the queue, sends a close frame and closes the socket.
func (c *WSChannel) Close() error {
	c.closeOnce.Do(func() {
		close(c.closing)
		_ = c.conn.SetReadDeadline(time.Now())
	})
	return nil
}

func (c *WSChannel) writeLoop() {
	defer c.conn.Close()

	var tick <-chan time.Time
	if c.opts.Heartbeat > 0 {
		ticker := time.NewTicker(c.opts.Heartbeat)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case data := <-c.queue:
			if err := c.write(data, time.Now().Add(writeWait)); err != nil {
				c.Close()
				return
			}
		case <-tick:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.Close()
				return
			}
		case <-c.closing:
			c.flush(time.Now().Add(writeWait))
			return
		}
	}
}

// flush writes whatever is still queued, then the close frame, all within
// one deadline.
func (c *WSChannel) flush(deadline time.Time) {
	for {
		select {
		case data := <-c.queue:
			if err := c.write(data, deadline); err != nil {
				return
			}
		default:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		}
	}
}

func (c *WSChannel) write(data []byte, deadline time.Time) error {
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *WSChannel) extendReadDeadline() {
	select {
	case <-c.closing:
		return
	default:
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * c.opts.Heartbeat))
}

// IsNormalClose reports whether err is the peer closing the connection
// cleanly.
func IsNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}
