// Package wsconn adapts a gorilla WebSocket connection to the session.Conn
// interface and runs its read loop.
//
// Outbound frames wait in a per-connection FIFO drained by one writer
// goroutine, so a slow peer never blocks the caller of Send. A write that
// misses its deadline, or an outbox that grows past its limit, closes the
// connection.
package wsconn

import (
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/gorilla/websocket"

	"github.com/astromechza/schalter/pkg/session"
)

type Options struct {
	// SendTimeout is the write deadline for each outbound frame.
	SendTimeout time.Duration
	// SendQueueLimit is the number of frames that may wait in the outbox.
	SendQueueLimit int
	// OnClose runs once, from the writer goroutine, when the connection
	// fails a write or is closed.
	OnClose func(id string)
}

type Conn struct {
	id   string
	ws   *websocket.Conn
	opts Options

	mu     sync.Mutex
	ready  *sync.Cond
	outbox *queue.Queue
	closed bool

	done chan struct{}
}

func New(id string, ws *websocket.Conn, opts Options) *Conn {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 5 * time.Second
	}
	if opts.SendQueueLimit <= 0 {
		opts.SendQueueLimit = 256
	}
	c := &Conn{
		id:     id,
		ws:     ws,
		opts:   opts,
		outbox: queue.New(),
		done:   make(chan struct{}),
	}
	c.ready = sync.NewCond(&c.mu)
	go c.writeLoop()
	return c
}

// Send queues msg for writing. It fails with session.ErrClosed once the
// connection is closed or when the outbox is full.
func (c *Conn) Send(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return session.ErrClosed
	}
	if c.outbox.Length() >= c.opts.SendQueueLimit {
		c.closeLocked()
		return session.ErrClosed
	}
	c.outbox.Add(msg)
	c.ready.Signal()
	return nil
}

// Close stops the writer and closes the socket. Frames still queued are
// discarded.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
	return nil
}

// Done is closed when the writer goroutine has exited.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	c.ready.Broadcast()
	_ = c.ws.Close()
}

func (c *Conn) next() ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for !c.closed && c.outbox.Length() == 0 {
		c.ready.Wait()
	}
	if c.closed {
		return nil, false
	}
	return c.outbox.Remove().([]byte), true
}

func (c *Conn) writeLoop() {
	defer close(c.done)
	defer func() {
		if c.opts.OnClose != nil {
			c.opts.OnClose(c.id)
		}
	}()
	for {
		msg, ok := c.next()
		if !ok {
			return
		}
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.SendTimeout))
		if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
			_ = c.Close()
			return
		}
	}
}
