// Package sockettest provides an in-memory transport for exercising
// socket.Manager and everything built on it.
package sockettest

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mahaj/livechat/pkg/socket"
	"github.com/mahaj/livechat/pkg/wire"
)

var ErrClosed = errors.New("sockettest: connection closed")

// Conn is a fake websocket connection. Frames pushed with Deliver are read
// by the manager; text frames the manager writes are recorded.
type Conn struct {
	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	written [][]byte
}

func NewConn() *Conn {
	return &Conn{
		inbound: make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
}

func (c *Conn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.inbound:
		return websocket.TextMessage, data, nil
	case <-c.closed:
		return 0, nil, ErrClosed
	}
}

func (c *Conn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	if messageType == websocket.TextMessage {
		c.mu.Lock()
		c.written = append(c.written, append([]byte(nil), data...))
		c.mu.Unlock()
	}
	return nil
}

func (c *Conn) SetReadDeadline(time.Time) error { return nil }

func (c *Conn) SetWriteDeadline(time.Time) error { return nil }

func (c *Conn) SetPongHandler(func(appData string) error) {}

func (c *Conn) SetReadLimit(int64) {}

func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Deliver queues a raw frame for the manager to read.
func (c *Conn) Deliver(data []byte) {
	c.inbound <- data
}

// DeliverInbound encodes in for userID and queues it.
func (c *Conn) DeliverInbound(userID string, in wire.Inbound) error {
	data, err := wire.EncodeInbound(userID, in)
	if err != nil {
		return err
	}
	c.Deliver(data)
	return nil
}

// Written returns every text frame written so far.
func (c *Conn) Written() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.written))
	copy(out, c.written)
	return out
}

// Sent decodes the written frames.
func (c *Conn) Sent() []wire.Outbound {
	var out []wire.Outbound
	for _, data := range c.Written() {
		o, err := wire.DecodeOutbound(data)
		if err != nil {
			continue
		}
		out = append(out, o)
	}
	return out
}

// Dialer hands out fake connections. When Gate is set every Dial blocks
// until it is closed. Errs[i] fails dial number i+1.
type Dialer struct {
	Gate chan struct{}
	Errs []error

	mu      sync.Mutex
	dials   int
	conns   []*Conn
	headers []http.Header
}

func (d *Dialer) Dial(ctx context.Context, url string, header http.Header) (socket.Conn, error) {
	d.mu.Lock()
	d.dials++
	n := d.dials
	d.headers = append(d.headers, header)
	gate := d.Gate
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if n <= len(d.Errs) && d.Errs[n-1] != nil {
		return nil, d.Errs[n-1]
	}

	c := NewConn()
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

// Dials returns the number of Dial calls.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Last returns the most recent successful connection, or nil.
func (d *Dialer) Last() *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// Header returns the handshake header of dial number i (0-based).
func (d *Dialer) Header(i int) http.Header {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.headers[i]
}
