// Package socket owns the single live connection of a user session.
//
// Other components never touch the transport: they send through
// Manager.Send and observe inbound notifications on the Manager's Bus.
package socket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mahaj/livechat/pkg/wire"
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var (
	// ErrNotConnected is returned by Send while no live link exists.
	ErrNotConnected = errors.New("socket: not connected")

	// ErrSendBufferFull is returned when the write pump has fallen behind.
	ErrSendBufferFull = errors.New("socket: send buffer full")
)

// TransportError reports a failure of the underlying channel: the dial
// during Connect, or the read loop of an established link.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return "socket: " + e.Op + ": " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// Observer is re-armed on every Connect call. Callbacks are replaced, never
// accumulated.
type Observer struct {
	OnConnected func()
	OnError     func(error)
}

type Option func(*Manager)

func WithDialer(d Dialer) Option { return func(m *Manager) { m.dialer = d } }

func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

func WithBus(b *Bus) Option { return func(m *Manager) { m.bus = b } }

// Manager is the connection manager of one user session.
type Manager struct {
	url    string
	token  string
	dialer Dialer
	bus    *Bus
	logger *slog.Logger

	mu         sync.Mutex
	state      State
	userID     string
	attempt    uint64
	link       *link
	obs        Observer
	cancelDial context.CancelFunc
	lastErr    error
}

// link is one established transport. It is discarded, never reused, once
// torn down.
type link struct {
	conn      Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newLink(conn Conn) *link {
	return &link{
		conn: conn,
		send: make(chan []byte, 256),
		done: make(chan struct{}),
	}
}

func (l *link) close() {
	l.closeOnce.Do(func() { close(l.done) })
}

// NewManager returns a disconnected manager for the endpoint at url. token
// is the bearer credential presented during the handshake.
func NewManager(url, token string, opts ...Option) *Manager {
	m := &Manager{
		url:    url,
		token:  token,
		dialer: WebsocketDialer{},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.bus == nil {
		m.bus = NewBus()
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// Bus is the inbound event stream shared by every observer of the session.
func (m *Manager) Bus() *Bus { return m.bus }

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) UserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userID
}

func (m *Manager) observer() Observer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.obs
}

// Connect starts a connection for userID and returns without waiting.
//
// It is a no-op when already connected for userID or when an attempt is in
// flight. Otherwise it dials, sends the register frame as the first frame
// on the new link and moves to Connected. A dial failure is reported to
// obs.OnError and leaves the manager Disconnected; there is no retry.
func (m *Manager) Connect(ctx context.Context, userID string, obs Observer) {
	m.mu.Lock()
	m.obs = obs

	switched := false
	switch m.state {
	case Connected:
		if m.userID == userID {
			m.mu.Unlock()
			return
		}
		m.logger.Info("switching connected user", "from", m.userID, "to", userID)
		m.teardownLocked()
		switched = true
	case Connecting:
		m.mu.Unlock()
		m.logger.Debug("connection attempt already in flight", "user_id", userID)
		return
	}

	m.state = Connecting
	m.userID = userID
	m.lastErr = nil
	m.attempt++
	attempt := m.attempt
	dialCtx, cancel := context.WithCancel(ctx)
	m.cancelDial = cancel
	m.mu.Unlock()

	if switched {
		m.bus.Publish(StateChanged{State: Disconnected})
	}
	m.bus.Publish(StateChanged{State: Connecting})
	go m.dial(dialCtx, cancel, attempt, userID)
}

func (m *Manager) dial(ctx context.Context, cancel context.CancelFunc, attempt uint64, userID string) {
	defer cancel()

	reg, err := wire.EncodeOutbound(wire.Register{UserID: userID})
	var conn Conn
	if err == nil {
		conn, err = m.dialer.Dial(ctx, m.url, BearerHeader(m.token))
	}

	m.mu.Lock()
	if attempt != m.attempt {
		// Disconnected or superseded while dialing.
		m.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	m.cancelDial = nil

	if err != nil {
		terr := &TransportError{Op: "connect", Err: err}
		m.state = Disconnected
		m.lastErr = terr
		onError := m.obs.OnError
		m.mu.Unlock()

		m.logger.Error("connection failed", "url", m.url, "user_id", userID, "error", err)
		m.bus.Publish(StateChanged{State: Disconnected, Err: terr})
		if onError != nil {
			onError(terr)
		}
		return
	}

	l := newLink(conn)
	l.send <- reg
	m.link = l
	m.state = Connected
	onConnected := m.obs.OnConnected
	m.mu.Unlock()

	go m.writePump(l)
	go m.readPump(l, userID)

	m.logger.Info("connected", "url", m.url, "user_id", userID)
	m.bus.Publish(StateChanged{State: Connected})
	if onConnected != nil {
		onConnected()
	}
}

// EnsureConnected connects for userID and blocks until the link is up, the
// attempt fails, or ctx is done. Observers registered through Connect are
// kept.
func (m *Manager) EnsureConnected(ctx context.Context, userID string) error {
	changed := make(chan struct{}, 1)
	unsubscribe := m.bus.Subscribe(func(ev Event) {
		if _, ok := ev.(StateChanged); ok {
			select {
			case changed <- struct{}{}:
			default:
			}
		}
	})
	defer unsubscribe()

	m.Connect(ctx, userID, m.observer())

	for {
		m.mu.Lock()
		state, current, lastErr := m.state, m.userID, m.lastErr
		m.mu.Unlock()

		if state != Disconnected && current != userID {
			return fmt.Errorf("socket: session busy for user %q", current)
		}
		switch state {
		case Connected:
			return nil
		case Disconnected:
			if lastErr != nil {
				return lastErr
			}
			return ErrNotConnected
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Disconnect tears the transport down. Safe to call in any state; an
// in-flight dial is abandoned.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	prev := m.state
	m.teardownLocked()
	m.mu.Unlock()

	if prev != Disconnected {
		m.logger.Info("disconnected", "url", m.url)
		m.bus.Publish(StateChanged{State: Disconnected})
	}
}

func (m *Manager) teardownLocked() {
	m.attempt++
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	if m.link != nil {
		m.link.close()
		m.link = nil
	}
	m.state = Disconnected
}

// Send queues a frame on the live link. It never blocks.
func (m *Manager) Send(o wire.Outbound) error {
	data, err := wire.EncodeOutbound(o)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != Connected || m.link == nil {
		return ErrNotConnected
	}
	select {
	case m.link.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// linkLost handles a link whose read loop ended on its own.
func (m *Manager) linkLost(l *link, err error) {
	m.mu.Lock()
	if m.link != l {
		m.mu.Unlock()
		return
	}
	terr := &TransportError{Op: "read", Err: err}
	m.link = nil
	m.state = Disconnected
	m.lastErr = terr
	m.attempt++
	onError := m.obs.OnError
	m.mu.Unlock()

	l.close()

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		m.logger.Info("connection closed by peer", "url", m.url)
	} else {
		m.logger.Error("connection lost", "url", m.url, "error", err)
	}
	m.bus.Publish(StateChanged{State: Disconnected, Err: terr})
	if onError != nil {
		onError(terr)
	}
}

// readPump decodes inbound frames onto the bus until the link fails.
func (m *Manager) readPump(l *link, userID string) {
	l.conn.SetReadLimit(maxMessageSize)
	l.conn.SetReadDeadline(time.Now().Add(pongWait))
	l.conn.SetPongHandler(func(string) error {
		return l.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := l.conn.ReadMessage()
		if err != nil {
			m.linkLost(l, err)
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		route, in, err := wire.DecodeInbound(data)
		if err != nil {
			m.logger.Warn("dropping malformed frame", "error", err)
			continue
		}
		if route != userID {
			m.logger.Warn("dropping frame for another user", "route_user", route, "user_id", userID)
			continue
		}

		select {
		case <-l.done:
			return
		default:
		}
		m.bus.Publish(in)
	}
}

// writePump is the only writer of the link.
func (m *Manager) writePump(l *link) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		l.conn.Close()
	}()

	for {
		select {
		case data := <-l.send:
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				m.logger.Error("write failed", "error", err)
				return
			}
		case <-ticker.C:
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-l.done:
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			l.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
