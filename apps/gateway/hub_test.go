package main

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/livechat/pkg/auth"
	"github.com/mahaj/livechat/pkg/config"
	"github.com/mahaj/livechat/pkg/model"
	"github.com/mahaj/livechat/pkg/snowflake"
	"github.com/mahaj/livechat/pkg/socket"
	"github.com/mahaj/livechat/pkg/wire"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func TestMain(m *testing.M) {
	log.SetOutput(io.Discard)
	os.Exit(m.Run())
}

// loopback stands in for the broker: every written event is routed straight
// back through the hub.
type loopback struct {
	hub *Hub

	mu     sync.Mutex
	events []model.Event
}

func (l *loopback) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	for _, m := range msgs {
		var ev model.Event
		if err := json.Unmarshal(m.Value, &ev); err != nil {
			return err
		}
		l.mu.Lock()
		l.events = append(l.events, ev)
		l.mu.Unlock()
		l.hub.Route(ev)
	}
	return nil
}

func (l *loopback) Close() error { return nil }

func (l *loopback) published() []model.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]model.Event(nil), l.events...)
}

type fakePresence struct {
	mu     sync.Mutex
	online map[string]bool
}

func (p *fakePresence) Online(_ context.Context, userID string) error {
	p.mu.Lock()
	p.online[userID] = true
	p.mu.Unlock()
	return nil
}

func (p *fakePresence) Offline(_ context.Context, userID string) error {
	p.mu.Lock()
	delete(p.online, userID)
	p.mu.Unlock()
	return nil
}

func (p *fakePresence) Members(context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	users := make([]string, 0, len(p.online))
	for u := range p.online {
		users = append(users, u)
	}
	return users, nil
}

func (p *fakePresence) isOnline(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online[userID]
}

func newTestHub(t *testing.T) (*Hub, *loopback, *fakePresence) {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	lb := &loopback{}
	pres := &fakePresence{online: map[string]bool{}}
	h := NewHub(lb, pres, node)
	lb.hub = h
	return h, lb, pres
}

func attach(h *Hub, userID string) *Client {
	c := &Client{hub: h, ID: userID, send: make(chan []byte, 8)}
	h.mu.Lock()
	if h.userClients[userID] == nil {
		h.userClients[userID] = make(map[*Client]bool)
	}
	h.userClients[userID][c] = true
	h.mu.Unlock()
	return c
}

func decode(t *testing.T, data []byte) (string, wire.Inbound) {
	t.Helper()
	route, in, err := wire.DecodeInbound(data)
	require.NoError(t, err)
	return route, in
}

func TestRouteMessageToBothParticipants(t *testing.T) {
	h, _, _ := newTestHub(t)
	alice := attach(h, "alice")
	bob := attach(h, "bob")
	carol := attach(h, "carol")

	at := time.Date(2026, 4, 5, 6, 7, 8, 0, time.UTC)
	h.Route(model.Event{ID: 77, ClientID: "c-1", Type: model.TypeMessage, Sender: "alice", Receiver: "bob", Content: "hi", Timestamp: at})

	for _, c := range []*Client{alice, bob} {
		require.Len(t, c.send, 1)
		route, in := decode(t, <-c.send)
		assert.Equal(t, c.ID, route)
		assert.Equal(t, wire.Delivery{ID: "77", Sender: "alice", Receiver: "bob", Message: "hi", CreatedAt: at, ClientID: "c-1"}, in)
	}
	assert.Len(t, carol.send, 0)
}

func TestRouteTypingToReceiverOnly(t *testing.T) {
	h, _, _ := newTestHub(t)
	alice := attach(h, "alice")
	bob := attach(h, "bob")

	h.Route(model.Event{Type: model.TypeTyping, Sender: "alice", Receiver: "bob"})
	h.Route(model.Event{Type: model.TypeStopTyping, Sender: "alice", Receiver: "bob"})

	assert.Len(t, alice.send, 0)
	require.Len(t, bob.send, 2)
	_, in := decode(t, <-bob.send)
	assert.Equal(t, wire.Presence{Kind: wire.PresenceTypingStart, Sender: "alice"}, in)
	_, in = decode(t, <-bob.send)
	assert.Equal(t, wire.Presence{Kind: wire.PresenceTypingStop, Sender: "alice"}, in)
}

func TestStampAssignsIDsToMessagesOnly(t *testing.T) {
	h, _, _ := newTestHub(t)

	msg := &model.Event{Type: model.TypeMessage}
	typing := &model.Event{Type: model.TypeTyping}
	h.stamp(msg)
	h.stamp(typing)

	assert.NotZero(t, msg.ID)
	assert.Equal(t, snowflake.Time(msg.ID), msg.Timestamp)
	assert.Zero(t, typing.ID)
	assert.False(t, typing.Timestamp.IsZero())
}

func TestOnlineUsersPushedOnRegister(t *testing.T) {
	h, lb, _ := newTestHub(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	bob := &Client{hub: h, ID: "bob", send: make(chan []byte, 8)}
	h.register <- bob
	_, in := decode(t, receive(t, bob.send))
	assert.Equal(t, wire.OnlineUsers{Users: []string{"bob"}}, in)

	alice := &Client{hub: h, ID: "alice", send: make(chan []byte, 8)}
	h.register <- alice
	for _, c := range []*Client{alice, bob} {
		_, in := decode(t, receive(t, c.send))
		assert.Equal(t, wire.OnlineUsers{Users: []string{"alice", "bob"}}, in)
	}

	h.unregister <- alice
	_, in = decode(t, receive(t, bob.send))
	assert.Equal(t, wire.OnlineUsers{Users: []string{"bob"}}, in)

	var kinds []model.EventType
	for _, ev := range lb.published() {
		kinds = append(kinds, ev.Type)
	}
	assert.Equal(t, []model.EventType{model.TypeOnlineUsers, model.TypeOnlineUsers, model.TypeOnlineUsers}, kinds)
}

func receive(t *testing.T, ch chan []byte) []byte {
	t.Helper()
	select {
	case data, ok := <-ch:
		require.True(t, ok, "send channel closed")
		return data
	case <-time.After(waitFor):
		t.Fatal("no frame")
		return nil
	}
}

func TestClientEvent(t *testing.T) {
	c := &Client{
		ID:        "alice",
		sendLim:   config.Rate{Requests: 1, Window: time.Hour}.Limiter(),
		typingLim: config.Rate{Requests: 1, Window: time.Hour}.Limiter(),
	}

	assert.Nil(t, c.event(wire.Send{Sender: "mallory", Receiver: "bob", Message: "spoof"}))
	assert.Nil(t, c.event(wire.Send{Sender: "alice", Receiver: "bob", Message: "   "}))

	ev := c.event(wire.Send{Sender: "alice", Receiver: "bob", Message: " hi ", ClientID: "c-9"})
	require.NotNil(t, ev)
	assert.Equal(t, model.Event{Type: model.TypeMessage, Sender: "alice", Receiver: "bob", Content: "hi", ClientID: "c-9"}, *ev)
	assert.Nil(t, c.event(wire.Send{Sender: "alice", Receiver: "bob", Message: "again"}), "rate limited")

	assert.NotNil(t, c.event(wire.TypingStart{Sender: "alice", Receiver: "bob"}))
	assert.Nil(t, c.event(wire.TypingStart{Sender: "alice", Receiver: "bob"}), "rate limited")
	for i := 0; i < 3; i++ {
		assert.NotNil(t, c.event(wire.TypingStop{Sender: "alice", Receiver: "bob"}))
	}
}

type gateway struct {
	url    string
	issuer *auth.Issuer
	hub    *Hub
	lb     *loopback
	pres   *fakePresence
}

func startGateway(t *testing.T) *gateway {
	t.Helper()
	h, lb, pres := newTestHub(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)

	iss := auth.NewIssuer("gateway-test")
	lenient := config.Rate{Requests: 1000, Window: time.Second}
	srv := httptest.NewServer(&wsHandler{hub: h, issuer: iss, sendRate: lenient, typingRate: lenient})
	t.Cleanup(srv.Close)

	return &gateway{
		url:    "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		issuer: iss,
		hub:    h,
		lb:     lb,
		pres:   pres,
	}
}

func (g *gateway) connect(t *testing.T, userID string) (*socket.Manager, chan socket.Event) {
	t.Helper()
	token, err := g.issuer.GenerateToken(userID)
	require.NoError(t, err)

	m := socket.NewManager(g.url, token, socket.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	events := make(chan socket.Event, 16)
	m.Bus().Subscribe(func(ev socket.Event) {
		switch ev.(type) {
		case socket.StateChanged, wire.OnlineUsers:
		default:
			events <- ev
		}
	})
	require.NoError(t, m.EnsureConnected(context.Background(), userID))
	t.Cleanup(m.Disconnect)
	require.Eventually(t, func() bool { return g.hub.Online(userID) == 1 }, waitFor, tick)
	return m, events
}

func next(t *testing.T, events chan socket.Event) socket.Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(waitFor):
		t.Fatal("no event")
		return nil
	}
}

func TestGatewayEndToEnd(t *testing.T) {
	g := startGateway(t)
	alice, aliceEvents := g.connect(t, "alice")
	_, bobEvents := g.connect(t, "bob")

	assert.True(t, g.pres.isOnline("alice"))
	assert.True(t, g.pres.isOnline("bob"))

	require.NoError(t, alice.Send(wire.TypingStart{Sender: "alice", Receiver: "bob"}))
	assert.Equal(t, wire.Presence{Kind: wire.PresenceTypingStart, Sender: "alice"}, next(t, bobEvents))

	require.NoError(t, alice.Send(wire.Send{Sender: "alice", Receiver: "bob", Message: "hello bob", ClientID: "c-1"}))

	toBob, ok := next(t, bobEvents).(wire.Delivery)
	require.True(t, ok)
	echo, ok := next(t, aliceEvents).(wire.Delivery)
	require.True(t, ok)

	assert.Equal(t, toBob, echo)
	assert.NotEmpty(t, echo.ID)
	assert.Equal(t, "c-1", echo.ClientID)
	assert.Equal(t, "hello bob", echo.Message)
	assert.False(t, echo.CreatedAt.IsZero())

	alice.Disconnect()
	require.Eventually(t, func() bool { return !g.pres.isOnline("alice") }, waitFor, tick)
	assert.True(t, g.pres.isOnline("bob"))
}

func TestGatewayRequiresRegister(t *testing.T) {
	g := startGateway(t)
	token, err := g.issuer.GenerateToken("alice")
	require.NoError(t, err)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, _, err := websocket.DefaultDialer.Dial(g.url, header)
	require.NoError(t, err)
	defer conn.Close()

	early, err := wire.EncodeOutbound(wire.Send{Sender: "alice", Receiver: "bob", Message: "too early"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, early))

	spoof, err := wire.EncodeOutbound(wire.Register{UserID: "mallory"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, spoof))

	conn.SetReadDeadline(time.Now().Add(waitFor))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err, "connection closed after a foreign register")
	assert.Empty(t, g.lb.published())
	assert.Zero(t, g.hub.Online("alice"))
}

func TestGatewayRejectsBadToken(t *testing.T) {
	g := startGateway(t)

	_, resp, err := websocket.DefaultDialer.Dial(g.url+"?token=garbage", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
