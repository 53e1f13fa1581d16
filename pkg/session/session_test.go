package session_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/livechat/pkg/auth"
	"github.com/mahaj/livechat/pkg/model"
	"github.com/mahaj/livechat/pkg/session"
	"github.com/mahaj/livechat/pkg/socket"
	"github.com/mahaj/livechat/pkg/socket/sockettest"
	"github.com/mahaj/livechat/pkg/wire"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

// fakeCollaborator serves canned history. A gate registered for a partner
// holds its History call until closed.
type fakeCollaborator struct {
	mu      sync.Mutex
	rows    []model.InboxRow
	history map[string][]model.Message
	gates   map[string]chan struct{}
	read    []string
	sent    []model.Message
}

func (f *fakeCollaborator) History(ctx context.Context, partner string) ([]model.Message, error) {
	f.mu.Lock()
	gate := f.gates[partner]
	msgs := f.history[partner]
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return msgs, nil
}

func (f *fakeCollaborator) Conversations(context.Context) ([]model.InboxRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows, nil
}

func (f *fakeCollaborator) MarkRead(_ context.Context, partner string) error {
	f.mu.Lock()
	f.read = append(f.read, partner)
	f.mu.Unlock()
	return nil
}

func (f *fakeCollaborator) Send(_ context.Context, receiver, content, clientID string) (model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg := model.Message{
		ID:        "77",
		ClientID:  clientID,
		Sender:    "alice",
		Receiver:  receiver,
		Content:   content,
		CreatedAt: t0.Add(2 * time.Minute),
	}
	f.sent = append(f.sent, msg)
	return msg, nil
}

func (f *fakeCollaborator) marked() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.read...)
}

type fixture struct {
	s      *session.Session
	dialer *sockettest.Dialer
	collab *fakeCollaborator
}

func newFixture(t *testing.T, dialer *sockettest.Dialer) *fixture {
	t.Helper()
	token, err := auth.NewIssuer("test").GenerateToken("alice")
	require.NoError(t, err)

	collab := &fakeCollaborator{
		rows: []model.InboxRow{
			{Partner: "bob", UnreadCount: 2, LastMessage: &model.Message{ID: "2", Sender: "bob", Receiver: "alice", Content: "ping", CreatedAt: t0}},
			{Partner: "carol", LastMessage: &model.Message{ID: "3", Sender: "alice", Receiver: "carol", Content: "later", CreatedAt: t0.Add(-time.Hour)}},
		},
		history: map[string][]model.Message{
			"bob": {
				{ID: "1", Sender: "alice", Receiver: "bob", Content: "hello", CreatedAt: t0.Add(-time.Minute)},
				{ID: "2", Sender: "bob", Receiver: "alice", Content: "ping", CreatedAt: t0},
			},
		},
		gates: map[string]chan struct{}{},
	}

	s, err := session.New(session.Config{
		GatewayURL:     "ws://chat.test/ws",
		Token:          token,
		TypingDebounce: 40 * time.Millisecond,
		TypingCeiling:  time.Second,
		Collaborator:   collab,
		Dialer:         dialer,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return &fixture{s: s, dialer: dialer, collab: collab}
}

func TestNewRejectsBadToken(t *testing.T) {
	_, err := session.New(session.Config{Token: "nope"})
	assert.Error(t, err)
}

func TestStartConnectsAndLoadsInbox(t *testing.T) {
	f := newFixture(t, &sockettest.Dialer{})

	require.NoError(t, f.s.Start(context.Background()))
	assert.Equal(t, "alice", f.s.UserID())
	assert.Equal(t, socket.Connected, f.s.Manager().State())
	require.Eventually(t, func() bool { return len(f.dialer.Last().Sent()) == 1 }, waitFor, tick)
	assert.Equal(t, wire.Register{UserID: "alice"}, f.dialer.Last().Sent()[0])

	rows := f.s.Inbox()
	require.Len(t, rows, 2)
	assert.Equal(t, "bob", rows[0].Partner)
	assert.Equal(t, 2, f.s.TotalUnread())
}

func TestStartFailureStillLoadsInbox(t *testing.T) {
	boom := errors.New("refused")
	f := newFixture(t, &sockettest.Dialer{Errs: []error{boom}})

	err := f.s.Start(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Len(t, f.s.Inbox(), 2)
}

func TestOpenLoadsHistoryAndMarksRead(t *testing.T) {
	f := newFixture(t, &sockettest.Dialer{})
	require.NoError(t, f.s.Start(context.Background()))

	require.NoError(t, f.s.Open(context.Background(), "bob"))

	msgs := f.s.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.Equal(t, []string{"bob"}, f.collab.marked())
	assert.Zero(t, f.s.TotalUnread())

	assert.Error(t, f.s.Open(context.Background(), "alice"))
}

func TestSendRoundTrip(t *testing.T) {
	f := newFixture(t, &sockettest.Dialer{})
	require.NoError(t, f.s.Start(context.Background()))
	require.NoError(t, f.s.Open(context.Background(), "bob"))
	conn := f.dialer.Last()

	require.NoError(t, f.s.Typing())
	msg, err := f.s.Send("hi")
	require.NoError(t, err)
	assert.Equal(t, model.Optimistic, msg.Origin)

	require.Eventually(t, func() bool { return len(conn.Sent()) == 4 }, waitFor, tick)
	sent := conn.Sent()
	assert.Equal(t, wire.TypingStart{Sender: "alice", Receiver: "bob"}, sent[1])
	assert.Equal(t, wire.TypingStop{Sender: "alice", Receiver: "bob"}, sent[2], "typing stops before the message")
	assert.Equal(t, wire.Send{Sender: "alice", Receiver: "bob", Message: "hi", ClientID: msg.ClientID}, sent[3])

	row := f.s.Inbox()[0]
	assert.Equal(t, "bob", row.Partner)
	assert.Equal(t, "hi", row.LastMessage.Content)

	require.NoError(t, conn.DeliverInbound("alice", wire.Delivery{
		ID: "42", Sender: "alice", Receiver: "bob", Message: "hi", CreatedAt: t0.Add(time.Minute), ClientID: msg.ClientID,
	}))
	require.Eventually(t, func() bool {
		msgs := f.s.Messages()
		return len(msgs) == 3 && msgs[2].ID == "42"
	}, waitFor, tick)
	assert.Equal(t, model.Confirmed, f.s.Messages()[2].Origin)
	assert.Zero(t, f.s.TotalUnread())
}

func TestSendWhileDisconnectedCanRetry(t *testing.T) {
	f := newFixture(t, &sockettest.Dialer{})
	require.NoError(t, f.s.Open(context.Background(), "bob"))
	f.s.Manager().Disconnect()

	msg, err := f.s.Send("anyone?")
	require.ErrorIs(t, err, socket.ErrNotConnected)
	require.True(t, f.s.Messages()[2].Failed)

	require.NoError(t, f.s.Manager().EnsureConnected(context.Background(), "alice"))
	require.NoError(t, f.s.Retry(msg.ClientID))
	assert.False(t, f.s.Messages()[2].Failed)
}

func TestRetryWhileDisconnectedGoesOverREST(t *testing.T) {
	f := newFixture(t, &sockettest.Dialer{})
	require.NoError(t, f.s.Start(context.Background()))
	require.NoError(t, f.s.Open(context.Background(), "bob"))
	f.s.Manager().Disconnect()

	msg, err := f.s.Send("anyone?")
	require.ErrorIs(t, err, socket.ErrNotConnected)

	require.NoError(t, f.s.Retry(msg.ClientID))
	f.collab.mu.Lock()
	require.Len(t, f.collab.sent, 1)
	assert.Equal(t, msg.ClientID, f.collab.sent[0].ClientID)
	f.collab.mu.Unlock()

	msgs := f.s.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, model.Confirmed, msgs[2].Origin)
	assert.Equal(t, "77", msgs[2].ID)
	assert.Equal(t, "77", f.s.Inbox()[0].LastMessage.ID)
}

func TestOnlineUsersPushed(t *testing.T) {
	var mu sync.Mutex
	var pushed [][]string
	token, err := auth.NewIssuer("test").GenerateToken("alice")
	require.NoError(t, err)
	dialer := &sockettest.Dialer{}
	s, err := session.New(session.Config{
		GatewayURL:   "ws://chat.test/ws",
		Token:        token,
		Collaborator: &fakeCollaborator{},
		Dialer:       dialer,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		OnOnline: func(users []string) {
			mu.Lock()
			pushed = append(pushed, users)
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	t.Cleanup(s.Close)

	_, ok := s.Online()
	assert.False(t, ok, "nothing pushed yet")

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, dialer.Last().DeliverInbound("alice", wire.OnlineUsers{Users: []string{"alice", "bob"}}))
	require.Eventually(t, func() bool {
		_, ok := s.Online()
		return ok
	}, waitFor, tick)

	users, _ := s.Online()
	assert.Equal(t, []string{"alice", "bob"}, users)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, [][]string{{"alice", "bob"}}, pushed)
}

func TestOtherConversationCountsUnread(t *testing.T) {
	f := newFixture(t, &sockettest.Dialer{})
	require.NoError(t, f.s.Start(context.Background()))
	require.NoError(t, f.s.Open(context.Background(), "bob"))
	conn := f.dialer.Last()

	require.NoError(t, conn.DeliverInbound("alice", wire.Delivery{ID: "50", Sender: "carol", Receiver: "alice", Message: "psst", CreatedAt: t0.Add(time.Hour)}))
	require.NoError(t, conn.DeliverInbound("alice", wire.Delivery{ID: "51", Sender: "bob", Receiver: "alice", Message: "here", CreatedAt: t0.Add(time.Hour)}))

	require.Eventually(t, func() bool { return len(f.s.Messages()) == 3 }, waitFor, tick)
	assert.Equal(t, 1, f.s.TotalUnread())
	rows := f.s.Inbox()
	assert.Equal(t, "bob", rows[0].Partner, "equal timestamps fall back to partner order")
	assert.Equal(t, "carol", rows[1].Partner)
	assert.Equal(t, 1, rows[1].UnreadCount)
}

func TestPartnerTyping(t *testing.T) {
	f := newFixture(t, &sockettest.Dialer{})
	require.NoError(t, f.s.Start(context.Background()))
	require.NoError(t, f.s.Open(context.Background(), "bob"))
	conn := f.dialer.Last()

	require.NoError(t, conn.DeliverInbound("alice", wire.Presence{Kind: wire.PresenceTypingStart, Sender: "bob"}))
	require.Eventually(t, f.s.PartnerTyping, waitFor, tick)

	require.NoError(t, conn.DeliverInbound("alice", wire.Presence{Kind: wire.PresenceTypingStop, Sender: "bob"}))
	require.Eventually(t, func() bool { return !f.s.PartnerTyping() }, waitFor, tick)
}

func TestCloseConversationCancelsTyping(t *testing.T) {
	f := newFixture(t, &sockettest.Dialer{})
	require.NoError(t, f.s.Start(context.Background()))
	require.NoError(t, f.s.Open(context.Background(), "bob"))
	conn := f.dialer.Last()

	require.NoError(t, f.s.Typing())
	f.s.CloseConversation()
	time.Sleep(150 * time.Millisecond)

	for _, o := range conn.Sent() {
		assert.NotEqual(t, wire.DestStopTyping, o.Destination())
	}
	assert.Nil(t, f.s.Messages())
	assert.ErrorIs(t, f.s.Typing(), session.ErrNoConversation)
	_, err := f.s.Send("into the void")
	assert.ErrorIs(t, err, session.ErrNoConversation)
}

func TestLateHistoryIsDiscarded(t *testing.T) {
	f := newFixture(t, &sockettest.Dialer{})
	require.NoError(t, f.s.Start(context.Background()))

	gate := make(chan struct{})
	f.collab.mu.Lock()
	f.collab.gates["bob"] = gate
	f.collab.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- f.s.Open(context.Background(), "bob") }()
	require.Eventually(t, func() bool { return len(f.collab.marked()) == 1 }, waitFor, tick)

	require.NoError(t, f.s.Open(context.Background(), "carol"))
	close(gate)
	require.NoError(t, <-done)

	partner, ok := f.s.Active()
	assert.True(t, ok)
	assert.Equal(t, "carol", partner)
	assert.Empty(t, f.s.Messages())
}
