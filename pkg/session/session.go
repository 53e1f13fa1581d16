// Package session wires the chat components of one logged-in user around a
// single connection manager.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/mahaj/livechat/pkg/auth"
	"github.com/mahaj/livechat/pkg/chat"
	"github.com/mahaj/livechat/pkg/history"
	"github.com/mahaj/livechat/pkg/inbox"
	"github.com/mahaj/livechat/pkg/model"
	"github.com/mahaj/livechat/pkg/socket"
	"github.com/mahaj/livechat/pkg/typing"
	"github.com/mahaj/livechat/pkg/wire"
)

// Collaborator is the REST service holding history and inbox snapshots.
// *history.Client satisfies it.
type Collaborator interface {
	History(ctx context.Context, partner string) ([]model.Message, error)
	Conversations(ctx context.Context) ([]model.InboxRow, error)
	MarkRead(ctx context.Context, partner string) error
	Send(ctx context.Context, receiver, content, clientID string) (model.Message, error)
}

// fallbackTimeout bounds a retry sent over REST.
const fallbackTimeout = 10 * time.Second

type Config struct {
	GatewayURL string
	APIURL     string
	Token      string

	TypingDebounce time.Duration
	TypingCeiling  time.Duration

	// Optional. Collaborator defaults to a history.Client for APIURL and
	// Dialer to the gorilla/websocket dialer.
	Collaborator Collaborator
	Dialer       socket.Dialer
	Logger       *slog.Logger

	// Change hooks, called outside any lock.
	OnMessages func(partner string)
	OnTyping   func(partner string, typing bool)
	OnInbox    func()
	OnOnline   func(users []string)
	OnError    func(error)
}

var ErrNoConversation = chat.ErrNoConversation

type Session struct {
	user    string
	cfg     Config
	logger  *slog.Logger
	collab  Collaborator
	manager *socket.Manager
	channel *chat.Channel
	typing  *typing.Tracker
	inbox   *inbox.Aggregator

	unsubscribe []func()

	mu     sync.Mutex
	active string
	online []string
}

// New builds a session for the user the token was issued to. Nothing is
// dialed until Start or Open.
func New(cfg Config) (*Session, error) {
	user, err := auth.SubjectFromToken(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	s := &Session{
		user:   user,
		cfg:    cfg,
		logger: cfg.Logger,
		collab: cfg.Collaborator,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("user_id", user)
	if s.collab == nil {
		s.collab = history.New(cfg.APIURL, cfg.Token)
	}

	mopts := []socket.Option{socket.WithLogger(s.logger.With("component", "socket"))}
	if cfg.Dialer != nil {
		mopts = append(mopts, socket.WithDialer(cfg.Dialer))
	}
	s.manager = socket.NewManager(cfg.GatewayURL, cfg.Token, mopts...)

	s.channel = chat.New(user, s.manager,
		chat.WithLogger(s.logger.With("component", "chat")),
		chat.WithFallback(s.sendOverREST),
		chat.WithOnChange(func(key model.ConversationKey) {
			if cfg.OnMessages != nil {
				cfg.OnMessages(key.Other(user))
			}
		}))

	topts := []typing.Option{
		typing.WithLogger(s.logger.With("component", "typing")),
		typing.WithOnChange(cfg.OnTyping),
	}
	if cfg.TypingDebounce > 0 {
		topts = append(topts, typing.WithDebounce(cfg.TypingDebounce))
	}
	if cfg.TypingCeiling > 0 {
		topts = append(topts, typing.WithCeiling(cfg.TypingCeiling))
	}
	s.typing = typing.New(user, s.manager, topts...)

	s.inbox = inbox.New(user,
		inbox.WithLogger(s.logger.With("component", "inbox")),
		inbox.WithOnChange(cfg.OnInbox))

	bus := s.manager.Bus()
	s.unsubscribe = []func(){
		bus.Subscribe(s.channel.HandleEvent),
		bus.Subscribe(s.typing.HandleEvent),
		bus.Subscribe(s.inbox.HandleEvent),
		bus.Subscribe(s.handleOnline),
	}
	return s, nil
}

// sendOverREST posts a message the socket refused and returns the stored
// copy as a delivery.
func (s *Session) sendOverREST(msg model.Message) (wire.Delivery, error) {
	ctx, cancel := context.WithTimeout(context.Background(), fallbackTimeout)
	defer cancel()

	stored, err := s.collab.Send(ctx, msg.Receiver, msg.Content, msg.ClientID)
	if err != nil {
		return wire.Delivery{}, err
	}
	d := wire.Delivery{
		ID:        stored.ID,
		Sender:    stored.Sender,
		Receiver:  stored.Receiver,
		Message:   stored.Content,
		CreatedAt: stored.CreatedAt,
		ClientID:  stored.ClientID,
	}
	s.inbox.OnDelivery(d)
	return d, nil
}

func (s *Session) handleOnline(ev socket.Event) {
	u, ok := ev.(wire.OnlineUsers)
	if !ok {
		return
	}
	s.mu.Lock()
	s.online = slices.Clone(u.Users)
	s.mu.Unlock()
	if s.cfg.OnOnline != nil {
		s.cfg.OnOnline(u.Users)
	}
}

// Online returns the last online list the relay pushed, and whether one has
// arrived since the session started.
func (s *Session) Online() ([]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.online), s.online != nil
}

func (s *Session) UserID() string { return s.user }

// Manager exposes the connection manager for state observation and
// reconnect supervision.
func (s *Session) Manager() *socket.Manager { return s.manager }

func (s *Session) observer() socket.Observer {
	return socket.Observer{
		OnConnected: func() { s.logger.Debug("session connected") },
		OnError: func(err error) {
			if s.cfg.OnError != nil {
				s.cfg.OnError(err)
			}
		},
	}
}

// Start connects and loads the inbox. A failed connect does not prevent the
// inbox from loading; both errors are returned.
func (s *Session) Start(ctx context.Context) error {
	s.manager.Connect(ctx, s.user, s.observer())
	connErr := s.manager.EnsureConnected(ctx, s.user)
	if connErr != nil {
		connErr = fmt.Errorf("session: connect: %w", connErr)
	}

	rows, err := s.collab.Conversations(ctx)
	if err != nil {
		return errors.Join(connErr, fmt.Errorf("session: load inbox: %w", err))
	}
	s.inbox.Load(rows)
	return connErr
}

// Active returns the partner of the open conversation.
func (s *Session) Active() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active, s.active != ""
}

// Open makes partner the active conversation, marks it read and loads its
// history. History that arrives after another conversation was opened is
// discarded.
func (s *Session) Open(ctx context.Context, partner string) error {
	if partner == "" || partner == s.user {
		return fmt.Errorf("session: invalid partner %q", partner)
	}

	s.mu.Lock()
	prev := s.active
	s.active = partner
	s.mu.Unlock()
	if prev != "" && prev != partner {
		s.typing.Close(prev)
	}

	s.manager.Connect(ctx, s.user, s.observer())
	s.channel.Open(partner)
	s.inbox.SetActive(partner)

	var errs []error
	if err := s.collab.MarkRead(ctx, partner); err != nil {
		s.logger.Warn("mark read failed", "partner", partner, "error", err)
		errs = append(errs, fmt.Errorf("session: mark read: %w", err))
	}

	msgs, err := s.collab.History(ctx, partner)
	if err != nil {
		errs = append(errs, fmt.Errorf("session: load history: %w", err))
	} else if !s.channel.LoadHistory(partner, msgs) {
		s.logger.Debug("history arrived after conversation changed", "partner", partner)
	}
	return errors.Join(errs...)
}

// Send sends content to the open conversation. Local typing is stopped
// first. On a transport failure the message stays in the list flagged
// Failed and can be resent with Retry.
func (s *Session) Send(content string) (model.Message, error) {
	partner, ok := s.Active()
	if !ok {
		return model.Message{}, ErrNoConversation
	}

	s.typing.StopLocalActivity(partner)
	msg, err := s.channel.Send(s.user, partner, content)
	if msg.ClientID != "" {
		s.inbox.NoteSent(msg)
	}
	return msg, err
}

// Retry resends a failed message of the open conversation. When the socket
// is still down the message is posted over REST instead.
func (s *Session) Retry(clientID string) error {
	return s.channel.Retry(clientID)
}

// Typing records local compose activity in the open conversation.
func (s *Session) Typing() error {
	partner, ok := s.Active()
	if !ok {
		return ErrNoConversation
	}
	return s.typing.NoteLocalActivity(partner)
}

// Messages returns the open conversation's list.
func (s *Session) Messages() []model.Message {
	partner, ok := s.Active()
	if !ok {
		return nil
	}
	return s.channel.Messages(partner)
}

// PartnerTyping reports whether the open conversation's partner is typing.
func (s *Session) PartnerTyping() bool {
	partner, ok := s.Active()
	return ok && s.typing.IsTyping(partner)
}

func (s *Session) Inbox() []model.InboxRow { return s.inbox.Rows() }

func (s *Session) TotalUnread() int { return s.inbox.TotalUnread() }

// CloseConversation leaves the open conversation. Pending typing timers are
// canceled without sending.
func (s *Session) CloseConversation() {
	s.mu.Lock()
	partner := s.active
	s.active = ""
	s.mu.Unlock()
	if partner == "" {
		return
	}

	s.typing.Close(partner)
	s.channel.Close()
	s.inbox.SetActive("")
}

// Close tears the session down.
func (s *Session) Close() {
	s.CloseConversation()
	s.typing.StopAll()
	for _, unsubscribe := range s.unsubscribe {
		unsubscribe()
	}
	s.manager.Disconnect()
}
