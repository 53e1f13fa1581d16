// Package chat is the send/receive pipeline of the open conversation.
//
// Sends are inserted optimistically before any round trip and reconciled
// against the server's echo. The echo is matched on the correlation id
// carried in the send frame; echoes without one fall back to matching the
// oldest pending entry with equal content. Anything unmatched is appended,
// never dropped.
package chat

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mahaj/livechat/pkg/model"
	"github.com/mahaj/livechat/pkg/socket"
	"github.com/mahaj/livechat/pkg/wire"
)

var (
	ErrEmptyMessage   = errors.New("chat: empty message")
	ErrNoConversation = errors.New("chat: conversation is not open")
	ErrUnknownMessage = errors.New("chat: no failed message with that id")
)

// Sender transmits frames. *socket.Manager satisfies it.
type Sender interface {
	Send(wire.Outbound) error
}

type Option func(*Channel)

func WithLogger(l *slog.Logger) Option { return func(c *Channel) { c.logger = l } }

// WithClock replaces time.Now for optimistic timestamps.
func WithClock(now func() time.Time) Option { return func(c *Channel) { c.now = now } }

// WithIDGenerator replaces the correlation id generator.
func WithIDGenerator(gen func() string) Option { return func(c *Channel) { c.newID = gen } }

// WithFallback sets a second path for Retry, used when the socket refuses
// the frame. The delivery it returns confirms the entry.
func WithFallback(fn func(model.Message) (wire.Delivery, error)) Option {
	return func(c *Channel) { c.fallback = fn }
}

// WithOnChange registers a callback invoked, outside any lock, after the
// open conversation's list changes.
func WithOnChange(fn func(model.ConversationKey)) Option {
	return func(c *Channel) { c.onChange = fn }
}

// Channel holds the message list of the open conversation.
type Channel struct {
	local    string
	sender   Sender
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
	onChange func(model.ConversationKey)
	fallback func(model.Message) (wire.Delivery, error)

	// sendMu keeps optimistic insertion and transmission in the same order.
	sendMu sync.Mutex

	mu     sync.Mutex
	active *conversation
	misses int
}

type conversation struct {
	key      model.ConversationKey
	partner  string
	messages []model.Message
	loaded   bool
}

func New(local string, sender Sender, opts ...Option) *Channel {
	c := &Channel{
		local:  local,
		sender: sender,
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Open makes the conversation with partner the active one. Reopening the
// active partner keeps its list; opening another partner evicts the old one.
func (c *Channel) Open(partner string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active != nil && c.active.partner == partner {
		return
	}
	c.active = &conversation{
		key:     model.NewConversationKey(c.local, partner),
		partner: partner,
	}
}

// Close evicts the active conversation.
func (c *Channel) Close() {
	c.mu.Lock()
	c.active = nil
	c.mu.Unlock()
}

// Active returns the partner of the open conversation.
func (c *Channel) Active() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return "", false
	}
	return c.active.partner, true
}

// Messages returns a copy of the list for partner, or nil if that
// conversation is not open.
func (c *Channel) Messages(partner string) []model.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil || c.active.partner != partner {
		return nil
	}
	out := make([]model.Message, len(c.active.messages))
	copy(out, c.active.messages)
	return out
}

// ReconciliationMisses counts own echoes that matched no pending entry.
func (c *Channel) ReconciliationMisses() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.misses
}

// LoadHistory installs the fetched history of partner ahead of whatever
// arrived live during the fetch. It reports false, and does nothing, when
// partner is no longer the open conversation.
func (c *Channel) LoadHistory(partner string, history []model.Message) bool {
	c.mu.Lock()
	conv := c.active
	if conv == nil || conv.partner != partner {
		c.mu.Unlock()
		c.logger.Debug("discarding history for closed conversation", "partner", partner)
		return false
	}

	seen := make(map[string]bool, len(history))
	stored := make(map[string]bool)
	merged := make([]model.Message, 0, len(history)+len(conv.messages))
	for _, m := range history {
		if m.Key() != conv.key || m.ID == "" || seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		if m.ClientID != "" {
			stored[m.ClientID] = true
		}
		m.Origin = model.Confirmed
		merged = append(merged, m)
	}
	for _, m := range conv.messages {
		if m.Origin == model.Confirmed && seen[m.ID] {
			continue
		}
		// A send the store persisted before its echo reached us.
		if m.Origin == model.Optimistic && stored[m.ClientID] {
			continue
		}
		merged = append(merged, m)
	}
	conv.messages = merged
	conv.loaded = true
	key := conv.key
	c.mu.Unlock()

	c.changed(key)
	return true
}

// Send inserts an optimistic message into the open conversation with
// receiver and transmits it. When the transport refuses the frame the entry
// stays in the list flagged Failed and the error is returned; Retry resends
// it.
func (c *Channel) Send(sender, receiver, content string) (model.Message, error) {
	if sender != c.local {
		return model.Message{}, fmt.Errorf("chat: sender %q is not the local user", sender)
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return model.Message{}, ErrEmptyMessage
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.Lock()
	conv := c.active
	if conv == nil || conv.partner != receiver {
		c.mu.Unlock()
		return model.Message{}, ErrNoConversation
	}
	msg := model.Message{
		ClientID:  c.newID(),
		Sender:    sender,
		Receiver:  receiver,
		Content:   content,
		CreatedAt: c.now(),
		Origin:    model.Optimistic,
	}
	conv.messages = append(conv.messages, msg)
	key := conv.key
	c.mu.Unlock()
	c.changed(key)

	if err := c.transmit(msg); err != nil {
		msg.Failed = true
		return msg, err
	}
	return msg, nil
}

// Retry resends a failed optimistic message.
func (c *Channel) Retry(clientID string) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.Lock()
	var msg model.Message
	found := false
	if c.active != nil {
		for _, m := range c.active.messages {
			if m.ClientID == clientID && m.Origin == model.Optimistic && m.Failed {
				msg, found = m, true
				break
			}
		}
	}
	c.mu.Unlock()
	if !found {
		return ErrUnknownMessage
	}

	err := c.transmit(msg)
	if err == nil || c.fallback == nil {
		return err
	}
	d, ferr := c.fallback(msg)
	if ferr != nil {
		c.logger.Warn("fallback send failed", "client_id", msg.ClientID, "error", ferr)
		return errors.Join(err, fmt.Errorf("chat: fallback send: %w", ferr))
	}
	c.OnDelivery(d)
	return nil
}

// transmit sends msg and records the outcome on its list entry.
func (c *Channel) transmit(msg model.Message) error {
	err := c.sender.Send(wire.Send{
		Sender:   msg.Sender,
		Receiver: msg.Receiver,
		Message:  msg.Content,
		ClientID: msg.ClientID,
	})
	if err != nil {
		c.logger.Warn("send failed", "client_id", msg.ClientID, "receiver", msg.Receiver, "error", err)
	}

	c.mu.Lock()
	updated := false
	if c.active != nil && c.active.key == msg.Key() {
		for i := range c.active.messages {
			m := &c.active.messages[i]
			if m.ClientID == msg.ClientID && m.Origin == model.Optimistic {
				updated = m.Failed != (err != nil)
				m.Failed = err != nil
				break
			}
		}
	}
	c.mu.Unlock()
	if updated {
		c.changed(msg.Key())
	}

	if err != nil {
		return fmt.Errorf("chat: send: %w", err)
	}
	return nil
}

// HandleEvent is the bus handler of the channel.
func (c *Channel) HandleEvent(ev socket.Event) {
	if d, ok := ev.(wire.Delivery); ok {
		c.OnDelivery(d)
	}
}

// OnDelivery applies an inbound delivery to the open conversation.
// Deliveries for other conversations are ignored here.
func (c *Channel) OnDelivery(d wire.Delivery) {
	key := model.NewConversationKey(d.Sender, d.Receiver)
	if !key.Has(c.local) {
		c.logger.Warn("delivery does not involve local user", "sender", d.Sender, "receiver", d.Receiver)
		return
	}

	confirmed := model.Message{
		ID:        d.ID,
		ClientID:  d.ClientID,
		Sender:    d.Sender,
		Receiver:  d.Receiver,
		Content:   d.Message,
		CreatedAt: d.CreatedAt,
		Origin:    model.Confirmed,
	}
	if confirmed.CreatedAt.IsZero() {
		confirmed.CreatedAt = c.now()
	}

	c.mu.Lock()
	conv := c.active
	if conv == nil || conv.key != key {
		c.mu.Unlock()
		return
	}
	for _, m := range conv.messages {
		if m.Origin == model.Confirmed && m.ID == d.ID {
			dropped := d.Sender == c.local && conv.dropPending(d.ClientID)
			c.mu.Unlock()
			if dropped {
				c.changed(key)
			}
			return
		}
	}

	if d.Sender == c.local {
		if i := conv.pending(d.ClientID, d.Message); i >= 0 {
			conv.messages[i] = confirmed
			c.mu.Unlock()
			c.changed(key)
			return
		}
		c.misses++
		c.logger.Debug("echo matched no pending message", "id", d.ID, "client_id", d.ClientID)
	}
	conv.messages = append(conv.messages, confirmed)
	c.mu.Unlock()
	c.changed(key)
}

// pending finds the optimistic entry an echo confirms.
func (conv *conversation) pending(clientID, content string) int {
	for i, m := range conv.messages {
		if m.Origin != model.Optimistic {
			continue
		}
		if clientID != "" {
			if m.ClientID == clientID {
				return i
			}
			continue
		}
		if m.Content == content {
			return i
		}
	}
	return -1
}

// dropPending removes the optimistic entry carrying clientID, if any.
func (conv *conversation) dropPending(clientID string) bool {
	if clientID == "" {
		return false
	}
	for i, m := range conv.messages {
		if m.Origin == model.Optimistic && m.ClientID == clientID {
			conv.messages = slices.Delete(conv.messages, i, i+1)
			return true
		}
	}
	return false
}

func (c *Channel) changed(key model.ConversationKey) {
	if c.onChange != nil {
		c.onChange(key)
	}
}
