package model

import (
	"fmt"
	"time"
)

// Origin tells whether a message has been acknowledged by the server.
// The zero value is Confirmed so that history loaded from the store needs no fixup.
type Origin int

const (
	Confirmed Origin = iota
	Optimistic
)

func (o Origin) String() string {
	switch o {
	case Confirmed:
		return "confirmed"
	case Optimistic:
		return "optimistic"
	}
	return fmt.Sprintf("origin(%d)", int(o))
}

// Message is one entry of a conversation as the client sees it.
//
// Before confirmation ID is empty and ClientID holds the provisional id
// generated at send time. Once confirmed, ID is the server-assigned id.
type Message struct {
	ID        string    `json:"id"`
	ClientID  string    `json:"clientId,omitempty"`
	Sender    string    `json:"sender"`
	Receiver  string    `json:"receiver"`
	Content   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
	Origin    Origin    `json:"-"`

	// Failed is set on an optimistic entry whose frame could not be handed
	// to the transport. The entry stays in place so it can be retried.
	Failed bool `json:"-"`
}

// Key returns the conversation key of the message.
func (m Message) Key() ConversationKey {
	return NewConversationKey(m.Sender, m.Receiver)
}

// Partner returns the other participant relative to local.
func (m Message) Partner(local string) string {
	if m.Sender == local {
		return m.Receiver
	}
	return m.Sender
}

// InboxRow is the per-partner summary shown in the inbox.
type InboxRow struct {
	Partner     string   `json:"partner"`
	LastMessage *Message `json:"lastMessage,omitempty"`
	UnreadCount int      `json:"unreadCount"`
}
