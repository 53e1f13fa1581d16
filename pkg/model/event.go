package model

import "time"

type EventType string

const (
	TypeMessage    EventType = "message"
	TypeTyping     EventType = "typing"
	TypeStopTyping EventType = "stop_typing"

	// TypeOnlineUsers carries the full online user list in Online.
	TypeOnlineUsers EventType = "online_users"
)

// Event is the record published to the broker. Only TypeMessage events are
// persisted; the rest are ephemeral and only routed.
type Event struct {
	ID        int64     `json:"id"`
	ClientID  string    `json:"client_id,omitempty"`
	Sender    string    `json:"sender"`
	Receiver  string    `json:"receiver"`
	Content   string    `json:"content"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Online    []string  `json:"online,omitempty"`
}

// ChannelID returns the DM channel the event belongs to.
func (e Event) ChannelID() string {
	return NewConversationKey(e.Sender, e.Receiver).ChannelID()
}

// OnlineUsersKey is the Redis set of users with a registered connection.
const OnlineUsersKey = "online:users"
