package model

import (
	"fmt"
	"strings"
)

// ConversationKey identifies the unordered pair of participants of a DM.
// A and B are kept sorted so {a,b} and {b,a} compare equal.
type ConversationKey struct {
	A string
	B string
}

func NewConversationKey(u1, u2 string) ConversationKey {
	if u1 > u2 {
		u1, u2 = u2, u1
	}
	return ConversationKey{A: u1, B: u2}
}

// Has reports whether user takes part in the conversation.
func (k ConversationKey) Has(user string) bool {
	return k.A == user || k.B == user
}

// Other returns the participant that is not user.
func (k ConversationKey) Other(user string) string {
	if k.A == user {
		return k.B
	}
	return k.A
}

// ChannelID is the storage/routing form "dm:<lo>:<hi>".
func (k ConversationKey) ChannelID() string {
	return fmt.Sprintf("dm:%s:%s", k.A, k.B)
}

func (k ConversationKey) String() string { return k.ChannelID() }

// ParseChannelID is the inverse of ChannelID.
func ParseChannelID(channelID string) (ConversationKey, error) {
	parts := strings.Split(channelID, ":")
	if len(parts) != 3 || parts[0] != "dm" || parts[1] == "" || parts[2] == "" {
		return ConversationKey{}, fmt.Errorf("invalid DM channel format: %q", channelID)
	}
	return NewConversationKey(parts[1], parts[2]), nil
}
