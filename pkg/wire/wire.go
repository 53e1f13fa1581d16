// Package wire encodes and decodes the frames exchanged over the chat socket.
//
// Every websocket text frame is an envelope naming a destination and
// carrying a flat JSON body. Clients send to the app.chat.* destinations and
// receive on their private user.<id>.queue.* routes.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	DestRegister   = "app.chat.register"
	DestSend       = "app.chat.send"
	DestTyping     = "app.chat.typing"
	DestStopTyping = "app.chat.stopTyping"
)

const (
	queueMessages   = "messages"
	queueTyping     = "typing"
	queueStopTyping = "stop-typing"
	queueOnline     = "online"
)

// MessagesRoute is the private route chat deliveries for userID arrive on.
func MessagesRoute(userID string) string { return route(userID, queueMessages) }

// TypingRoute is the private route typing-start notifications arrive on.
func TypingRoute(userID string) string { return route(userID, queueTyping) }

// StopTypingRoute is the private route typing-stop notifications arrive on.
func StopTypingRoute(userID string) string { return route(userID, queueStopTyping) }

// OnlineRoute is the private route online user lists arrive on.
func OnlineRoute(userID string) string { return route(userID, queueOnline) }

func route(userID, queue string) string {
	return "user." + userID + ".queue." + queue
}

// Frame is the envelope around every body.
type Frame struct {
	Destination string          `json:"destination"`
	Body        json.RawMessage `json:"body"`
}

// Outbound is a frame a client sends.
type Outbound interface {
	Destination() string
}

type Register struct {
	UserID string `json:"userId"`
}

// Send carries a chat message. ClientID is the correlation id the server
// echoes back in the matching Delivery.
type Send struct {
	Sender   string `json:"sender"`
	Receiver string `json:"receiver"`
	Message  string `json:"message"`
	ClientID string `json:"clientId,omitempty"`
}

type TypingStart struct {
	Sender   string `json:"sender"`
	Receiver string `json:"receiver"`
}

type TypingStop struct {
	Sender   string `json:"sender"`
	Receiver string `json:"receiver"`
}

func (Register) Destination() string    { return DestRegister }
func (Send) Destination() string        { return DestSend }
func (TypingStart) Destination() string { return DestTyping }
func (TypingStop) Destination() string  { return DestStopTyping }

// Inbound is a notification delivered to a client.
type Inbound interface {
	inbound()
}

// Delivery is a chat message addressed to, or echoed back to, the subscriber.
type Delivery struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Receiver  string    `json:"receiver"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
	ClientID  string    `json:"clientId,omitempty"`
}

type PresenceKind int

const (
	PresenceTypingStart PresenceKind = iota + 1
	PresenceTypingStop
)

func (k PresenceKind) String() string {
	switch k {
	case PresenceTypingStart:
		return "typingStart"
	case PresenceTypingStop:
		return "typingStop"
	}
	return fmt.Sprintf("presence(%d)", int(k))
}

// Presence is a typing notification about Sender. Kind is derived from the
// route it arrived on and is not part of the body.
type Presence struct {
	Kind   PresenceKind `json:"-"`
	Sender string       `json:"sender"`
}

// OnlineUsers is the full list of users holding a live connection, pushed
// whenever someone comes online or goes offline.
type OnlineUsers struct {
	Users []string `json:"users"`
}

func (Delivery) inbound()    {}
func (Presence) inbound()    {}
func (OnlineUsers) inbound() {}

// ProtocolError reports a frame that could not be decoded. The connection
// stays usable; the frame is dropped.
type ProtocolError struct {
	Destination string
	Reason      string
	Err         error
}

func (e *ProtocolError) Error() string {
	msg := "wire: " + e.Reason
	if e.Destination != "" {
		msg += " (destination " + e.Destination + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// IsProtocolError reports whether err is, or wraps, a *ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

func encode(dest string, body any) ([]byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("wire: encode %s body: %w", dest, err)
	}
	return json.Marshal(Frame{Destination: dest, Body: raw})
}

// EncodeOutbound serializes a client frame.
func EncodeOutbound(o Outbound) ([]byte, error) {
	if o == nil {
		return nil, errors.New("wire: nil outbound frame")
	}
	return encode(o.Destination(), o)
}

// EncodeInbound serializes a notification for delivery to userID.
func EncodeInbound(userID string, in Inbound) ([]byte, error) {
	switch v := in.(type) {
	case Delivery:
		return encode(MessagesRoute(userID), v)
	case Presence:
		switch v.Kind {
		case PresenceTypingStart:
			return encode(TypingRoute(userID), v)
		case PresenceTypingStop:
			return encode(StopTypingRoute(userID), v)
		}
		return nil, fmt.Errorf("wire: unknown presence kind %v", v.Kind)
	case OnlineUsers:
		return encode(OnlineRoute(userID), v)
	}
	return nil, fmt.Errorf("wire: unsupported inbound type %T", in)
}

func splitFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return f, &ProtocolError{Reason: "malformed envelope", Err: err}
	}
	if f.Destination == "" {
		return f, &ProtocolError{Reason: "missing destination"}
	}
	if len(f.Body) == 0 || string(f.Body) == "null" {
		return f, &ProtocolError{Destination: f.Destination, Reason: "missing body"}
	}
	return f, nil
}

func decodeBody(f Frame, v any) error {
	if err := json.Unmarshal(f.Body, v); err != nil {
		return &ProtocolError{Destination: f.Destination, Reason: "malformed body", Err: err}
	}
	return nil
}

// parseRoute splits "user.<id>.queue.<name>". User ids may contain dots, so
// the split is anchored on the ".queue." separator.
func parseRoute(dest string) (userID, queue string, ok bool) {
	rest, found := strings.CutPrefix(dest, "user.")
	if !found {
		return "", "", false
	}
	i := strings.LastIndex(rest, ".queue.")
	if i <= 0 {
		return "", "", false
	}
	return rest[:i], rest[i+len(".queue."):], true
}

// DecodeInbound parses a notification received by a client. It returns the
// user id the route belongs to alongside the decoded notification.
func DecodeInbound(data []byte) (string, Inbound, error) {
	f, err := splitFrame(data)
	if err != nil {
		return "", nil, err
	}
	userID, queue, ok := parseRoute(f.Destination)
	if !ok {
		return "", nil, &ProtocolError{Destination: f.Destination, Reason: "unknown destination"}
	}

	switch queue {
	case queueMessages:
		var d Delivery
		if err := decodeBody(f, &d); err != nil {
			return "", nil, err
		}
		if d.ID == "" || d.Sender == "" || d.Receiver == "" {
			return "", nil, &ProtocolError{Destination: f.Destination, Reason: "delivery missing id, sender or receiver"}
		}
		return userID, d, nil

	case queueTyping, queueStopTyping:
		var p Presence
		if err := decodeBody(f, &p); err != nil {
			return "", nil, err
		}
		if p.Sender == "" {
			return "", nil, &ProtocolError{Destination: f.Destination, Reason: "presence missing sender"}
		}
		p.Kind = PresenceTypingStart
		if queue == queueStopTyping {
			p.Kind = PresenceTypingStop
		}
		return userID, p, nil

	case queueOnline:
		var o OnlineUsers
		if err := decodeBody(f, &o); err != nil {
			return "", nil, err
		}
		return userID, o, nil
	}
	return "", nil, &ProtocolError{Destination: f.Destination, Reason: "unknown queue " + queue}
}

// DecodeOutbound parses a frame sent by a client. Used on the relay side.
func DecodeOutbound(data []byte) (Outbound, error) {
	f, err := splitFrame(data)
	if err != nil {
		return nil, err
	}

	switch f.Destination {
	case DestRegister:
		var r Register
		if err := decodeBody(f, &r); err != nil {
			return nil, err
		}
		if r.UserID == "" {
			return nil, &ProtocolError{Destination: f.Destination, Reason: "register missing userId"}
		}
		return r, nil

	case DestSend:
		var s Send
		if err := decodeBody(f, &s); err != nil {
			return nil, err
		}
		if s.Sender == "" || s.Receiver == "" {
			return nil, &ProtocolError{Destination: f.Destination, Reason: "send missing sender or receiver"}
		}
		return s, nil

	case DestTyping:
		var t TypingStart
		if err := decodeBody(f, &t); err != nil {
			return nil, err
		}
		if t.Sender == "" || t.Receiver == "" {
			return nil, &ProtocolError{Destination: f.Destination, Reason: "typing missing sender or receiver"}
		}
		return t, nil

	case DestStopTyping:
		var t TypingStop
		if err := decodeBody(f, &t); err != nil {
			return nil, err
		}
		if t.Sender == "" || t.Receiver == "" {
			return nil, &ProtocolError{Destination: f.Destination, Reason: "stopTyping missing sender or receiver"}
		}
		return t, nil
	}
	return nil, &ProtocolError{Destination: f.Destination, Reason: "unknown destination"}
}
