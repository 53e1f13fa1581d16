package main

import (
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/mahaj/livechat/pkg/auth"
	"github.com/mahaj/livechat/pkg/config"
	"github.com/mahaj/livechat/pkg/model"
	"github.com/mahaj/livechat/pkg/wire"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 8 << 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for now
	},
}

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound frames.
	send chan []byte

	// User ID taken from the handshake token.
	ID string

	sendLim   *rate.Limiter
	typingLim *rate.Limiter
}

// readPump decodes client frames and hands them to the hub. Nothing but a
// register frame for the authenticated user is accepted until the client is
// registered.
func (c *Client) readPump() {
	registered := false
	defer func() {
		if registered {
			c.hub.unregister <- c
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("error: %v", err)
			}
			break
		}

		frame, err := wire.DecodeOutbound(message)
		if err != nil {
			log.Printf("Dropping frame from %s: %v", c.ID, err)
			continue
		}

		if r, ok := frame.(wire.Register); ok {
			if r.UserID != c.ID {
				log.Printf("Register for %s rejected on connection of %s", r.UserID, c.ID)
				return
			}
			if !registered {
				registered = true
				c.hub.register <- c
			}
			continue
		}
		if !registered {
			log.Printf("Dropping %s from unregistered client %s", frame.Destination(), c.ID)
			continue
		}

		if ev := c.event(frame); ev != nil {
			c.hub.publish <- ev
		}
	}
}

// event turns a client frame into a broker event, or nil when the frame is
// dropped.
func (c *Client) event(frame wire.Outbound) *model.Event {
	var ev model.Event
	switch f := frame.(type) {
	case wire.Send:
		content := strings.TrimSpace(f.Message)
		if f.Sender != c.ID || content == "" {
			log.Printf("Dropping send from %s: bad sender or empty content", c.ID)
			return nil
		}
		if !c.sendLim.Allow() {
			log.Printf("Send rate exceeded for %s", c.ID)
			return nil
		}
		ev = model.Event{Type: model.TypeMessage, Sender: f.Sender, Receiver: f.Receiver, Content: content, ClientID: f.ClientID}
	case wire.TypingStart:
		if f.Sender != c.ID || !c.typingLim.Allow() {
			return nil
		}
		ev = model.Event{Type: model.TypeTyping, Sender: f.Sender, Receiver: f.Receiver}
	case wire.TypingStop:
		// Never limited, or an indicator could stay on until its ceiling.
		if f.Sender != c.ID {
			return nil
		}
		ev = model.Event{Type: model.TypeStopTyping, Sender: f.Sender, Receiver: f.Receiver}
	default:
		return nil
	}
	return &ev
}

// writePump pumps frames from the hub to the websocket connection, one
// websocket message per frame.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// wsHandler authenticates and upgrades websocket requests.
type wsHandler struct {
	hub        *Hub
	issuer     *auth.Issuer
	sendRate   config.Rate
	typingRate config.Rate
}

func (h *wsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tokenString, err := auth.BearerToken(r)
	if err != nil {
		log.Println("Unauthorized: No token provided")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	claims, err := h.issuer.ValidateToken(tokenString)
	if err != nil {
		log.Printf("Unauthorized: Invalid token: %v", err)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println(err)
		return
	}

	client := &Client{
		hub:       h.hub,
		conn:      conn,
		send:      make(chan []byte, 256),
		ID:        claims.UserID,
		sendLim:   h.sendRate.Limiter(),
		typingLim: h.typingRate.Limiter(),
	}

	// Allow collection of memory referenced by the caller by doing all work in
	// new goroutines.
	go client.writePump()
	go client.readPump()
}
