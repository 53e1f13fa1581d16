package main

import (
	"context"
	"encoding/json"
	"log"
	"slices"
	"strconv"
	"sync"

	"github.com/segmentio/kafka-go"

	"github.com/mahaj/livechat/pkg/broker"
	"github.com/mahaj/livechat/pkg/model"
	"github.com/mahaj/livechat/pkg/snowflake"
	"github.com/mahaj/livechat/pkg/wire"
)

// Publisher is the broker side of the hub. *kafka.Writer satisfies it.
type Publisher interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// EventReader feeds the fan-out loop. *kafka.Reader satisfies it.
type EventReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Presence records which users hold at least one registered connection.
type Presence interface {
	Online(ctx context.Context, userID string) error
	Offline(ctx context.Context, userID string) error
	Members(ctx context.Context) ([]string, error)
}

// Hub tracks registered connections by user and relays events through the
// broker, so every gateway instance sees every event.
type Hub struct {
	userClients map[string]map[*Client]bool // user_id -> clients
	publish     chan *model.Event
	register    chan *Client
	unregister  chan *Client
	mu          sync.RWMutex
	producer    Publisher
	presence    Presence
	snowflake   *snowflake.Node
}

func NewHub(producer Publisher, presence Presence, node *snowflake.Node) *Hub {
	return &Hub{
		userClients: make(map[string]map[*Client]bool),
		publish:     make(chan *model.Event),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		producer:    producer,
		presence:    presence,
		snowflake:   node,
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer h.producer.Close()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			if h.userClients[client.ID] == nil {
				h.userClients[client.ID] = make(map[*Client]bool)
			}
			first := len(h.userClients[client.ID]) == 0
			h.userClients[client.ID][client] = true
			h.mu.Unlock()

			if first {
				if err := h.presence.Online(ctx, client.ID); err != nil {
					log.Printf("Failed to set presence for %s: %v", client.ID, err)
				}
				h.broadcastOnline(ctx)
			}
			log.Printf("Client registered: %s", client.ID)

		case client := <-h.unregister:
			h.mu.Lock()
			last := false
			if clients, ok := h.userClients[client.ID]; ok {
				if _, ok := clients[client]; ok {
					delete(clients, client)
					close(client.send)
					if len(clients) == 0 {
						delete(h.userClients, client.ID)
						last = true
					}
				}
			}
			h.mu.Unlock()

			if last {
				if err := h.presence.Offline(ctx, client.ID); err != nil {
					log.Printf("Failed to delete presence for %s: %v", client.ID, err)
				}
				log.Printf("Client unregistered: %s", client.ID)
				h.broadcastOnline(ctx)
			}

		case ev := <-h.publish:
			h.stamp(ev)
			if err := broker.Publish(ctx, h.producer, *ev); err != nil {
				log.Printf("Failed to write event to Kafka: %v", err)
			}
		}
	}
}

func (h *Hub) stamp(ev *model.Event) {
	broker.Stamp(h.snowflake, ev)
}

// broadcastOnline publishes the current online list so every instance can
// push it to its connections.
func (h *Hub) broadcastOnline(ctx context.Context) {
	users, err := h.presence.Members(ctx)
	if err != nil {
		log.Printf("Failed to read online users: %v", err)
		return
	}
	slices.Sort(users)
	ev := model.Event{Type: model.TypeOnlineUsers, Online: users}
	h.stamp(&ev)
	if err := broker.Publish(ctx, h.producer, ev); err != nil {
		log.Printf("Failed to write online users to Kafka: %v", err)
	}
}

// Consume reads every event from the broker and routes it to local
// connections until ctx is done.
func (h *Hub) Consume(ctx context.Context, reader EventReader) {
	defer reader.Close()
	for {
		m, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("Gateway consumer error: %v", err)
			}
			return
		}

		var ev model.Event
		if err := json.Unmarshal(m.Value, &ev); err != nil {
			log.Printf("Failed to unmarshal event from Kafka: %v", err)
			continue
		}
		h.Route(ev)
	}
}

// Route delivers an event to the connections it concerns: chat messages to
// both participants, typing notifications to the receiver only, online
// lists to everyone.
func (h *Hub) Route(ev model.Event) {
	switch ev.Type {
	case model.TypeMessage:
		d := wire.Delivery{
			ID:        strconv.FormatInt(ev.ID, 10),
			Sender:    ev.Sender,
			Receiver:  ev.Receiver,
			Message:   ev.Content,
			CreatedAt: ev.Timestamp,
			ClientID:  ev.ClientID,
		}
		h.deliver(ev.Receiver, d)
		if ev.Sender != ev.Receiver {
			h.deliver(ev.Sender, d)
		}
	case model.TypeTyping:
		h.deliver(ev.Receiver, wire.Presence{Kind: wire.PresenceTypingStart, Sender: ev.Sender})
	case model.TypeStopTyping:
		h.deliver(ev.Receiver, wire.Presence{Kind: wire.PresenceTypingStop, Sender: ev.Sender})
	case model.TypeOnlineUsers:
		h.mu.RLock()
		users := make([]string, 0, len(h.userClients))
		for userID := range h.userClients {
			users = append(users, userID)
		}
		h.mu.RUnlock()
		for _, userID := range users {
			h.deliver(userID, wire.OnlineUsers{Users: ev.Online})
		}
	default:
		log.Printf("Skipping routing for event type: %s", ev.Type)
	}
}

func (h *Hub) deliver(userID string, in wire.Inbound) {
	data, err := wire.EncodeInbound(userID, in)
	if err != nil {
		log.Printf("Failed to encode frame for %s: %v", userID, err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.userClients[userID] {
		select {
		case client.send <- data:
		default:
			log.Printf("Dropping frame for slow client %s", userID)
			go func(c *Client) { h.unregister <- c }(client)
		}
	}
}

// Online reports how many connections userID has registered.
func (h *Hub) Online(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.userClients[userID])
}
