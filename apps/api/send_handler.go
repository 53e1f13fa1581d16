package main

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/mahaj/livechat/pkg/auth"
	"github.com/mahaj/livechat/pkg/broker"
	"github.com/mahaj/livechat/pkg/config"
	"github.com/mahaj/livechat/pkg/model"
	"github.com/mahaj/livechat/pkg/snowflake"
)

type SendRequest struct {
	Receiver string `json:"receiver"`
	Message  string `json:"message"`
	ClientID string `json:"clientId,omitempty"`
}

// SendHandler accepts a chat message over HTTP for clients whose socket is
// down. The message takes the same broker path as a socket send, so the
// gateway still delivers it and echoes it to the sender's other connections.
type SendHandler struct {
	producer broker.Writer
	node     *snowflake.Node
	limit    config.Rate

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewSendHandler(producer broker.Writer, node *snowflake.Node, limit config.Rate) *SendHandler {
	return &SendHandler{
		producer: producer,
		node:     node,
		limit:    limit,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (h *SendHandler) limiter(userID string) *rate.Limiter {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.limiters[userID]
	if !ok {
		l = h.limit.Limiter()
		h.limiters[userID] = l
	}
	return l
}

// ServeHTTP publishes the message and returns it as stored, with its server
// id and timestamp.
func (h *SendHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	claims, ok := auth.ClaimsFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	content := strings.TrimSpace(req.Message)
	if req.Receiver == "" || req.Receiver == claims.UserID || content == "" {
		http.Error(w, "receiver and message are required", http.StatusBadRequest)
		return
	}

	if !h.limiter(claims.UserID).Allow() {
		http.Error(w, "Too many messages", http.StatusTooManyRequests)
		return
	}

	ev := model.Event{
		Type:     model.TypeMessage,
		ClientID: req.ClientID,
		Sender:   claims.UserID,
		Receiver: req.Receiver,
		Content:  content,
	}
	broker.Stamp(h.node, &ev)
	if err := broker.Publish(r.Context(), h.producer, ev); err != nil {
		log.Printf("Failed to publish message from %s: %v", claims.UserID, err)
		http.Error(w, "Failed to send message", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, model.Message{
		ID:        strconv.FormatInt(ev.ID, 10),
		ClientID:  ev.ClientID,
		Sender:    ev.Sender,
		Receiver:  ev.Receiver,
		Content:   ev.Content,
		CreatedAt: ev.Timestamp,
	})
}
