package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"github.com/mahaj/livechat/pkg/auth"
	"github.com/mahaj/livechat/pkg/model"
)

// Store is the read side of the message store. *db.Session satisfies it.
type Store interface {
	History(ctx context.Context, key model.ConversationKey, limit int) ([]model.Message, error)
	Conversations(ctx context.Context, userID string) ([]model.InboxRow, error)
	MarkRead(ctx context.Context, userID, partner string) error
}

type HistoryHandler struct {
	db Store
}

func NewHistoryHandler(store Store) *HistoryHandler {
	return &HistoryHandler{db: store}
}

// ServeHTTP returns the conversation between the caller and ?partner=,
// oldest first.
func (h *HistoryHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	partner := r.URL.Query().Get("partner")
	if partner == "" || partner == claims.UserID {
		http.Error(w, "partner is required", http.StatusBadRequest)
		return
	}
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	messages, err := h.db.History(r.Context(), model.NewConversationKey(claims.UserID, partner), limit)
	if err != nil {
		log.Printf("Failed to retrieve history: %v", err)
		http.Error(w, "Failed to retrieve history", http.StatusInternalServerError)
		return
	}
	if messages == nil {
		messages = []model.Message{}
	}
	writeJSON(w, messages)
}

type LoginRequest struct {
	UserID string `json:"user_id"`
}

type LoginResponse struct {
	Token string `json:"token"`
}

func LoginHandler(issuer *auth.Issuer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req LoginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}

		if req.UserID == "" {
			http.Error(w, "user_id is required", http.StatusBadRequest)
			return
		}

		token, err := issuer.GenerateToken(req.UserID)
		if err != nil {
			http.Error(w, "Failed to generate token", http.StatusInternalServerError)
			return
		}

		writeJSON(w, LoginResponse{Token: token})
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}
