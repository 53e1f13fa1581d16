package main

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/mahaj/livechat/pkg/auth"
)

type ReadRequest struct {
	OtherUserID string `json:"other_user_id"`
}

func ReadHandler(store Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		claims, ok := auth.ClaimsFrom(r.Context())
		if !ok {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		var req ReadRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OtherUserID == "" {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}

		if err := store.MarkRead(r.Context(), claims.UserID, req.OtherUserID); err != nil {
			log.Printf("Failed to reset unread count for %s: %v", claims.UserID, err)
			http.Error(w, "Failed to reset unread count", http.StatusInternalServerError)
			return
		}

		w.WriteHeader(http.StatusOK)
	}
}
