package main

import (
	"log"
	"net/http"

	"github.com/mahaj/livechat/pkg/auth"
	"github.com/mahaj/livechat/pkg/model"
)

// ConversationsHandler returns the caller's inbox rows.
func ConversationsHandler(store Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := auth.ClaimsFrom(r.Context())
		if !ok {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		rows, err := store.Conversations(r.Context(), claims.UserID)
		if err != nil {
			log.Printf("Failed to list conversations for %s: %v", claims.UserID, err)
			http.Error(w, "Failed to list conversations", http.StatusInternalServerError)
			return
		}
		if rows == nil {
			rows = []model.InboxRow{}
		}
		writeJSON(w, rows)
	}
}
