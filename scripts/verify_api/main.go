package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/mahaj/livechat/pkg/config"
	"github.com/mahaj/livechat/pkg/history"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	apiURL := flag.String("api", cfg.APIURL, "api service address")
	user := flag.String("user", "test_user", "user to log in as")
	partner := flag.String("partner", "userB", "partner whose history is fetched")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// 1. Login
	token, err := history.Login(ctx, *apiURL, *user)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Token: %s...\n", token[:10])
	api := history.New(*apiURL, token)

	// 2. Inbox
	rows, err := api.Conversations(ctx)
	if err != nil {
		log.Fatal("Conversations request failed:", err)
	}
	for _, row := range rows {
		log.Printf("Conversation with %s: %d unread", row.Partner, row.UnreadCount)
	}

	// 3. History of one DM
	log.Printf("Fetching history with %s...", *partner)
	msgs, err := api.History(ctx, *partner)
	if err != nil {
		log.Fatal("History request failed:", err)
	}
	for _, m := range msgs {
		log.Printf("[%s] %s: %s", m.CreatedAt.Format(time.RFC3339), m.Sender, m.Content)
	}

	// 4. Presence
	users, err := api.Online(ctx)
	if err != nil {
		log.Fatal("Online request failed:", err)
	}
	log.Printf("Online: %v", users)
}
