package db

import (
	"context"
	"fmt"
	"log"
)

var tables = []struct {
	name   string
	create string
}{
	{"messages", `CREATE TABLE IF NOT EXISTS messages (
		channel_id text,
		id bigint,
		client_id text,
		sender text,
		receiver text,
		content text,
		created_at timestamp,
		PRIMARY KEY (channel_id, id)
	) WITH CLUSTERING ORDER BY (id DESC)`},

	// One row per participant and partner, holding the last message.
	{"user_conversations", `CREATE TABLE IF NOT EXISTS user_conversations (
		user_id text,
		other_user_id text,
		last_message_id bigint,
		last_sender text,
		last_content text,
		last_updated timestamp,
		PRIMARY KEY (user_id, other_user_id)
	)`},

	{"conversation_counters", `CREATE TABLE IF NOT EXISTS conversation_counters (
		user_id text,
		other_user_id text,
		unread_count counter,
		PRIMARY KEY (user_id, other_user_id)
	)`},
}

// EnsureSchema creates every table that does not exist yet.
func (s *Session) EnsureSchema(ctx context.Context) error {
	for _, t := range tables {
		if err := s.Query(t.create).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("db: create table %s: %w", t.name, err)
		}
		log.Printf("Table %s ready", t.name)
	}
	return nil
}

// DropSchema drops every table. Data is lost.
func (s *Session) DropSchema(ctx context.Context) error {
	for _, t := range tables {
		if err := s.Query("DROP TABLE IF EXISTS " + t.name).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("db: drop table %s: %w", t.name, err)
		}
		log.Printf("Table %s dropped", t.name)
	}
	return nil
}
