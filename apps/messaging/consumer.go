package main

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/mahaj/livechat/pkg/model"
)

// Reader is the broker side of the consumer. *kafka.Reader satisfies it.
type Reader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// MessageStore persists chat messages. *db.Session satisfies it.
type MessageStore interface {
	SaveMessage(ctx context.Context, ev model.Event) error
}

type Consumer struct {
	reader Reader
	db     MessageStore
	retry  time.Duration
}

func NewConsumer(brokers []string, topic string, groupID string, store MessageStore) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 10e3, // 10KB
		MaxBytes: 10e6, // 10MB
	})

	return &Consumer{reader: r, db: store, retry: time.Second}
}

// Consume persists chat messages until ctx is done. Typing events are
// ephemeral and skipped.
func (c *Consumer) Consume(ctx context.Context) {
	for {
		m, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("Error reading message: %v. Retrying in %s...", err, c.retry)
			select {
			case <-time.After(c.retry):
			case <-ctx.Done():
				return
			}
			continue
		}
		c.handle(ctx, m.Value)
	}
}

func (c *Consumer) handle(ctx context.Context, value []byte) {
	var ev model.Event
	if err := json.Unmarshal(value, &ev); err != nil {
		log.Printf("Failed to unmarshal event: %v", err)
		return
	}

	// Only persist actual messages
	if ev.Type != model.TypeMessage {
		return
	}
	if ev.ID == 0 || ev.Sender == "" || ev.Receiver == "" {
		log.Printf("Skipping message without id or participants: %s", value)
		return
	}

	if err := c.db.SaveMessage(ctx, ev); err != nil {
		log.Printf("Failed to save message %d: %v", ev.ID, err)
		return
	}
	log.Printf("Message saved to ScyllaDB: %d (%s)", ev.ID, ev.ChannelID())
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
