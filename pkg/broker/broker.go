// Package broker is the Kafka side of the relay: every chat and presence
// event goes through one topic so all gateway instances see it.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/mahaj/livechat/pkg/model"
	"github.com/mahaj/livechat/pkg/snowflake"
)

// presenceKey keeps online list updates on one partition, in order.
const presenceKey = "presence"

// Writer is the producer side. *kafka.Writer satisfies it.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// NewWriter returns a producer hashing on the message key.
func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.Hash{},
	}
}

// Stamp assigns the server id of a chat message. A message's timestamp is
// the one encoded in its id, so ordering by either agrees. Other events
// only get a timestamp.
func Stamp(node *snowflake.Node, ev *model.Event) {
	if ev.Type == model.TypeMessage && ev.ID == 0 {
		ev.ID = node.Generate()
		ev.Timestamp = snowflake.Time(ev.ID)
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
}

// Key returns the partition key of ev. Conversation events are keyed by
// channel so a conversation stays on one partition, in order.
func Key(ev model.Event) string {
	if ev.Type == model.TypeOnlineUsers {
		return presenceKey
	}
	return ev.ChannelID()
}

// Publish writes ev to the topic.
func Publish(ctx context.Context, w Writer, ev model.Event) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("broker: encode %s event: %w", ev.Type, err)
	}
	err = w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(Key(ev)),
		Value: value,
		Time:  time.Now(),
	})
	if err != nil {
		return fmt.Errorf("broker: publish %s event: %w", ev.Type, err)
	}
	return nil
}
