package broker_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/livechat/pkg/broker"
	"github.com/mahaj/livechat/pkg/model"
	"github.com/mahaj/livechat/pkg/snowflake"
)

type captureWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *captureWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func TestStamp(t *testing.T) {
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	msg := &model.Event{Type: model.TypeMessage}
	typing := &model.Event{Type: model.TypeTyping}
	broker.Stamp(node, msg)
	broker.Stamp(node, typing)

	assert.NotZero(t, msg.ID)
	assert.Equal(t, snowflake.Time(msg.ID), msg.Timestamp)
	assert.Zero(t, typing.ID)
	assert.False(t, typing.Timestamp.IsZero())

	id := msg.ID
	broker.Stamp(node, msg)
	assert.Equal(t, id, msg.ID, "stamped messages keep their id")
}

func TestPublishKeysByChannel(t *testing.T) {
	w := &captureWriter{}
	ev := model.Event{ID: 5, Type: model.TypeMessage, Sender: "bob", Receiver: "alice", Content: "hi"}

	require.NoError(t, broker.Publish(context.Background(), w, ev))
	require.NoError(t, broker.Publish(context.Background(), w, model.Event{Type: model.TypeOnlineUsers, Online: []string{"alice"}}))

	require.Len(t, w.msgs, 2)
	assert.Equal(t, "dm:alice:bob", string(w.msgs[0].Key))
	var got model.Event
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	assert.Equal(t, ev, got)

	assert.Equal(t, "presence", string(w.msgs[1].Key))
}

func TestPublishWrapsWriterError(t *testing.T) {
	down := errors.New("leader not available")
	err := broker.Publish(context.Background(), &captureWriter{err: down}, model.Event{Type: model.TypeTyping, Sender: "a", Receiver: "b"})
	assert.ErrorIs(t, err, down)
}
