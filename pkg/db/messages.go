package db

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/mahaj/livechat/pkg/model"
)

// DefaultHistoryLimit caps History when no limit is given.
const DefaultHistoryLimit = 200

// SaveMessage persists a chat event, refreshes the conversation row of both
// participants and increments the receiver's unread counter.
func (s *Session) SaveMessage(ctx context.Context, ev model.Event) error {
	if ev.Type != model.TypeMessage {
		return fmt.Errorf("db: refusing to persist %s event", ev.Type)
	}
	channelID := ev.ChannelID()

	insert := `INSERT INTO messages (channel_id, id, client_id, sender, receiver, content, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	if err := s.Query(insert, channelID, ev.ID, ev.ClientID, ev.Sender, ev.Receiver, ev.Content, ev.Timestamp).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("db: save message %d: %w", ev.ID, err)
	}

	var errs []error
	upsert := `INSERT INTO user_conversations (user_id, other_user_id, last_message_id, last_sender, last_content, last_updated) VALUES (?, ?, ?, ?, ?, ?)`
	for _, pair := range [][2]string{{ev.Sender, ev.Receiver}, {ev.Receiver, ev.Sender}} {
		if err := s.Query(upsert, pair[0], pair[1], ev.ID, ev.Sender, ev.Content, ev.Timestamp).WithContext(ctx).Exec(); err != nil {
			errs = append(errs, fmt.Errorf("db: update conversation for %s: %w", pair[0], err))
		}
	}

	counter := `UPDATE conversation_counters SET unread_count = unread_count + 1 WHERE user_id = ? AND other_user_id = ?`
	if err := s.Query(counter, ev.Receiver, ev.Sender).WithContext(ctx).Exec(); err != nil {
		errs = append(errs, fmt.Errorf("db: increment unread count for %s: %w", ev.Receiver, err))
	}
	return errors.Join(errs...)
}

// History returns up to limit of the latest messages of the conversation,
// oldest first.
func (s *Session) History(ctx context.Context, key model.ConversationKey, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	query := `SELECT id, client_id, sender, receiver, content, created_at FROM messages WHERE channel_id = ? LIMIT ?`
	iter := s.Query(query, key.ChannelID(), limit).WithContext(ctx).Iter()

	var (
		messages                         []model.Message
		id                               int64
		clientID, sender, receiver, text string
		createdAt                        time.Time
	)
	for iter.Scan(&id, &clientID, &sender, &receiver, &text, &createdAt) {
		messages = append(messages, model.Message{
			ID:        strconv.FormatInt(id, 10),
			ClientID:  clientID,
			Sender:    sender,
			Receiver:  receiver,
			Content:   text,
			CreatedAt: createdAt,
		})
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("db: history of %s: %w", key, err)
	}

	// Stored newest first.
	slices.Reverse(messages)
	return messages, nil
}

// Conversations returns the inbox rows of userID with their unread counts.
func (s *Session) Conversations(ctx context.Context, userID string) ([]model.InboxRow, error) {
	query := `SELECT other_user_id, last_message_id, last_sender, last_content, last_updated FROM user_conversations WHERE user_id = ?`
	iter := s.Query(query, userID).WithContext(ctx).Iter()

	var (
		rows                   []model.InboxRow
		other, sender, content string
		lastID                 int64
		updated                time.Time
	)
	for iter.Scan(&other, &lastID, &sender, &content, &updated) {
		// Fetch unread count for this conversation
		var unread int64
		if err := s.Query(`SELECT unread_count FROM conversation_counters WHERE user_id = ? AND other_user_id = ?`, userID, other).WithContext(ctx).Scan(&unread); err != nil {
			unread = 0
		}
		rows = append(rows, InboxRow(userID, other, lastID, sender, content, updated, unread))
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("db: conversations of %s: %w", userID, err)
	}
	return rows, nil
}

// InboxRow assembles a row from the stored columns. A zero lastID means the
// conversation has no message yet.
func InboxRow(userID, other string, lastID int64, sender, content string, updated time.Time, unread int64) model.InboxRow {
	row := model.InboxRow{Partner: other, UnreadCount: int(unread)}
	if lastID != 0 {
		receiver := other
		if sender == other {
			receiver = userID
		}
		row.LastMessage = &model.Message{
			ID:        strconv.FormatInt(lastID, 10),
			Sender:    sender,
			Receiver:  receiver,
			Content:   content,
			CreatedAt: updated,
		}
	}
	return row
}

// MarkRead resets the unread counter of userID for partner. Deleting the
// row is the only way to reset a counter.
func (s *Session) MarkRead(ctx context.Context, userID, partner string) error {
	query := `DELETE FROM conversation_counters WHERE user_id = ? AND other_user_id = ?`
	if err := s.Query(query, userID, partner).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("db: reset unread count: %w", err)
	}
	return nil
}
