// ABOUTME: Repository methods for the messages table
// ABOUTME: insert with dedupe enforcement, lookups, and channel-scoped history

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// InsertMessage persists a message. Returns ErrDuplicateMessage when the
// dedupe key or the (chat_bot_id, chat_message_id) pair already exists.
func (s *Store) InsertMessage(ctx context.Context, q DBTX, m *Message) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO messages (id, chat_bot_id, chat_message_id, author_id, author_name,
			channel_id, guild_id, is_dm, content, timestamp, dedupe_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ChatBotID, m.ChatMessageID, m.AuthorID, m.AuthorName,
		nullString(m.ChannelID), nullString(m.GuildID), m.IsDM, m.Content,
		formatTime(m.Timestamp), m.DedupeKey, formatTime(m.CreatedAt))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateMessage
		}
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

// GetMessage fetches a message by ID.
func (s *Store) GetMessage(ctx context.Context, q DBTX, id string) (*Message, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, chat_bot_id, chat_message_id, author_id, author_name,
			channel_id, guild_id, is_dm, content, timestamp, dedupe_key, created_at
		FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting message: %w", err)
	}
	return m, nil
}

// ChannelHistory returns up to limit messages in channelID with timestamp at
// or before the cutoff, oldest first.
func (s *Store) ChannelHistory(ctx context.Context, q DBTX, channelID string, cutoff string, limit int) ([]*Message, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, chat_bot_id, chat_message_id, author_id, author_name,
			channel_id, guild_id, is_dm, content, timestamp, dedupe_key, created_at
		FROM messages
		WHERE channel_id = ? AND timestamp <= ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`, channelID, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("querying channel history: %w", err)
	}
	defer rows.Close()

	var history []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning history row: %w", err)
		}
		history = append(history, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating history rows: %w", err)
	}

	// The query walks backwards from the cutoff; callers want chronological order.
	for i, j := 0, len(history)-1; i < j; i, j = i+1, j-1 {
		history[i], history[j] = history[j], history[i]
	}
	return history, nil
}

// TimestampCutoff formats a message timestamp for use in history queries.
func TimestampCutoff(m *Message) string {
	return formatTime(m.Timestamp)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	var channelID, guildID sql.NullString
	var timestamp, createdAt string
	if err := row.Scan(&m.ID, &m.ChatBotID, &m.ChatMessageID, &m.AuthorID, &m.AuthorName,
		&channelID, &guildID, &m.IsDM, &m.Content, &timestamp, &m.DedupeKey, &createdAt); err != nil {
		return nil, err
	}
	m.ChannelID = channelID.String
	m.GuildID = guildID.String

	var err error
	if m.Timestamp, err = parseTime(timestamp); err != nil {
		return nil, err
	}
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &m, nil
}
