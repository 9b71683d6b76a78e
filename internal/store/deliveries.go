// ABOUTME: Repository methods for the deliveries table
// ABOUTME: pending selection, lease grant/ack/nack updates, and expired lease reaping

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PendingDelivery pairs a claimable delivery with its message.
type PendingDelivery struct {
	DeliveryID string
	Message    *Message
}

// InsertDelivery persists a delivery row.
func (s *Store) InsertDelivery(ctx context.Context, q DBTX, d *Delivery) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO deliveries (id, message_id, backend_bot_id, state, delivered_at,
			lease_id, lease_expires_at, attempts, last_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.MessageID, d.BackendBotID, string(d.State), formatTimePtr(d.DeliveredAt),
		nullString(d.LeaseID), formatTimePtr(d.LeaseExpiresAt), d.Attempts,
		nullString(d.LastError), formatTime(d.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting delivery: %w", err)
	}
	return nil
}

// GetDelivery fetches a delivery by ID.
func (s *Store) GetDelivery(ctx context.Context, q DBTX, id string) (*Delivery, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, message_id, backend_bot_id, state, delivered_at,
			lease_id, lease_expires_at, attempts, last_error, created_at
		FROM deliveries WHERE id = ?`, id)

	var d Delivery
	var state string
	var deliveredAt, leaseID, leaseExpiresAt, lastError sql.NullString
	var createdAt string
	err := row.Scan(&d.ID, &d.MessageID, &d.BackendBotID, &state, &deliveredAt,
		&leaseID, &leaseExpiresAt, &d.Attempts, &lastError, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting delivery: %w", err)
	}

	d.State = DeliveryState(state)
	d.LeaseID = leaseID.String
	d.LastError = lastError.String
	if d.DeliveredAt, err = parseTimePtr(deliveredAt); err != nil {
		return nil, err
	}
	if d.LeaseExpiresAt, err = parseTimePtr(leaseExpiresAt); err != nil {
		return nil, err
	}
	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &d, nil
}

// SelectPendingDeliveries returns up to limit pending deliveries for a
// backend, oldest first, each joined with its message.
func (s *Store) SelectPendingDeliveries(ctx context.Context, q DBTX, backendBotID string, limit int) ([]*PendingDelivery, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT d.id,
			m.id, m.chat_bot_id, m.chat_message_id, m.author_id, m.author_name,
			m.channel_id, m.guild_id, m.is_dm, m.content, m.timestamp, m.dedupe_key, m.created_at
		FROM deliveries d
		JOIN messages m ON m.id = d.message_id
		WHERE d.backend_bot_id = ? AND d.state = 'pending'
		ORDER BY d.created_at ASC, d.id ASC
		LIMIT ?`, backendBotID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying pending deliveries: %w", err)
	}
	defer rows.Close()

	var out []*PendingDelivery
	for rows.Next() {
		var deliveryID string
		var m Message
		var channelID, guildID sql.NullString
		var timestamp, createdAt string
		if err := rows.Scan(&deliveryID,
			&m.ID, &m.ChatBotID, &m.ChatMessageID, &m.AuthorID, &m.AuthorName,
			&channelID, &guildID, &m.IsDM, &m.Content, &timestamp, &m.DedupeKey, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning pending delivery: %w", err)
		}
		m.ChannelID = channelID.String
		m.GuildID = guildID.String
		if m.Timestamp, err = parseTime(timestamp); err != nil {
			return nil, err
		}
		if m.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, &PendingDelivery{DeliveryID: deliveryID, Message: &m})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating pending deliveries: %w", err)
	}
	return out, nil
}

// LeaseDeliveries moves the given pending deliveries to leased under leaseID.
// Attempts counts lease handouts, so it bumps here and nowhere else.
func (s *Store) LeaseDeliveries(ctx context.Context, q DBTX, ids []string, leaseID string, expiresAt time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	args := []any{leaseID, formatTime(expiresAt)}
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := q.ExecContext(ctx, `
		UPDATE deliveries
		SET state = 'leased', lease_id = ?, lease_expires_at = ?, attempts = attempts + 1
		WHERE state = 'pending' AND id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return fmt.Errorf("leasing deliveries: %w", err)
	}
	return nil
}

// AckDeliveries marks matching leased deliveries delivered and returns how
// many rows matched. Only rows still held under leaseID count.
func (s *Store) AckDeliveries(ctx context.Context, q DBTX, backendBotID string, ids []string, leaseID string, now time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := []any{formatTime(now), backendBotID, leaseID}
	for _, id := range ids {
		args = append(args, id)
	}
	res, err := q.ExecContext(ctx, `
		UPDATE deliveries
		SET state = 'delivered', delivered_at = ?, lease_id = NULL, lease_expires_at = NULL
		WHERE backend_bot_id = ? AND state = 'leased' AND lease_id = ?
			AND id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("acking deliveries: %w", err)
	}
	return res.RowsAffected()
}

// NackDeliveries returns matching leased deliveries to pending and records
// the reason. Returns how many rows matched.
func (s *Store) NackDeliveries(ctx context.Context, q DBTX, backendBotID string, ids []string, leaseID, reason string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := []any{nullString(reason), backendBotID, leaseID}
	for _, id := range ids {
		args = append(args, id)
	}
	res, err := q.ExecContext(ctx, `
		UPDATE deliveries
		SET state = 'pending', lease_id = NULL, lease_expires_at = NULL, last_error = ?
		WHERE backend_bot_id = ? AND state = 'leased' AND lease_id = ?
			AND id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("nacking deliveries: %w", err)
	}
	return res.RowsAffected()
}

// ReapExpiredLeases returns every delivery whose lease expired before now to
// pending. Returns how many leases were reclaimed.
func (s *Store) ReapExpiredLeases(ctx context.Context, q DBTX, now time.Time) (int64, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE deliveries
		SET state = 'pending', lease_id = NULL, lease_expires_at = NULL,
			last_error = 'Lease expired'
		WHERE state = 'leased' AND lease_expires_at < ?`, formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("reaping expired leases: %w", err)
	}
	return res.RowsAffected()
}

// MarkDelivered moves deliveries straight from pending to delivered. Used by
// the legacy no-lease fetch path.
func (s *Store) MarkDelivered(ctx context.Context, q DBTX, ids []string, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	args := []any{formatTime(now)}
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := q.ExecContext(ctx, `
		UPDATE deliveries
		SET state = 'delivered', delivered_at = ?
		WHERE state = 'pending' AND id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return fmt.Errorf("marking deliveries delivered: %w", err)
	}
	return nil
}
