// ABOUTME: Repository methods for the webhook_nudges outbox table
// ABOUTME: one row per backend bot, claimed and resolved by the webhook dispatcher

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetNudgeByBackend fetches the outbox row for a backend bot.
func (s *Store) GetNudgeByBackend(ctx context.Context, q DBTX, backendBotID string) (*WebhookNudge, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, backend_bot_id, chat_bot_id, last_dedupe_key, state, attempts,
			next_attempt_at, last_error, created_at, updated_at
		FROM webhook_nudges WHERE backend_bot_id = ?`, backendBotID)
	n, err := scanNudge(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting webhook nudge: %w", err)
	}
	return n, nil
}

// InsertNudge persists a new outbox row.
func (s *Store) InsertNudge(ctx context.Context, q DBTX, n *WebhookNudge) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO webhook_nudges (id, backend_bot_id, chat_bot_id, last_dedupe_key,
			state, attempts, next_attempt_at, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.BackendBotID, nullString(n.ChatBotID), nullString(n.LastDedupeKey),
		string(n.State), n.Attempts, formatTime(n.NextAttemptAt), nullString(n.LastError),
		formatTime(n.CreatedAt), formatTime(n.UpdatedAt))
	if err != nil {
		return fmt.Errorf("inserting webhook nudge: %w", err)
	}
	return nil
}

// UpdateNudge rewrites every mutable column of an outbox row.
func (s *Store) UpdateNudge(ctx context.Context, q DBTX, n *WebhookNudge) error {
	_, err := q.ExecContext(ctx, `
		UPDATE webhook_nudges
		SET chat_bot_id = ?, last_dedupe_key = ?, state = ?, attempts = ?,
			next_attempt_at = ?, last_error = ?, updated_at = ?
		WHERE id = ?`,
		nullString(n.ChatBotID), nullString(n.LastDedupeKey), string(n.State), n.Attempts,
		formatTime(n.NextAttemptAt), nullString(n.LastError), formatTime(n.UpdatedAt), n.ID)
	if err != nil {
		return fmt.Errorf("updating webhook nudge: %w", err)
	}
	return nil
}

// SelectDueNudges returns up to limit pending nudges whose next attempt time
// has passed, soonest first.
func (s *Store) SelectDueNudges(ctx context.Context, q DBTX, now time.Time, limit int) ([]*WebhookNudge, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, backend_bot_id, chat_bot_id, last_dedupe_key, state, attempts,
			next_attempt_at, last_error, created_at, updated_at
		FROM webhook_nudges
		WHERE state = 'pending' AND next_attempt_at <= ?
		ORDER BY next_attempt_at ASC
		LIMIT ?`, formatTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("querying due nudges: %w", err)
	}
	defer rows.Close()

	var out []*WebhookNudge
	for rows.Next() {
		n, err := scanNudge(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning nudge row: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating nudge rows: %w", err)
	}
	return out, nil
}

// MarkNudgesSending transitions claimed nudges to the in-flight state.
func (s *Store) MarkNudgesSending(ctx context.Context, q DBTX, ids []string, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	args := []any{formatTime(now)}
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := q.ExecContext(ctx, `
		UPDATE webhook_nudges SET state = 'sending', updated_at = ?
		WHERE state = 'pending' AND id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return fmt.Errorf("marking nudges sending: %w", err)
	}
	return nil
}

// DeleteNudge removes an outbox row after a successful webhook POST.
func (s *Store) DeleteNudge(ctx context.Context, q DBTX, id string) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM webhook_nudges WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting webhook nudge: %w", err)
	}
	return nil
}

// MarkNudgeFailed parks an outbox row until new traffic resets it.
func (s *Store) MarkNudgeFailed(ctx context.Context, q DBTX, id, lastError string, now time.Time) error {
	_, err := q.ExecContext(ctx, `
		UPDATE webhook_nudges SET state = 'failed', last_error = ?, updated_at = ?
		WHERE id = ?`, lastError, formatTime(now), id)
	if err != nil {
		return fmt.Errorf("marking nudge failed: %w", err)
	}
	return nil
}

// RescheduleNudge returns a nudge to pending with a new attempt count and
// next attempt time after a retryable failure.
func (s *Store) RescheduleNudge(ctx context.Context, q DBTX, id string, attempts int, nextAttemptAt time.Time, lastError string, now time.Time) error {
	_, err := q.ExecContext(ctx, `
		UPDATE webhook_nudges
		SET state = 'pending', attempts = ?, next_attempt_at = ?, last_error = ?, updated_at = ?
		WHERE id = ?`, attempts, formatTime(nextAttemptAt), lastError, formatTime(now), id)
	if err != nil {
		return fmt.Errorf("rescheduling webhook nudge: %w", err)
	}
	return nil
}

func scanNudge(row rowScanner) (*WebhookNudge, error) {
	var n WebhookNudge
	var chatBotID, lastDedupeKey, lastError sql.NullString
	var state, nextAttemptAt, createdAt, updatedAt string
	if err := row.Scan(&n.ID, &n.BackendBotID, &chatBotID, &lastDedupeKey, &state,
		&n.Attempts, &nextAttemptAt, &lastError, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	n.ChatBotID = chatBotID.String
	n.LastDedupeKey = lastDedupeKey.String
	n.LastError = lastError.String
	n.State = NudgeState(state)

	var err error
	if n.NextAttemptAt, err = parseTime(nextAttemptAt); err != nil {
		return nil, err
	}
	if n.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if n.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &n, nil
}
