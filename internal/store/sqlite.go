// ABOUTME: SQLite store setup: connection, pragmas, schema bootstrap, transactions
// ABOUTME: serializes writes through a single connection so short transactions act as row locks

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout is RFC3339 UTC with a fixed nine-digit fraction so the stored
// text sorts chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store wraps the SQLite database used by the queue and webhook outbox.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New opens (creating if needed) the SQLite database at path.
func New(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One connection keeps SQLite transactions strictly serialized, which is
	// what the lease and nudge claim paths rely on.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:     db,
		logger: logger.With("component", "store"),
	}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	s.logger.Info("store opened", "path", path)
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for repository calls outside a transaction.
func (s *Store) DB() DBTX {
	return s.db
}

// WithTx runs fn inside a transaction, committing on nil and rolling back on error.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			s.logger.Error("rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (s *Store) createSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		chat_bot_id TEXT NOT NULL,
		chat_message_id TEXT NOT NULL,
		author_id TEXT NOT NULL,
		author_name TEXT NOT NULL,
		channel_id TEXT,
		guild_id TEXT,
		is_dm INTEGER NOT NULL,
		content TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		dedupe_key TEXT NOT NULL UNIQUE,
		created_at TEXT NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_bot_message
		ON messages(chat_bot_id, chat_message_id);
	CREATE INDEX IF NOT EXISTS idx_messages_channel_timestamp
		ON messages(channel_id, timestamp);

	CREATE TABLE IF NOT EXISTS deliveries (
		id TEXT PRIMARY KEY,
		message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
		backend_bot_id TEXT NOT NULL,
		state TEXT NOT NULL DEFAULT 'pending'
			CHECK (state IN ('pending', 'leased', 'delivered')),
		delivered_at TEXT,
		lease_id TEXT,
		lease_expires_at TEXT,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_deliveries_backend_state_created
		ON deliveries(backend_bot_id, state, created_at);
	CREATE INDEX IF NOT EXISTS idx_deliveries_lease_expires
		ON deliveries(state, lease_expires_at);

	CREATE TABLE IF NOT EXISTS webhook_nudges (
		id TEXT PRIMARY KEY,
		backend_bot_id TEXT NOT NULL UNIQUE,
		chat_bot_id TEXT,
		last_dedupe_key TEXT,
		state TEXT NOT NULL DEFAULT 'pending'
			CHECK (state IN ('pending', 'sending', 'failed')),
		attempts INTEGER NOT NULL DEFAULT 0,
		next_attempt_at TEXT NOT NULL,
		last_error TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_webhook_nudges_state_next
		ON webhook_nudges(state, next_attempt_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// isConstraintViolation reports whether err is a SQLite uniqueness failure.
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "constraint failed")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing stored timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
