// ABOUTME: Core types and errors for the relay's SQLite-backed store
// ABOUTME: defines message, delivery, and webhook nudge records and their states

package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a record doesn't exist
	ErrNotFound = errors.New("record not found")
	// ErrDuplicateMessage is returned when a message with the same dedupe key already exists
	ErrDuplicateMessage = errors.New("duplicate message")
)

// DBTX is satisfied by both *sql.DB and *sql.Tx so repository methods can run
// standalone or inside a transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DeliveryState tracks a delivery through its lifecycle.
type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliveryLeased    DeliveryState = "leased"
	DeliveryDelivered DeliveryState = "delivered"
)

// NudgeState tracks a webhook nudge through its lifecycle.
type NudgeState string

const (
	NudgePending NudgeState = "pending"
	NudgeSending NudgeState = "sending"
	NudgeFailed  NudgeState = "failed"
)

// Message is one ingested chat message. ChannelID and GuildID are empty for DMs.
type Message struct {
	ID            string
	ChatBotID     string
	ChatMessageID string
	AuthorID      string
	AuthorName    string
	ChannelID     string
	GuildID       string
	IsDM          bool
	Content       string
	Timestamp     time.Time
	DedupeKey     string
	CreatedAt     time.Time
}

// Delivery is one backend's claim ticket for a message.
type Delivery struct {
	ID             string
	MessageID      string
	BackendBotID   string
	State          DeliveryState
	DeliveredAt    *time.Time
	LeaseID        string
	LeaseExpiresAt *time.Time
	Attempts       int
	LastError      string
	CreatedAt      time.Time
}

// WebhookNudge is the single persisted outbox row per backend bot.
type WebhookNudge struct {
	ID            string
	BackendBotID  string
	ChatBotID     string
	LastDedupeKey string
	State         NudgeState
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
