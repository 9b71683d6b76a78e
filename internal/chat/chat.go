// ABOUTME: Outbound chat sending contract shared by the API server and the Discord adapter
// ABOUTME: keeps the HTTP layer free of any Discord-specific types

package chat

import (
	"context"
	"errors"
)

var (
	// ErrUnknownBot means the chat bot ID is not configured or not running.
	ErrUnknownBot = errors.New("unknown chat bot")
	// ErrInvalidDestination means the destination shape is unusable.
	ErrInvalidDestination = errors.New("invalid destination")
)

// Destination addresses an outbound message: a DM to a user or a channel post.
type Destination struct {
	Type      string `json:"type"`
	UserID    string `json:"user_id,omitempty"`
	ChannelID string `json:"channel_id,omitempty"`
}

// Validate checks the destination shape before any network work.
func (d Destination) Validate() error {
	switch d.Type {
	case "dm":
		if d.UserID == "" {
			return ErrInvalidDestination
		}
	case "channel":
		if d.ChannelID == "" {
			return ErrInvalidDestination
		}
	default:
		return ErrInvalidDestination
	}
	return nil
}

// SendResult reports where an outbound message landed.
type SendResult struct {
	ChatMessageID string
	ChannelID     string
}

// Sender delivers outbound messages on behalf of a chat bot.
type Sender interface {
	SendText(ctx context.Context, chatBotID string, dest Destination, content, replyToID string) (SendResult, error)
}
