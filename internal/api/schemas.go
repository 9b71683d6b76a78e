// ABOUTME: Request and response bodies for the relay REST API
// ABOUTME: converts between store records and the wire shapes backends consume

package api

import (
	"time"

	"github.com/2389/discord-relay/internal/chat"
	"github.com/2389/discord-relay/internal/queue"
	"github.com/2389/discord-relay/internal/store"
)

// MessageSource describes where a chat message came from.
type MessageSource struct {
	IsDM       bool    `json:"is_dm"`
	GuildID    *string `json:"guild_id"`
	ChannelID  *string `json:"channel_id"`
	AuthorID   string  `json:"author_id"`
	AuthorName string  `json:"author_name"`
}

// ChatMessagePayload is one ingested message on the wire.
type ChatMessagePayload struct {
	ChatMessageID string        `json:"chat_message_id"`
	ChatBotID     string        `json:"chat_bot_id"`
	Timestamp     time.Time     `json:"timestamp"`
	Content       string        `json:"content"`
	Source        MessageSource `json:"source"`
}

// PendingMessage is the legacy fetch-and-forget response item.
type PendingMessage struct {
	DeliveryID  string             `json:"delivery_id"`
	ChatBotID   string             `json:"chat_bot_id"`
	ChatMessage ChatMessagePayload `json:"chat_message"`
}

type PendingMessagesResponse struct {
	Messages []PendingMessage `json:"messages"`
}

// LeaseMessagesRequest bounds one lease claim. Zero values take server defaults.
type LeaseMessagesRequest struct {
	Limit                      int   `json:"limit"`
	LeaseSeconds               int   `json:"lease_seconds"`
	IncludeConversationHistory *bool `json:"include_conversation_history"`
	ConversationHistoryLimit   int   `json:"conversation_history_limit"`
}

// LeasedMessage is one delivery handed out under a lease.
type LeasedMessage struct {
	DeliveryID     string             `json:"delivery_id"`
	LeaseID        string             `json:"lease_id"`
	LeaseExpiresAt time.Time          `json:"lease_expires_at"`
	ChatBotID      string             `json:"chat_bot_id"`
	ChatMessage    ChatMessagePayload `json:"chat_message"`
}

type LeaseMessagesResponse struct {
	Messages            []LeasedMessage      `json:"messages"`
	ConversationHistory []ChatMessagePayload `json:"conversation_history,omitempty"`
}

type AckRequest struct {
	DeliveryIDs []string `json:"delivery_ids"`
	LeaseID     string   `json:"lease_id"`
}

type AckResponse struct {
	AcknowledgedCount int64 `json:"acknowledged_count"`
}

type NackRequest struct {
	DeliveryIDs []string `json:"delivery_ids"`
	LeaseID     string   `json:"lease_id"`
	Reason      string   `json:"reason,omitempty"`
}

type NackResponse struct {
	NackedCount int64 `json:"nacked_count"`
}

type SendMessageRequest struct {
	ChatBotID            string           `json:"chat_bot_id"`
	Destination          chat.Destination `json:"destination"`
	Content              string           `json:"content"`
	ReplyToChatMessageID string           `json:"reply_to_chat_message_id,omitempty"`
}

type SendMessageResponse struct {
	ChatMessageID string  `json:"chat_message_id"`
	ChannelID     *string `json:"channel_id"`
}

type HealthResponse struct {
	Status     string `json:"status"`
	ConfigPath string `json:"config_path"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Detail string `json:"detail"`
}

func toPayload(m *store.Message) ChatMessagePayload {
	return ChatMessagePayload{
		ChatMessageID: m.ChatMessageID,
		ChatBotID:     m.ChatBotID,
		Timestamp:     m.Timestamp,
		Content:       m.Content,
		Source: MessageSource{
			IsDM:       m.IsDM,
			GuildID:    optional(m.GuildID),
			ChannelID:  optional(m.ChannelID),
			AuthorID:   m.AuthorID,
			AuthorName: m.AuthorName,
		},
	}
}

func toPendingMessage(r queue.DeliveryRecord) PendingMessage {
	return PendingMessage{
		DeliveryID:  r.DeliveryID,
		ChatBotID:   r.Message.ChatBotID,
		ChatMessage: toPayload(r.Message),
	}
}

func toLeasedMessage(r queue.LeasedDeliveryRecord) LeasedMessage {
	return LeasedMessage{
		DeliveryID:     r.DeliveryID,
		LeaseID:        r.LeaseID,
		LeaseExpiresAt: r.LeaseExpiresAt,
		ChatBotID:      r.Message.ChatBotID,
		ChatMessage:    toPayload(r.Message),
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
