// ABOUTME: REST client for the relay API, used by relayctl
// ABOUTME: typed requests/responses plus APIError carrying the server's detail string

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// APIError is a non-2xx response from the relay.
type APIError struct {
	Status int
	Detail string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("relay API error %d: %s", e.Status, e.Detail)
}

// Client talks to one relay server on behalf of one backend bot.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	requestID  string
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient swaps the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRequestID attaches a fixed X-Request-ID header to every call.
func WithRequestID(id string) Option {
	return func(c *Client) { c.requestID = id }
}

// New creates a client for baseURL authenticating with apiKey.
func New(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// MessageSource mirrors the server's source block.
type MessageSource struct {
	IsDM       bool    `json:"is_dm"`
	GuildID    *string `json:"guild_id"`
	ChannelID  *string `json:"channel_id"`
	AuthorID   string  `json:"author_id"`
	AuthorName string  `json:"author_name"`
}

type ChatMessage struct {
	ChatMessageID string        `json:"chat_message_id"`
	ChatBotID     string        `json:"chat_bot_id"`
	Timestamp     time.Time     `json:"timestamp"`
	Content       string        `json:"content"`
	Source        MessageSource `json:"source"`
}

type PendingMessage struct {
	DeliveryID  string      `json:"delivery_id"`
	ChatBotID   string      `json:"chat_bot_id"`
	ChatMessage ChatMessage `json:"chat_message"`
}

type PendingMessagesResponse struct {
	Messages []PendingMessage `json:"messages"`
}

type LeaseRequest struct {
	Limit                      int   `json:"limit,omitempty"`
	LeaseSeconds               int   `json:"lease_seconds,omitempty"`
	IncludeConversationHistory *bool `json:"include_conversation_history,omitempty"`
	ConversationHistoryLimit   int   `json:"conversation_history_limit,omitempty"`
}

type LeasedMessage struct {
	DeliveryID     string      `json:"delivery_id"`
	LeaseID        string      `json:"lease_id"`
	LeaseExpiresAt time.Time   `json:"lease_expires_at"`
	ChatBotID      string      `json:"chat_bot_id"`
	ChatMessage    ChatMessage `json:"chat_message"`
}

type LeaseResponse struct {
	Messages            []LeasedMessage `json:"messages"`
	ConversationHistory []ChatMessage   `json:"conversation_history,omitempty"`
}

type AckResponse struct {
	AcknowledgedCount int64 `json:"acknowledged_count"`
}

type NackResponse struct {
	NackedCount int64 `json:"nacked_count"`
}

// Destination addresses an outbound send.
type Destination struct {
	Type      string `json:"type"`
	UserID    string `json:"user_id,omitempty"`
	ChannelID string `json:"channel_id,omitempty"`
}

type SendRequest struct {
	ChatBotID            string      `json:"chat_bot_id"`
	Destination          Destination `json:"destination"`
	Content              string      `json:"content"`
	ReplyToChatMessageID string      `json:"reply_to_chat_message_id,omitempty"`
}

type SendResponse struct {
	ChatMessageID string  `json:"chat_message_id"`
	ChannelID     *string `json:"channel_id"`
}

type HealthResponse struct {
	Status     string `json:"status"`
	ConfigPath string `json:"config_path"`
}

// Pending fetches up to limit messages on the legacy fetch-and-forget path.
func (c *Client) Pending(ctx context.Context, limit int) (*PendingMessagesResponse, error) {
	path := "/v1/messages/pending"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out PendingMessagesResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Lease claims pending messages under a new lease.
func (c *Client) Lease(ctx context.Context, req LeaseRequest) (*LeaseResponse, error) {
	var out LeaseResponse
	if err := c.do(ctx, http.MethodPost, "/v1/messages/lease", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Ack acknowledges leased deliveries.
func (c *Client) Ack(ctx context.Context, deliveryIDs []string, leaseID string) (*AckResponse, error) {
	body := map[string]any{"delivery_ids": deliveryIDs, "lease_id": leaseID}
	var out AckResponse
	if err := c.do(ctx, http.MethodPost, "/v1/messages/ack", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Nack returns leased deliveries to the queue.
func (c *Client) Nack(ctx context.Context, deliveryIDs []string, leaseID, reason string) (*NackResponse, error) {
	body := map[string]any{"delivery_ids": deliveryIDs, "lease_id": leaseID}
	if reason != "" {
		body["reason"] = reason
	}
	var out NackResponse
	if err := c.do(ctx, http.MethodPost, "/v1/messages/nack", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Send posts an outbound message through a chat bot.
func (c *Client) Send(ctx context.Context, req SendRequest) (*SendResponse, error) {
	var out SendResponse
	if err := c.do(ctx, http.MethodPost, "/v1/messages/send", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health checks the unauthenticated health endpoint.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var out HealthResponse
	if err := c.do(ctx, http.MethodGet, "/v1/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reqBody = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if c.requestID != "" {
		req.Header.Set("X-Request-ID", c.requestID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling relay: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Status: resp.StatusCode, Detail: extractDetail(resp.Body)}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

// extractDetail pulls the server's {"detail": ...} message, falling back to
// the raw body.
func extractDetail(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(raw) == 0 {
		return "(no response body)"
	}
	var body struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Detail != "" {
		return body.Detail
	}
	return strings.TrimSpace(string(raw))
}
