// ABOUTME: HTTP-level tests for the relay REST API
// ABOUTME: drives the chi router with a real store and a fake chat sender

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/discord-relay/internal/auth"
	"github.com/2389/discord-relay/internal/chat"
	"github.com/2389/discord-relay/internal/config"
	"github.com/2389/discord-relay/internal/queue"
	"github.com/2389/discord-relay/internal/store"
)

type fakeSender struct {
	lastBot  string
	lastDest chat.Destination
	result   chat.SendResult
	err      error
}

func (f *fakeSender) SendText(_ context.Context, chatBotID string, dest chat.Destination, content, replyToID string) (chat.SendResult, error) {
	f.lastBot = chatBotID
	f.lastDest = dest
	return f.result, f.err
}

type fixture struct {
	server *httptest.Server
	queue  *queue.Service
	sender *fakeSender
}

func setupAPI(t *testing.T) *fixture {
	t.Helper()
	cfg := &config.Config{
		Metrics: config.MetricsConfig{Enabled: true, Path: "/metrics"},
		DiscordBots: []config.DiscordBotConfig{
			{ID: "disc-main", Token: "tok", Enabled: true},
		},
		BackendBots: []config.BackendBotConfig{
			{ID: "backend-a", Name: "Backend A", APIKey: "key-a", Enabled: true},
		},
	}

	st, err := store.New(filepath.Join(t.TempDir(), "relay.db"), slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	q := queue.New(st, nil, nil, slog.Default())
	authn, err := auth.New(cfg)
	require.NoError(t, err)

	sender := &fakeSender{result: chat.SendResult{ChatMessageID: "sent-1", ChannelID: "chan-9"}}
	srv := httptest.NewServer(New(cfg, "/etc/relay/config.yaml", q, authn, sender, slog.Default()).Routes())
	t.Cleanup(srv.Close)
	return &fixture{server: srv, queue: q, sender: sender}
}

func (f *fixture) request(t *testing.T, method, path, apiKey string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.server.URL+path, &buf)
	require.NoError(t, err)
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (f *fixture) enqueue(t *testing.T, chatMessageID, channelID string) {
	t.Helper()
	_, err := f.queue.Enqueue(context.Background(), "backend-a", &store.Message{
		ChatBotID:     "disc-main",
		ChatMessageID: chatMessageID,
		AuthorID:      "user-1",
		AuthorName:    "alice",
		ChannelID:     channelID,
		Content:       "hi " + chatMessageID,
	})
	require.NoError(t, err)
}

func TestHealthIsOpen(t *testing.T) {
	f := setupAPI(t)
	resp := f.request(t, http.MethodGet, "/v1/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	health := decodeBody[HealthResponse](t, resp)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "/etc/relay/config.yaml", health.ConfigPath)
}

func TestMetricsIsOpen(t *testing.T) {
	f := setupAPI(t)
	resp := f.request(t, http.MethodGet, "/metrics", "", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestQueueEndpointsRequireAuth(t *testing.T) {
	f := setupAPI(t)
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/v1/messages/pending"},
		{http.MethodPost, "/v1/messages/lease"},
		{http.MethodPost, "/v1/messages/ack"},
		{http.MethodPost, "/v1/messages/nack"},
		{http.MethodPost, "/v1/messages/send"},
	} {
		resp := f.request(t, tc.method, tc.path, "", nil)
		errBody := decodeBody[ErrorResponse](t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, tc.path)
		assert.Equal(t, "Unauthorized", errBody.Detail)
	}
}

func TestLeaseAckRoundTrip(t *testing.T) {
	f := setupAPI(t)
	f.enqueue(t, "m1", "chan-1")
	f.enqueue(t, "m2", "chan-1")

	resp := f.request(t, http.MethodPost, "/v1/messages/lease", "key-a",
		LeaseMessagesRequest{Limit: 10, ConversationHistoryLimit: 5})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	lease := decodeBody[LeaseMessagesResponse](t, resp)
	require.Len(t, lease.Messages, 2)

	first := lease.Messages[0]
	assert.Equal(t, "m1", first.ChatMessage.ChatMessageID)
	assert.Equal(t, "disc-main", first.ChatBotID)
	assert.NotEmpty(t, first.LeaseID)
	require.NotNil(t, first.ChatMessage.Source.ChannelID)
	assert.Equal(t, "chan-1", *first.ChatMessage.Source.ChannelID)
	assert.Nil(t, first.ChatMessage.Source.GuildID)
	// History defaults on and includes the leased channel's backlog.
	assert.NotEmpty(t, lease.ConversationHistory)

	resp = f.request(t, http.MethodPost, "/v1/messages/ack", "key-a",
		AckRequest{DeliveryIDs: []string{first.DeliveryID}, LeaseID: first.LeaseID})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ack := decodeBody[AckResponse](t, resp)
	assert.EqualValues(t, 1, ack.AcknowledgedCount)

	// Acking again under the same lease matches nothing.
	resp = f.request(t, http.MethodPost, "/v1/messages/ack", "key-a",
		AckRequest{DeliveryIDs: []string{first.DeliveryID}, LeaseID: first.LeaseID})
	ack = decodeBody[AckResponse](t, resp)
	assert.Zero(t, ack.AcknowledgedCount)
}

func TestAckNackResponseKeys(t *testing.T) {
	f := setupAPI(t)
	f.enqueue(t, "m1", "chan-1")
	f.enqueue(t, "m2", "chan-1")

	lease := decodeBody[LeaseMessagesResponse](t,
		f.request(t, http.MethodPost, "/v1/messages/lease", "key-a", LeaseMessagesRequest{}))
	require.Len(t, lease.Messages, 2)
	leaseID := lease.Messages[0].LeaseID

	resp := f.request(t, http.MethodPost, "/v1/messages/ack", "key-a",
		AckRequest{DeliveryIDs: []string{lease.Messages[0].DeliveryID}, LeaseID: leaseID})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ackBody := decodeBody[map[string]any](t, resp)
	assert.Contains(t, ackBody, "acknowledged_count")
	assert.EqualValues(t, 1, ackBody["acknowledged_count"])

	resp = f.request(t, http.MethodPost, "/v1/messages/nack", "key-a",
		NackRequest{DeliveryIDs: []string{lease.Messages[1].DeliveryID}, LeaseID: leaseID})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	nackBody := decodeBody[map[string]any](t, resp)
	assert.Contains(t, nackBody, "nacked_count")
	assert.EqualValues(t, 1, nackBody["nacked_count"])
}

func TestNackEndpoint(t *testing.T) {
	f := setupAPI(t)
	f.enqueue(t, "m1", "chan-1")

	lease := decodeBody[LeaseMessagesResponse](t,
		f.request(t, http.MethodPost, "/v1/messages/lease", "key-a", LeaseMessagesRequest{}))
	require.Len(t, lease.Messages, 1)

	resp := f.request(t, http.MethodPost, "/v1/messages/nack", "key-a", NackRequest{
		DeliveryIDs: []string{lease.Messages[0].DeliveryID},
		LeaseID:     lease.Messages[0].LeaseID,
		Reason:      "backend restarting",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	nack := decodeBody[NackResponse](t, resp)
	assert.EqualValues(t, 1, nack.NackedCount)

	again := decodeBody[LeaseMessagesResponse](t,
		f.request(t, http.MethodPost, "/v1/messages/lease", "key-a", LeaseMessagesRequest{}))
	assert.Len(t, again.Messages, 1, "nacked delivery is leasable again")
}

func TestLeaseValidation(t *testing.T) {
	f := setupAPI(t)

	resp := f.request(t, http.MethodPost, "/v1/messages/lease", "key-a",
		LeaseMessagesRequest{LeaseSeconds: queue.MaxLeaseSeconds + 1})
	errBody := decodeBody[ErrorResponse](t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, errBody.Detail, "lease_seconds")

	// Oversized batch and history asks are rejected, not clamped.
	resp = f.request(t, http.MethodPost, "/v1/messages/lease", "key-a",
		LeaseMessagesRequest{Limit: 5000})
	errBody = decodeBody[ErrorResponse](t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, errBody.Detail, "limit")

	resp = f.request(t, http.MethodPost, "/v1/messages/lease", "key-a",
		LeaseMessagesRequest{ConversationHistoryLimit: queue.MaxHistoryLimit + 1})
	errBody = decodeBody[ErrorResponse](t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, errBody.Detail, "conversation_history_limit")

	resp = f.request(t, http.MethodPost, "/v1/messages/ack", "key-a", AckRequest{})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPendingLimitValidation(t *testing.T) {
	f := setupAPI(t)
	f.enqueue(t, "m1", "chan-1")

	for _, raw := range []string{"5000", "0", "-1", "5x", "abc"} {
		resp := f.request(t, http.MethodGet, "/v1/messages/pending?limit="+raw, "key-a", nil)
		errBody := decodeBody[ErrorResponse](t, resp)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "limit=%s", raw)
		assert.Contains(t, errBody.Detail, "limit", "limit=%s", raw)
	}

	// A well-formed limit still works.
	resp := f.request(t, http.MethodGet, "/v1/messages/pending?limit=5", "key-a", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	pending := decodeBody[PendingMessagesResponse](t, resp)
	assert.Len(t, pending.Messages, 1)
}

func TestPendingEndpoint(t *testing.T) {
	f := setupAPI(t)
	f.enqueue(t, "m1", "chan-1")

	resp := f.request(t, http.MethodGet, "/v1/messages/pending", "key-a", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	pending := decodeBody[PendingMessagesResponse](t, resp)
	require.Len(t, pending.Messages, 1)
	assert.Equal(t, "m1", pending.Messages[0].ChatMessage.ChatMessageID)

	// Fetch-and-forget: the delivery is gone on the next call.
	pending = decodeBody[PendingMessagesResponse](t,
		f.request(t, http.MethodGet, "/v1/messages/pending", "key-a", nil))
	assert.Empty(t, pending.Messages)
}

func TestSendMessage(t *testing.T) {
	f := setupAPI(t)

	resp := f.request(t, http.MethodPost, "/v1/messages/send", "key-a", SendMessageRequest{
		ChatBotID:   "disc-main",
		Destination: chat.Destination{Type: "channel", ChannelID: "chan-9"},
		Content:     "hello",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sent := decodeBody[SendMessageResponse](t, resp)
	assert.Equal(t, "sent-1", sent.ChatMessageID)
	require.NotNil(t, sent.ChannelID)
	assert.Equal(t, "chan-9", *sent.ChannelID)
	assert.Equal(t, "disc-main", f.sender.lastBot)

	// Unknown bot.
	resp = f.request(t, http.MethodPost, "/v1/messages/send", "key-a", SendMessageRequest{
		ChatBotID:   "ghost",
		Destination: chat.Destination{Type: "channel", ChannelID: "chan-9"},
		Content:     "hello",
	})
	errBody := decodeBody[ErrorResponse](t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, errBody.Detail, "ghost")

	// Bad destination.
	resp = f.request(t, http.MethodPost, "/v1/messages/send", "key-a", SendMessageRequest{
		ChatBotID:   "disc-main",
		Destination: chat.Destination{Type: "dm"},
		Content:     "hello",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Empty content.
	resp = f.request(t, http.MethodPost, "/v1/messages/send", "key-a", SendMessageRequest{
		ChatBotID:   "disc-main",
		Destination: chat.Destination{Type: "dm", UserID: "u1"},
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
