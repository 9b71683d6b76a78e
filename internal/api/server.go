// ABOUTME: REST API handlers and chi router wiring for the relay
// ABOUTME: bearer-authenticated queue operations plus health, metrics, and outbound send

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/discord-relay/internal/auth"
	"github.com/2389/discord-relay/internal/chat"
	"github.com/2389/discord-relay/internal/config"
	"github.com/2389/discord-relay/internal/queue"
)

// Server holds the HTTP handlers for the relay REST surface.
type Server struct {
	queue      *queue.Service
	authn      *auth.Authenticator
	sender     chat.Sender
	chatBots   map[string]config.DiscordBotConfig
	metrics    config.MetricsConfig
	configPath string
	logger     *slog.Logger
}

// New builds the API server. sender may be nil when the Discord adapter is
// not running; sends then fail with 503.
func New(cfg *config.Config, configPath string, q *queue.Service, authn *auth.Authenticator, sender chat.Sender, logger *slog.Logger) *Server {
	chatBots := make(map[string]config.DiscordBotConfig)
	for _, bot := range cfg.EnabledDiscordBots() {
		chatBots[bot.ID] = bot
	}
	return &Server{
		queue:      q,
		authn:      authn,
		sender:     sender,
		chatBots:   chatBots,
		metrics:    cfg.Metrics,
		configPath: configPath,
		logger:     logger.With("component", "api"),
	}
}

// Routes assembles the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/v1/health", s.handleHealth)
	if s.metrics.Enabled {
		r.Handle(s.metrics.Path, promhttp.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(s.authn.Middleware)
		// Deprecated: fetch-and-forget predates leases; kept for old backends.
		r.Get("/v1/messages/pending", s.handlePending)
		r.Post("/v1/messages/lease", s.handleLease)
		r.Post("/v1/messages/ack", s.handleAck)
		r.Post("/v1/messages/nack", s.handleNack)
		r.Post("/v1/messages/send", s.handleSend)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", ConfigPath: s.configPath})
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.FromContext(r.Context())
	if !ok {
		sendJSONError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	limit := queue.DefaultLeaseLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > queue.MaxLeaseLimit {
			sendJSONError(w, http.StatusBadRequest,
				fmt.Sprintf("limit must be an integer between 1 and %d", queue.MaxLeaseLimit))
			return
		}
		limit = n
	}

	records, err := s.queue.FetchAndMarkDelivered(r.Context(), identity.ID, limit)
	if err != nil {
		s.logger.Error("fetching pending messages", "backend_bot_id", identity.ID, "error", err)
		sendJSONError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	resp := PendingMessagesResponse{Messages: []PendingMessage{}}
	for _, rec := range records {
		resp.Messages = append(resp.Messages, toPendingMessage(rec))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLease(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.FromContext(r.Context())
	if !ok {
		sendJSONError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	var req LeaseMessagesRequest
	if err := decodeJSON(r, &req); err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Limit < 0 || req.LeaseSeconds < 0 || req.ConversationHistoryLimit < 0 {
		sendJSONError(w, http.StatusBadRequest, "limit, lease_seconds, and conversation_history_limit must be positive")
		return
	}
	if req.Limit > queue.MaxLeaseLimit {
		sendJSONError(w, http.StatusBadRequest, fmt.Sprintf("limit must be at most %d", queue.MaxLeaseLimit))
		return
	}
	if req.LeaseSeconds > queue.MaxLeaseSeconds {
		sendJSONError(w, http.StatusBadRequest, fmt.Sprintf("lease_seconds must be at most %d", queue.MaxLeaseSeconds))
		return
	}
	if req.ConversationHistoryLimit > queue.MaxHistoryLimit {
		sendJSONError(w, http.StatusBadRequest, fmt.Sprintf("conversation_history_limit must be at most %d", queue.MaxHistoryLimit))
		return
	}

	includeHistory := true
	if req.IncludeConversationHistory != nil {
		includeHistory = *req.IncludeConversationHistory
	}

	leased, history, err := s.queue.Lease(r.Context(), identity.ID, queue.LeaseParams{
		Limit:          req.Limit,
		LeaseSeconds:   req.LeaseSeconds,
		IncludeHistory: includeHistory,
		HistoryLimit:   req.ConversationHistoryLimit,
	})
	if err != nil {
		s.logger.Error("leasing messages", "backend_bot_id", identity.ID, "error", err)
		sendJSONError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	resp := LeaseMessagesResponse{Messages: []LeasedMessage{}}
	for _, rec := range leased {
		resp.Messages = append(resp.Messages, toLeasedMessage(rec))
	}
	for _, m := range history {
		resp.ConversationHistory = append(resp.ConversationHistory, toPayload(m))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.FromContext(r.Context())
	if !ok {
		sendJSONError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	var req AckRequest
	if err := decodeJSON(r, &req); err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.DeliveryIDs) == 0 || req.LeaseID == "" {
		sendJSONError(w, http.StatusBadRequest, "delivery_ids and lease_id are required")
		return
	}

	n, err := s.queue.Ack(r.Context(), identity.ID, req.DeliveryIDs, req.LeaseID)
	if err != nil {
		s.logger.Error("acking messages", "backend_bot_id", identity.ID, "error", err)
		sendJSONError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, AckResponse{AcknowledgedCount: n})
}

func (s *Server) handleNack(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.FromContext(r.Context())
	if !ok {
		sendJSONError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	var req NackRequest
	if err := decodeJSON(r, &req); err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.DeliveryIDs) == 0 || req.LeaseID == "" {
		sendJSONError(w, http.StatusBadRequest, "delivery_ids and lease_id are required")
		return
	}

	n, err := s.queue.Nack(r.Context(), identity.ID, req.DeliveryIDs, req.LeaseID, req.Reason)
	if err != nil {
		s.logger.Error("nacking messages", "backend_bot_id", identity.ID, "error", err)
		sendJSONError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, NackResponse{NackedCount: n})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.FromContext(r.Context())
	if !ok {
		sendJSONError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	var req SendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Content == "" {
		sendJSONError(w, http.StatusBadRequest, "content must not be empty")
		return
	}
	if err := req.Destination.Validate(); err != nil {
		sendJSONError(w, http.StatusBadRequest, "destination must be a dm with user_id or a channel with channel_id")
		return
	}
	if _, ok := s.chatBots[req.ChatBotID]; !ok {
		sendJSONError(w, http.StatusNotFound, fmt.Sprintf("Chat bot '%s' not found or not enabled", req.ChatBotID))
		return
	}
	if s.sender == nil {
		sendJSONError(w, http.StatusServiceUnavailable, "Chat sending is not available")
		return
	}

	result, err := s.sender.SendText(r.Context(), req.ChatBotID, req.Destination, req.Content, req.ReplyToChatMessageID)
	switch {
	case errors.Is(err, chat.ErrUnknownBot):
		sendJSONError(w, http.StatusNotFound, fmt.Sprintf("Chat bot '%s' not found or not enabled", req.ChatBotID))
		return
	case errors.Is(err, chat.ErrInvalidDestination):
		sendJSONError(w, http.StatusBadRequest, "destination must be a dm with user_id or a channel with channel_id")
		return
	case err != nil:
		s.logger.Error("sending message", "backend_bot_id", identity.ID, "chat_bot_id", req.ChatBotID, "error", err)
		sendJSONError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	s.logger.Info("message sent",
		"backend_bot_id", identity.ID,
		"chat_bot_id", req.ChatBotID,
		"destination", req.Destination.Type)
	writeJSON(w, http.StatusOK, SendMessageResponse{
		ChatMessageID: result.ChatMessageID,
		ChannelID:     optional(result.ChannelID),
	})
}

// decodeJSON parses the request body into dst. An empty body is fine; every
// request struct has usable zero values.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func sendJSONError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, ErrorResponse{Detail: detail})
}
