// ABOUTME: Discord gateway adapter: one session per enabled bot, ingress plus outbound send
// ABOUTME: routes inbound messages to backends and enqueues them with dedupe keys

package discord

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/2389/discord-relay/internal/chat"
	"github.com/2389/discord-relay/internal/config"
	"github.com/2389/discord-relay/internal/dedupe"
	"github.com/2389/discord-relay/internal/queue"
	"github.com/2389/discord-relay/internal/routing"
	"github.com/2389/discord-relay/internal/store"
)

const (
	seenCacheTTL  = 10 * time.Minute
	seenCacheSize = 4096
)

type botSession struct {
	cfg     config.DiscordBotConfig
	session *discordgo.Session
	allowed map[string]struct{}
}

// Manager owns the Discord sessions for every enabled bot. It implements
// chat.Sender for the API's outbound path.
type Manager struct {
	bots    map[string]*botSession
	routing *routing.Table
	queue   *queue.Service
	seen    *dedupe.Cache
	logger  *slog.Logger
}

// NewManager builds sessions for every enabled Discord bot without opening them.
func NewManager(cfg *config.Config, table *routing.Table, q *queue.Service, logger *slog.Logger) (*Manager, error) {
	m := &Manager{
		bots:    make(map[string]*botSession),
		routing: table,
		queue:   q,
		seen:    dedupe.New(seenCacheTTL, seenCacheSize),
		logger:  logger.With("component", "discord"),
	}
	for _, botCfg := range cfg.EnabledDiscordBots() {
		session, err := discordgo.New("Bot " + botCfg.Token)
		if err != nil {
			return nil, fmt.Errorf("creating discord session for %s: %w", botCfg.ID, err)
		}
		session.Identify.Intents = discordgo.IntentsGuildMessages |
			discordgo.IntentsDirectMessages |
			discordgo.IntentMessageContent

		bs := &botSession{
			cfg:     botCfg,
			session: session,
			allowed: make(map[string]struct{}, len(botCfg.ChannelAllowlist)),
		}
		for _, ch := range botCfg.ChannelAllowlist {
			bs.allowed[ch] = struct{}{}
		}
		session.AddHandler(func(s *discordgo.Session, mc *discordgo.MessageCreate) {
			m.handleMessage(bs, s, mc)
		})
		m.bots[botCfg.ID] = bs
	}
	return m, nil
}

// Start opens every session. Fails fast on the first bot that can't connect.
func (m *Manager) Start(ctx context.Context) error {
	for id, bs := range m.bots {
		if err := bs.session.Open(); err != nil {
			return fmt.Errorf("opening discord session for %s: %w", id, err)
		}
		m.logger.Info("discord bot connected", "chat_bot_id", id)
	}
	return nil
}

// Stop closes every session.
func (m *Manager) Stop() {
	for id, bs := range m.bots {
		if err := bs.session.Close(); err != nil {
			m.logger.Error("closing discord session", "chat_bot_id", id, "error", err)
		}
	}
}

// HasBots reports whether any bot is configured to run.
func (m *Manager) HasBots() bool {
	return len(m.bots) > 0
}

func (m *Manager) handleMessage(bs *botSession, s *discordgo.Session, mc *discordgo.MessageCreate) {
	if mc.Author == nil || mc.Author.Bot {
		return
	}
	if s.State != nil && s.State.User != nil && mc.Author.ID == s.State.User.ID {
		return
	}

	isDM := mc.GuildID == ""
	if !isDM {
		if _, ok := bs.allowed[mc.ChannelID]; !ok {
			// Not ingesting from this channel. DMs always pass.
			return
		}
	}

	dedupeKey := bs.cfg.ID + ":" + mc.ID
	if m.seen.CheckAndMark(dedupeKey) {
		return
	}

	backendID, ok := m.routing.Resolve(routing.Context{
		ChatBotID: bs.cfg.ID,
		AuthorID:  mc.Author.ID,
		ChannelID: mc.ChannelID,
		GuildID:   mc.GuildID,
		IsDM:      isDM,
	})
	if !ok {
		m.logger.Debug("no route for message",
			"chat_bot_id", bs.cfg.ID,
			"author_id", mc.Author.ID,
			"channel_id", mc.ChannelID)
		return
	}

	timestamp := mc.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now().UTC()
	}
	msg := &store.Message{
		ChatBotID:     bs.cfg.ID,
		ChatMessageID: mc.ID,
		AuthorID:      mc.Author.ID,
		AuthorName:    mc.Author.Username,
		ChannelID:     mc.ChannelID,
		GuildID:       mc.GuildID,
		IsDM:          isDM,
		Content:       mc.Content,
		Timestamp:     timestamp,
		DedupeKey:     dedupeKey,
	}
	if _, err := m.queue.Enqueue(context.Background(), backendID, msg); err != nil {
		m.logger.Error("enqueueing discord message",
			"chat_bot_id", bs.cfg.ID,
			"backend_bot_id", backendID,
			"error", err)
	}
}

// SendText delivers an outbound message through the named bot's session.
func (m *Manager) SendText(ctx context.Context, chatBotID string, dest chat.Destination, content, replyToID string) (chat.SendResult, error) {
	bs, ok := m.bots[chatBotID]
	if !ok {
		return chat.SendResult{}, chat.ErrUnknownBot
	}
	if err := dest.Validate(); err != nil {
		return chat.SendResult{}, err
	}

	channelID := dest.ChannelID
	if dest.Type == "dm" {
		ch, err := bs.session.UserChannelCreate(dest.UserID, discordgo.WithContext(ctx))
		if err != nil {
			return chat.SendResult{}, fmt.Errorf("opening DM channel to %s: %w", dest.UserID, err)
		}
		channelID = ch.ID
	}

	send := &discordgo.MessageSend{Content: content}
	if replyToID != "" {
		send.Reference = &discordgo.MessageReference{
			MessageID: replyToID,
			ChannelID: channelID,
		}
	}

	sent, err := bs.session.ChannelMessageSendComplex(channelID, send, discordgo.WithContext(ctx))
	if err != nil {
		return chat.SendResult{}, fmt.Errorf("sending discord message: %w", err)
	}
	return chat.SendResult{ChatMessageID: sent.ID, ChannelID: sent.ChannelID}, nil
}
