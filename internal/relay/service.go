// ABOUTME: Relay service orchestration: wires store, queue, webhooks, Discord, and HTTP
// ABOUTME: runs the lease reaper and handles graceful shutdown

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/discord-relay/internal/api"
	"github.com/2389/discord-relay/internal/auth"
	"github.com/2389/discord-relay/internal/chat"
	"github.com/2389/discord-relay/internal/config"
	"github.com/2389/discord-relay/internal/discord"
	"github.com/2389/discord-relay/internal/queue"
	"github.com/2389/discord-relay/internal/routing"
	"github.com/2389/discord-relay/internal/store"
	"github.com/2389/discord-relay/internal/webhook"
)

const (
	reapInterval    = 60 * time.Second
	shutdownTimeout = 10 * time.Second
)

// Options tweaks which adapters the service runs. The zero value runs everything.
type Options struct {
	// DisableDiscord skips the Discord sessions; the API still serves.
	DisableDiscord bool
}

// Service is the assembled relay server.
type Service struct {
	cfg        *config.Config
	configPath string
	store      *store.Store
	queue      *queue.Service
	dispatcher *webhook.Dispatcher
	discord    *discord.Manager
	httpServer *http.Server
	logger     *slog.Logger
}

// New wires every component from config. Nothing starts until Run.
func New(cfg *config.Config, configPath string, opts Options, logger *slog.Logger) (*Service, error) {
	st, err := store.New(cfg.Storage.DatabasePath, logger)
	if err != nil {
		return nil, err
	}

	table, err := routing.New(cfg)
	if err != nil {
		st.Close()
		return nil, err
	}
	authn, err := auth.New(cfg)
	if err != nil {
		st.Close()
		return nil, err
	}

	scheduler := webhook.NewScheduler(st, logger)
	debounce := make(map[string]time.Duration)
	for _, bot := range cfg.EnabledBackendBots() {
		if bot.Webhook != nil {
			debounce[bot.ID] = bot.Webhook.SendDebounce()
		}
	}
	q := queue.New(st, scheduler, debounce, logger)
	dispatcher := webhook.NewDispatcher(st, cfg, logger)

	var manager *discord.Manager
	var sender chat.Sender
	if !opts.DisableDiscord {
		manager, err = discord.NewManager(cfg, table, q, logger)
		if err != nil {
			st.Close()
			return nil, err
		}
		sender = manager
	}

	apiServer := api.New(cfg, configPath, q, authn, sender, logger)
	addr := net.JoinHostPort(cfg.Server.BindHost, strconv.Itoa(cfg.Server.BindPort))

	logger.Info("relay configured",
		"addr", addr,
		"routing", table.Describe(),
		"discord_bots", len(cfg.EnabledDiscordBots()),
		"backend_bots", len(cfg.EnabledBackendBots()))

	return &Service{
		cfg:        cfg,
		configPath: configPath,
		store:      st,
		queue:      q,
		dispatcher: dispatcher,
		discord:    manager,
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      apiServer.Routes(),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		logger: logger.With("component", "relay"),
	}, nil
}

// Run starts every adapter and blocks until ctx is canceled or a component
// fails. The store is closed on the way out.
func (s *Service) Run(ctx context.Context) error {
	defer s.store.Close()

	if s.discord != nil && s.discord.HasBots() {
		if err := s.discord.Start(ctx); err != nil {
			return err
		}
		defer s.discord.Stop()
	}
	if s.dispatcher.HasWebhooks() {
		s.dispatcher.Start(ctx)
		defer s.dispatcher.Stop()
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("http server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		ticker := time.NewTicker(reapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if _, err := s.queue.ReapExpiredLeases(gctx); err != nil {
					s.logger.Error("lease reaper cycle failed", "error", err)
				}
			}
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	err := g.Wait()
	s.logger.Info("relay stopped")
	return err
}
