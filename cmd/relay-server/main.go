// ABOUTME: Entry point for the relay server binary
// ABOUTME: subcommands: serve (default), init, health

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/2389/discord-relay/internal/client"
	"github.com/2389/discord-relay/internal/config"
	"github.com/2389/discord-relay/internal/relay"
)

const defaultConfigPath = "config.yaml"

func main() {
	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 {
		cmd = args[0]
		args = args[1:]
	}

	var err error
	switch cmd {
	case "serve":
		err = runServe(args)
	case "init":
		err = runInit(args)
	case "health":
		err = runHealth(args)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Print(`relay-server - Discord to backend relay

Usage:
  relay-server serve  [config.yaml]   run the relay (default command)
  relay-server init   [config.yaml]   write a starter config file
  relay-server health [config.yaml]   check a running relay's health endpoint

The config path may also be set with RELAY_CONFIG.
`)
}

func configPath(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	if env := os.Getenv("RELAY_CONFIG"); env != "" {
		return env
	}
	return defaultConfigPath
}

func runServe(args []string) error {
	path := configPath(args)
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Server.LogLevel, cfg.Server.LogFormat)
	printBanner(cfg, path)

	svc, err := relay.New(cfg, path, relay.Options{}, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return svc.Run(ctx)
}

func runInit(args []string) error {
	path := configPath(args)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists; refusing to overwrite", path)
	}
	if err := os.WriteFile(path, []byte(starterConfig), 0o600); err != nil {
		return fmt.Errorf("writing starter config: %w", err)
	}
	fmt.Printf("Wrote starter config to %s\n", path)
	fmt.Println("Fill in your Discord token and backend API key, then run: relay-server serve " + path)
	return nil
}

func runHealth(args []string) error {
	path := configPath(args)
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	baseURL := cfg.Server.BaseURL
	if baseURL == "" {
		baseURL = fmt.Sprintf("http://%s:%d", cfg.Server.BindHost, cfg.Server.BindPort)
	}
	health, err := client.New(baseURL, "").Health(context.Background())
	if err != nil {
		return fmt.Errorf("health check against %s: %w", baseURL, err)
	}
	fmt.Printf("status=%s config=%s\n", health.Status, health.ConfigPath)
	return nil
}

const starterConfig = `server:
  bind_host: 127.0.0.1
  bind_port: 8099
  log_level: info
  log_format: text

storage:
  database_path: relay.db

metrics:
  enabled: false
  path: /metrics

discord_bots:
  - id: disc-main
    name: Main Bot
    token_env: DISCORD_BOT_TOKEN
    channel_allowlist: []

backend_bots:
  - id: backend-main
    name: Main Backend
    api_key_env: RELAY_BACKEND_API_KEY
    webhook:
      url: http://localhost:9000/nudge
      secret_env: RELAY_WEBHOOK_SECRET
      send_debounce_seconds: 2
      request_timeout_seconds: 3
      max_retries: 5
      retry_backoff_seconds: [1, 2, 5, 10, 30]

routing:
  mode: first_match
  precedence: [dm_user, channel, guild, default]
  defaults:
    disc-main: backend-main

routes: []
`
