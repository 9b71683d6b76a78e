// ABOUTME: YAML configuration loading and validation for the relay server
// ABOUTME: resolves _env secret indirections and aggregates every validation failure

package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root of the relay server configuration file.
type Config struct {
	Server      ServerConfig       `yaml:"server"`
	Storage     StorageConfig      `yaml:"storage"`
	Metrics     MetricsConfig      `yaml:"metrics"`
	DiscordBots []DiscordBotConfig `yaml:"discord_bots"`
	BackendBots []BackendBotConfig `yaml:"backend_bots"`
	Routing     RoutingConfig      `yaml:"routing"`
	Routes      []RouteConfig      `yaml:"routes"`
}

type ServerConfig struct {
	BindHost  string `yaml:"bind_host"`
	BindPort  int    `yaml:"bind_port"`
	BaseURL   string `yaml:"base_url"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// DiscordBotConfig describes one Discord gateway identity the relay ingests from.
type DiscordBotConfig struct {
	ID               string   `yaml:"id"`
	Name             string   `yaml:"name"`
	Token            string   `yaml:"token"`
	TokenEnv         string   `yaml:"token_env"`
	Enabled          bool     `yaml:"enabled"`
	AllowAllChannels bool     `yaml:"allow_all_channels"`
	ChannelAllowlist []string `yaml:"channel_allowlist"`
}

func (c *DiscordBotConfig) UnmarshalYAML(value *yaml.Node) error {
	type raw DiscordBotConfig
	out := raw{Enabled: true}
	if err := value.Decode(&out); err != nil {
		return err
	}
	*c = DiscordBotConfig(out)
	return nil
}

// BackendBotConfig describes one backend consumer: its API key and optional webhook.
type BackendBotConfig struct {
	ID        string         `yaml:"id"`
	Name      string         `yaml:"name"`
	APIKey    string         `yaml:"api_key"`
	APIKeyEnv string         `yaml:"api_key_env"`
	Enabled   bool           `yaml:"enabled"`
	Webhook   *WebhookConfig `yaml:"webhook"`
}

func (c *BackendBotConfig) UnmarshalYAML(value *yaml.Node) error {
	type raw BackendBotConfig
	out := raw{Enabled: true}
	if err := value.Decode(&out); err != nil {
		return err
	}
	*c = BackendBotConfig(out)
	return nil
}

// WebhookConfig controls the signed nudge POSTs sent to a backend.
type WebhookConfig struct {
	URL                   string    `yaml:"url"`
	Secret                string    `yaml:"secret"`
	SecretEnv             string    `yaml:"secret_env"`
	SendDebounceSeconds   float64   `yaml:"send_debounce_seconds"`
	RequestTimeoutSeconds float64   `yaml:"request_timeout_seconds"`
	MaxRetries            int       `yaml:"max_retries"`
	RetryBackoffSeconds   []float64 `yaml:"retry_backoff_seconds"`
}

func (c *WebhookConfig) UnmarshalYAML(value *yaml.Node) error {
	type raw WebhookConfig
	out := raw{
		SendDebounceSeconds:   0,
		RequestTimeoutSeconds: 3,
		MaxRetries:            5,
	}
	if err := value.Decode(&out); err != nil {
		return err
	}
	if out.RetryBackoffSeconds == nil {
		out.RetryBackoffSeconds = []float64{1, 2, 5, 10, 30}
	}
	*c = WebhookConfig(out)
	return nil
}

// RequestTimeout returns the per-POST timeout as a duration.
func (c *WebhookConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds * float64(time.Second))
}

// SendDebounce returns the debounce window as a duration.
func (c *WebhookConfig) SendDebounce() time.Duration {
	return time.Duration(c.SendDebounceSeconds * float64(time.Second))
}

// ResolvedSecret returns the shared HMAC secret, consulting the environment
// when secret_env is configured.
func (c *WebhookConfig) ResolvedSecret() (string, error) {
	if c.Secret != "" {
		return c.Secret, nil
	}
	if c.SecretEnv != "" {
		if v := os.Getenv(c.SecretEnv); v != "" {
			return v, nil
		}
		return "", fmt.Errorf("environment variable %s is not set", c.SecretEnv)
	}
	return "", fmt.Errorf("webhook secret is not configured")
}

type RoutingConfig struct {
	Mode       string            `yaml:"mode"`
	Precedence []string          `yaml:"precedence"`
	Defaults   map[string]string `yaml:"defaults"`
}

// RouteConfig binds one routing scope to a backend bot.
type RouteConfig struct {
	ChatBotID    string `yaml:"chat_bot_id"`
	ScopeType    string `yaml:"scope_type"`
	ScopeID      string `yaml:"scope_id"`
	BackendBotID string `yaml:"backend_bot_id"`
}

// ScopeTypes lists the recognized routing scope types in default precedence order.
var ScopeTypes = []string{"dm_user", "channel", "guild", "default"}

// ConfigError aggregates every validation problem found in a config file.
type ConfigError struct {
	Problems []string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration:\n  - %s", strings.Join(e.Problems, "\n  - "))
}

// Load reads, parses, validates, and resolves the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			BindHost:  "127.0.0.1",
			BindPort:  8099,
			LogLevel:  "info",
			LogFormat: "text",
		},
		Storage: StorageConfig{DatabasePath: "relay.db"},
		Metrics: MetricsConfig{Path: "/metrics"},
		Routing: RoutingConfig{Mode: "first_match"},
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if len(cfg.Routing.Precedence) == 0 {
		cfg.Routing.Precedence = append([]string{}, ScopeTypes...)
	}
	if cfg.Routing.Mode == "" {
		cfg.Routing.Mode = "first_match"
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// EnabledDiscordBots returns the Discord bots that should be started.
func (c *Config) EnabledDiscordBots() []DiscordBotConfig {
	var out []DiscordBotConfig
	for _, b := range c.DiscordBots {
		if b.Enabled {
			out = append(out, b)
		}
	}
	return out
}

// EnabledBackendBots returns the backend bots that may authenticate.
func (c *Config) EnabledBackendBots() []BackendBotConfig {
	var out []BackendBotConfig
	for _, b := range c.BackendBots {
		if b.Enabled {
			out = append(out, b)
		}
	}
	return out
}

// BackendBot looks up a backend bot by ID regardless of enabled state.
func (c *Config) BackendBot(id string) (BackendBotConfig, bool) {
	for _, b := range c.BackendBots {
		if b.ID == id {
			return b, true
		}
	}
	return BackendBotConfig{}, false
}

// validate checks the whole config and resolves _env indirections in place.
// Every problem is collected so the operator sees them all at once.
func (c *Config) validate() error {
	var problems []string
	addf := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Server.BindPort <= 0 || c.Server.BindPort > 65535 {
		addf("server.bind_port must be between 1 and 65535, got %d", c.Server.BindPort)
	}
	switch c.Server.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		addf("server.log_level must be one of debug, info, warn, error, got %q", c.Server.LogLevel)
	}
	switch c.Server.LogFormat {
	case "text", "json":
	default:
		addf("server.log_format must be text or json, got %q", c.Server.LogFormat)
	}
	if c.Storage.DatabasePath == "" {
		addf("storage.database_path must not be empty")
	}

	seenDiscord := make(map[string]bool)
	for i := range c.DiscordBots {
		bot := &c.DiscordBots[i]
		where := fmt.Sprintf("discord_bots[%d]", i)
		if bot.ID == "" {
			addf("%s: id must not be empty", where)
		} else if seenDiscord[bot.ID] {
			addf("%s: duplicate discord bot id %q", where, bot.ID)
		} else {
			seenDiscord[bot.ID] = true
			where = fmt.Sprintf("discord_bots[%s]", bot.ID)
		}
		if bot.Token == "" && bot.TokenEnv != "" {
			v := os.Getenv(bot.TokenEnv)
			if v == "" && bot.Enabled {
				addf("%s: environment variable %s (token_env) is not set", where, bot.TokenEnv)
			}
			bot.Token = v
		}
		if bot.Enabled && bot.Token == "" {
			addf("%s: token or token_env is required", where)
		}
	}

	seenBackend := make(map[string]bool)
	for i := range c.BackendBots {
		bot := &c.BackendBots[i]
		where := fmt.Sprintf("backend_bots[%d]", i)
		if bot.ID == "" {
			addf("%s: id must not be empty", where)
		} else if seenBackend[bot.ID] {
			addf("%s: duplicate backend bot id %q", where, bot.ID)
		} else {
			seenBackend[bot.ID] = true
			where = fmt.Sprintf("backend_bots[%s]", bot.ID)
		}
		if bot.APIKey == "" && bot.APIKeyEnv != "" {
			v := os.Getenv(bot.APIKeyEnv)
			if v == "" && bot.Enabled {
				addf("%s: environment variable %s (api_key_env) is not set", where, bot.APIKeyEnv)
			}
			bot.APIKey = v
		}
		if bot.Enabled && bot.APIKey == "" {
			addf("%s: api_key or api_key_env is required", where)
		}
		if bot.Enabled && bot.Webhook != nil {
			problems = append(problems, validateWebhook(where, bot.Webhook)...)
		}
	}

	problems = append(problems, c.validateRouting(seenDiscord, seenBackend)...)

	if len(problems) > 0 {
		return &ConfigError{Problems: problems}
	}
	return nil
}

func validateWebhook(where string, w *WebhookConfig) []string {
	var problems []string
	addf := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	u, err := url.Parse(w.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		addf("%s.webhook: url must be an http or https URL, got %q", where, w.URL)
	}
	if w.Secret == "" && w.SecretEnv == "" {
		addf("%s.webhook: secret or secret_env is required", where)
	}
	if w.Secret == "" && w.SecretEnv != "" && os.Getenv(w.SecretEnv) == "" {
		addf("%s.webhook: environment variable %s (secret_env) is not set", where, w.SecretEnv)
	}
	if w.SendDebounceSeconds < 0 {
		addf("%s.webhook: send_debounce_seconds must be >= 0", where)
	}
	if w.RequestTimeoutSeconds <= 0 {
		addf("%s.webhook: request_timeout_seconds must be > 0", where)
	}
	if w.MaxRetries < 0 {
		addf("%s.webhook: max_retries must be >= 0", where)
	}
	if len(w.RetryBackoffSeconds) == 0 {
		addf("%s.webhook: retry_backoff_seconds must not be empty", where)
	}
	for i, v := range w.RetryBackoffSeconds {
		if v <= 0 {
			addf("%s.webhook: retry_backoff_seconds[%d] must be > 0", where, i)
		}
	}
	return problems
}

func (c *Config) validateRouting(discordIDs, backendIDs map[string]bool) []string {
	var problems []string
	addf := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Routing.Mode != "first_match" {
		addf("routing.mode must be first_match, got %q", c.Routing.Mode)
	}
	valid := make(map[string]bool, len(ScopeTypes))
	for _, s := range ScopeTypes {
		valid[s] = true
	}
	seenScope := make(map[string]bool)
	for _, s := range c.Routing.Precedence {
		if !valid[s] {
			addf("routing.precedence: unknown scope type %q", s)
		} else if seenScope[s] {
			addf("routing.precedence: duplicate scope type %q", s)
		}
		seenScope[s] = true
	}
	for chatID, backendID := range c.Routing.Defaults {
		if !discordIDs[chatID] {
			addf("routing.defaults: unknown discord bot %q", chatID)
		}
		if !backendIDs[backendID] {
			addf("routing.defaults[%s]: unknown backend bot %q", chatID, backendID)
		}
	}
	for i, r := range c.Routes {
		where := fmt.Sprintf("routes[%d]", i)
		if !discordIDs[r.ChatBotID] {
			addf("%s: unknown discord bot %q", where, r.ChatBotID)
		}
		if !backendIDs[r.BackendBotID] {
			addf("%s: unknown backend bot %q", where, r.BackendBotID)
		}
		if !valid[r.ScopeType] {
			addf("%s: unknown scope type %q", where, r.ScopeType)
		}
		if r.ScopeType != "default" && r.ScopeID == "" {
			addf("%s: scope_id is required for scope type %q", where, r.ScopeType)
		}
	}
	return problems
}
