// ABOUTME: Tests for config loading, defaulting, env resolution, and validation
// ABOUTME: exercises the aggregated ConfigError across sections

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const validConfig = `
server:
  bind_host: 0.0.0.0
  bind_port: 9000
discord_bots:
  - id: disc-main
    name: Main
    token: token-abc
    channel_allowlist: ["111", "222"]
backend_bots:
  - id: backend-a
    name: Backend A
    api_key: key-a
    webhook:
      url: https://backend-a.example.com/nudge
      secret: shh
      send_debounce_seconds: 2.5
routing:
  defaults:
    disc-main: backend-a
routes:
  - chat_bot_id: disc-main
    scope_type: channel
    scope_id: "111"
    backend_bot_id: backend-a
`

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.BindPort)
	assert.Equal(t, "info", cfg.Server.LogLevel)
	assert.Equal(t, "relay.db", cfg.Storage.DatabasePath)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.False(t, cfg.Metrics.Enabled)

	require.Len(t, cfg.DiscordBots, 1)
	assert.True(t, cfg.DiscordBots[0].Enabled, "enabled should default to true")

	require.Len(t, cfg.BackendBots, 1)
	wh := cfg.BackendBots[0].Webhook
	require.NotNil(t, wh)
	assert.Equal(t, 2.5, wh.SendDebounceSeconds)
	assert.Equal(t, 3.0, wh.RequestTimeoutSeconds)
	assert.Equal(t, 5, wh.MaxRetries)
	assert.Equal(t, []float64{1, 2, 5, 10, 30}, wh.RetryBackoffSeconds)

	assert.Equal(t, "first_match", cfg.Routing.Mode)
	assert.Equal(t, []string{"dm_user", "channel", "guild", "default"}, cfg.Routing.Precedence)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoadResolvesEnvIndirection(t *testing.T) {
	t.Setenv("RELAY_TEST_TOKEN", "env-token")
	t.Setenv("RELAY_TEST_KEY", "env-key")
	t.Setenv("RELAY_TEST_SECRET", "env-secret")

	cfg, err := Load(writeConfig(t, `
discord_bots:
  - id: disc
    token_env: RELAY_TEST_TOKEN
backend_bots:
  - id: backend
    api_key_env: RELAY_TEST_KEY
    webhook:
      url: http://localhost:9/hook
      secret_env: RELAY_TEST_SECRET
`))
	require.NoError(t, err)
	assert.Equal(t, "env-token", cfg.DiscordBots[0].Token)
	assert.Equal(t, "env-key", cfg.BackendBots[0].APIKey)

	secret, err := cfg.BackendBots[0].Webhook.ResolvedSecret()
	require.NoError(t, err)
	assert.Equal(t, "env-secret", secret)
}

func TestLoadMissingEnvIsConfigError(t *testing.T) {
	_, err := Load(writeConfig(t, `
discord_bots:
  - id: disc
    token_env: RELAY_TEST_DOES_NOT_EXIST
`))
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, cfgErr.Error(), "RELAY_TEST_DOES_NOT_EXIST")
}

func TestValidateAggregatesProblems(t *testing.T) {
	_, err := Load(writeConfig(t, `
server:
  bind_port: -1
  log_level: loud
discord_bots:
  - id: disc
    token: tok
  - id: disc
    token: tok
backend_bots:
  - id: backend
    api_key: key
    webhook:
      url: ftp://nope
      secret: shh
      send_debounce_seconds: -1
      request_timeout_seconds: 0
      retry_backoff_seconds: [0]
routing:
  mode: broadcast
  precedence: [channel, channel, bogus]
routes:
  - chat_bot_id: ghost
    scope_type: channel
    backend_bot_id: backend
`))
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)

	joined := cfgErr.Error()
	assert.Contains(t, joined, "bind_port")
	assert.Contains(t, joined, "log_level")
	assert.Contains(t, joined, `duplicate discord bot id "disc"`)
	assert.Contains(t, joined, "http or https")
	assert.Contains(t, joined, "send_debounce_seconds")
	assert.Contains(t, joined, "request_timeout_seconds")
	assert.Contains(t, joined, "retry_backoff_seconds[0]")
	assert.Contains(t, joined, "routing.mode")
	assert.Contains(t, joined, `duplicate scope type "channel"`)
	assert.Contains(t, joined, `unknown scope type "bogus"`)
	assert.Contains(t, joined, `unknown discord bot "ghost"`)
	assert.Contains(t, joined, "scope_id is required")
}

func TestDisabledBotsSkipCredentialChecks(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
discord_bots:
  - id: disc
    enabled: false
backend_bots:
  - id: backend
    enabled: false
`))
	require.NoError(t, err)
	assert.Empty(t, cfg.EnabledDiscordBots())
	assert.Empty(t, cfg.EnabledBackendBots())
}

func TestResolvedSecretMissing(t *testing.T) {
	w := &WebhookConfig{}
	_, err := w.ResolvedSecret()
	require.Error(t, err)

	w = &WebhookConfig{SecretEnv: "RELAY_TEST_NO_SUCH_SECRET"}
	_, err = w.ResolvedSecret()
	require.Error(t, err)
}
