// ABOUTME: Tests for relayctl exit-code mapping and connection resolution
// ABOUTME: no live relay needed; errors are constructed directly

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/discord-relay/internal/client"
)

func TestExitCodeMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"unauthorized", &client.APIError{Status: 401, Detail: "Unauthorized"}, exitAuth},
		{"forbidden", &client.APIError{Status: 403, Detail: "Forbidden"}, exitAuth},
		{"server error", &client.APIError{Status: 503, Detail: "oops"}, exitServer},
		{"bad request", &client.APIError{Status: 400, Detail: "bad"}, exitUsage},
		{"usage", usagef("missing flag"), exitUsage},
		{"wrapped api error", fmt.Errorf("lease: %w", &client.APIError{Status: 500}), exitServer},
		{"network", errors.New("dial tcp: connection refused"), exitNetwork},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCodeFor(tt.err))
		})
	}
}

func TestResolveClientPrecedence(t *testing.T) {
	t.Setenv("RELAY_BASE_URL", "")
	t.Setenv("RELAY_API_KEY", "")
	t.Setenv("RELAY_CONFIG", "")
	t.Setenv("RELAY_BACKEND_ID", "")

	_, err := resolveClient(&globalOptions{})
	require.Error(t, err, "no settings anywhere")
	assert.Equal(t, exitUsage, exitCodeFor(err))

	_, err = resolveClient(&globalOptions{baseURL: "http://localhost:8099", apiKey: "k"})
	require.NoError(t, err)

	t.Setenv("RELAY_BASE_URL", "http://localhost:8099")
	t.Setenv("RELAY_API_KEY", "env-key")
	_, err = resolveClient(&globalOptions{})
	require.NoError(t, err)
}

func TestResolveClientFromConfigFile(t *testing.T) {
	t.Setenv("RELAY_BASE_URL", "")
	t.Setenv("RELAY_API_KEY", "")
	t.Setenv("RELAY_BACKEND_ID", "")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  bind_host: 127.0.0.1
  bind_port: 8099
  base_url: http://relay.internal:8099
backend_bots:
  - id: backend-a
    api_key: key-a
  - id: backend-b
    api_key: key-b
`), 0o600))

	// Two backends and no selector is ambiguous.
	_, err := resolveClient(&globalOptions{config: path})
	require.Error(t, err)
	assert.Equal(t, exitUsage, exitCodeFor(err))

	_, err = resolveClient(&globalOptions{config: path, backendID: "backend-b"})
	require.NoError(t, err)

	t.Setenv("RELAY_BACKEND_ID", "backend-a")
	_, err = resolveClient(&globalOptions{config: path})
	require.NoError(t, err)
}
