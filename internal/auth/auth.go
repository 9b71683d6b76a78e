// ABOUTME: API-key authentication for backend bots
// ABOUTME: builds the key map from config and exposes bearer-token middleware

package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/2389/discord-relay/internal/config"
)

// BackendIdentity is the authenticated caller attached to request contexts.
type BackendIdentity struct {
	ID   string
	Name string
}

// Authenticator maps bearer API keys to backend bot identities.
type Authenticator struct {
	keys map[string]BackendIdentity
}

// New builds the key map from enabled backend bots. Two bots sharing a key is
// a configuration error.
func New(cfg *config.Config) (*Authenticator, error) {
	keys := make(map[string]BackendIdentity)
	for _, bot := range cfg.EnabledBackendBots() {
		if existing, ok := keys[bot.APIKey]; ok {
			return nil, &config.ConfigError{Problems: []string{
				fmt.Sprintf("backend bots %q and %q share an api_key", existing.ID, bot.ID),
			}}
		}
		keys[bot.APIKey] = BackendIdentity{ID: bot.ID, Name: bot.Name}
	}
	return &Authenticator{keys: keys}, nil
}

// Authenticate resolves an API key to a backend identity.
func (a *Authenticator) Authenticate(apiKey string) (BackendIdentity, bool) {
	id, ok := a.keys[apiKey]
	return id, ok
}

type contextKey struct{}

// FromContext returns the identity stored by Middleware.
func FromContext(ctx context.Context) (BackendIdentity, bool) {
	id, ok := ctx.Value(contextKey{}).(BackendIdentity)
	return id, ok
}

// Middleware rejects requests without a valid bearer API key and attaches the
// caller's identity to the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractBearerToken(r)
		if token == "" {
			unauthorized(w)
			return
		}
		identity, ok := a.Authenticate(token)
		if !ok {
			unauthorized(w)
			return
		}
		ctx := context.WithValue(r.Context(), contextKey{}, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func extractBearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	fmt.Fprint(w, `{"detail": "Unauthorized"}`)
}
