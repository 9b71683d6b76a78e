// ABOUTME: Routing table mapping inbound chat messages to backend bots
// ABOUTME: built once from config, resolved per message in precedence order

package routing

import (
	"fmt"
	"strings"

	"github.com/2389/discord-relay/internal/config"
)

// Context carries the routing-relevant attributes of one inbound message.
type Context struct {
	ChatBotID string
	AuthorID  string
	ChannelID string
	GuildID   string
	IsDM      bool
}

// Table resolves backend bots for inbound messages. Immutable after New.
type Table struct {
	precedence []string
	defaults   map[string]string
	dmUser     map[string]map[string]string
	channel    map[string]map[string]string
	guild      map[string]map[string]string
}

// New builds the routing table from config. Duplicate scope bindings are a
// configuration error.
func New(cfg *config.Config) (*Table, error) {
	t := &Table{
		precedence: cfg.Routing.Precedence,
		defaults:   make(map[string]string),
		dmUser:     make(map[string]map[string]string),
		channel:    make(map[string]map[string]string),
		guild:      make(map[string]map[string]string),
	}
	for chatID, backendID := range cfg.Routing.Defaults {
		t.defaults[chatID] = backendID
	}

	var problems []string
	for _, r := range cfg.Routes {
		if r.ScopeType == "default" {
			if prev, ok := t.defaults[r.ChatBotID]; ok && prev != r.BackendBotID {
				problems = append(problems,
					fmt.Sprintf("conflicting default route for chat bot %q: %q and %q", r.ChatBotID, prev, r.BackendBotID))
				continue
			}
			t.defaults[r.ChatBotID] = r.BackendBotID
			continue
		}

		var scope map[string]map[string]string
		switch r.ScopeType {
		case "dm_user":
			scope = t.dmUser
		case "channel":
			scope = t.channel
		case "guild":
			scope = t.guild
		default:
			problems = append(problems, fmt.Sprintf("unknown scope type %q", r.ScopeType))
			continue
		}
		if scope[r.ChatBotID] == nil {
			scope[r.ChatBotID] = make(map[string]string)
		}
		if prev, ok := scope[r.ChatBotID][r.ScopeID]; ok {
			problems = append(problems,
				fmt.Sprintf("duplicate %s route for chat bot %q scope %q: %q and %q",
					r.ScopeType, r.ChatBotID, r.ScopeID, prev, r.BackendBotID))
			continue
		}
		scope[r.ChatBotID][r.ScopeID] = r.BackendBotID
	}

	if len(problems) > 0 {
		return nil, &config.ConfigError{Problems: problems}
	}
	return t, nil
}

// Resolve walks the precedence list and returns the first matching backend
// bot. The second return is false when no scope matches.
func (t *Table) Resolve(ctx Context) (string, bool) {
	for _, scope := range t.precedence {
		switch scope {
		case "dm_user":
			if ctx.IsDM && ctx.AuthorID != "" {
				if backend, ok := t.dmUser[ctx.ChatBotID][ctx.AuthorID]; ok {
					return backend, true
				}
			}
		case "channel":
			// DMs carry a channel ID too; channel routes only apply to
			// guild traffic.
			if !ctx.IsDM && ctx.ChannelID != "" {
				if backend, ok := t.channel[ctx.ChatBotID][ctx.ChannelID]; ok {
					return backend, true
				}
			}
		case "guild":
			if ctx.GuildID != "" {
				if backend, ok := t.guild[ctx.ChatBotID][ctx.GuildID]; ok {
					return backend, true
				}
			}
		case "default":
			if backend, ok := t.defaults[ctx.ChatBotID]; ok {
				return backend, true
			}
		}
	}
	return "", false
}

// Describe renders the table for startup logging.
func (t *Table) Describe() string {
	return fmt.Sprintf("precedence=%s defaults=%d dm_user=%d channel=%d guild=%d",
		strings.Join(t.precedence, ">"), len(t.defaults),
		countScoped(t.dmUser), countScoped(t.channel), countScoped(t.guild))
}

func countScoped(m map[string]map[string]string) int {
	n := 0
	for _, inner := range m {
		n += len(inner)
	}
	return n
}
