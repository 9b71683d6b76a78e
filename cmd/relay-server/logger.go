// ABOUTME: Logger setup and startup banner for the relay server binary
// ABOUTME: colorized slog text handler for terminals, JSON handler for log shippers

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/2389/discord-relay/internal/config"
)

func setupLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = newColorHandler(lvl)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// colorHandler renders slog records as "HH:MM:SS LEVEL message key=value".
type colorHandler struct {
	level slog.Level
	attrs []slog.Attr
	mu    *sync.Mutex
}

func newColorHandler(level slog.Level) *colorHandler {
	return &colorHandler{level: level, mu: &sync.Mutex{}}
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	var levelStr string
	switch {
	case r.Level >= slog.LevelError:
		levelStr = color.RedString("ERROR")
	case r.Level >= slog.LevelWarn:
		levelStr = color.YellowString("WARN ")
	case r.Level >= slog.LevelInfo:
		levelStr = color.GreenString("INFO ")
	default:
		levelStr = color.CyanString("DEBUG")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s", r.Time.Format("15:04:05"), levelStr, r.Message)
	for _, a := range h.attrs {
		fmt.Fprintf(&b, " %s=%v", color.HiBlackString(a.Key), a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&b, " %s=%v", color.HiBlackString(a.Key), a.Value)
		return true
	})
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := os.Stderr.WriteString(b.String())
	return err
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &colorHandler{
		level: h.level,
		attrs: append(append([]slog.Attr{}, h.attrs...), attrs...),
		mu:    h.mu,
	}
}

func (h *colorHandler) WithGroup(string) slog.Handler {
	return h
}

func printBanner(cfg *config.Config, path string) {
	if cfg.Server.LogFormat == "json" {
		return
	}
	title := color.New(color.FgMagenta, color.Bold)
	dim := color.New(color.FgHiBlack)
	title.Fprintln(os.Stderr, "discord-relay")
	dim.Fprintf(os.Stderr, "  config   %s\n", path)
	dim.Fprintf(os.Stderr, "  listen   %s:%d\n", cfg.Server.BindHost, cfg.Server.BindPort)
	dim.Fprintf(os.Stderr, "  bots     %d discord / %d backend\n",
		len(cfg.EnabledDiscordBots()), len(cfg.EnabledBackendBots()))
}
