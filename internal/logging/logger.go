// Package logging builds the application's slog loggers and the access-log
// pipeline that keeps auth callback URLs out of the logs.
package logging

import (
	"io"
	"log/slog"
	"strings"

	"github.com/caesar-terminal/tickerdesk/internal/config"
)

// New builds a logger writing to w and installs it as the slog default.
// An empty cfg.Level resolves to debug when debug is set, info otherwise.
func New(w io.Writer, cfg config.LogConfig, debug bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level(cfg.Level, debug)}

	var h slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}

	logger := slog.New(h)
	slog.SetDefault(logger)
	return logger
}

// Access derives the request-access logger from base. Records that mention
// the auth callback path are dropped before they reach base's handler.
func Access(base *slog.Logger) *slog.Logger {
	return slog.New(AccessFilter(base.Handler(), CallbackPath)).With(slog.String("logger", "access"))
}

func level(name string, debug bool) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	if debug {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}
