// Package util provides shared helpers for logging, retries, and reconnect
// backoff.
package util

import (
	"io"
	"log/slog"
	"strings"
)

// NewLogger creates a structured logger using log/slog writing to w.
// Supported levels: "debug", "info", "warn", "error"; supported formats:
// "json", "text". Unrecognised values fall back to "info" and "json".
func NewLogger(w io.Writer, level, format string) *slog.Logger {
	var slevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		slevel = slog.LevelDebug
	case "info":
		slevel = slog.LevelInfo
	case "warn":
		slevel = slog.LevelWarn
	case "error":
		slevel = slog.LevelError
	default:
		slevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: slevel}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler)
}

// SetDefault configures the provided logger as the default slog logger.
func SetDefault(logger *slog.Logger) {
	slog.SetDefault(logger)
}
