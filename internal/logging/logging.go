// Package logging builds the process-wide slog logger.
package logging

import (
	"io"
	"log/slog"
	"strings"
)

// ParseLevel maps "debug", "info", "warn" and "error" to a slog level.
// Anything else is info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New returns a logger writing to w. format is "json" or "text" (default).
func New(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var h slog.Handler
	if strings.ToLower(format) == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h)
}

// Setup installs a logger built by New as the slog default.
func Setup(w io.Writer, level, format string) *slog.Logger {
	l := New(w, level, format)
	slog.SetDefault(l)
	return l
}
