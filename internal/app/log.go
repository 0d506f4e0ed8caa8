package app

import (
	"io"
	"log/slog"
)

// NewLogger returns a JSON logger in production and a debug-level text
// logger in development.
func NewLogger(w io.Writer, development bool) *slog.Logger {
	if development {
		return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo}))
}
