package logger

import (
	"context"
	"io"
	"log/slog"
)

const colorReset = "\033[0m"

// ColorTextHandler wraps slog.TextHandler and prefixes each message with an
// ANSI-colored level tag.
type ColorTextHandler struct {
	slog.Handler
	colored bool
}

// NewColorTextHandler creates a new ColorTextHandler. With colored false it
// behaves like a plain slog.TextHandler.
func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions, colored bool) *ColorTextHandler {
	return &ColorTextHandler{
		Handler: slog.NewTextHandler(w, opts),
		colored: colored,
	}
}

func levelColor(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "\033[31m" // red
	case l >= slog.LevelWarn:
		return "\033[33m" // yellow
	case l >= slog.LevelInfo:
		return "\033[32m" // green
	default:
		return "\033[36m" // cyan
	}
}

// Handle implements slog.Handler
func (h *ColorTextHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.colored {
		r.Message = levelColor(r.Level) + r.Level.String() + colorReset + "  " + r.Message
	}
	return h.Handler.Handle(ctx, r)
}

func (h *ColorTextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ColorTextHandler{Handler: h.Handler.WithAttrs(attrs), colored: h.colored}
}

func (h *ColorTextHandler) WithGroup(name string) slog.Handler {
	return &ColorTextHandler{Handler: h.Handler.WithGroup(name), colored: h.colored}
}
