package logger

import (
	"context"
	"io"
	"log/slog"
)

const colorReset = "\033[0m"

// ColorTextHandler is a slog.TextHandler that prefixes each message with its
// level in an ANSI color. Derived handlers keep the coloring.
type ColorTextHandler struct {
	slog.Handler
}

func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions) *ColorTextHandler {
	return &ColorTextHandler{Handler: slog.NewTextHandler(w, opts)}
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

func (h *ColorTextHandler) Handle(ctx context.Context, r slog.Record) error {
	r.Message = levelColor(r.Level) + r.Level.String() + colorReset + "  " + r.Message
	return h.Handler.Handle(ctx, r)
}

func (h *ColorTextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ColorTextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *ColorTextHandler) WithGroup(name string) slog.Handler {
	return &ColorTextHandler{Handler: h.Handler.WithGroup(name)}
}
