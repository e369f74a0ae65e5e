package logging

import (
	"log/slog"
	"os"
)

// NewLogger creates a structured logger appropriate for the environment.
// Production uses JSON format, development uses human-readable text.
func NewLogger(env string) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}

	if env == "production" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		opts.Level = slog.LevelDebug
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// WithConversation returns a child logger carrying the conversation id,
// so every component of one sync session logs with shared context.
func WithConversation(base *slog.Logger, conversationID string) *slog.Logger {
	if base == nil {
		return nil
	}

	return base.With(slog.String("conversation_id", conversationID))
}
