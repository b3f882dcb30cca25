package notify

import (
	"context"
	"log/slog"
)

// LogSink writes every event to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink that logs events at Info.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Deliver(ctx context.Context, e *Event) error {
	s.logger.InfoContext(ctx, "notification",
		"event_id", e.ID,
		"kind", e.Kind,
		"user_id", e.UserID,
		"payload", e.Payload)
	return nil
}
