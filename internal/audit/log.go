package audit

import (
	"context"
	"log/slog"
)

// LogSink writes events to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With("component", "audit")}
}

func (s *LogSink) Publish(ctx context.Context, event Event) error {
	attrs := []any{
		"event_id", event.ID,
		"type", string(event.Type),
		"occurred_at", event.OccurredAt,
	}
	if event.OrgID != "" {
		attrs = append(attrs, "org_id", event.OrgID)
	}
	if event.NodeID != "" {
		attrs = append(attrs, "node_id", event.NodeID)
	}
	for k, v := range event.Attributes {
		attrs = append(attrs, k, v)
	}
	s.logger.InfoContext(ctx, "Audit event", attrs...)
	return nil
}
