package audit

import (
	"context"
	"log/slog"
)

// SlogLogger implements Logger by emitting each event as one structured
// log record. The trail lives in the process log stream, so Query always
// returns nothing.
type SlogLogger struct {
	logger *slog.Logger
}

// NewSlogLogger creates a logger writing audit events through logger.
// A nil logger uses slog.Default.
func NewSlogLogger(logger *slog.Logger) *SlogLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogLogger{logger: logger}
}

// Log emits the event as a log record. Failed events log at Warn,
// successful ones at Info.
func (l *SlogLogger) Log(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	attrs := []any{
		slog.String("event_id", event.ID),
		slog.String("type", string(event.Type)),
		slog.String("action", event.Action),
		slog.Bool("success", event.Success),
	}
	if event.SessionID != "" {
		attrs = append(attrs, slog.String("session_id", event.SessionID))
	}
	if event.Subject != "" {
		attrs = append(attrs, slog.String("subject", event.Subject))
	}
	if event.UserID != "" {
		attrs = append(attrs, slog.String("user_id", event.UserID))
	}
	if event.RequestID != "" {
		attrs = append(attrs, slog.String("request_id", event.RequestID))
	}
	if event.ErrorMessage != "" {
		attrs = append(attrs, slog.String("error", event.ErrorMessage))
	}
	if event.DurationMS > 0 {
		attrs = append(attrs, slog.Int64("duration_ms", event.DurationMS))
	}
	for k, v := range event.Details {
		attrs = append(attrs, slog.Any("detail_"+k, v))
	}

	level := slog.LevelInfo
	if !event.Success {
		level = slog.LevelWarn
	}
	l.logger.Log(ctx, level, "audit event", attrs...)
	return nil
}

// Query returns no events; log records are not queryable through this
// backend.
func (*SlogLogger) Query(_ context.Context, _ QueryFilter) ([]Event, error) {
	return nil, nil
}

// Close does nothing.
func (*SlogLogger) Close() error {
	return nil
}

// Verify interface compliance.
var _ Logger = (*SlogLogger)(nil)
