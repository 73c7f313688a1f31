// Package audit provides the audit trail for coordination events:
// session lifecycle, token validation failures, circuit transitions,
// rate limit denials, and administrative actions.
package audit

import (
	"context"
	"time"
)

// Logger defines the interface for audit logging.
type Logger interface {
	// Log records an audit event.
	Log(ctx context.Context, event Event) error

	// Query retrieves audit events matching the filter, newest first.
	Query(ctx context.Context, filter QueryFilter) ([]Event, error)

	// Close releases resources.
	Close() error
}

// Event represents an auditable event.
type Event struct {
	ID           string         `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	Type         EventType      `json:"type"`
	Action       string         `json:"action"`
	SessionID    string         `json:"session_id,omitempty"`
	Subject      string         `json:"subject,omitempty"`
	UserID       string         `json:"user_id,omitempty"`
	UserEmail    string         `json:"user_email,omitempty"`
	RequestID    string         `json:"request_id,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	Success      bool           `json:"success"`
	ErrorMessage string         `json:"error_message,omitempty"`
	DurationMS   int64          `json:"duration_ms"`
}

// QueryFilter defines criteria for querying audit events.
type QueryFilter struct {
	ID        string
	StartTime *time.Time
	EndTime   *time.Time
	Type      EventType
	Action    string
	SessionID string
	Subject   string
	UserID    string
	Success   *bool
	Limit     int
	Offset    int
}

// Matches reports whether the event satisfies every set filter field.
// Limit and Offset are pagination concerns and are not evaluated here.
func (f QueryFilter) Matches(e Event) bool {
	if f.ID != "" && e.ID != f.ID {
		return false
	}
	if f.StartTime != nil && e.Timestamp.Before(*f.StartTime) {
		return false
	}
	if f.EndTime != nil && e.Timestamp.After(*f.EndTime) {
		return false
	}
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.SessionID != "" && e.SessionID != f.SessionID {
		return false
	}
	if f.Subject != "" && e.Subject != f.Subject {
		return false
	}
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.Success != nil && e.Success != *f.Success {
		return false
	}
	return true
}

// NoopLogger discards all audit events.
type NoopLogger struct{}

// Log does nothing.
func (*NoopLogger) Log(_ context.Context, _ Event) error {
	return nil
}

// Query returns no events.
func (*NoopLogger) Query(_ context.Context, _ QueryFilter) ([]Event, error) {
	return nil, nil
}

// Close does nothing.
func (*NoopLogger) Close() error {
	return nil
}

// Verify interface compliance.
var _ Logger = (*NoopLogger)(nil)
