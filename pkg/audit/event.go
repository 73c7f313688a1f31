package audit

import (
	"time"

	"github.com/google/uuid"
)

// EventType categorizes audit events by the component that produced
// them.
type EventType string

const (
	// EventTypeSession is a session lifecycle event.
	EventTypeSession EventType = "session"

	// EventTypeCsrf is an anti-forgery token event.
	EventTypeCsrf EventType = "csrf"

	// EventTypeCircuit is a circuit breaker transition event.
	EventTypeCircuit EventType = "circuit"

	// EventTypeRateLimit is a rate limit decision event.
	EventTypeRateLimit EventType = "rate_limit"

	// EventTypeReload is a hot reload event.
	EventTypeReload EventType = "reload"

	// EventTypeAdmin is an administrative event.
	EventTypeAdmin EventType = "admin"
)

// NewEvent creates a new audit event.
func NewEvent(eventType EventType, action string) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Type:      eventType,
		Action:    action,
		Success:   true,
	}
}

// WithSession adds the session identifier to the event.
func (e *Event) WithSession(sessionID string) *Event {
	e.SessionID = sessionID
	return e
}

// WithSubject adds the acted-on identifier, such as a service ID, rate
// limit key, or reload category.
func (e *Event) WithSubject(subject string) *Event {
	e.Subject = subject
	return e
}

// WithUser adds user information to the event.
func (e *Event) WithUser(userID, email string) *Event {
	e.UserID = userID
	e.UserEmail = email
	return e
}

// WithRequestID adds a request ID to the event.
func (e *Event) WithRequestID(requestID string) *Event {
	e.RequestID = requestID
	return e
}

// WithDetails adds structured details to the event.
func (e *Event) WithDetails(details map[string]any) *Event {
	e.Details = details
	return e
}

// WithResult adds outcome information to the event.
func (e *Event) WithResult(success bool, errorMsg string, durationMS int64) *Event {
	e.Success = success
	e.ErrorMessage = errorMsg
	e.DurationMS = durationMS
	return e
}

// SanitizeDetails redacts sensitive detail values. Token and credential
// material must never reach the audit trail.
func SanitizeDetails(details map[string]any) map[string]any {
	if details == nil {
		return nil
	}

	sensitiveKeys := map[string]bool{
		"password":      true,
		"secret":        true,
		"token":         true,
		"csrf_token":    true,
		"api_key":       true,
		"authorization": true,
		"credentials":   true,
		"cookie":        true,
	}

	sanitized := make(map[string]any)
	for k, v := range details {
		if sensitiveKeys[k] {
			sanitized[k] = "[REDACTED]"
		} else {
			sanitized[k] = v
		}
	}
	return sanitized
}
