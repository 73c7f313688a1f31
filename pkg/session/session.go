// Package session provides the session state owner: per-session key/value
// data, flash message queues, and expiry, serialized per session identifier.
package session

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates the session identifier is unknown or expired.
// Callers are expected to issue a fresh session rather than treat this
// as fatal.
var ErrNotFound = errors.New("session not found")

// FlashLevel classifies a flash message for presentation.
type FlashLevel string

const (
	// FlashSuccess marks a confirmation message.
	FlashSuccess FlashLevel = "success"

	// FlashError marks an error message.
	FlashError FlashLevel = "error"

	// FlashInfo marks an informational message.
	FlashInfo FlashLevel = "info"

	// FlashWarning marks a warning message.
	FlashWarning FlashLevel = "warning"
)

// FlashMessage is a message persisted for exactly one subsequent read,
// typically shown once after a redirect.
type FlashMessage struct {
	Level   FlashLevel `json:"level"`
	Message string     `json:"message"`
}

// Session is a snapshot of one session's state. Values returned from the
// Manager are copies; mutating them does not affect stored state.
type Session struct {
	// ID is the opaque session identifier carried by the cookie layer.
	ID string `json:"id"`

	// UserID is the authenticated principal, nil for anonymous sessions.
	UserID *int64 `json:"user_id,omitempty"`

	// UserEmail and UserName are principal display fields set at login.
	UserEmail string `json:"user_email,omitempty"`
	UserName  string `json:"user_name,omitempty"`

	// Data holds arbitrary JSON-serializable per-session values.
	Data map[string]any `json:"data"`

	// Flashes are pending flash messages in FIFO order.
	Flashes []FlashMessage `json:"flashes,omitempty"`

	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Expired reports whether the session is past its expiry at the given time.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// CreateOptions configures a new session.
type CreateOptions struct {
	// TTL overrides the manager's default time-to-live when positive.
	TTL time.Duration

	// UserID, UserEmail and UserName optionally bind a principal at creation.
	UserID    *int64
	UserEmail string
	UserName  string

	// Data seeds the session's value map.
	Data map[string]any
}

// Stats is a point-in-time snapshot of manager counters for the
// observability poller.
type Stats struct {
	Active    int    `json:"active"`
	Created   uint64 `json:"created"`
	Destroyed uint64 `json:"destroyed"`
	Expired   uint64 `json:"expired"`
}

// Store persists sessions in an external system so they survive restarts.
// The in-memory manager stays authoritative; implementations receive
// best-effort write-through and serve read-through on a miss.
type Store interface {
	// Save upserts the full session record.
	Save(ctx context.Context, sess *Session) error

	// Load retrieves a session by ID. Returns nil, nil if not found.
	Load(ctx context.Context, id string) (*Session, error)

	// Delete removes a session.
	Delete(ctx context.Context, id string) error

	// DeleteExpired removes all expired sessions.
	DeleteExpired(ctx context.Context) error

	// Close releases resources.
	Close() error
}
