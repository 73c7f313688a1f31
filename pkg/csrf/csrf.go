// Package csrf provides the anti-forgery token state owner. Each session
// has at most one current token; a successful validation rotates it so a
// captured token cannot be replayed.
package csrf

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrNoTokenIssued indicates no token was ever issued for the session.
	// Callers use this to distinguish a stale form from a forged request.
	ErrNoTokenIssued = errors.New("no csrf token issued for session")

	// ErrMismatch indicates the presented token does not match the
	// session's current token.
	ErrMismatch = errors.New("csrf token mismatch")
)

const (
	// DefaultTTL is the token lifetime applied when none is configured.
	DefaultTTL = time.Hour

	tokenBytes = 32
)

// Config configures the token manager.
type Config struct {
	// TTL is the token lifetime. An expired token behaves as never issued.
	TTL time.Duration
}

// Stats is a point-in-time snapshot of manager counters.
type Stats struct {
	Active     int    `json:"active"`
	Issued     uint64 `json:"issued"`
	Validated  uint64 `json:"validated"`
	Rotated    uint64 `json:"rotated"`
	Mismatches uint64 `json:"mismatches"`
}

// Manager owns all token state, keyed by session identifier. Operations
// on the same session are serialized; different sessions proceed in
// parallel. Tokens reference sessions by identifier only; destroying a
// session does not require deleting its token, which simply ages out.
type Manager struct {
	mu     sync.RWMutex
	tokens map[string]*entry

	ttl time.Duration

	issued     atomic.Uint64
	validated  atomic.Uint64
	rotated    atomic.Uint64
	mismatches atomic.Uint64

	cancel context.CancelFunc
	done   chan struct{}
}

// entry pairs one session's token with the lock that serializes it.
type entry struct {
	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewManager creates a token manager.
func NewManager(cfg Config) *Manager {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	return &Manager{
		tokens: make(map[string]*entry),
		ttl:    cfg.TTL,
	}
}

// Issue returns the session's current token, creating one if absent or
// expired. Issue is idempotent while a token remains valid.
func (m *Manager) Issue(ctx context.Context, sessionID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	e := m.getOrCreate(sessionID)

	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	if e.token == "" || !now.Before(e.expiresAt) {
		token, err := newToken()
		if err != nil {
			return "", fmt.Errorf("generating csrf token: %w", err)
		}
		e.token = token
		e.expiresAt = now.Add(m.ttl)
		m.issued.Add(1)
	}
	return e.token, nil
}

// Validate checks candidate against the session's current token. On
// success the stored token is rotated, so the accepted value can never
// validate again; the next Issue returns a fresh token. On failure the
// stored token is left unchanged so a legitimate concurrent request is
// not locked out by a forged attempt.
//
// The rotation is a compare-and-swap against the value actually compared:
// of two callers racing with the same token, exactly one succeeds and the
// other observes ErrMismatch.
func (m *Manager) Validate(ctx context.Context, sessionID, candidate string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.RLock()
	e, ok := m.tokens[sessionID]
	m.mu.RUnlock()
	if !ok {
		m.mismatches.Add(1)
		return ErrNoTokenIssued
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	if e.token == "" || !now.Before(e.expiresAt) {
		m.mismatches.Add(1)
		return ErrNoTokenIssued
	}

	if !tokensEqual(e.token, candidate) {
		m.mismatches.Add(1)
		return ErrMismatch
	}

	// The caller may have given up while we held the lock; a discarded
	// success must not burn the token.
	if err := ctx.Err(); err != nil {
		return err
	}

	next, err := newToken()
	if err != nil {
		return fmt.Errorf("rotating csrf token: %w", err)
	}
	e.token = next
	e.expiresAt = now.Add(m.ttl)
	m.validated.Add(1)
	m.rotated.Add(1)
	m.issued.Add(1)
	return nil
}

// Delete removes the session's token. Deleting an unknown session is not
// an error.
func (m *Manager) Delete(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.tokens, sessionID)
	m.mu.Unlock()
	return nil
}

// Count returns the number of resident token entries.
func (m *Manager) Count(_ context.Context) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tokens)
}

// Stats returns a snapshot of manager counters.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	active := len(m.tokens)
	m.mu.RUnlock()

	return Stats{
		Active:     active,
		Issued:     m.issued.Load(),
		Validated:  m.validated.Load(),
		Rotated:    m.rotated.Load(),
		Mismatches: m.mismatches.Load(),
	}
}

// Cleanup removes expired token entries.
func (m *Manager) Cleanup(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.RLock()
	candidates := make(map[string]*entry, len(m.tokens))
	for id, e := range m.tokens {
		candidates[id] = e
	}
	m.mu.RUnlock()

	now := time.Now()
	var removed []string
	for id, e := range candidates {
		e.mu.Lock()
		if !now.Before(e.expiresAt) {
			removed = append(removed, id)
		}
		e.mu.Unlock()
	}

	if len(removed) > 0 {
		m.mu.Lock()
		for _, id := range removed {
			// Re-check under the write lock; Issue may have refreshed it.
			if e, ok := m.tokens[id]; ok {
				e.mu.Lock()
				expired := !time.Now().Before(e.expiresAt)
				e.mu.Unlock()
				if expired {
					delete(m.tokens, id)
				}
			}
		}
		m.mu.Unlock()
	}
	return nil
}

// StartCleanupRoutine starts a background goroutine that periodically
// removes expired tokens. The goroutine is stopped when Close is called.
func (m *Manager) StartCleanupRoutine(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.Cleanup(ctx); err != nil {
					slog.Warn("csrf cleanup failed", "error", err)
				}
			}
		}
	}()
}

// Close stops the cleanup goroutine and waits for it to exit.
// It is safe to call Close even if StartCleanupRoutine was never called.
func (m *Manager) Close() error {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
	return nil
}

// getOrCreate returns the entry for sessionID, creating it if needed.
func (m *Manager) getOrCreate(sessionID string) *entry {
	m.mu.RLock()
	e, ok := m.tokens[sessionID]
	m.mu.RUnlock()
	if ok {
		return e
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok = m.tokens[sessionID]; ok {
		return e
	}
	e = &entry{}
	m.tokens[sessionID] = e
	return e
}

// tokensEqual compares two tokens in constant time. Comparing SHA-256
// digests keeps the inputs equal-length so the comparison takes the same
// path regardless of where the bytes differ.
func tokensEqual(a, b string) bool {
	da := sha256.Sum256([]byte(a))
	db := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(da[:], db[:]) == 1
}

// newToken returns an opaque URL-safe token with 256 bits of entropy.
func newToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
