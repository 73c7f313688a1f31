package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultTTL is the session lifetime applied when none is configured.
	DefaultTTL = time.Hour

	// DefaultMaxFlashes bounds the pending flash queue per session; the
	// oldest message is dropped when the bound is exceeded.
	DefaultMaxFlashes = 128

	sessionIDBytes = 32
)

// Config configures the session manager.
type Config struct {
	// TTL is the session lifetime; Touch extends expiry by this amount.
	TTL time.Duration

	// MaxFlashes bounds the per-session flash queue.
	MaxFlashes int

	// Store optionally persists sessions across restarts. The in-memory
	// table stays authoritative; Store failures are logged, never
	// surfaced to callers.
	Store Store
}

// Manager owns all session state. Operations on the same session id are
// serialized; operations on different ids proceed in parallel.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*entry

	ttl        time.Duration
	maxFlashes int
	store      Store

	created   atomic.Uint64
	destroyed atomic.Uint64
	expired   atomic.Uint64

	cancel context.CancelFunc
	done   chan struct{}
}

// entry pairs one session's state with the lock that serializes it.
type entry struct {
	mu   sync.Mutex
	sess Session
	// gone marks an entry destroyed or lazily expired; an operation
	// holding a stale pointer observes it and reports ErrNotFound.
	gone bool
}

// NewManager creates a session manager.
func NewManager(cfg Config) *Manager {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxFlashes <= 0 {
		cfg.MaxFlashes = DefaultMaxFlashes
	}
	return &Manager{
		sessions:   make(map[string]*entry),
		ttl:        cfg.TTL,
		maxFlashes: cfg.MaxFlashes,
		store:      cfg.Store,
	}
}

// Create issues a new session and returns a copy of its initial state.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ttl := m.ttl
	if opts.TTL > 0 {
		ttl = opts.TTL
	}

	now := time.Now()
	sess := Session{
		UserID:       opts.UserID,
		UserEmail:    opts.UserEmail,
		UserName:     opts.UserName,
		Data:         make(map[string]any, len(opts.Data)),
		CreatedAt:    now,
		LastActiveAt: now,
		ExpiresAt:    now.Add(ttl),
	}
	for k, v := range opts.Data {
		sess.Data[k] = v
	}

	id, err := newSessionID()
	if err != nil {
		return nil, fmt.Errorf("generating session id: %w", err)
	}
	sess.ID = id

	e := &entry{sess: sess}

	m.mu.Lock()
	for {
		if _, exists := m.sessions[sess.ID]; !exists {
			break
		}
		if sess.ID, err = newSessionID(); err != nil {
			m.mu.Unlock()
			return nil, fmt.Errorf("generating session id: %w", err)
		}
		e.sess.ID = sess.ID
	}
	m.sessions[sess.ID] = e
	m.mu.Unlock()

	m.created.Add(1)
	snapshot := copySession(&sess)
	m.persist(ctx, snapshot)
	return snapshot, nil
}

// Get returns a copy of the session's current state.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	var out *Session
	err := m.withSession(ctx, id, func(s *Session) error {
		out = copySession(s)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetValue returns the value stored under key and whether it was present.
func (m *Manager) GetValue(ctx context.Context, id, key string) (any, bool, error) {
	var (
		val any
		ok  bool
	)
	err := m.withSession(ctx, id, func(s *Session) error {
		val, ok = s.Data[key]
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return val, ok, nil
}

// SetValue stores value under key.
func (m *Manager) SetValue(ctx context.Context, id, key string, value any) error {
	return m.withWrite(ctx, id, func(s *Session) error {
		s.Data[key] = value
		return nil
	})
}

// RemoveValue deletes the value stored under key, if any.
func (m *Manager) RemoveValue(ctx context.Context, id, key string) error {
	return m.withWrite(ctx, id, func(s *Session) error {
		delete(s.Data, key)
		return nil
	})
}

// AddFlash appends a flash message to the session's queue. When the queue
// is at capacity the oldest message is dropped.
func (m *Manager) AddFlash(ctx context.Context, id string, level FlashLevel, message string) error {
	return m.withWrite(ctx, id, func(s *Session) error {
		s.Flashes = append(s.Flashes, FlashMessage{Level: level, Message: message})
		if len(s.Flashes) > m.maxFlashes {
			s.Flashes = s.Flashes[len(s.Flashes)-m.maxFlashes:]
		}
		return nil
	})
}

// TakeFlashes atomically drains and returns the pending flash queue.
// Exactly one caller observes each message; a second call without an
// intervening AddFlash returns an empty slice.
func (m *Manager) TakeFlashes(ctx context.Context, id string) ([]FlashMessage, error) {
	var out []FlashMessage
	err := m.withWrite(ctx, id, func(s *Session) error {
		out = s.Flashes
		s.Flashes = nil
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Touch refreshes the session's expiry and last-active time.
func (m *Manager) Touch(ctx context.Context, id string) error {
	return m.withWrite(ctx, id, func(s *Session) error {
		now := time.Now()
		s.LastActiveAt = now
		s.ExpiresAt = now.Add(m.ttl)
		return nil
	})
}

// SetUser binds an authenticated principal to the session.
func (m *Manager) SetUser(ctx context.Context, id string, userID int64, email, name string) error {
	return m.withWrite(ctx, id, func(s *Session) error {
		s.UserID = &userID
		s.UserEmail = email
		s.UserName = name
		return nil
	})
}

// Destroy removes the session. Destroying an unknown session is not an
// error.
func (m *Manager) Destroy(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	e, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if ok {
		e.mu.Lock()
		e.gone = true
		e.mu.Unlock()
		m.destroyed.Add(1)
	}

	if m.store != nil {
		if err := m.store.Delete(ctx, id); err != nil {
			slog.Warn("session store delete failed", "error", err)
		}
	}
	return nil
}

// Count returns the number of resident sessions, including any not yet
// lazily expired.
func (m *Manager) Count(_ context.Context) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Stats returns a snapshot of manager counters.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	active := len(m.sessions)
	m.mu.RUnlock()

	return Stats{
		Active:    active,
		Created:   m.created.Load(),
		Destroyed: m.destroyed.Load(),
		Expired:   m.expired.Load(),
	}
}

// Cleanup removes all expired sessions.
func (m *Manager) Cleanup(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.RLock()
	candidates := make(map[string]*entry, len(m.sessions))
	for id, e := range m.sessions {
		candidates[id] = e
	}
	m.mu.RUnlock()

	now := time.Now()
	var removed []string
	for id, e := range candidates {
		e.mu.Lock()
		if !e.gone && e.sess.Expired(now) {
			e.gone = true
			removed = append(removed, id)
		}
		e.mu.Unlock()
	}

	if len(removed) > 0 {
		m.mu.Lock()
		for _, id := range removed {
			delete(m.sessions, id)
		}
		m.mu.Unlock()
		m.expired.Add(uint64(len(removed)))
	}

	if m.store != nil {
		if err := m.store.DeleteExpired(ctx); err != nil {
			slog.Warn("session store cleanup failed", "error", err)
		}
	}
	return nil
}

// StartCleanupRoutine starts a background goroutine that periodically
// removes expired sessions. The goroutine is stopped when Close is called.
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
					slog.Warn("session cleanup failed", "error", err)
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

// withSession runs fn with the session's entry lock held. Expired entries
// are removed lazily and reported as ErrNotFound.
func (m *Manager) withSession(ctx context.Context, id string, fn func(*Session) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e, err := m.lookup(ctx, id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.gone {
		e.mu.Unlock()
		return ErrNotFound
	}
	if e.sess.Expired(time.Now()) {
		e.gone = true
		e.mu.Unlock()
		m.removeExpired(ctx, id, e)
		return ErrNotFound
	}
	err = fn(&e.sess)
	e.mu.Unlock()
	return err
}

// withWrite is withSession plus best-effort write-through to the external
// store after a successful mutation.
func (m *Manager) withWrite(ctx context.Context, id string, fn func(*Session) error) error {
	var snapshot *Session
	err := m.withSession(ctx, id, func(s *Session) error {
		if err := fn(s); err != nil {
			return err
		}
		if m.store != nil {
			snapshot = copySession(s)
		}
		return nil
	})
	if err != nil {
		return err
	}
	m.persist(ctx, snapshot)
	return nil
}

// lookup resolves the entry for id, rehydrating from the external store
// on a miss.
func (m *Manager) lookup(ctx context.Context, id string) (*entry, error) {
	m.mu.RLock()
	e, ok := m.sessions[id]
	m.mu.RUnlock()
	if ok {
		return e, nil
	}

	if m.store == nil {
		return nil, ErrNotFound
	}

	loaded, err := m.store.Load(ctx, id)
	if err != nil {
		slog.Warn("session store load failed", "session_id", id, "error", err)
		return nil, ErrNotFound
	}
	if loaded == nil || loaded.Expired(time.Now()) {
		return nil, ErrNotFound
	}

	fresh := &entry{sess: *copySession(loaded)}

	m.mu.Lock()
	if existing, ok := m.sessions[id]; ok {
		// Another caller rehydrated concurrently.
		m.mu.Unlock()
		return existing, nil
	}
	m.sessions[id] = fresh
	m.mu.Unlock()

	slog.Debug("session rehydrated from store", "session_id", id)
	return fresh, nil
}

// removeExpired drops a lazily expired entry from the table.
func (m *Manager) removeExpired(ctx context.Context, id string, e *entry) {
	m.mu.Lock()
	if current, ok := m.sessions[id]; ok && current == e {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	m.expired.Add(1)

	if m.store != nil {
		if err := m.store.Delete(ctx, id); err != nil {
			slog.Warn("session store delete failed", "session_id", id, "error", err)
		}
	}
}

// persist writes a session snapshot to the external store, if configured.
func (m *Manager) persist(ctx context.Context, snapshot *Session) {
	if m.store == nil || snapshot == nil {
		return
	}
	if err := m.store.Save(ctx, snapshot); err != nil {
		slog.Warn("session store save failed", "session_id", snapshot.ID, "error", err)
	}
}

// copySession returns a copy with its own Data map and Flashes slice, so
// callers never alias the manager's state. Values inside Data are shared;
// they are treated as immutable snapshots by callers.
func copySession(s *Session) *Session {
	out := *s
	out.Data = make(map[string]any, len(s.Data))
	for k, v := range s.Data {
		out.Data[k] = v
	}
	if s.Flashes != nil {
		out.Flashes = append([]FlashMessage(nil), s.Flashes...)
	}
	return &out
}

// newSessionID returns an opaque URL-safe identifier with 256 bits of
// entropy.
func newSessionID() (string, error) {
	buf := make([]byte, sessionIDBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
