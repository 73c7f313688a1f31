// Package ratelimit provides a token-bucket rate limiter keyed by an
// opaque string such as a user or client address. Buckets are created
// lazily on first check and evicted after a configurable idle period;
// eviction bounds memory only and never changes the admission decision
// for an active key.
package ratelimit

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultCapacity is the bucket capacity applied when none is configured.
	DefaultCapacity = 100

	// DefaultRefillRate is the refill rate in tokens per second applied
	// when none is configured.
	DefaultRefillRate = 10

	// DefaultIdleTimeout is how long an untouched bucket survives before
	// the cleanup routine evicts it.
	DefaultIdleTimeout = 10 * time.Minute
)

// KeyConfig overrides capacity and refill rate for a single key.
type KeyConfig struct {
	Capacity   int     `yaml:"capacity" json:"capacity"`
	RefillRate float64 `yaml:"refill_rate" json:"refill_rate"`
}

// Config configures the limiter.
type Config struct {
	// Disabled short-circuits every check to allowed. Useful in
	// development and tests.
	Disabled bool

	// Capacity is the default bucket capacity in tokens.
	Capacity int

	// RefillRate is the default refill rate in tokens per second.
	RefillRate float64

	// Overrides maps keys to per-key capacity and refill settings.
	Overrides map[string]KeyConfig

	// IdleTimeout is how long an untouched bucket survives Cleanup.
	IdleTimeout time.Duration
}

// Result is the outcome of a single admission check.
type Result struct {
	// Allowed reports whether the request may proceed.
	Allowed bool `json:"allowed"`

	// Remaining is the token balance after the check.
	Remaining float64 `json:"remaining"`

	// RetryAfter estimates how long until a retry with the same cost
	// could succeed. Zero when the request was allowed.
	RetryAfter time.Duration `json:"retry_after"`
}

// BucketState is a point-in-time snapshot of one key's bucket.
type BucketState struct {
	Key        string    `json:"key"`
	Remaining  float64   `json:"remaining"`
	Capacity   int       `json:"capacity"`
	RefillRate float64   `json:"refill_rate"`
	LastAccess time.Time `json:"last_access"`
}

// Stats is a point-in-time snapshot of limiter counters.
type Stats struct {
	Buckets int    `json:"buckets"`
	Allowed uint64 `json:"allowed"`
	Denied  uint64 `json:"denied"`
}

// Limiter owns all bucket state. The map lock covers membership and
// bucket metadata; token arithmetic is serialized inside each bucket's
// limiter, so checks on different keys do not contend.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket

	disabled    bool
	capacity    int
	refill      float64
	overrides   map[string]KeyConfig
	idleTimeout time.Duration

	allowedTotal atomic.Uint64
	deniedTotal  atomic.Uint64

	cancel context.CancelFunc
	done   chan struct{}
}

// bucket pairs a key's limiter with its configuration. lastAccess is
// guarded by Limiter.mu.
type bucket struct {
	limiter    *rate.Limiter
	capacity   int
	refill     float64
	lastAccess time.Time
}

// NewLimiter creates a rate limiter.
func NewLimiter(cfg Config) *Limiter {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.RefillRate <= 0 {
		cfg.RefillRate = DefaultRefillRate
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}

	overrides := make(map[string]KeyConfig, len(cfg.Overrides))
	for key, kc := range cfg.Overrides {
		if kc.Capacity <= 0 {
			kc.Capacity = cfg.Capacity
		}
		if kc.RefillRate <= 0 {
			kc.RefillRate = cfg.RefillRate
		}
		overrides[key] = kc
	}

	return &Limiter{
		buckets:     make(map[string]*bucket),
		disabled:    cfg.Disabled,
		capacity:    cfg.Capacity,
		refill:      cfg.RefillRate,
		overrides:   overrides,
		idleTimeout: cfg.IdleTimeout,
	}
}

// Check admits or denies a request of the given cost against the key's
// bucket. Elapsed time refills the bucket at the configured rate, capped
// at capacity; time.Now carries a monotonic reading, so wall-clock
// adjustments do not distort the refill. A denied result includes how
// long until the same cost could succeed; a cost above capacity can
// never succeed and the estimate only reflects the shortfall.
func (l *Limiter) Check(ctx context.Context, key string, cost int) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if l.disabled {
		return Result{Allowed: true, Remaining: float64(l.capacity)}, nil
	}

	b := l.bucket(key)

	now := time.Now()
	tokens := math.Max(0, b.limiter.TokensAt(now))

	if b.limiter.AllowN(now, cost) {
		l.allowedTotal.Add(1)
		return Result{
			Allowed:   true,
			Remaining: math.Max(0, tokens-float64(cost)),
		}, nil
	}

	// A concurrent check may have drained the bucket after the TokensAt
	// read, so the shortfall is clamped to keep the estimate non-negative.
	l.deniedTotal.Add(1)
	shortfall := math.Max(0, float64(cost)-tokens)
	return Result{
		Remaining:  tokens,
		RetryAfter: time.Duration(shortfall / b.refill * float64(time.Second)),
	}, nil
}

// Reset discards the key's bucket so the next check starts from a full
// bucket. Resetting an unknown key is not an error.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	delete(l.buckets, key)
	l.mu.Unlock()
	return nil
}

// SetKeyConfig installs a per-key override and discards any existing
// bucket for the key so the new settings take effect immediately.
func (l *Limiter) SetKeyConfig(ctx context.Context, key string, kc KeyConfig) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if kc.Capacity <= 0 {
		kc.Capacity = l.capacity
	}
	if kc.RefillRate <= 0 {
		kc.RefillRate = l.refill
	}

	l.mu.Lock()
	l.overrides[key] = kc
	delete(l.buckets, key)
	l.mu.Unlock()
	return nil
}

// BucketState returns a snapshot of the key's bucket, or nil if the key
// has no resident bucket.
func (l *Limiter) BucketState(ctx context.Context, key string) (*BucketState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		l.mu.Unlock()
		return nil, nil //nolint:nilnil // absence is not an error
	}
	lastAccess := b.lastAccess
	l.mu.Unlock()

	return &BucketState{
		Key:        key,
		Remaining:  math.Max(0, b.limiter.TokensAt(time.Now())),
		Capacity:   b.capacity,
		RefillRate: b.refill,
		LastAccess: lastAccess,
	}, nil
}

// Stats returns a snapshot of limiter counters.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	buckets := len(l.buckets)
	l.mu.Unlock()

	return Stats{
		Buckets: buckets,
		Allowed: l.allowedTotal.Load(),
		Denied:  l.deniedTotal.Load(),
	}
}

// Cleanup evicts buckets that have not been checked within the idle
// timeout. An evicted key simply starts from a full bucket on its next
// check.
func (l *Limiter) Cleanup(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	cutoff := time.Now().Add(-l.idleTimeout)

	l.mu.Lock()
	for key, b := range l.buckets {
		if b.lastAccess.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
	l.mu.Unlock()
	return nil
}

// StartCleanupRoutine starts a background goroutine that periodically
// evicts idle buckets. The goroutine is stopped when Close is called.
func (l *Limiter) StartCleanupRoutine(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.done = make(chan struct{})

	go func() {
		defer close(l.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := l.Cleanup(ctx); err != nil {
					slog.Warn("rate limit cleanup failed", "error", err)
				}
			}
		}
	}()
}

// Close stops the cleanup goroutine and waits for it to exit.
// It is safe to call Close even if StartCleanupRoutine was never called.
func (l *Limiter) Close() error {
	if l.cancel != nil {
		l.cancel()
		<-l.done
	}
	return nil
}

// bucket returns the key's bucket, creating it full if absent.
func (l *Limiter) bucket(key string) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		capacity, refill := l.capacity, l.refill
		if kc, ok := l.overrides[key]; ok {
			capacity, refill = kc.Capacity, kc.RefillRate
		}
		b = &bucket{
			limiter:  rate.NewLimiter(rate.Limit(refill), capacity),
			capacity: capacity,
			refill:   refill,
		}
		l.buckets[key] = b
	}
	b.lastAccess = time.Now()
	return b
}
