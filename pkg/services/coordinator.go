package services

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/strandkit/strand/pkg/ratelimit"
)

const (
	// DefaultFailureThreshold is the consecutive failure count that opens
	// a circuit when none is configured.
	DefaultFailureThreshold = 5

	// DefaultRecoveryTimeout is how long an open circuit waits before
	// permitting a recovery probe.
	DefaultRecoveryTimeout = 60 * time.Second

	// DefaultHalfOpenMaxProbes is how many concurrent probes a half-open
	// circuit permits.
	DefaultHalfOpenMaxProbes = 1

	// DefaultProbeTimeout bounds a single recovery probe.
	DefaultProbeTimeout = 2 * time.Second

	// eventBuffer is the per-subscriber event queue depth. When a
	// subscriber falls behind, the oldest event is dropped to make room.
	eventBuffer = 64

	probeKeyPrefix = "probe:"
)

// Config configures the coordinator.
type Config struct {
	// FailureThreshold is the consecutive failure count that opens a
	// circuit.
	FailureThreshold int

	// RecoveryTimeout is how long an open circuit waits before permitting
	// a recovery probe.
	RecoveryTimeout time.Duration

	// HalfOpenMaxProbes is how many concurrent probes a half-open circuit
	// permits.
	HalfOpenMaxProbes int

	// Services seeds the registry. Circuits for unregistered services are
	// still created lazily on first report, but only registered services
	// with an address are actively probed.
	Services []Service

	// ProbeLimiter, when set, rate-limits half-open probe grants per
	// service under the key "probe:<service>". A denied grant leaves the
	// circuit half-open with the probe slot unclaimed.
	ProbeLimiter *ratelimit.Limiter

	// Prober performs recovery probes. Defaults to a TCP dial check.
	Prober Prober

	// ProbeTimeout bounds a single recovery probe.
	ProbeTimeout time.Duration
}

// Coordinator owns one circuit breaker per external service. Reports and
// gate checks for different services never contend; operations on the
// same service are serialized by its breaker.
type Coordinator struct {
	mu       sync.RWMutex
	breakers map[string]*breaker
	registry map[string]Service

	threshold       uint32
	recoveryTimeout time.Duration
	maxProbes       int
	limiter         *ratelimit.Limiter
	prober          Prober
	probeTimeout    time.Duration

	subMu      sync.Mutex
	subs       map[uint64]chan Event
	nextSubID  uint64
	subsClosed bool

	transitions   atomic.Uint64
	shortCircuits atomic.Uint64
	probesGranted atomic.Uint64

	cancel context.CancelFunc
	done   chan struct{}
}

// NewCoordinator creates a coordinator with circuits for the configured
// services already registered in the Closed state.
func NewCoordinator(cfg Config) *Coordinator {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = DefaultRecoveryTimeout
	}
	if cfg.HalfOpenMaxProbes <= 0 {
		cfg.HalfOpenMaxProbes = DefaultHalfOpenMaxProbes
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if cfg.Prober == nil {
		cfg.Prober = &TCPProber{Timeout: cfg.ProbeTimeout}
	}

	c := &Coordinator{
		breakers:        make(map[string]*breaker),
		registry:        make(map[string]Service, len(cfg.Services)),
		threshold:       uint32(cfg.FailureThreshold),
		recoveryTimeout: cfg.RecoveryTimeout,
		maxProbes:       cfg.HalfOpenMaxProbes,
		limiter:         cfg.ProbeLimiter,
		prober:          cfg.Prober,
		probeTimeout:    cfg.ProbeTimeout,
		subs:            make(map[uint64]chan Event),
	}
	for _, svc := range cfg.Services {
		c.registry[svc.ID] = svc
		c.breakers[svc.ID] = newBreaker()
	}
	return c
}

// MayAttempt is the gate a caller checks before issuing a real call to
// the service. It returns false when the circuit is open, and while
// half-open for every caller beyond the permitted probes. MayAttempt
// never blocks on the outcome of an in-flight probe.
func (c *Coordinator) MayAttempt(ctx context.Context, serviceID string) bool {
	if ctx.Err() != nil {
		return false
	}

	b := c.breaker(serviceID)
	allowed, probe, tr := b.mayAttempt(time.Now(), c.recoveryTimeout, c.maxProbes)
	if tr != nil {
		c.publishTransition(serviceID, *tr)
	}

	if probe {
		if c.limiter != nil {
			res, err := c.limiter.Check(ctx, probeKeyPrefix+serviceID, 1)
			if err != nil || !res.Allowed {
				b.releaseProbe()
				c.shortCircuits.Add(1)
				return false
			}
		}
		c.probesGranted.Add(1)
	}

	if !allowed {
		c.shortCircuits.Add(1)
	}
	return allowed
}

// ReportSuccess records a successful call to the service. On a closed
// circuit it resets the consecutive failure count and nothing else;
// repeated success reports are idempotent. A successful half-open probe
// closes the circuit.
func (c *Coordinator) ReportSuccess(ctx context.Context, serviceID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b := c.breaker(serviceID)
	if tr := b.reportSuccess(time.Now()); tr != nil {
		slog.Info("service recovered", "service", serviceID)
		c.publishTransition(serviceID, *tr)
	}
	return nil
}

// ReportFailure records a failed call to the service. The circuit opens
// once the consecutive failure count reaches the threshold; a failed
// half-open probe reopens it and restarts the recovery timer.
func (c *Coordinator) ReportFailure(ctx context.Context, serviceID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b := c.breaker(serviceID)
	if tr := b.reportFailure(time.Now(), c.threshold); tr != nil {
		slog.Warn("circuit opened", "service", serviceID, "from", string(tr.from))
		c.publishTransition(serviceID, *tr)
	}
	return nil
}

// Status returns the circuit status for one service. Unknown services
// report a closed circuit with no failures.
func (c *Coordinator) Status(ctx context.Context, serviceID string) (Status, error) {
	if err := ctx.Err(); err != nil {
		return Status{}, err
	}

	c.mu.RLock()
	b, ok := c.breakers[serviceID]
	c.mu.RUnlock()
	if !ok {
		return Status{Service: serviceID, State: StateClosed}, nil
	}
	return b.snapshot(serviceID, c.recoveryTimeout), nil
}

// StatusAll returns the circuit status of every tracked service.
func (c *Coordinator) StatusAll(ctx context.Context) (map[string]Status, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.RLock()
	out := make(map[string]Status, len(c.breakers))
	for id, b := range c.breakers {
		out[id] = b.snapshot(id, c.recoveryTimeout)
	}
	c.mu.RUnlock()
	return out, nil
}

// Subscribe registers for circuit transition events. The returned
// function unsubscribes and closes the channel. When a subscriber falls
// behind, the oldest buffered event is dropped to make room for the
// newest.
func (c *Coordinator) Subscribe() (<-chan Event, func()) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	if c.subsClosed {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}

	id := c.nextSubID
	c.nextSubID++
	ch := make(chan Event, eventBuffer)
	c.subs[id] = ch

	return ch, func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		if sub, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(sub)
		}
	}
}

// Stats returns a snapshot of coordinator counters.
func (c *Coordinator) Stats() Stats {
	c.mu.RLock()
	stats := Stats{Services: len(c.breakers)}
	for id, b := range c.breakers {
		switch b.snapshot(id, c.recoveryTimeout).State {
		case StateOpen:
			stats.Open++
		case StateHalfOpen:
			stats.HalfOpen++
		}
	}
	c.mu.RUnlock()

	stats.Transitions = c.transitions.Load()
	stats.ShortCircuits = c.shortCircuits.Load()
	stats.ProbesGranted = c.probesGranted.Load()
	return stats
}

// Close stops the probe routine, if started, and closes all event
// subscriber channels.
func (c *Coordinator) Close() error {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}

	c.subMu.Lock()
	c.subsClosed = true
	for id, ch := range c.subs {
		delete(c.subs, id)
		close(ch)
	}
	c.subMu.Unlock()
	return nil
}

// breaker returns the service's breaker, creating it closed if absent.
func (c *Coordinator) breaker(serviceID string) *breaker {
	c.mu.RLock()
	b, ok := c.breakers[serviceID]
	c.mu.RUnlock()
	if ok {
		return b
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok = c.breakers[serviceID]; ok {
		return b
	}
	b = newBreaker()
	c.breakers[serviceID] = b
	return b
}

// publishTransition fans a transition out to counters, the log, and
// event subscribers.
func (c *Coordinator) publishTransition(serviceID string, tr transition) {
	c.transitions.Add(1)

	ev := Event{
		Service: serviceID,
		From:    tr.from,
		To:      tr.to,
		At:      time.Now(),
	}

	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.subsClosed {
		return
	}
	for _, ch := range c.subs {
		select {
		case ch <- ev:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
}
