package services

import (
	"sync"
	"time"
)

// transition records a state change produced by a breaker operation.
type transition struct {
	from State
	to   State
}

// breaker is the per-service circuit state machine. All fields are
// guarded by mu; the coordinator's map lock covers membership only, so
// breakers for different services never contend.
type breaker struct {
	mu sync.Mutex

	state    State
	failures uint32

	// lastChanged is when the breaker last changed state.
	lastChanged time.Time

	// openedAt is when the breaker entered Open; the recovery timeout
	// counts from here.
	openedAt time.Time

	// probeStart is when the current half-open window began. A window
	// that exceeds the recovery timeout without resolving is considered
	// abandoned and a new probe may be granted.
	probeStart     time.Time
	probesInFlight int
}

func newBreaker() *breaker {
	return &breaker{state: StateClosed}
}

// mayAttempt decides whether a request may proceed. It returns whether
// the caller was granted a half-open probe slot and any state transition
// the decision produced.
func (b *breaker) mayAttempt(now time.Time, recoveryTimeout time.Duration, maxProbes int) (allowed, probe bool, tr *transition) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true, false, nil

	case StateOpen:
		if now.Sub(b.openedAt) < recoveryTimeout {
			return false, false, nil
		}
		b.setState(StateHalfOpen, now)
		b.probeStart = now
		b.probesInFlight = 1
		return true, true, &transition{from: StateOpen, to: StateHalfOpen}

	case StateHalfOpen:
		if b.probesInFlight < maxProbes {
			b.probesInFlight++
			return true, true, nil
		}
		// The granted probe never resolved within a full recovery
		// window; treat it as lost and arm a new one.
		if now.Sub(b.probeStart) >= recoveryTimeout {
			b.probeStart = now
			b.probesInFlight = 1
			return true, true, nil
		}
		return false, false, nil
	}
	return false, false, nil
}

// releaseProbe returns an unused probe slot, for callers that claimed
// one but were stopped before issuing the request.
func (b *breaker) releaseProbe() {
	b.mu.Lock()
	if b.state == StateHalfOpen && b.probesInFlight > 0 {
		b.probesInFlight--
	}
	b.mu.Unlock()
}

// reportSuccess records a successful call. While Closed it only resets
// the consecutive failure count; reporting success on a closed circuit
// never changes its state. In HalfOpen it closes the circuit. While
// Open it is ignored as a stale result from before the circuit tripped.
func (b *breaker) reportSuccess(now time.Time) *transition {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
		return nil
	case StateHalfOpen:
		b.setState(StateClosed, now)
		b.failures = 0
		b.probesInFlight = 0
		return &transition{from: StateHalfOpen, to: StateClosed}
	}
	return nil
}

// reportFailure records a failed call. Threshold consecutive failures
// while Closed open the circuit; a failed half-open probe reopens it and
// restarts the recovery timer.
func (b *breaker) reportFailure(now time.Time, threshold uint32) *transition {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++

	switch b.state {
	case StateClosed:
		if b.failures >= threshold {
			b.setState(StateOpen, now)
			b.openedAt = now
			return &transition{from: StateClosed, to: StateOpen}
		}
	case StateHalfOpen:
		b.setState(StateOpen, now)
		b.openedAt = now
		b.probesInFlight = 0
		return &transition{from: StateHalfOpen, to: StateOpen}
	}
	return nil
}

// snapshot returns the breaker's current status.
func (b *breaker) snapshot(serviceID string, recoveryTimeout time.Duration) Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := Status{
		Service:     serviceID,
		State:       b.state,
		Failures:    b.failures,
		LastChanged: b.lastChanged,
	}
	if b.state == StateOpen {
		st.NextProbeAt = b.openedAt.Add(recoveryTimeout)
	}
	return st
}

func (b *breaker) setState(s State, now time.Time) {
	b.state = s
	b.lastChanged = now
}
