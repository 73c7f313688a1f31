// Package metrics exposes Prometheus instrumentation for the coordination
// layer. All metrics register on the default registry under the "strand"
// namespace and are served by Handler.
//
// Transition and reload counters are recorded as events arrive; the
// remaining counters and gauges are fed from component stats snapshots by
// the platform's metrics bridge.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "strand"

var (
	// sessionEvents counts session lifecycle events.
	// Labels: event (created, destroyed, expired)
	sessionEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sessions",
		Name:      "lifecycle_total",
		Help:      "Total session lifecycle events",
	}, []string{"event"})

	// sessionsActive tracks the number of live sessions.
	sessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "sessions",
		Name:      "active",
		Help:      "Number of active sessions",
	})

	// csrfIssued counts issued tokens, including rotations.
	csrfIssued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "csrf",
		Name:      "issued_total",
		Help:      "Total CSRF tokens issued",
	})

	// csrfValidations counts token validation outcomes.
	// Labels: result (validated, rotated, mismatch)
	csrfValidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "csrf",
		Name:      "validations_total",
		Help:      "Total CSRF token validations by result",
	}, []string{"result"})

	// csrfTokensActive tracks the number of outstanding tokens.
	csrfTokensActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "csrf",
		Name:      "tokens_active",
		Help:      "Number of active CSRF tokens",
	})

	// circuitTransitions counts breaker state changes.
	// Labels: service, to (closed, open, half_open)
	circuitTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "services",
		Name:      "transitions_total",
		Help:      "Total circuit breaker state transitions",
	}, []string{"service", "to"})

	// shortCircuits counts calls rejected while a circuit was open.
	shortCircuits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "services",
		Name:      "short_circuits_total",
		Help:      "Total calls rejected by an open circuit",
	})

	// circuitsOpen tracks how many circuits are currently open.
	circuitsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "services",
		Name:      "circuits_open",
		Help:      "Number of open circuits",
	})

	// ratelimitDecisions counts admission decisions.
	// Labels: decision (allowed, denied)
	ratelimitDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ratelimit",
		Name:      "decisions_total",
		Help:      "Total rate limit decisions",
	}, []string{"decision"})

	// ratelimitBuckets tracks the number of tracked buckets.
	ratelimitBuckets = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "ratelimit",
		Name:      "buckets",
		Help:      "Number of tracked rate limit buckets",
	})

	// reloadEvents counts emitted reload events.
	// Labels: category
	reloadEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reload",
		Name:      "events_total",
		Help:      "Total reload events by category",
	}, []string{"category"})

	// reloadDropped counts events dropped on slow subscribers.
	reloadDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reload",
		Name:      "dropped_events_total",
		Help:      "Total reload events dropped on full subscriber buffers",
	})
)

// Handler returns the HTTP handler serving the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordCircuitTransition records a breaker state change.
func RecordCircuitTransition(service, to string) {
	circuitTransitions.WithLabelValues(service, to).Inc()
}

// RecordReloadEvent records an emitted reload event.
func RecordReloadEvent(category string) {
	reloadEvents.WithLabelValues(category).Inc()
}

// AddSessionEvents adds to a session lifecycle counter.
func AddSessionEvents(event string, delta float64) {
	sessionEvents.WithLabelValues(event).Add(delta)
}

// SetSessionsActive updates the live session gauge.
func SetSessionsActive(n float64) {
	sessionsActive.Set(n)
}

// AddCsrfIssued adds to the issued token counter.
func AddCsrfIssued(delta float64) {
	csrfIssued.Add(delta)
}

// AddCsrfValidations adds to a validation outcome counter.
func AddCsrfValidations(result string, delta float64) {
	csrfValidations.WithLabelValues(result).Add(delta)
}

// SetCsrfTokensActive updates the outstanding token gauge.
func SetCsrfTokensActive(n float64) {
	csrfTokensActive.Set(n)
}

// AddShortCircuits adds to the short circuit counter.
func AddShortCircuits(delta float64) {
	shortCircuits.Add(delta)
}

// SetCircuitsOpen updates the open circuit gauge.
func SetCircuitsOpen(n float64) {
	circuitsOpen.Set(n)
}

// AddRateLimitDecisions adds to an admission decision counter.
func AddRateLimitDecisions(decision string, delta float64) {
	ratelimitDecisions.WithLabelValues(decision).Add(delta)
}

// SetRateLimitBuckets updates the tracked bucket gauge.
func SetRateLimitBuckets(n float64) {
	ratelimitBuckets.Set(n)
}

// AddReloadDropped adds to the dropped event counter.
func AddReloadDropped(delta float64) {
	reloadDropped.Add(delta)
}
