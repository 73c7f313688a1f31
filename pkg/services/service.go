// Package services tracks the availability of the external backends the
// application calls, applying a per-service circuit breaker so callers
// can short-circuit work against a backend that is known to be down.
package services

import "time"

// State is a circuit breaker state.
type State string

const (
	// StateClosed permits requests and counts consecutive failures.
	StateClosed State = "closed"

	// StateOpen short-circuits all requests until the recovery timeout
	// elapses.
	StateOpen State = "open"

	// StateHalfOpen permits a limited number of probe requests while the
	// service is recovering.
	StateHalfOpen State = "half_open"
)

// Service identifies one external backend.
type Service struct {
	// ID is the stable identifier callers report against.
	ID string `yaml:"id" json:"id"`

	// Address is the dialable host:port used by the recovery prober.
	// Services without an address are tracked but never actively probed.
	Address string `yaml:"address" json:"address"`
}

// DefaultServices returns the registry of backends the platform ships
// with. Deployments override or extend this through configuration.
func DefaultServices() []Service {
	return []Service{
		{ID: "auth", Address: "localhost:50051"},
		{ID: "data", Address: "localhost:50052"},
		{ID: "policy", Address: "localhost:50053"},
		{ID: "cache", Address: "localhost:50054"},
		{ID: "email", Address: "localhost:50055"},
		{ID: "file", Address: "localhost:50056"},
	}
}

// Status is a point-in-time snapshot of one service's circuit.
type Status struct {
	Service     string    `json:"service"`
	State       State     `json:"state"`
	Failures    uint32    `json:"failures"`
	LastChanged time.Time `json:"last_changed"`

	// NextProbeAt is when an open circuit becomes eligible for a
	// recovery probe. Zero unless the circuit is open.
	NextProbeAt time.Time `json:"next_probe_at"`
}

// Event records one circuit state transition.
type Event struct {
	Service string    `json:"service"`
	From    State     `json:"from"`
	To      State     `json:"to"`
	At      time.Time `json:"at"`
}

// Stats is a point-in-time snapshot of coordinator counters.
type Stats struct {
	Services      int    `json:"services"`
	Open          int    `json:"open"`
	HalfOpen      int    `json:"half_open"`
	Transitions   uint64 `json:"transitions"`
	ShortCircuits uint64 `json:"short_circuits"`
	ProbesGranted uint64 `json:"probes_granted"`
}
