package services

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"
)

// Prober performs a recovery probe against a service.
type Prober interface {
	Probe(ctx context.Context, svc Service) error
}

// TCPProber probes a service by dialing its address. Reachability is a
// weaker signal than an application-level health check, but it needs no
// protocol knowledge and works for every backend in the registry.
type TCPProber struct {
	// Timeout bounds the dial when the context carries no deadline.
	Timeout time.Duration
}

func (p *TCPProber) Probe(ctx context.Context, svc Service) error {
	d := net.Dialer{Timeout: p.Timeout}
	conn, err := d.DialContext(ctx, "tcp", svc.Address)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", svc.Address, err)
	}
	return conn.Close()
}

// ProbeFunc adapts a function to the Prober interface.
type ProbeFunc func(ctx context.Context, svc Service) error

func (f ProbeFunc) Probe(ctx context.Context, svc Service) error {
	return f(ctx, svc)
}

// StartProbeRoutine starts a background goroutine that drives recovery
// for registered services with no organic traffic. Each tick it claims
// the half-open probe slot for any non-closed service whose recovery
// timeout has elapsed, dials it, and reports the outcome. The goroutine
// is stopped when Close is called.
func (c *Coordinator) StartProbeRoutine(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})

	go func() {
		defer close(c.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.probeSweep(ctx)
			}
		}
	}()
}

// probeSweep runs one pass over the registry.
func (c *Coordinator) probeSweep(ctx context.Context) {
	c.mu.RLock()
	targets := make([]Service, 0, len(c.registry))
	for _, svc := range c.registry {
		if svc.Address != "" {
			targets = append(targets, svc)
		}
	}
	c.mu.RUnlock()

	for _, svc := range targets {
		if ctx.Err() != nil {
			return
		}

		st, err := c.Status(ctx, svc.ID)
		if err != nil || st.State == StateClosed {
			continue
		}
		if !c.MayAttempt(ctx, svc.ID) {
			continue
		}

		probeCtx, cancel := context.WithTimeout(ctx, c.probeTimeout)
		err = c.prober.Probe(probeCtx, svc)
		cancel()

		if err != nil {
			slog.Debug("recovery probe failed", "service", svc.ID, "error", err)
			_ = c.ReportFailure(ctx, svc.ID)
			continue
		}
		_ = c.ReportSuccess(ctx, svc.ID)
	}
}
