package platform

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/strandkit/strand/pkg/audit"
	"github.com/strandkit/strand/pkg/metrics"
	"github.com/strandkit/strand/pkg/reload"
	"github.com/strandkit/strand/pkg/services"
)

// bridge fans component telemetry out to the audit log and Prometheus.
// Circuit transitions and reload events are consumed from the
// coordinators' subscription streams; counter-style stats are polled and
// diffed so the domain packages stay free of metrics concerns. The same
// diffs feed periodic audit digests of session, csrf, and rate-limit
// activity.
type bridge struct {
	platform *Platform
	interval time.Duration

	publishMetrics bool
	auditSummaries bool

	cancel context.CancelFunc
	wg     sync.WaitGroup

	last statTotals
}

// statTotals carries the previously observed cumulative counters so the
// poller can publish deltas.
type statTotals struct {
	sessionsCreated   uint64
	sessionsDestroyed uint64
	sessionsExpired   uint64

	csrfIssued     uint64
	csrfValidated  uint64
	csrfRotated    uint64
	csrfMismatches uint64

	limiterAllowed uint64
	limiterDenied  uint64

	shortCircuits uint64

	reloadDropped uint64
}

func newBridge(p *Platform) *bridge {
	return &bridge{
		platform:       p,
		interval:       p.config.Metrics.PollInterval,
		publishMetrics: p.config.Metrics.Enabled,
		auditSummaries: p.config.Audit.Enabled,
	}
}

// start launches the event consumers and, when metrics or audit digests
// are enabled, the stats poller.
func (b *bridge) start() {
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel

	circuitEvents, unsubCircuit := b.platform.services.Subscribe()
	reloadEvents, unsubReload := b.platform.reload.Subscribe()

	b.wg.Add(2)
	go b.consumeCircuitEvents(ctx, circuitEvents, unsubCircuit)
	go b.consumeReloadEvents(ctx, reloadEvents, unsubReload)

	if b.publishMetrics || b.auditSummaries {
		b.wg.Add(1)
		go b.pollStats(ctx)
	}
}

// stop terminates the bridge goroutines and waits for them to drain.
func (b *bridge) stop() {
	if b.cancel == nil {
		return
	}
	b.cancel()
	b.wg.Wait()
	b.cancel = nil
}

func (b *bridge) consumeCircuitEvents(ctx context.Context, events <-chan services.Event, unsubscribe func()) {
	defer b.wg.Done()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if b.publishMetrics {
				metrics.RecordCircuitTransition(ev.Service, string(ev.To))
			}

			entry := audit.NewEvent(audit.EventTypeCircuit, "transition").
				WithSubject(ev.Service).
				WithDetails(map[string]any{
					"from": string(ev.From),
					"to":   string(ev.To),
				})
			if err := b.platform.audit.Log(ctx, *entry); err != nil {
				slog.Warn("recording circuit audit event", "error", err)
			}
		}
	}
}

func (b *bridge) consumeReloadEvents(ctx context.Context, events <-chan reload.Event, unsubscribe func()) {
	defer b.wg.Done()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if b.publishMetrics {
				metrics.RecordReloadEvent(string(ev.Category))
			}

			entry := audit.NewEvent(audit.EventTypeReload, "reload").
				WithSubject(string(ev.Category)).
				WithDetails(map[string]any{"paths": ev.Paths})
			if err := b.platform.audit.Log(ctx, *entry); err != nil {
				slog.Warn("recording reload audit event", "error", err)
			}
		}
	}
}

func (b *bridge) pollStats(ctx context.Context) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final publish with a fresh context so shutdown-adjacent
			// activity is not lost.
			b.publishStats(context.Background())
			return
		case <-ticker.C:
			b.publishStats(ctx)
		}
	}
}

// publishStats snapshots every component's counters, sets the gauges,
// adds counter deltas since the previous snapshot, and logs audit
// digests for the movement it saw.
func (b *bridge) publishStats(ctx context.Context) {
	sessionStats := b.platform.sessions.Stats()
	csrfStats := b.platform.csrf.Stats()
	limiterStats := b.platform.limiter.Stats()
	circuitStats := b.platform.services.Stats()
	reloadStats := b.platform.reload.Stats()

	cur := statTotals{
		sessionsCreated:   sessionStats.Created,
		sessionsDestroyed: sessionStats.Destroyed,
		sessionsExpired:   sessionStats.Expired,
		csrfIssued:        csrfStats.Issued,
		csrfValidated:     csrfStats.Validated,
		csrfRotated:       csrfStats.Rotated,
		csrfMismatches:    csrfStats.Mismatches,
		limiterAllowed:    limiterStats.Allowed,
		limiterDenied:     limiterStats.Denied,
		shortCircuits:     circuitStats.ShortCircuits,
		reloadDropped:     reloadStats.Dropped,
	}

	if b.publishMetrics {
		metrics.SetSessionsActive(float64(sessionStats.Active))
		metrics.SetCsrfTokensActive(float64(csrfStats.Active))
		metrics.SetRateLimitBuckets(float64(limiterStats.Buckets))
		metrics.SetCircuitsOpen(float64(circuitStats.Open))

		metrics.AddSessionEvents("created", float64(delta(b.last.sessionsCreated, cur.sessionsCreated)))
		metrics.AddSessionEvents("destroyed", float64(delta(b.last.sessionsDestroyed, cur.sessionsDestroyed)))
		metrics.AddSessionEvents("expired", float64(delta(b.last.sessionsExpired, cur.sessionsExpired)))
		metrics.AddCsrfIssued(float64(delta(b.last.csrfIssued, cur.csrfIssued)))
		metrics.AddCsrfValidations("validated", float64(delta(b.last.csrfValidated, cur.csrfValidated)))
		metrics.AddCsrfValidations("rotated", float64(delta(b.last.csrfRotated, cur.csrfRotated)))
		metrics.AddCsrfValidations("mismatch", float64(delta(b.last.csrfMismatches, cur.csrfMismatches)))
		metrics.AddRateLimitDecisions("allowed", float64(delta(b.last.limiterAllowed, cur.limiterAllowed)))
		metrics.AddRateLimitDecisions("denied", float64(delta(b.last.limiterDenied, cur.limiterDenied)))
		metrics.AddShortCircuits(float64(delta(b.last.shortCircuits, cur.shortCircuits)))
		metrics.AddReloadDropped(float64(delta(b.last.reloadDropped, cur.reloadDropped)))
	}

	if b.auditSummaries {
		b.logSummaries(ctx, cur)
	}

	b.last = cur
}

// logSummaries folds counter movement into periodic audit digests so
// session, csrf, and rate-limit activity shows up in the trail without
// instrumenting the hot paths.
func (b *bridge) logSummaries(ctx context.Context, cur statTotals) {
	created := delta(b.last.sessionsCreated, cur.sessionsCreated)
	destroyed := delta(b.last.sessionsDestroyed, cur.sessionsDestroyed)
	expired := delta(b.last.sessionsExpired, cur.sessionsExpired)
	if created+destroyed+expired > 0 {
		b.logSummary(ctx, audit.NewEvent(audit.EventTypeSession, "activity").
			WithDetails(map[string]any{
				"created":   created,
				"destroyed": destroyed,
				"expired":   expired,
			}))
	}

	rotated := delta(b.last.csrfRotated, cur.csrfRotated)
	mismatches := delta(b.last.csrfMismatches, cur.csrfMismatches)
	if rotated+mismatches > 0 {
		b.logSummary(ctx, audit.NewEvent(audit.EventTypeCsrf, "activity").
			WithDetails(map[string]any{
				"rotated":    rotated,
				"mismatches": mismatches,
			}).
			WithResult(mismatches == 0, "", 0))
	}

	if denied := delta(b.last.limiterDenied, cur.limiterDenied); denied > 0 {
		b.logSummary(ctx, audit.NewEvent(audit.EventTypeRateLimit, "denied").
			WithDetails(map[string]any{"denied": denied}).
			WithResult(false, "", 0))
	}
}

func (b *bridge) logSummary(ctx context.Context, entry *audit.Event) {
	if err := b.platform.audit.Log(ctx, *entry); err != nil {
		slog.Warn("recording audit summary", "error", err, "type", entry.Type)
	}
}

// delta returns the counter movement between two snapshots, treating a
// regression as a reset.
func delta(prev, cur uint64) uint64 {
	if cur < prev {
		return cur
	}
	return cur - prev
}
