package platform

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	// Postgres driver for database/sql.
	_ "github.com/lib/pq"

	"github.com/strandkit/strand/pkg/audit"
	auditpg "github.com/strandkit/strand/pkg/audit/postgres"
	"github.com/strandkit/strand/pkg/auth"
	"github.com/strandkit/strand/pkg/csrf"
	"github.com/strandkit/strand/pkg/database/migrate"
	"github.com/strandkit/strand/pkg/health"
	"github.com/strandkit/strand/pkg/ratelimit"
	"github.com/strandkit/strand/pkg/reload"
	"github.com/strandkit/strand/pkg/services"
	"github.com/strandkit/strand/pkg/session"
	sessionpg "github.com/strandkit/strand/pkg/session/postgres"
)

const (
	// auditCleanupInterval is how often the database audit backend prunes
	// rows past retention.
	auditCleanupInterval = 24 * time.Hour

	// closeTimeout bounds the implicit Stop performed by Close.
	closeTimeout = 10 * time.Second
)

// Platform is the coordination layer facade. It owns the session,
// anti-forgery, circuit breaker, rate limit, and hot reload components
// and wires their lifecycles together.
type Platform struct {
	config *Config

	lifecycle *Lifecycle

	db     *sql.DB
	ownsDB bool

	health   *health.Checker
	sessions *session.Manager
	csrf     *csrf.Manager
	limiter  *ratelimit.Limiter
	services *services.Coordinator
	reload   *reload.Coordinator
	watcher  *reload.Watcher
	verifier auth.Verifier

	// audit is the logger handed to components; with the database
	// backend it is an async wrapper and auditStore is the store
	// underneath it. auditMetrics is set only when the backend can
	// aggregate the trail.
	audit        audit.Logger
	auditStore   *auditpg.Store
	auditMetrics audit.MetricsQuerier

	bridge *bridge
}

// New creates a new platform instance.
func New(opts ...Option) (*Platform, error) {
	options := &Options{}
	for _, opt := range opts {
		opt(options)
	}

	if options.Config == nil {
		return nil, fmt.Errorf("config is required")
	}

	p := &Platform{
		config:    options.Config,
		lifecycle: NewLifecycle(),
		health:    health.NewChecker(),
	}

	if err := p.initializeComponents(options); err != nil {
		return nil, fmt.Errorf("initializing components: %w", err)
	}

	p.registerLifecycle()

	return p, nil
}

// initializeComponents initializes all platform components.
func (p *Platform) initializeComponents(opts *Options) error {
	if err := p.initDatabase(opts); err != nil {
		return err
	}
	p.initSessions(opts)
	p.initCsrf()
	p.initRateLimit()
	p.initServices(opts)
	if err := p.initReload(); err != nil {
		return err
	}
	p.initAudit(opts)
	if err := p.initAuth(opts); err != nil {
		return err
	}
	p.initHealth()
	p.bridge = newBridge(p)
	return nil
}

// initDatabase opens the database connection when a component needs one.
func (p *Platform) initDatabase(opts *Options) error {
	if opts.DB != nil {
		p.db = opts.DB
		return nil
	}

	sessionsNeed := p.config.Sessions.Store == SessionStoreDatabase && opts.SessionStore == nil
	auditNeeds := p.config.Audit.Enabled &&
		p.config.Audit.Backend == AuditBackendDatabase && opts.AuditLogger == nil
	if !sessionsNeed && !auditNeeds {
		return nil
	}

	db, err := sql.Open("postgres", p.config.Database.DSN)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(p.config.Database.MaxOpenConns)

	p.db = db
	p.ownsDB = true
	return nil
}

// initSessions creates the session manager.
func (p *Platform) initSessions(opts *Options) {
	store := opts.SessionStore
	if store == nil && p.config.Sessions.Store == SessionStoreDatabase {
		store = sessionpg.New(p.db)
	}

	p.sessions = session.NewManager(session.Config{
		TTL:        p.config.Sessions.TTL,
		MaxFlashes: p.config.Sessions.MaxFlashes,
		Store:      store,
	})
}

// initCsrf creates the anti-forgery token manager.
func (p *Platform) initCsrf() {
	p.csrf = csrf.NewManager(csrf.Config{TTL: p.config.Csrf.TTL})
}

// initRateLimit creates the rate limiter.
func (p *Platform) initRateLimit() {
	p.limiter = ratelimit.NewLimiter(ratelimit.Config{
		Disabled:    p.config.RateLimit.Disabled,
		Capacity:    p.config.RateLimit.Capacity,
		RefillRate:  p.config.RateLimit.RefillRate,
		Overrides:   p.config.RateLimit.Overrides,
		IdleTimeout: p.config.RateLimit.IdleTimeout,
	})
}

// initServices creates the circuit breaker coordinator.
func (p *Platform) initServices(opts *Options) {
	registry := p.config.Services.Registry
	if len(registry) == 0 {
		registry = services.DefaultServices()
	}

	var probeLimiter *ratelimit.Limiter
	if p.config.Services.RateLimitProbes {
		probeLimiter = p.limiter
	}

	p.services = services.NewCoordinator(services.Config{
		FailureThreshold:  p.config.Services.FailureThreshold,
		RecoveryTimeout:   p.config.Services.RecoveryTimeout,
		HalfOpenMaxProbes: p.config.Services.HalfOpenMaxProbes,
		Services:          registry,
		ProbeLimiter:      probeLimiter,
		Prober:            opts.Prober,
		ProbeTimeout:      p.config.Services.ProbeTimeout,
	})
}

// initReload creates the hot reload coordinator and, when directories
// are configured, the filesystem watcher feeding it.
func (p *Platform) initReload() error {
	windows := make(map[reload.Category]time.Duration, len(p.config.Reload.Windows))
	for category, window := range p.config.Reload.Windows {
		windows[reload.Category(category)] = window
	}

	p.reload = reload.NewCoordinator(reload.Config{
		DefaultWindow:    p.config.Reload.Window,
		Windows:          windows,
		SubscriberBuffer: p.config.Reload.Buffer,
	})

	if len(p.config.Reload.Watch) == 0 {
		return nil
	}

	mapping := make(map[string]reload.Category, len(p.config.Reload.Watch))
	for dir, category := range p.config.Reload.Watch {
		mapping[dir] = reload.Category(category)
	}

	watcher, err := reload.NewWatcher(p.reload, mapping)
	if err != nil {
		return fmt.Errorf("creating reload watcher: %w", err)
	}
	p.watcher = watcher
	return nil
}

// initAudit creates the audit logger.
func (p *Platform) initAudit(opts *Options) {
	if opts.AuditLogger != nil {
		p.audit = opts.AuditLogger
		if mq, ok := opts.AuditLogger.(audit.MetricsQuerier); ok {
			p.auditMetrics = mq
		}
		return
	}
	if !p.config.Audit.Enabled {
		p.audit = &audit.NoopLogger{}
		return
	}

	switch p.config.Audit.Backend {
	case AuditBackendDatabase:
		p.auditStore = auditpg.New(p.db, auditpg.Config{
			RetentionDays: p.config.Audit.RetentionDays,
		})
		// Database writes go through a bounded queue so coordination
		// paths never wait on an insert.
		p.audit = audit.NewAsyncLogger(p.auditStore, p.config.Audit.QueueSize)
		p.auditMetrics = p.auditStore
	case AuditBackendSlog:
		p.audit = audit.NewSlogLogger(nil)
	default:
		p.audit = audit.NewMemoryLogger(p.config.Audit.MemoryEvents)
	}
}

// initAuth builds the token verifier for the admin surface.
func (p *Platform) initAuth(opts *Options) error {
	if opts.Verifier != nil {
		p.verifier = opts.Verifier
		return nil
	}
	if !p.config.Auth.Enabled {
		return nil
	}

	var verifiers []auth.Verifier
	if p.config.Auth.AdminTokenHash != "" {
		v, err := auth.NewStaticTokenVerifier(auth.StaticTokenConfig{
			TokenHash: p.config.Auth.AdminTokenHash,
		})
		if err != nil {
			return fmt.Errorf("creating static token verifier: %w", err)
		}
		verifiers = append(verifiers, v)
	}
	if p.config.Auth.JWT.Enabled {
		v, err := auth.NewJWTVerifier(auth.JWTConfig{
			Issuer:     p.config.Auth.JWT.Issuer,
			SigningKey: []byte(p.config.Auth.JWT.SigningKey),
			RoleClaim:  p.config.Auth.JWT.RoleClaim,
		})
		if err != nil {
			return fmt.Errorf("creating JWT verifier: %w", err)
		}
		verifiers = append(verifiers, v)
	}

	switch len(verifiers) {
	case 0:
		return fmt.Errorf("auth is enabled but no verification method is configured")
	case 1:
		p.verifier = verifiers[0]
	default:
		p.verifier = auth.NewChainVerifier(verifiers...)
	}
	return nil
}

// initHealth registers readiness checks.
func (p *Platform) initHealth() {
	if p.db != nil {
		p.health.AddCheck("database", func(ctx context.Context) error {
			return p.db.PingContext(ctx)
		})
	}
}

// registerLifecycle wires component startup and shutdown. Start and stop
// callbacks are registered in pairs so a failed Start rolls back exactly
// the components that came up; Stop runs the pairs in reverse.
func (p *Platform) registerLifecycle() {
	lc := p.lifecycle

	if p.db != nil {
		lc.OnStart(func(ctx context.Context) error {
			if err := p.db.PingContext(ctx); err != nil {
				return fmt.Errorf("pinging database: %w", err)
			}
			return migrate.Run(p.db)
		})
		// The connection outlives Stop so the platform can restart;
		// Close releases it.
		lc.OnStop(func(_ context.Context) error { return nil })
	}

	lc.OnStart(func(_ context.Context) error {
		p.sessions.StartCleanupRoutine(p.config.Sessions.CleanupInterval)
		return nil
	})
	lc.OnStop(func(_ context.Context) error { return p.sessions.Close() })

	lc.OnStart(func(_ context.Context) error {
		p.csrf.StartCleanupRoutine(p.config.Csrf.CleanupInterval)
		return nil
	})
	lc.OnStop(func(_ context.Context) error { return p.csrf.Close() })

	lc.OnStart(func(_ context.Context) error {
		p.limiter.StartCleanupRoutine(p.config.RateLimit.CleanupInterval)
		return nil
	})
	lc.OnStop(func(_ context.Context) error { return p.limiter.Close() })

	lc.OnStart(func(_ context.Context) error {
		p.services.StartProbeRoutine(p.config.Services.ProbeInterval)
		return nil
	})
	lc.OnStop(func(_ context.Context) error { return p.services.Close() })

	lc.OnStart(func(_ context.Context) error {
		if p.watcher != nil {
			return p.watcher.Start()
		}
		return nil
	})
	lc.OnStop(func(_ context.Context) error {
		if p.watcher != nil {
			if err := p.watcher.Close(); err != nil {
				slog.Warn("closing reload watcher", "error", err)
			}
		}
		return p.reload.Close()
	})

	if p.auditStore != nil {
		store := p.auditStore
		lc.OnStart(func(_ context.Context) error {
			store.StartCleanupRoutine(auditCleanupInterval)
			return nil
		})
		// Stops the retention sweep only; queued writes still land
		// until the platform closes.
		lc.OnStop(func(_ context.Context) error { return store.Close() })
	}

	lc.OnStart(func(_ context.Context) error {
		p.bridge.start()
		return nil
	})
	lc.OnStop(func(_ context.Context) error {
		p.bridge.stop()
		return nil
	})

	// Readiness flips last on startup and first on shutdown.
	lc.OnStart(func(_ context.Context) error {
		p.health.SetReady()
		return nil
	})
	lc.OnStop(func(_ context.Context) error {
		p.health.SetDraining()
		return nil
	})
}

// Start starts the platform components.
func (p *Platform) Start(ctx context.Context) error {
	return p.lifecycle.Start(ctx)
}

// Stop stops the platform components.
func (p *Platform) Stop(ctx context.Context) error {
	return p.lifecycle.Stop(ctx)
}

// Config returns the platform configuration.
func (p *Platform) Config() *Config {
	return p.config
}

// DB returns the database connection, or nil when persistence is off.
func (p *Platform) DB() *sql.DB {
	return p.db
}

// Health returns the health checker.
func (p *Platform) Health() *health.Checker {
	return p.health
}

// Sessions returns the session manager.
func (p *Platform) Sessions() *session.Manager {
	return p.sessions
}

// Csrf returns the anti-forgery token manager.
func (p *Platform) Csrf() *csrf.Manager {
	return p.csrf
}

// RateLimit returns the rate limiter.
func (p *Platform) RateLimit() *ratelimit.Limiter {
	return p.limiter
}

// Services returns the circuit breaker coordinator.
func (p *Platform) Services() *services.Coordinator {
	return p.services
}

// Reload returns the hot reload coordinator.
func (p *Platform) Reload() *reload.Coordinator {
	return p.reload
}

// Audit returns the audit logger.
func (p *Platform) Audit() audit.Logger {
	return p.audit
}

// AuditMetrics returns the audit aggregate querier, or nil when the
// active backend cannot aggregate.
func (p *Platform) AuditMetrics() audit.MetricsQuerier {
	return p.auditMetrics
}

// Verifier returns the admin token verifier, or nil when auth is off.
func (p *Platform) Verifier() auth.Verifier {
	return p.verifier
}

// closeResource closes a resource and appends any error.
func closeResource(errs *[]error, closer Closer) {
	if closer == nil {
		return
	}
	if err := closer.Close(); err != nil {
		*errs = append(*errs, err)
	}
}

// Close stops the platform if it is running and releases all resources.
func (p *Platform) Close() error {
	if p.lifecycle.IsStarted() {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := p.Stop(ctx); err != nil {
			slog.Warn("stopping platform", "error", err)
		}
	}

	var errs []error
	closeResource(&errs, p.audit)
	if p.ownsDB {
		closeResource(&errs, p.db)
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors closing platform: %v", errs)
	}
	return nil
}
