package platform

import (
	"database/sql"

	"github.com/strandkit/strand/pkg/audit"
	"github.com/strandkit/strand/pkg/auth"
	"github.com/strandkit/strand/pkg/services"
	"github.com/strandkit/strand/pkg/session"
)

// Options holds platform creation options.
type Options struct {
	// Config is the platform configuration. Required.
	Config *Config

	// DB is an existing database connection. When set, the platform uses
	// it instead of opening its own and does not close it.
	DB *sql.DB

	// SessionStore overrides the config-selected session store.
	SessionStore session.Store

	// AuditLogger overrides the config-selected audit logger.
	AuditLogger audit.Logger

	// Prober overrides the default TCP recovery prober.
	Prober services.Prober

	// Verifier overrides the config-built token verifier.
	Verifier auth.Verifier
}

// Option is a functional option for platform creation.
type Option func(*Options)

// WithConfig sets the platform configuration.
func WithConfig(cfg *Config) Option {
	return func(o *Options) {
		o.Config = cfg
	}
}

// WithDB sets an existing database connection.
func WithDB(db *sql.DB) Option {
	return func(o *Options) {
		o.DB = db
	}
}

// WithSessionStore sets the session store.
func WithSessionStore(store session.Store) Option {
	return func(o *Options) {
		o.SessionStore = store
	}
}

// WithAuditLogger sets the audit logger.
func WithAuditLogger(logger audit.Logger) Option {
	return func(o *Options) {
		o.AuditLogger = logger
	}
}

// WithProber sets the recovery prober.
func WithProber(prober services.Prober) Option {
	return func(o *Options) {
		o.Prober = prober
	}
}

// WithVerifier sets the token verifier.
func WithVerifier(v auth.Verifier) Option {
	return func(o *Options) {
		o.Verifier = v
	}
}
