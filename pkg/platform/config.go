// Package platform provides the main coordination layer orchestration.
package platform

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/strandkit/strand/pkg/ratelimit"
	"github.com/strandkit/strand/pkg/services"
)

// Session store backends.
const (
	SessionStoreMemory   = "memory"
	SessionStoreDatabase = "database"
)

// Audit backends.
const (
	AuditBackendMemory   = "memory"
	AuditBackendDatabase = "database"
	AuditBackendSlog     = "slog"
)

// Config holds the complete platform configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Auth      AuthConfig      `yaml:"auth"`
	Database  DatabaseConfig  `yaml:"database"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Csrf      CsrfConfig      `yaml:"csrf"`
	Services  ServicesConfig  `yaml:"services"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Reload    ReloadConfig    `yaml:"reload"`
	Audit     AuditConfig     `yaml:"audit"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Name    string    `yaml:"name"`
	Version string    `yaml:"version"`
	Address string    `yaml:"address"`
	TLS     TLSConfig `yaml:"tls"`
}

// TLSConfig configures TLS.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "text", "json"
}

// AuthConfig configures authentication for the admin surface.
type AuthConfig struct {
	Enabled bool `yaml:"enabled"`

	// AdminTokenHash is the bcrypt hash of the static admin token.
	AdminTokenHash string `yaml:"admin_token_hash"`

	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig configures JWT bearer token verification.
type JWTConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Issuer     string `yaml:"issuer"`
	SigningKey string `yaml:"signing_key"`
	RoleClaim  string `yaml:"role_claim"`
}

// DatabaseConfig configures the PostgreSQL connection.
type DatabaseConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// SessionsConfig configures the session manager.
type SessionsConfig struct {
	// Store selects the persistence backend: "memory" or "database".
	Store           string        `yaml:"store"`
	TTL             time.Duration `yaml:"ttl"`
	MaxFlashes      int           `yaml:"max_flashes"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// CsrfConfig configures the anti-forgery token manager.
type CsrfConfig struct {
	TTL             time.Duration `yaml:"ttl"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// ServicesConfig configures the circuit breaker coordinator.
type ServicesConfig struct {
	FailureThreshold  int           `yaml:"failure_threshold"`
	RecoveryTimeout   time.Duration `yaml:"recovery_timeout"`
	HalfOpenMaxProbes int           `yaml:"half_open_max_probes"`
	ProbeInterval     time.Duration `yaml:"probe_interval"`
	ProbeTimeout      time.Duration `yaml:"probe_timeout"`

	// Registry seeds the tracked services. Empty means the built-in
	// registry.
	Registry []services.Service `yaml:"registry"`

	// RateLimitProbes gates recovery probes through the rate limiter.
	RateLimitProbes bool `yaml:"ratelimit_probes"`
}

// RateLimitConfig configures the token bucket rate limiter.
type RateLimitConfig struct {
	Disabled        bool                           `yaml:"disabled"`
	Capacity        int                            `yaml:"capacity"`
	RefillRate      float64                        `yaml:"refill_rate"`
	IdleTimeout     time.Duration                  `yaml:"idle_timeout"`
	CleanupInterval time.Duration                  `yaml:"cleanup_interval"`
	Overrides       map[string]ratelimit.KeyConfig `yaml:"overrides"`
}

// ReloadConfig configures the hot reload coordinator.
type ReloadConfig struct {
	// Window is the default debounce window.
	Window time.Duration `yaml:"window"`

	// Windows overrides the debounce window per category.
	Windows map[string]time.Duration `yaml:"windows"`

	// Watch maps filesystem directories to reload categories.
	Watch map[string]string `yaml:"watch"`

	// Buffer is the per-subscriber event queue depth.
	Buffer int `yaml:"buffer"`
}

// AuditConfig configures audit logging.
type AuditConfig struct {
	Enabled bool `yaml:"enabled"`

	// Backend selects the storage backend: "memory", "database", or
	// "slog".
	Backend       string `yaml:"backend"`
	RetentionDays int    `yaml:"retention_days"`
	MemoryEvents  int    `yaml:"memory_events"`

	// QueueSize bounds the async write queue in front of the database
	// backend.
	QueueSize int `yaml:"queue_size"`
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled      bool          `yaml:"enabled"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// DefaultConfig returns a configuration with all defaults applied, suitable
// for running without a config file.
func DefaultConfig() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

// LoadConfig loads configuration from a YAML file.
func LoadConfig(path string) (*Config, error) {
	// #nosec G304 -- path is from CLI args, controlled by admin
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	data = []byte(expandEnvVars(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	// Apply defaults
	applyDefaults(&cfg)

	return &cfg, nil
}

// expandEnvVars expands ${VAR} patterns in the string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[2 : len(match)-1]
		return os.Getenv(varName)
	})
}

// applyDefaults applies default values to the config.
func applyDefaults(cfg *Config) {
	if cfg.Server.Name == "" {
		cfg.Server.Name = "strand"
	}
	if cfg.Server.Version == "" {
		cfg.Server.Version = "1.0.0"
	}
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Sessions.Store == "" {
		cfg.Sessions.Store = SessionStoreMemory
	}
	if cfg.Sessions.CleanupInterval == 0 {
		cfg.Sessions.CleanupInterval = 5 * time.Minute
	}
	if cfg.Csrf.CleanupInterval == 0 {
		cfg.Csrf.CleanupInterval = 10 * time.Minute
	}
	if cfg.Services.ProbeInterval == 0 {
		cfg.Services.ProbeInterval = 15 * time.Second
	}
	if cfg.RateLimit.CleanupInterval == 0 {
		cfg.RateLimit.CleanupInterval = time.Minute
	}
	if cfg.Audit.Backend == "" {
		cfg.Audit.Backend = AuditBackendMemory
	}
	if cfg.Audit.RetentionDays == 0 {
		cfg.Audit.RetentionDays = 90
	}
	if cfg.Metrics.PollInterval == 0 {
		cfg.Metrics.PollInterval = 15 * time.Second
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.TLS.Enabled {
		if c.Server.TLS.CertFile == "" {
			errs = append(errs, "server.tls.cert_file is required when TLS is enabled")
		}
		if c.Server.TLS.KeyFile == "" {
			errs = append(errs, "server.tls.key_file is required when TLS is enabled")
		}
	}

	if c.Auth.Enabled && c.Auth.AdminTokenHash == "" && !c.Auth.JWT.Enabled {
		errs = append(errs, "auth.admin_token_hash or auth.jwt is required when auth is enabled")
	}
	if c.Auth.JWT.Enabled {
		if c.Auth.JWT.Issuer == "" {
			errs = append(errs, "auth.jwt.issuer is required when JWT is enabled")
		}
		if c.Auth.JWT.SigningKey == "" {
			errs = append(errs, "auth.jwt.signing_key is required when JWT is enabled")
		}
	}

	switch c.Sessions.Store {
	case "", SessionStoreMemory:
	case SessionStoreDatabase:
		if c.Database.DSN == "" {
			errs = append(errs, "database.dsn is required when sessions.store is database")
		}
	default:
		errs = append(errs, fmt.Sprintf("sessions.store %q is not a valid store", c.Sessions.Store))
	}

	switch c.Audit.Backend {
	case "", AuditBackendMemory, AuditBackendSlog:
	case AuditBackendDatabase:
		if c.Database.DSN == "" {
			errs = append(errs, "database.dsn is required when audit.backend is database")
		}
	default:
		errs = append(errs, fmt.Sprintf("audit.backend %q is not a valid backend", c.Audit.Backend))
	}

	if c.RateLimit.Capacity < 0 {
		errs = append(errs, "ratelimit.capacity must not be negative")
	}
	if c.RateLimit.RefillRate < 0 {
		errs = append(errs, "ratelimit.refill_rate must not be negative")
	}
	if c.Services.FailureThreshold < 0 {
		errs = append(errs, "services.failure_threshold must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}
