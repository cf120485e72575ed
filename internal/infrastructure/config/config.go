package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Reconnect policies.
const (
	PolicyStrict  = "strict"
	PolicyLenient = "lenient"
)

// Provisioner kinds.
const (
	ProvisionerLocal = "local"
	ProvisionerExec  = "exec"
)

// Config holds all gateway configuration.
type Config struct {
	Server    ServerConfig
	Session   SessionConfig
	Backend   BackendConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
	Store     StoreConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8000"`
	Host string `envconfig:"HOST" default:"0.0.0.0"`
	// PublicURL overrides the scheme and host of returned terminal URLs,
	// for gateways behind a proxy that rewrites Host.
	PublicURL      string   `envconfig:"PUBLIC_URL"`
	AllowedOrigins []string `envconfig:"CORS_ORIGINS" default:"*"`
	// MaxConnections caps concurrent gateway connections; terminals hold
	// theirs for the whole session. Zero means unlimited.
	MaxConnections int      `envconfig:"MAX_CONNECTIONS" default:"1024"`
}

// SessionConfig holds session lifecycle configuration.
type SessionConfig struct {
	Policy         string        `envconfig:"RECONNECT_POLICY" default:"lenient"`
	StartupTimeout time.Duration `envconfig:"STARTUP_TIMEOUT" default:"30s"`
	IdleTimeout    time.Duration `envconfig:"IDLE_TIMEOUT" default:"2m"`
	ReapInterval   time.Duration `envconfig:"REAP_INTERVAL" default:"15s"`
}

// BackendConfig holds backend provisioning configuration.
type BackendConfig struct {
	Provisioner     string        `envconfig:"PROVISIONER" default:"local"`
	Binary          string        `envconfig:"PTYD_BINARY" default:"ptyd"`
	RuntimeDir      string        `envconfig:"RUNTIME_DIR"`
	Shell           string        `envconfig:"SHELL_PATH"`
	StopGrace       time.Duration `envconfig:"STOP_GRACE" default:"2s"`
	BreakerFailures uint32        `envconfig:"BREAKER_FAILURES" default:"5"`
	BreakerCooldown time.Duration `envconfig:"BREAKER_COOLDOWN" default:"30s"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"20"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"40"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// StoreConfig holds the session ledger configuration. An empty path
// disables the ledger.
type StoreConfig struct {
	Path string `envconfig:"STORE_PATH"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           "8000",
			Host:           "0.0.0.0",
			AllowedOrigins: []string{"*"},
			MaxConnections: 1024,
		},
		Session: SessionConfig{
			Policy:         PolicyLenient,
			StartupTimeout: 30 * time.Second,
			IdleTimeout:    2 * time.Minute,
			ReapInterval:   15 * time.Second,
		},
		Backend: BackendConfig{
			Provisioner:     ProvisionerLocal,
			Binary:          "ptyd",
			StopGrace:       2 * time.Second,
			BreakerFailures: 5,
			BreakerCooldown: 30 * time.Second,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 20,
			Burst:             40,
			Enabled:           true,
		},
	}
}

// Validate checks values envconfig cannot check by itself.
func (c *Config) Validate() error {
	var errs []error

	switch c.Session.Policy {
	case PolicyStrict, PolicyLenient:
	default:
		errs = append(errs, fmt.Errorf("RECONNECT_POLICY must be %q or %q, got %q", PolicyStrict, PolicyLenient, c.Session.Policy))
	}
	switch c.Backend.Provisioner {
	case ProvisionerLocal, ProvisionerExec:
	default:
		errs = append(errs, fmt.Errorf("PROVISIONER must be %q or %q, got %q", ProvisionerLocal, ProvisionerExec, c.Backend.Provisioner))
	}
	for _, origin := range c.Server.AllowedOrigins {
		if origin != "*" && !strings.HasPrefix(origin, "http://") && !strings.HasPrefix(origin, "https://") {
			errs = append(errs, fmt.Errorf("CORS_ORIGINS entry %q must be \"*\" or an http(s) origin", origin))
		}
	}
	if c.Server.MaxConnections < 0 {
		errs = append(errs, errors.New("MAX_CONNECTIONS must not be negative"))
	}
	if c.Session.StartupTimeout <= 0 {
		errs = append(errs, errors.New("STARTUP_TIMEOUT must be positive"))
	}
	if c.Session.IdleTimeout < 0 {
		errs = append(errs, errors.New("IDLE_TIMEOUT must not be negative"))
	}
	if c.Session.ReapInterval <= 0 {
		errs = append(errs, errors.New("REAP_INTERVAL must be positive"))
	}
	if c.Backend.StopGrace <= 0 {
		errs = append(errs, errors.New("STOP_GRACE must be positive"))
	}
	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst <= 0) {
		errs = append(errs, errors.New("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive when rate limiting is enabled"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

// PtydConfig configures a standalone backend process. Variables carry the
// PTYD_ prefix, e.g. PTYD_ADDR.
type PtydConfig struct {
	Addr       string        `envconfig:"ADDR" default:"127.0.0.1:0"`
	ListenFD   int           `envconfig:"LISTEN_FD"` // inherited listener, takes precedence over Addr
	SessionID  string        `envconfig:"SESSION_ID"`
	ConfigFile string        `envconfig:"CONFIG_FILE"`
	RuntimeDir string        `envconfig:"RUNTIME_DIR"`
	Shell      string        `envconfig:"SHELL"`
	StopGrace  time.Duration `envconfig:"STOP_GRACE" default:"2s"`
	LogLevel   string        `envconfig:"LOG_LEVEL" default:"info"`
	LogDev     bool          `envconfig:"LOG_DEV" default:"false"`
}

// LoadPtyd loads backend process configuration.
func LoadPtyd() (*PtydConfig, error) {
	var cfg PtydConfig
	if err := envconfig.Process("PTYD", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load ptyd config: %w", err)
	}
	return &cfg, nil
}

// TermctlConfig is what the terminal client reads from its environment.
// Secrets are only ever taken from here, never from flags.
type TermctlConfig struct {
	Gateway   string `envconfig:"TERMCTL_GATEWAY"`
	StatePath string `envconfig:"TERMCTL_STATE"`
	Instance  string `envconfig:"SERVICENOW_INSTANCE"`
	Username  string `envconfig:"SERVICENOW_USERNAME"`
	Password  string `envconfig:"SERVICENOW_PASSWORD"`
	APIKey    string `envconfig:"ANTHROPIC_API_KEY"`
	LogLevel  string `envconfig:"TERMCTL_LOG_LEVEL" default:"warn"`
}

// LoadTermctl loads terminal client configuration.
func LoadTermctl() (*TermctlConfig, error) {
	var cfg TermctlConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load termctl config: %w", err)
	}
	return &cfg, nil
}
