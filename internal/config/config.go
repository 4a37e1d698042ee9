// Package config loads the broker's process-wide configuration: listen
// address, TLS files, the master encryption key, store DSNs, and the
// tunable defaults for session timeouts and the rate coordinator. The
// circuit breaker's thresholds are constants in internal/breaker, not
// configuration.
//
// It follows the teacher repo's internal/mcpserver/config package shape (a
// Config struct plus Load/Validate), but the individual env vars are parsed
// declaratively with struct tags via github.com/caarlos0/env/v11 instead of
// the teacher's hand-rolled os.Getenv chain — the teacher's Validate
// idiom is kept for the fields with cross-field invariants
// that a flat tag can't express (TLS file pairs, rate-limit ordering).
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/sdpbridge/mcp-broker/internal/ratecoord"
	"github.com/sdpbridge/mcp-broker/internal/tenant"
)

// Config is the broker's full process configuration, populated from
// environment variables prefixed SDPBROKER_.
type Config struct {
	ListenHost string `env:"LISTEN_HOST" envDefault:"0.0.0.0"`
	ListenPort int    `env:"LISTEN_PORT" envDefault:"8080"`

	TLSCertFile string `env:"TLS_CERT_FILE"`
	TLSKeyFile  string `env:"TLS_KEY_FILE"`

	// MasterKeyHex is the 256-bit CryptoBox master key, hex-encoded.
	// Rotating it is an offline operator task (§4.1); this process only
	// ever holds the one currently active key.
	MasterKeyHex string `env:"MASTER_KEY_HEX,required"`

	// StoreDSN, when set, selects the Postgres-backed TokenStore; an empty
	// value falls back to the in-memory Store (dev/test only).
	StoreDSN string `env:"STORE_DSN"`

	// RedisAddr, when set, backs RateCoordinator state with Redis so
	// multiple broker instances observe the same refresh window (§4.3, §9).
	// An empty value uses in-process state, correct only for a single
	// instance. CircuitBreaker state is persisted in the TokenStore either
	// way.
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	DefaultDataCenter string `env:"DEFAULT_DATA_CENTER" envDefault:"US"`

	SessionIdleTimeout time.Duration `env:"SESSION_IDLE_TIMEOUT" envDefault:"30m"`
	KeepAliveInterval  time.Duration `env:"KEEPALIVE_INTERVAL" envDefault:"30s"`
	ToolCallDeadline   time.Duration `env:"TOOL_CALL_DEADLINE" envDefault:"60s"`
	RefreshTimeout     time.Duration `env:"REFRESH_TIMEOUT" envDefault:"20s"`
	RefreshSafetyMargin time.Duration `env:"REFRESH_SAFETY_MARGIN" envDefault:"300s"`
	ProactiveRefreshInterval time.Duration `env:"PROACTIVE_REFRESH_INTERVAL" envDefault:"60s"`

	// SSEWriteBufferBytes is the back-pressure threshold (§4.9): a session
	// whose outbound SSE buffer exceeds this is closed rather than blocked.
	SSEWriteBufferBytes int `env:"SSE_WRITE_BUFFER_BYTES" envDefault:"1048576"`

	RateLimitPerMinute int `env:"RATE_LIMIT_PER_MINUTE" envDefault:"120"`
	RateLimitPerHour   int `env:"RATE_LIMIT_PER_HOUR" envDefault:"3000"`
	RateLimitPerDay    int `env:"RATE_LIMIT_PER_DAY" envDefault:"20000"`

	// CircuitBreaker's failure/success thresholds and reset timeout are
	// fixed package constants (§4.4 defaults: N=5, M=2, 300s), not
	// per-deployment tunables — there is no cross-field invariant here for
	// Validate to check, so they are not repeated as config fields.

	// ClientIDHeader/ClientSecretHeader name the header pair GET /sse reads
	// tenant credentials from (§4.9, §6).
	ClientIDHeader     string `env:"CLIENT_ID_HEADER" envDefault:"x-sdp-client-id"`
	ClientSecretHeader string `env:"CLIENT_SECRET_HEADER" envDefault:"x-sdp-client-secret"`

	// AdminToken gates the operator-facing /admin endpoints (SPEC_FULL
	// supplemented features). Empty disables the admin surface entirely.
	AdminToken string `env:"ADMIN_TOKEN"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	Debug    bool   `env:"DEBUG" envDefault:"false"`
}

var (
	ErrMissingMasterKey  = errors.New("config: SDPBROKER_MASTER_KEY_HEX is required")
	ErrInvalidMasterKey  = errors.New("config: master key must be 32 bytes hex-encoded")
	ErrInvalidDataCenter = errors.New("config: invalid default data center")
	ErrTLSFilePair       = errors.New("config: TLS_CERT_FILE and TLS_KEY_FILE must both be set or both be empty")
	ErrInvalidRateOrder  = errors.New("config: rate limits must satisfy per-minute <= per-hour <= per-day")
)

// Load reads Config from the environment using the SDPBROKER_ prefix, then
// validates it.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: "SDPBROKER_"}); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// MasterKey decodes MasterKeyHex into the 32-byte key CryptoBox expects.
func (c *Config) MasterKey() ([]byte, error) {
	key, err := hex.DecodeString(c.MasterKeyHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMasterKey, err)
	}
	if len(key) != 32 {
		return nil, ErrInvalidMasterKey
	}
	return key, nil
}

// CallLimits renders the three advisory per-tenant call-budget windows.
func (c *Config) CallLimits() ratecoord.CallLimits {
	return ratecoord.CallLimits{
		PerMinute: c.RateLimitPerMinute,
		PerHour:   c.RateLimitPerHour,
		PerDay:    c.RateLimitPerDay,
	}
}

// Addr returns the listen address in host:port form.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.ListenHost, c.ListenPort)
}

// TLSEnabled reports whether both TLS files are configured.
func (c *Config) TLSEnabled() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != ""
}

// Validate checks the cross-field invariants env tags alone cannot express.
func (c *Config) Validate() error {
	if c.MasterKeyHex == "" {
		return ErrMissingMasterKey
	}
	if _, err := c.MasterKey(); err != nil {
		return err
	}
	if !tenant.DataCenter(c.DefaultDataCenter).Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidDataCenter, c.DefaultDataCenter)
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return ErrTLSFilePair
	}
	if c.RateLimitPerMinute > c.RateLimitPerHour || c.RateLimitPerHour > c.RateLimitPerDay {
		return ErrInvalidRateOrder
	}
	return nil
}
