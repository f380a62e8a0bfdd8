// Package config holds the tap service configuration. Values are loaded by the
// viper-based loader in this package; the structs below are the only surface the
// rest of the service sees.
package config

import (
	"fmt"
	"time"

	"github.com/turtacn/tap/pkg/constants"
)

// Config holds the application's configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Database DatabaseConfig `mapstructure:"database"`
	Quota    QuotaConfig    `mapstructure:"quota"`
	Funder   FunderConfig   `mapstructure:"funder"`
	Bypass   BypassConfig   `mapstructure:"bypass"`
	Check    CheckConfig    `mapstructure:"check"`
	History  HistoryConfig  `mapstructure:"history"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Vault    VaultConfig    `mapstructure:"vault"`
	Log      LogConfig      `mapstructure:"log"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

type ServerConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	Environment    string        `mapstructure:"environment"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`

	// AdminToken protects the administrative endpoints. When empty the admin
	// surface stays closed.
	AdminToken string `mapstructure:"admin_token"`
}

type RedisConfig struct {
	Addresses    []string `mapstructure:"addresses"`
	Password     string   `mapstructure:"password"`
	DB           int      `mapstructure:"db"`
	PoolSize     int      `mapstructure:"pool_size"`
	MinIdleConns int      `mapstructure:"min_idle_conns"`
}

type DatabaseConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	Database        string `mapstructure:"database"`
	SSLMode         string `mapstructure:"ssl_mode"`
	MaxConns        int    `mapstructure:"max_conns"`
	MinConns        int    `mapstructure:"min_conns"`
	MaxConnLifetime int    `mapstructure:"max_conn_lifetime"` // in minutes
}

func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// QuotaConfig drives the quota store and the quota checker. Limits and window
// are hot-reloadable; the store kind is fixed at startup.
type QuotaConfig struct {
	// Store selects the quota store backend: redis, postgres, or memory.
	Store string `mapstructure:"store"`

	// PerIPLimit is the funding allowance per source IP per window.
	PerIPLimit uint64 `mapstructure:"per_ip_limit"`

	// PerAccountLimit is the funding allowance per recipient account per window.
	PerAccountLimit uint64 `mapstructure:"per_account_limit"`

	// Window is the fixed quota window duration.
	Window time.Duration `mapstructure:"window"`

	// ReservationLease bounds how long an unresolved reservation holds quota.
	ReservationLease time.Duration `mapstructure:"reservation_lease"`
}

// FunderConfig holds the funding identity and disbursement policy.
type FunderConfig struct {
	// Address is the funding account address.
	Address string `mapstructure:"address"`

	// KeySource selects where the signing key comes from: config or vault.
	KeySource string `mapstructure:"key_source"`

	// PrivateKeyHex is the hex-encoded ed25519 seed when key_source is config.
	PrivateKeyHex string `mapstructure:"private_key_hex"`

	// ChainEndpoint is the node REST endpoint transactions are submitted to.
	ChainEndpoint string `mapstructure:"chain_endpoint"`

	// MinimumAmount and MaximumAmount bound a single disbursement.
	MinimumAmount uint64 `mapstructure:"minimum_amount"`
	MaximumAmount uint64 `mapstructure:"maximum_amount"`

	// ConfirmationTimeout bounds the wait for on-chain confirmation.
	ConfirmationTimeout time.Duration `mapstructure:"confirmation_timeout"`

	// MaxAttempts is the internal retry budget per request.
	MaxAttempts int `mapstructure:"max_attempts"`
}

// BypassConfig lists credentials and ranges that skip the checker chain.
type BypassConfig struct {
	// AuthTokens are opaque bearer credentials granting unconditional admission.
	AuthTokens []string `mapstructure:"auth_tokens"`

	// JWTSecret, when set, also accepts HMAC-signed JWTs carrying tap:bypass=true.
	JWTSecret string `mapstructure:"jwt_secret"`

	// AllowCIDRs are source ranges granting unconditional admission.
	AllowCIDRs []string `mapstructure:"allow_cidrs"`
}

// CheckConfig holds the non-quota checker policy.
type CheckConfig struct {
	// BlockCIDRs are source ranges that are always rejected.
	BlockCIDRs []string `mapstructure:"block_cidrs"`

	// DeniedTokens are credentials that are always rejected.
	DeniedTokens []string `mapstructure:"denied_tokens"`
}

// HistoryConfig drives the request history repository and its reaper.
type HistoryConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	RowTTL         time.Duration `mapstructure:"row_ttl"`
	ReaperInterval time.Duration `mapstructure:"reaper_interval"`
}

type KafkaConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	BatchSize    int           `mapstructure:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	RequiredAcks int           `mapstructure:"required_acks"`
}

type VaultConfig struct {
	Address   string `mapstructure:"address"`
	Token     string `mapstructure:"token"`
	MountPath string `mapstructure:"mount_path"`
	KeyPath   string `mapstructure:"key_path"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type TracingConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	JaegerEndpoint string  `mapstructure:"jaeger_endpoint"`
	ServiceName    string  `mapstructure:"service_name"`
	Environment    string  `mapstructure:"environment"`
	SamplingRate   float64 `mapstructure:"sampling_rate"`
}

// Validate checks for essential configuration values.
func (c *Config) Validate() error {
	switch c.Quota.Store {
	case "redis", "postgres", "memory":
	default:
		return fmt.Errorf("quota.store must be redis, postgres, or memory, got %q", c.Quota.Store)
	}
	if c.Quota.PerIPLimit == 0 {
		return fmt.Errorf("quota.per_ip_limit must be positive")
	}
	if c.Quota.Window <= 0 {
		return fmt.Errorf("quota.window must be positive")
	}
	if c.Quota.ReservationLease <= 0 {
		return fmt.Errorf("quota.reservation_lease must be positive")
	}
	if c.Funder.Address == "" {
		return fmt.Errorf("funder.address is required")
	}
	switch c.Funder.KeySource {
	case "config":
		if c.Funder.PrivateKeyHex == "" {
			return fmt.Errorf("funder.private_key_hex is required when key_source is config")
		}
	case "vault":
		if c.Vault.Address == "" {
			return fmt.Errorf("vault.address is required when funder.key_source is vault")
		}
	default:
		return fmt.Errorf("funder.key_source must be config or vault, got %q", c.Funder.KeySource)
	}
	if c.Funder.ChainEndpoint == "" {
		return fmt.Errorf("funder.chain_endpoint is required")
	}
	if c.Funder.MaximumAmount == 0 {
		return fmt.Errorf("funder.maximum_amount must be positive")
	}
	if c.Funder.MaxAttempts <= 0 {
		return fmt.Errorf("funder.max_attempts must be positive")
	}
	if c.Funder.ConfirmationTimeout <= 0 {
		return fmt.Errorf("funder.confirmation_timeout must be positive")
	}
	return nil
}

// applyDefaults fills zero values that have sane service-wide defaults.
func (c *Config) applyDefaults() {
	if c.Quota.PerAccountLimit == 0 {
		c.Quota.PerAccountLimit = c.Quota.PerIPLimit
	}
	if c.History.RowTTL == 0 {
		c.History.RowTTL = constants.DefaultHistoryRowTTL
	}
	if c.History.ReaperInterval == 0 {
		c.History.ReaperInterval = constants.DefaultReaperInterval
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = constants.ServiceName
	}
	if c.Tracing.SamplingRate == 0 {
		c.Tracing.SamplingRate = 1
	}
}
