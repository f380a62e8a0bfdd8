package config

import (
	"context"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/turtacn/tap/pkg/constants"
	"github.com/turtacn/tap/pkg/errors"
	"github.com/turtacn/tap/pkg/logger"
)

// Loader loads the configuration and supports watching for limit changes.
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a Loader reading from the given path (or the default
// search path when empty), with TAP_-prefixed environment overrides.
func NewLoader(configPath string) *Loader {
	v := viper.New()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("quota.store", "redis")
	v.SetDefault("quota.per_ip_limit", constants.DefaultQuotaLimit)
	v.SetDefault("quota.window", constants.DefaultQuotaWindow)
	v.SetDefault("quota.reservation_lease", constants.DefaultReservationLease)
	v.SetDefault("funder.key_source", "config")
	v.SetDefault("funder.maximum_amount", constants.DefaultMaximumAmount)
	v.SetDefault("funder.confirmation_timeout", constants.DefaultConfirmationTimeout)
	v.SetDefault("funder.max_attempts", constants.DefaultMaxFundAttempts)
	v.SetDefault("history.row_ttl", constants.DefaultHistoryRowTTL)
	v.SetDefault("history.reaper_interval", constants.DefaultReaperInterval)
	v.SetDefault("kafka.topic", "tap.funding.events")
	v.SetDefault("kafka.write_timeout", 10*time.Second)
	v.SetDefault("kafka.batch_timeout", time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/tap/")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("TAP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return &Loader{v: v}
}

// Load reads, unmarshals, and validates the configuration.
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.ErrInvalidRequest("failed to read config file").WithCause(err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, errors.ErrInvalidRequest("failed to unmarshal config").WithCause(err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errors.ErrInvalidRequest("invalid configuration").WithCause(err)
	}

	return &cfg, nil
}

// Watch re-loads the configuration whenever the file changes and invokes
// onChange with the new value. Only hot-reloadable fields (quota limits and
// window) should be consumed from watched configs; everything else is fixed
// at startup.
func (l *Loader) Watch(log logger.Logger, onChange func(*Config)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		ctx := context.Background()
		cfg, err := l.Load()
		if err != nil {
			log.Warn(ctx, "ignoring config change: reload failed",
				logger.String("file", e.Name),
				logger.String("error", err.Error()),
			)
			return
		}
		log.Info(ctx, "configuration reloaded",
			logger.String("file", e.Name),
			logger.Uint64("per_ip_limit", cfg.Quota.PerIPLimit),
			logger.Duration("window", cfg.Quota.Window),
		)
		onChange(cfg)
	})
	l.v.WatchConfig()
}
