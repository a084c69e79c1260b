// Package config loads and validates dispatcher configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig              `mapstructure:"server"`
	Auth      AuthConfig                `mapstructure:"auth"`
	DB        DBConfig                  `mapstructure:"db"`
	Bus       BusConfig                 `mapstructure:"bus"`
	Cache     CacheConfig               `mapstructure:"cache"`
	Scheduler SchedulerConfig           `mapstructure:"scheduler"`
	Gateway   GatewayConfig             `mapstructure:"gateway"`
	Directory DirectoryConfig           `mapstructure:"directory"`
	Outbox    OutboxConfig              `mapstructure:"outbox"`
	Health    HealthConfig              `mapstructure:"health"`
	Endpoints map[string]EndpointConfig `mapstructure:"endpoints"`
	Logging   LoggingConfig             `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// DBConfig controls access to Postgres.
type DBConfig struct {
	DSN                string `mapstructure:"dsn"`
	MaxConns           int32  `mapstructure:"max_conns"`
	MinConns           int32  `mapstructure:"min_conns"`
	MaxConnLifetimeMin int    `mapstructure:"max_conn_lifetime_minutes"`
}

// BusConfig selects and configures the event bus backend.
type BusConfig struct {
	Backend   string `mapstructure:"backend"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
	NatsURL   string `mapstructure:"nats_url"`
}

// CacheConfig configures read-side cache invalidation.
type CacheConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// SchedulerConfig governs the dispatch loop.
type SchedulerConfig struct {
	PassIntervalSeconds  int `mapstructure:"pass_interval_seconds"`
	BatchSize            int `mapstructure:"batch_size"`
	HighBandCap          int `mapstructure:"high_band_cap"`
	DefaultMaxRetries    int `mapstructure:"default_max_retries"`
	RetryBaseDelaySecond int `mapstructure:"retry_base_delay_seconds"`
	RetryMaxDelayMinutes int `mapstructure:"retry_max_delay_minutes"`
}

// GatewayConfig governs agent calls and the circuit breaker.
type GatewayConfig struct {
	AttemptTimeoutSeconds  int     `mapstructure:"attempt_timeout_seconds"`
	BreakerWindowSeconds   int     `mapstructure:"breaker_window_seconds"`
	BreakerFailureRatio    float64 `mapstructure:"breaker_failure_ratio"`
	BreakerMinThroughput   int     `mapstructure:"breaker_min_throughput"`
	BreakerCooldownSeconds int     `mapstructure:"breaker_cooldown_seconds"`
}

// DirectoryConfig governs agent health probing.
type DirectoryConfig struct {
	FailureThreshold     int `mapstructure:"failure_threshold"`
	CheckIntervalSeconds int `mapstructure:"check_interval_seconds"`
	CheckTimeoutSeconds  int `mapstructure:"check_timeout_seconds"`
}

// OutboxConfig governs the publisher loop.
type OutboxConfig struct {
	IntervalSeconds    int `mapstructure:"interval_seconds"`
	BatchSize          int `mapstructure:"batch_size"`
	MaxRetries         int `mapstructure:"max_retries"`
	BaseBackoffSeconds int `mapstructure:"base_backoff_seconds"`
	MaxBackoffMinutes  int `mapstructure:"max_backoff_minutes"`
}

// HealthConfig governs the periodic health sampler.
type HealthConfig struct {
	IntervalMinutes    int     `mapstructure:"interval_minutes"`
	WindowHours        int     `mapstructure:"window_hours"`
	SnapshotTTLSeconds int     `mapstructure:"snapshot_ttl_seconds"`
	SuccessRateFloor   float64 `mapstructure:"success_rate_floor"`
	MinSampleSize      int     `mapstructure:"min_sample_size"`
}

// EndpointConfig lists the endpoints for one crawler type plus an optional
// relay used as the fallback of last resort.
type EndpointConfig struct {
	Endpoints []string `mapstructure:"endpoints"`
	Relay     string   `mapstructure:"relay"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DISPATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	// Empty defaults register the keys so AutomaticEnv can resolve them.
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 2)
	v.SetDefault("db.max_conn_lifetime_minutes", 30)
	v.SetDefault("bus.backend", "pubsub")
	v.SetDefault("bus.project_id", "")
	v.SetDefault("bus.topic", "crawl-events")
	v.SetDefault("bus.nats_url", "")
	v.SetDefault("cache.enabled", false)
	v.SetDefault("cache.address", "")
	v.SetDefault("cache.password", "")
	v.SetDefault("cache.db", 0)
	v.SetDefault("scheduler.pass_interval_seconds", 5)
	v.SetDefault("scheduler.batch_size", 10)
	v.SetDefault("scheduler.high_band_cap", 8)
	v.SetDefault("scheduler.default_max_retries", 2)
	v.SetDefault("scheduler.retry_base_delay_seconds", 30)
	v.SetDefault("scheduler.retry_max_delay_minutes", 15)
	v.SetDefault("gateway.attempt_timeout_seconds", 60)
	v.SetDefault("gateway.breaker_window_seconds", 60)
	v.SetDefault("gateway.breaker_failure_ratio", 0.5)
	v.SetDefault("gateway.breaker_min_throughput", 10)
	v.SetDefault("gateway.breaker_cooldown_seconds", 30)
	v.SetDefault("directory.failure_threshold", 3)
	v.SetDefault("directory.check_interval_seconds", 30)
	v.SetDefault("directory.check_timeout_seconds", 5)
	v.SetDefault("outbox.interval_seconds", 30)
	v.SetDefault("outbox.batch_size", 100)
	v.SetDefault("outbox.max_retries", 10)
	v.SetDefault("outbox.base_backoff_seconds", 60)
	v.SetDefault("outbox.max_backoff_minutes", 60)
	v.SetDefault("health.interval_minutes", 5)
	v.SetDefault("health.window_hours", 24)
	v.SetDefault("health.snapshot_ttl_seconds", 30)
	v.SetDefault("health.success_rate_floor", 0.5)
	v.SetDefault("health.min_sample_size", 10)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.DB.DSN == "" {
		return fmt.Errorf("db.dsn is required")
	}
	switch c.Bus.Backend {
	case "pubsub":
		if c.Bus.ProjectID == "" {
			return fmt.Errorf("bus.project_id is required for the pubsub backend")
		}
	case "nats":
		if c.Bus.NatsURL == "" {
			return fmt.Errorf("bus.nats_url is required for the nats backend")
		}
	case "memory":
	default:
		return fmt.Errorf("bus.backend must be pubsub, nats or memory")
	}
	if c.Cache.Enabled && c.Cache.Address == "" {
		return fmt.Errorf("cache.address must be set when the cache is enabled")
	}
	if c.Scheduler.BatchSize <= 0 {
		return fmt.Errorf("scheduler.batch_size must be > 0")
	}
	if c.Scheduler.HighBandCap < 0 || c.Scheduler.HighBandCap > c.Scheduler.BatchSize {
		return fmt.Errorf("scheduler.high_band_cap must be between 0 and scheduler.batch_size")
	}
	if c.Gateway.BreakerFailureRatio <= 0 || c.Gateway.BreakerFailureRatio > 1 {
		return fmt.Errorf("gateway.breaker_failure_ratio must be in (0, 1]")
	}
	if c.Directory.FailureThreshold <= 0 {
		return fmt.Errorf("directory.failure_threshold must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// PassInterval returns the scheduler tick as a duration.
func (c Config) PassInterval() time.Duration {
	return time.Duration(c.Scheduler.PassIntervalSeconds) * time.Second
}
