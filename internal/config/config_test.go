package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_DefaultsApplied(t *testing.T) {
	path := writeConfig(t, `
db:
  dsn: postgres://localhost:5432/dispatch
bus:
  backend: memory
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, int32(10), cfg.DB.MaxConns)
	require.Equal(t, "crawl-events", cfg.Bus.Topic)
	require.Equal(t, 5, cfg.Scheduler.PassIntervalSeconds)
	require.Equal(t, 5*time.Second, cfg.PassInterval())
	require.Equal(t, 10, cfg.Scheduler.BatchSize)
	require.Equal(t, 8, cfg.Scheduler.HighBandCap)
	require.Equal(t, 0.5, cfg.Gateway.BreakerFailureRatio)
	require.Equal(t, 3, cfg.Directory.FailureThreshold)
	require.Equal(t, 10, cfg.Outbox.MaxRetries)
	require.True(t, cfg.Logging.Development)
	require.False(t, cfg.Cache.Enabled)
}

func TestLoad_EndpointsParsed(t *testing.T) {
	path := writeConfig(t, `
db:
  dsn: postgres://localhost:5432/dispatch
bus:
  backend: memory
endpoints:
  browser:
    endpoints:
      - http://a:9000
      - http://b:9000
    relay: http://relay:9000
  api:
    endpoints:
      - http://c:9000
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, []string{"http://a:9000", "http://b:9000"}, cfg.Endpoints["browser"].Endpoints)
	require.Equal(t, "http://relay:9000", cfg.Endpoints["browser"].Relay)
	require.Empty(t, cfg.Endpoints["api"].Relay)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("DISPATCH_DB_DSN", "postgres://env:5432/dispatch")
	t.Setenv("DISPATCH_BUS_BACKEND", "nats")
	t.Setenv("DISPATCH_BUS_NATS_URL", "nats://localhost:4222")
	t.Setenv("DISPATCH_SERVER_PORT", "9090")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "postgres://env:5432/dispatch", cfg.DB.DSN)
	require.Equal(t, "nats", cfg.Bus.Backend)
	require.Equal(t, 9090, cfg.Server.Port)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "read config")
}

func TestValidate_Failures(t *testing.T) {
	t.Parallel()

	valid := func() Config {
		return Config{
			Server:    ServerConfig{Port: 8080},
			DB:        DBConfig{DSN: "postgres://localhost:5432/dispatch"},
			Bus:       BusConfig{Backend: "memory"},
			Scheduler: SchedulerConfig{BatchSize: 10, HighBandCap: 8},
			Gateway:   GatewayConfig{BreakerFailureRatio: 0.5},
			Directory: DirectoryConfig{FailureThreshold: 3},
		}
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name    string
		mutate  func(*Config)
		message string
	}{
		{"missing port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"missing dsn", func(c *Config) { c.DB.DSN = "" }, "db.dsn"},
		{"unknown bus backend", func(c *Config) { c.Bus.Backend = "kafka" }, "bus.backend"},
		{"pubsub without project", func(c *Config) { c.Bus.Backend = "pubsub" }, "bus.project_id"},
		{"nats without url", func(c *Config) { c.Bus.Backend = "nats" }, "bus.nats_url"},
		{"cache enabled without address", func(c *Config) { c.Cache.Enabled = true }, "cache.address"},
		{"zero batch size", func(c *Config) { c.Scheduler.BatchSize = 0 }, "scheduler.batch_size"},
		{"band cap above batch", func(c *Config) { c.Scheduler.HighBandCap = 11 }, "high_band_cap"},
		{"negative band cap", func(c *Config) { c.Scheduler.HighBandCap = -1 }, "high_band_cap"},
		{"ratio above one", func(c *Config) { c.Gateway.BreakerFailureRatio = 1.5 }, "breaker_failure_ratio"},
		{"zero ratio", func(c *Config) { c.Gateway.BreakerFailureRatio = 0 }, "breaker_failure_ratio"},
		{"zero failure threshold", func(c *Config) { c.Directory.FailureThreshold = 0 }, "failure_threshold"},
		{"auth without key", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := valid()
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.message)
		})
	}
}
