package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/victoralfred/execution-engine/internal/core/domain"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), *cfg)
	assert.False(t, cfg.IsProduction())
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
  environment: production
  cors:
    allowed_origins: ["https://desk.example.com"]
engine:
  book_max_age: 2s
  router:
    mode: conservative
    max_venues: 2
  predictor:
    lot_size: "0.001"
redis:
  enabled: true
  addr: redis:6379
kafka:
  enabled: true
  brokers: ["k1:9092", "k2:9092"]
`), 0o600))

	t.Setenv("EXEC_SERVER_PORT", "9191")
	t.Setenv("EXEC_ENGINE_MONITOR_WARNING_THRESHOLD_BPS", "7.5")
	t.Setenv("EXEC_POSTGRES_HOST", "db")
	t.Setenv("EXEC_JOBS_EXPIRY_SCHEDULE", "@every 5s")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Server.Port)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, []string{"https://desk.example.com"}, cfg.Server.CORS.AllowedOrigins)
	assert.Equal(t, 2*time.Second, cfg.Engine.BookMaxAge)
	assert.Equal(t, domain.CostModeConservative, cfg.Engine.Router.Mode)
	assert.Equal(t, 2, cfg.Engine.Router.MaxVenues)
	assert.True(t, decimal.RequireFromString("0.001").Equal(cfg.Engine.Predictor.LotSize))
	assert.Equal(t, 7.5, cfg.Engine.Monitor.WarningThresholdBps)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "execution-events", cfg.Kafka.Topic)
	assert.Equal(t, "db", cfg.Postgres.Host)
	assert.Equal(t, "@every 5s", cfg.Jobs.ExpirySchedule)
	// untouched sections keep their defaults
	assert.Equal(t, Default().Engine.Scheduler, cfg.Engine.Scheduler)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port", func(c *Config) { c.Server.Port = 0 }},
		{"backend", func(c *Config) { c.Server.RateLimit.Backend = "memcached" }},
		{"redis backend without redis", func(c *Config) { c.Server.RateLimit.Backend = "redis" }},
		{"rate", func(c *Config) { c.Server.RateLimit.RequestsPerMinute = 0 }},
		{"metrics path", func(c *Config) { c.Server.Metrics.Path = "metrics" }},
		{"redis addr", func(c *Config) { c.Redis.Enabled = true; c.Redis.Addr = "" }},
		{"kafka brokers", func(c *Config) { c.Kafka.Enabled = true; c.Kafka.Brokers = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := Default()
	cfg.Server.RateLimit.Enabled = false
	cfg.Server.RateLimit.Backend = "anything"
	assert.NoError(t, cfg.Validate())
}
