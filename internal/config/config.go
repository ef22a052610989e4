// Package config loads the service configuration from defaults, an optional
// YAML file and EXEC_ prefixed environment variables, in that order of
// precedence.
package config

import (
	"encoding"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"github.com/victoralfred/execution-engine/internal/adapters/venue"
	"github.com/victoralfred/execution-engine/internal/core/services/engine"
	"github.com/victoralfred/execution-engine/internal/infrastructure/kafka"
	"github.com/victoralfred/execution-engine/internal/infrastructure/postgres"
	"github.com/victoralfred/execution-engine/internal/infrastructure/redis"
	"github.com/victoralfred/execution-engine/internal/jobs"
	"github.com/victoralfred/execution-engine/internal/logging"
)

// EnvPrefix prefixes every environment override, e.g. EXEC_SERVER_PORT
const EnvPrefix = "EXEC"

// Config holds the application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  logging.Config `mapstructure:"logging"`
	Engine   engine.Config  `mapstructure:"engine"`
	Venue    venue.Config   `mapstructure:"venue"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Jobs     jobs.Config    `mapstructure:"jobs"`
}

// ServerConfig holds the HTTP server settings
type ServerConfig struct {
	Port            int             `mapstructure:"port"`
	Environment     string          `mapstructure:"environment"`
	Version         string          `mapstructure:"version"`
	ReadTimeout     time.Duration   `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration   `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration   `mapstructure:"shutdown_timeout"`
	CORS            CORSConfig      `mapstructure:"cors"`
	RateLimit       RateLimitConfig `mapstructure:"rate_limit"`
	Metrics         MetricsConfig   `mapstructure:"metrics"`
}

// CORSConfig holds CORS configuration
type CORSConfig struct {
	AllowedOrigins   []string      `mapstructure:"allowed_origins"`
	AllowedMethods   []string      `mapstructure:"allowed_methods"`
	AllowedHeaders   []string      `mapstructure:"allowed_headers"`
	ExposedHeaders   []string      `mapstructure:"exposed_headers"`
	AllowCredentials bool          `mapstructure:"allow_credentials"`
	MaxAge           time.Duration `mapstructure:"max_age"`
}

// RateLimitConfig holds rate limiting configuration. Backend is local or
// redis; the redis backend needs Redis enabled.
type RateLimitConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	Backend           string `mapstructure:"backend"`
	RequestsPerMinute int    `mapstructure:"requests_per_minute"`
	Burst             int    `mapstructure:"burst"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// RedisConfig enables the record stream and the shared rate limiter
type RedisConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	redis.Config `mapstructure:",squash"`
}

// PostgresConfig enables the slippage record table
type PostgresConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	BatchSize       int  `mapstructure:"batch_size"`
	postgres.Config `mapstructure:",squash"`
}

// KafkaConfig enables event forwarding
type KafkaConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	kafka.Config `mapstructure:",squash"`
}

// Default returns the configuration used when nothing overrides it
func Default() Config {
	pg := postgres.Config{
		Host:        "localhost",
		Port:        5432,
		User:        "postgres",
		Database:    "execution",
		SSLMode:     "disable",
		MaxConns:    10,
		MinConns:    1,
		MaxLifetime: time.Hour,
	}
	return Config{
		Server: ServerConfig{
			Port:            8080,
			Environment:     "development",
			Version:         "dev",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			CORS: CORSConfig{
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Origin", "Content-Type", "Accept", "X-Request-ID"},
				ExposedHeaders: []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "Retry-After"},
				MaxAge:         12 * time.Hour,
			},
			RateLimit: RateLimitConfig{
				Enabled:           true,
				Backend:           "local",
				RequestsPerMinute: 6000,
				Burst:             200,
			},
			Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
		},
		Logging:  logging.DefaultConfig(),
		Engine:   engine.DefaultConfig(),
		Venue:    venue.DefaultConfig(),
		Redis:    RedisConfig{Config: redis.DefaultConfig()},
		Postgres: PostgresConfig{BatchSize: 500, Config: pg},
		Kafka:    KafkaConfig{Config: kafka.DefaultConfig()},
		Jobs:     jobs.DefaultConfig(),
	}
}

// Load reads the configuration. path may be empty, in which case only
// defaults and the environment apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := Default()
	if err := bindEnv(v, "", reflect.TypeOf(cfg)); err != nil {
		return nil, err
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var textUnmarshaler = reflect.TypeOf((*encoding.TextUnmarshaler)(nil)).Elem()

// bindEnv registers every leaf key so AutomaticEnv can see it during
// Unmarshal. Values that decode from text, such as decimals, are leaves.
func bindEnv(v *viper.Viper, prefix string, t reflect.Type) error {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name, opts, _ := strings.Cut(f.Tag.Get("mapstructure"), ",")
		key := prefix
		if opts != "squash" {
			if name == "" {
				name = strings.ToLower(f.Name)
			}
			key = join(prefix, name)
		}
		if f.Type.Kind() == reflect.Struct && !reflect.PointerTo(f.Type).Implements(textUnmarshaler) {
			if err := bindEnv(v, key, f.Type); err != nil {
				return err
			}
			continue
		}
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}
	return nil
}

func join(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

// Validate rejects settings the service cannot start with
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	rl := c.Server.RateLimit
	if rl.Enabled {
		switch rl.Backend {
		case "local":
		case "redis":
			if !c.Redis.Enabled {
				return fmt.Errorf("rate_limit backend redis requires redis.enabled")
			}
		default:
			return fmt.Errorf("unknown rate_limit backend %q", rl.Backend)
		}
		if rl.RequestsPerMinute <= 0 {
			return fmt.Errorf("rate_limit.requests_per_minute must be positive")
		}
	}
	if c.Server.Metrics.Enabled && !strings.HasPrefix(c.Server.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path %q must start with /", c.Server.Metrics.Path)
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}
	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "") {
		return fmt.Errorf("kafka.brokers and kafka.topic are required when kafka is enabled")
	}
	return nil
}

// IsProduction reports whether the service runs in production
func (c *Config) IsProduction() bool {
	return c.Server.Environment == "production"
}
