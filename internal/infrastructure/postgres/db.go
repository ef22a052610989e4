// Package postgres persists slippage records to PostgreSQL through pgx.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Config holds database configuration
type Config struct {
	Host             string        `mapstructure:"host"`
	Port             int           `mapstructure:"port"`
	User             string        `mapstructure:"user"`
	Password         string        `mapstructure:"password"`
	Database         string        `mapstructure:"database"`
	SSLMode          string        `mapstructure:"ssl_mode"`
	ConnectionString string        `mapstructure:"connection_string"`
	MaxConns         int           `mapstructure:"max_conns"`
	MinConns         int           `mapstructure:"min_conns"`
	MaxLifetime      time.Duration `mapstructure:"max_lifetime"`
}

// DSN returns the connection string, building it from the parts when no
// explicit string is configured
func (c Config) DSN() (string, error) {
	if c.ConnectionString != "" {
		return c.ConnectionString, nil
	}
	if c.Host == "" {
		return "", fmt.Errorf("host is required")
	}
	if c.Port == 0 {
		return "", fmt.Errorf("invalid port")
	}
	if c.User == "" {
		return "", fmt.Errorf("user is required")
	}
	if c.Database == "" {
		return "", fmt.Errorf("database is required")
	}
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, sslMode), nil
}

// NewPool opens and verifies a connection pool
func NewPool(ctx context.Context, config Config) (*pgxpool.Pool, error) {
	dsn, err := config.DSN()
	if err != nil {
		return nil, err
	}
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = int32(config.MaxConns)
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = int32(config.MinConns)
	}
	if config.MaxLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}
