// Package postgres provides the PostgreSQL-backed quota store and the
// connection management around it.
package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/turtacn/tap/internal/config"
	"github.com/turtacn/tap/pkg/errors"
	"github.com/turtacn/tap/pkg/logger"
)

// DBConnection manages the pgx connection pool lifecycle.
type DBConnection struct {
	Pool   *pgxpool.Pool
	logger logger.Logger
}

// NewDBConnection creates a connection pool and verifies connectivity with an
// initial ping.
func NewDBConnection(ctx context.Context, cfg *config.DatabaseConfig, log logger.Logger) (*DBConnection, error) {
	if cfg == nil || cfg.Host == "" {
		return nil, errors.ErrInvalidRequest("database host is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.GetDSN())
	if err != nil {
		return nil, errors.ErrServerError("failed to parse database connection string").WithCause(err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = int32(cfg.MinConns)
	}
	if cfg.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = time.Duration(cfg.MaxConnLifetime) * time.Minute
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, errors.ErrUnavailable("failed to create database connection pool").WithCause(err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, errors.ErrUnavailable("failed to connect to database").WithCause(err)
	}

	log.Info(ctx, "postgres connection pool established",
		logger.String("host", cfg.Host),
		logger.Int("port", cfg.Port),
		logger.String("database", cfg.Database),
	)

	return &DBConnection{Pool: pool, logger: log}, nil
}

// HealthCheck pings the database.
func (c *DBConnection) HealthCheck(ctx context.Context) error {
	return c.Pool.Ping(ctx)
}

// Close closes the pool.
func (c *DBConnection) Close() {
	c.Pool.Close()
}
