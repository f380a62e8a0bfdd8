// Package redis provides Redis connection management and the Redis-backed
// quota store.
package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/turtacn/tap/internal/config"
	"github.com/turtacn/tap/pkg/errors"
	"github.com/turtacn/tap/pkg/logger"
)

// RedisConnection manages the Redis client lifecycle.
type RedisConnection struct {
	Client redis.UniversalClient
	logger logger.Logger
}

// NewRedisConnection creates a Redis connection manager and verifies
// connectivity with an initial ping.
func NewRedisConnection(cfg *config.RedisConfig, log logger.Logger) (*RedisConnection, error) {
	if cfg == nil || len(cfg.Addresses) == 0 {
		return nil, errors.ErrInvalidRequest("redis addresses are required")
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        cfg.Addresses,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.ErrUnavailable("failed to connect to redis").WithCause(err)
	}

	log.Info(context.Background(), "redis connection established",
		logger.Any("addresses", cfg.Addresses),
		logger.Int("db", cfg.DB),
	)

	return &RedisConnection{Client: client, logger: log}, nil
}

// HealthCheck pings the server.
func (c *RedisConnection) HealthCheck(ctx context.Context) error {
	return c.Client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (c *RedisConnection) Close() error {
	return c.Client.Close()
}
