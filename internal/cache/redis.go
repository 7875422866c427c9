// SPDX-License-Identifier: MIT

// Package cache owns the connection to the coordination cache (Redis).
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Config holds Redis connection configuration.
type Config struct {
	Addr     string // Redis server address (host:port)
	Password string // Redis password (optional)
	DB       int    // Redis database number
}

// Connect dials Redis and verifies the connection with a ping.
// The daemon still starts when this fails; the circuit breaker keeps
// the coordinator on the direct path until the recovery probe succeeds.
func Connect(cfg Config, logger zerolog.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 5,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return client, fmt.Errorf("redis connection failed: %w", err)
	}

	logger.Info().
		Str("addr", cfg.Addr).
		Int("db", cfg.DB).
		Msg("connected to Redis")

	return client, nil
}

// EnableExpiryEvents turns on keyspace expiry notifications so the
// lease expiry listener receives __keyevent__:expired messages.
// Best effort: managed Redis deployments often disallow CONFIG SET,
// in which case the operator must set notify-keyspace-events=Ex.
func EnableExpiryEvents(ctx context.Context, client *redis.Client, logger zerolog.Logger) {
	if err := client.ConfigSet(ctx, "notify-keyspace-events", "Ex").Err(); err != nil {
		logger.Warn().Err(err).Msg("could not enable keyspace expiry notifications")
	}
}

// ExpiredChannel returns the pub/sub pattern carrying key expirations
// for the given Redis database.
func ExpiredChannel(db int) string {
	return fmt.Sprintf("__keyevent@%d__:expired", db)
}
