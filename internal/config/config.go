// SPDX-License-Identifier: MIT

// Package config loads and validates daemon configuration from the
// environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the full daemon configuration. Values come from the
// environment; every duration has a production default so a minimal
// deployment only needs the listen address and the two store DSNs.
type Config struct {
	ListenAddr string // SPOTD_LISTEN, e.g. ":8080"
	BaseURL    string // SPOTD_BASE_URL, public base for payment return URLs

	PostgresDSN string // SPOTD_POSTGRES_DSN

	RedisAddr     string // SPOTD_REDIS_ADDR
	RedisPassword string // SPOTD_REDIS_PASSWORD
	RedisDB       int    // SPOTD_REDIS_DB

	StripeSecretKey string // SPOTD_STRIPE_SECRET_KEY
	Currency        string // SPOTD_CURRENCY, ISO 4217 lowercase

	LeaseTTL        time.Duration // guard TTL while the user decides
	PaymentLeaseTTL time.Duration // metadata TTL once checkout starts
	PendingTTL      time.Duration // direct-path pending booking lifetime
	FallbackConnTTL time.Duration // DB shadow connection row lifetime

	RecoveryInterval time.Duration // cache recovery probe
	SweepInterval    time.Duration // pending/connection sweepers
	PollInterval     time.Duration // cross-instance DB poller
	PollLookback     time.Duration // how far back the poller looks

	LogLevel string
}

// FromEnv builds a Config from the process environment.
func FromEnv() (Config, error) {
	cfg := Config{
		ListenAddr:       envStr("SPOTD_LISTEN", ":8080"),
		BaseURL:          envStr("SPOTD_BASE_URL", "http://localhost:8080"),
		PostgresDSN:      os.Getenv("SPOTD_POSTGRES_DSN"),
		RedisAddr:        envStr("SPOTD_REDIS_ADDR", "localhost:6379"),
		RedisPassword:    os.Getenv("SPOTD_REDIS_PASSWORD"),
		StripeSecretKey:  os.Getenv("SPOTD_STRIPE_SECRET_KEY"),
		Currency:         envStr("SPOTD_CURRENCY", "eur"),
		LeaseTTL:         envDur("SPOTD_LEASE_TTL", 240*time.Second),
		PaymentLeaseTTL:  envDur("SPOTD_PAYMENT_LEASE_TTL", 600*time.Second),
		PendingTTL:       envDur("SPOTD_PENDING_TTL", 4*time.Minute),
		FallbackConnTTL:  envDur("SPOTD_FALLBACK_CONN_TTL", 5*time.Minute),
		RecoveryInterval: envDur("SPOTD_RECOVERY_INTERVAL", 30*time.Second),
		SweepInterval:    envDur("SPOTD_SWEEP_INTERVAL", time.Minute),
		PollInterval:     envDur("SPOTD_POLL_INTERVAL", 3*time.Second),
		PollLookback:     envDur("SPOTD_POLL_LOOKBACK", 5*time.Second),
		LogLevel:         envStr("LOG_LEVEL", "info"),
	}

	var err error
	if cfg.RedisDB, err = envInt("SPOTD_REDIS_DB", 0); err != nil {
		return Config{}, err
	}

	return cfg, cfg.Validate()
}

// Validate rejects configurations that cannot work at runtime.
func (c Config) Validate() error {
	if c.PostgresDSN == "" {
		return fmt.Errorf("config: SPOTD_POSTGRES_DSN is required")
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("config: listen address must not be empty")
	}
	if c.LeaseTTL <= 0 || c.PendingTTL <= 0 {
		return fmt.Errorf("config: lease and pending TTLs must be positive")
	}
	if c.PaymentLeaseTTL < c.LeaseTTL {
		return fmt.Errorf("config: payment lease TTL %s shorter than lease TTL %s",
			c.PaymentLeaseTTL, c.LeaseTTL)
	}
	return nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}

func envDur(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}
