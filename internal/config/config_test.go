// SPDX-License-Identifier: MIT

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("SPOTD_POSTGRES_DSN", "postgres://spotd@localhost/spotd")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, 240*time.Second, cfg.LeaseTTL)
	assert.Equal(t, 600*time.Second, cfg.PaymentLeaseTTL)
	assert.Equal(t, 4*time.Minute, cfg.PendingTTL)
	assert.Equal(t, 30*time.Second, cfg.RecoveryInterval)
	assert.Equal(t, "eur", cfg.Currency)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("SPOTD_POSTGRES_DSN", "postgres://spotd@localhost/spotd")
	t.Setenv("SPOTD_LISTEN", ":9999")
	t.Setenv("SPOTD_LEASE_TTL", "120s")
	t.Setenv("SPOTD_REDIS_DB", "3")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.ListenAddr)
	assert.Equal(t, 120*time.Second, cfg.LeaseTTL)
	assert.Equal(t, 3, cfg.RedisDB)
}

func TestFromEnvMissingDSN(t *testing.T) {
	t.Setenv("SPOTD_POSTGRES_DSN", "")
	_, err := FromEnv()
	assert.Error(t, err)
}

func TestValidateRejectsShortPaymentTTL(t *testing.T) {
	t.Setenv("SPOTD_POSTGRES_DSN", "postgres://spotd@localhost/spotd")
	t.Setenv("SPOTD_PAYMENT_LEASE_TTL", "60s")
	_, err := FromEnv()
	assert.Error(t, err)
}

func TestFromEnvBadRedisDB(t *testing.T) {
	t.Setenv("SPOTD_POSTGRES_DSN", "postgres://spotd@localhost/spotd")
	t.Setenv("SPOTD_REDIS_DB", "not-a-number")
	_, err := FromEnv()
	assert.Error(t, err)
}
