package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg := Load()

	assert.Equal(t, 10, cfg.PushBatchSize)
	assert.Equal(t, 5*time.Second, cfg.SyncInterval)
	assert.Equal(t, 5, cfg.MaxRetryAttempts)
	assert.Equal(t, 300*time.Second, cfg.BackoffBase)
	assert.Equal(t, 50, cfg.PullPageSize)
	assert.False(t, cfg.AbandonAfterMaxRetries)
	assert.Equal(t, "none", cfg.NotifyBackend)
}

func TestLoad_Overrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("PUSH_BATCH_SIZE", "500")
	t.Setenv("PULL_PAGE_SIZE", "0")
	t.Setenv("SYNC_INTERVAL_MS", "250")
	t.Setenv("ABANDON_AFTER_MAX_RETRIES", "true")
	t.Setenv("NOTIFY_BACKEND", "Redis")
	t.Setenv("MAX_RETRY_ATTEMPTS", "not-a-number")

	cfg := Load()

	assert.Equal(t, MaxBatchSize, cfg.PushBatchSize)
	assert.Equal(t, MinPageSize, cfg.PullPageSize)
	assert.Equal(t, 250*time.Millisecond, cfg.SyncInterval)
	assert.True(t, cfg.AbandonAfterMaxRetries)
	assert.Equal(t, "redis", cfg.NotifyBackend)
	assert.Equal(t, 5, cfg.MaxRetryAttempts)
}

func TestValidateServer_RefusesDefaultSecret(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("JWT_SECRET", DefaultJWTSecret)

	cfg := Load()
	assert.ErrorIs(t, cfg.ValidateServer(), ErrInsecureSecret)

	cfg.JWTSecret = "   "
	assert.ErrorIs(t, cfg.ValidateServer(), ErrInsecureSecret)

	cfg.JWTSecret = "a-real-secret"
	assert.NoError(t, cfg.ValidateServer())
}
