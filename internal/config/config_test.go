package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")

	cfg := Load()
	assert.Empty(t, cfg.AuthSecret, "expected empty AUTH_SECRET when unset")
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("TIMEZONE", "")
	t.Setenv("LOCK_CACHE_TTL_HOURS", "")
	t.Setenv("RETRY_MAX_ATTEMPTS", "")
	t.Setenv("RUN_MIGRATIONS", "")

	cfg := Load()

	assert.Equal(t, "Asia/Shanghai", cfg.Timezone)
	assert.Equal(t, 48*time.Hour, cfg.LockCacheTTL())
	assert.Equal(t, 3, cfg.RetryMaxAttempts)
	assert.True(t, cfg.RunMigrations)
	assert.Equal(t, ":8080", Config{Port: "8080"}.Address())
}

func TestLoadRejectsNonPositiveNumbers(t *testing.T) {
	t.Setenv("RETRY_MAX_ATTEMPTS", "0")
	t.Setenv("RETRY_INITIAL_MS", "abc")

	cfg := Load()

	assert.Equal(t, 3, cfg.RetryMaxAttempts)
	assert.Equal(t, 200*time.Millisecond, cfg.RetryInitialInterval())
}

func TestLocationFallsBackToUTC(t *testing.T) {
	assert.Equal(t, time.UTC, Config{Timezone: "Mars/Olympus"}.Location())
}
