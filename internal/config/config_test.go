package config

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radiusdt/funnel-report/internal/models"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("FUNNEL_TIMEZONE", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Retry.BaseDelay)
	assert.Equal(t, 30*time.Second, cfg.Retry.MaxDelay)
	assert.Equal(t, 3*time.Hour, cfg.Cache.TTL)
	assert.Equal(t, time.UTC, cfg.Location())
	assert.Equal(t, "postgres://funnel:@localhost:5432/funnel?sslmode=disable", cfg.Database.DSN())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://u:p@db:5432/reports")
	t.Setenv("FUNNEL_RETRY_MAX_ATTEMPTS", "3")
	t.Setenv("FUNNEL_CACHE_TTL", "90m")
	t.Setenv("FUNNEL_TIMEZONE", "America/Denver")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("FUNNEL_AUTH_SKIP_PATHS", "/health, /metrics ,,/v1/ping")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres://u:p@db:5432/reports", cfg.Database.DSN())
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 90*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, "America/Denver", cfg.Location().String())
	assert.True(t, cfg.Redis.Enabled())
	assert.False(t, cfg.ClickHouse.Enabled())
	assert.Equal(t, []string{"/health", "/metrics", "/v1/ping"}, cfg.Auth.SkipPaths)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("FUNNEL_TIMEZONE", "Mars/Olympus")
	t.Setenv("FUNNEL_RETRY_MAX_ATTEMPTS", "0")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FUNNEL_TIMEZONE")
	assert.Contains(t, err.Error(), "FUNNEL_RETRY_MAX_ATTEMPTS")
}

func TestValidateForListsEveryMissingVariable(t *testing.T) {
	cfg := &Config{}

	err := cfg.ValidateFor([]models.Platform{models.PlatformMeta, models.PlatformGoogle}, false)
	var missing *MissingError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, []string{
		"GOOGLE_ADS_CLIENT_ID",
		"GOOGLE_ADS_CLIENT_SECRET",
		"GOOGLE_ADS_DEVELOPER_TOKEN",
		"GOOGLE_ADS_REFRESH_TOKEN",
	}, missing.Vars)

	err = cfg.ValidateFor([]models.Platform{models.PlatformGoogle}, true)
	require.True(t, errors.As(err, &missing))
	assert.NotContains(t, missing.Vars, "GOOGLE_ADS_REFRESH_TOKEN")

	assert.NoError(t, cfg.ValidateFor([]models.Platform{models.PlatformMeta}, false))
}

func TestValidateServe(t *testing.T) {
	cfg := &Config{Auth: AuthConfig{Enabled: true}}
	assert.Error(t, cfg.ValidateServe())

	cfg.Auth.MasterKey = "k"
	assert.NoError(t, cfg.ValidateServe())
}
