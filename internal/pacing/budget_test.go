package pacing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radiusdt/funnel-report/internal/adplatform"
	"github.com/radiusdt/funnel-report/internal/metrics"
	"github.com/radiusdt/funnel-report/internal/models"
)

func TestInMemoryBudgetHourlyLimit(t *testing.T) {
	now := time.Date(2026, 10, 14, 9, 10, 0, 0, time.UTC)
	b := NewInMemoryBudget(map[models.Platform]Limits{models.PlatformMeta: {Hourly: 2}}, nil).
		WithClock(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, b.Allow(ctx, models.PlatformMeta))
	require.NoError(t, b.Allow(ctx, models.PlatformMeta))

	err := b.Allow(ctx, models.PlatformMeta)
	require.Error(t, err)
	assert.True(t, IsExhausted(err))
	assert.ErrorIs(t, err, adplatform.ErrRateLimited)
	var e *ExhaustedError
	require.True(t, errors.As(err, &e))
	assert.Equal(t, "hour", e.Window)

	// Google has no limits.
	for i := 0; i < 10; i++ {
		require.NoError(t, b.Allow(ctx, models.PlatformGoogle))
	}

	// The next hour starts a fresh window.
	now = now.Add(time.Hour)
	assert.NoError(t, b.Allow(ctx, models.PlatformMeta))
}

func TestInMemoryBudgetDailyLimit(t *testing.T) {
	now := time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)
	m := metrics.NewMetrics("test")
	b := NewInMemoryBudget(map[models.Platform]Limits{models.PlatformGoogle: {Hourly: 10, Daily: 3}}, m).
		WithClock(func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Allow(ctx, models.PlatformGoogle))
		now = now.Add(time.Hour)
	}
	err := b.Allow(ctx, models.PlatformGoogle)
	var e *ExhaustedError
	require.True(t, errors.As(err, &e))
	assert.Equal(t, "day", e.Window)
	assert.Equal(t, int64(3), e.Limit)
}

func TestInMemoryBudgetStats(t *testing.T) {
	now := time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)
	b := NewInMemoryBudget(map[models.Platform]Limits{models.PlatformMeta: {Hourly: 5}}, nil).
		WithClock(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, b.Allow(ctx, models.PlatformMeta))
	require.NoError(t, b.Allow(ctx, models.PlatformMeta))

	s, err := b.GetStats(ctx, models.PlatformMeta)
	require.NoError(t, err)
	assert.Equal(t, int64(2), s.HourlyFetches)
	assert.Equal(t, int64(2), s.DailyFetches)
	assert.Equal(t, int64(3), s.HourlyRemaining)
	assert.Equal(t, now, s.LastUpdated)

	// Refused fetches are not counted.
	b.limits[models.PlatformMeta] = Limits{Hourly: 2}
	require.Error(t, b.Allow(ctx, models.PlatformMeta))
	s, err = b.GetStats(ctx, models.PlatformMeta)
	require.NoError(t, err)
	assert.Equal(t, int64(2), s.HourlyFetches)
	assert.Zero(t, s.HourlyRemaining)
}

func TestToInt(t *testing.T) {
	assert.Equal(t, int64(42), toInt("42"))
	assert.Zero(t, toInt(nil))
	assert.Zero(t, toInt("x"))
}
