package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/radiusdt/funnel-report/internal/config"
)

func TestPoolConfig(t *testing.T) {
	pc, err := PoolConfig(config.DatabaseConfig{
		URL:              "postgres://u:p@db:5432/reports?sslmode=disable",
		MaxConns:         4,
		MinConns:         2,
		StatementTimeout: 90 * time.Second,
	})
	require.NoError(t, err)

	assert.Equal(t, int32(4), pc.MaxConns)
	assert.Equal(t, int32(2), pc.MinConns)
	assert.Equal(t, "reports", pc.ConnConfig.Database)
	assert.Equal(t, ApplicationName, pc.ConnConfig.RuntimeParams["application_name"])
	assert.Equal(t, "90000", pc.ConnConfig.RuntimeParams["statement_timeout"])
	assert.Equal(t, "UTC", pc.ConnConfig.RuntimeParams["timezone"])
}

func TestPoolConfigKeepsDSNApplicationName(t *testing.T) {
	pc, err := PoolConfig(config.DatabaseConfig{URL: "postgres://u@db/reports?application_name=nightly"})
	require.NoError(t, err)
	assert.Equal(t, "nightly", pc.ConnConfig.RuntimeParams["application_name"])
	_, ok := pc.ConnConfig.RuntimeParams["statement_timeout"]
	assert.False(t, ok)
}

func TestPoolConfigMinConnsCappedByMax(t *testing.T) {
	pc, err := PoolConfig(config.DatabaseConfig{URL: "postgres://u@db/reports", MaxConns: 2, MinConns: 5})
	require.NoError(t, err)
	assert.Equal(t, int32(2), pc.MaxConns)
	assert.Zero(t, pc.MinConns)
}

func TestPoolConfigInvalidDSN(t *testing.T) {
	_, err := PoolConfig(config.DatabaseConfig{URL: "postgres://u@db:notaport/reports"})
	assert.ErrorContains(t, err, "failed to parse database config")
}

func TestConnectPolicy(t *testing.T) {
	assert.Equal(t, 1, connectPolicy(0).MaxAttempts)
	assert.Equal(t, 3, connectPolicy(3).MaxAttempts)

	retry, _ := retryConnect(errors.New("connection refused"))
	assert.True(t, retry)
	retry, _ = retryConnect(context.Canceled)
	assert.False(t, retry)
}

func TestNewPostgresDBCancelledDoesNotRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	_, err := NewPostgresDB(ctx, config.DatabaseConfig{
		URL:             "postgres://u@127.0.0.1:1/reports?sslmode=disable",
		ConnectAttempts: 5,
	}, zap.NewNop())
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRedisOptionsFromParts(t *testing.T) {
	opts, err := RedisOptions(config.RedisConfig{Addr: "cache:6379", Password: "pw", DB: 2})
	require.NoError(t, err)
	assert.Equal(t, "cache:6379", opts.Addr)
	assert.Equal(t, "pw", opts.Password)
	assert.Equal(t, 2, opts.DB)
	assert.Equal(t, ApplicationName, opts.ClientName)
	assert.Nil(t, opts.TLSConfig)
}

func TestRedisOptionsFromURL(t *testing.T) {
	opts, err := RedisOptions(config.RedisConfig{URL: "rediss://:secret@cache.internal:6380/3", Addr: "ignored:6379"})
	require.NoError(t, err)
	assert.Equal(t, "cache.internal:6380", opts.Addr)
	assert.Equal(t, "secret", opts.Password)
	assert.Equal(t, 3, opts.DB)
	assert.NotNil(t, opts.TLSConfig)
	assert.Equal(t, 2*time.Second, opts.ReadTimeout)
}

func TestRedisOptionsBadURL(t *testing.T) {
	_, err := RedisOptions(config.RedisConfig{URL: "http://cache:6379"})
	assert.ErrorContains(t, err, "failed to parse REDIS_URL")
}
