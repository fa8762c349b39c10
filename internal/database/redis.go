package database

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/radiusdt/funnel-report/internal/config"
)

// RedisDB holds the client behind the hot cache tier and the shared fetch
// budget.
type RedisDB struct {
	Client *redis.Client
	logger *zap.Logger
}

// NewRedisDB connects to Redis and pings it once.
func NewRedisDB(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*RedisDB, error) {
	opts, err := RedisOptions(cfg)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", opts.Addr, err)
	}

	logger.Info("connected to Redis",
		zap.String("addr", opts.Addr),
		zap.Int("db", opts.DB),
		zap.Bool("tls", opts.TLSConfig != nil),
	)
	return &RedisDB{Client: client, logger: logger}, nil
}

// RedisOptions builds client options from REDIS_URL, or from the address
// parts when no URL is set.
func RedisOptions(cfg config.RedisConfig) (*redis.Options, error) {
	var opts *redis.Options
	if cfg.URL != "" {
		var err error
		opts, err = redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse REDIS_URL: %w", err)
		}
	} else {
		opts = &redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB}
	}
	opts.ClientName = ApplicationName
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 2 * time.Second
	opts.WriteTimeout = 2 * time.Second
	opts.PoolSize = 8
	opts.MinIdleConns = 1
	return opts, nil
}

// Close closes the client.
func (r *RedisDB) Close() error {
	if r.Client == nil {
		return nil
	}
	st := r.Client.PoolStats()
	r.logger.Info("Redis connection closed",
		zap.Uint32("hits", st.Hits),
		zap.Uint32("misses", st.Misses),
		zap.Uint32("timeouts", st.Timeouts),
	)
	return r.Client.Close()
}

// Health pings Redis; it backs the redis entry of /health.
func (r *RedisDB) Health(ctx context.Context) error {
	return r.Client.Ping(ctx).Err()
}
