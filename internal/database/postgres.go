package database

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/radiusdt/funnel-report/internal/config"
	"github.com/radiusdt/funnel-report/internal/retry"
)

// ApplicationName is the application_name of every session.
const ApplicationName = "funnel-report"

// PostgresDB owns the pgx pool shared by the summary, cache, client and
// settings repositories.
type PostgresDB struct {
	Pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresDB opens the pool and waits for the first successful ping,
// trying up to cfg.ConnectAttempts times.
func NewPostgresDB(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*PostgresDB, error) {
	pc, err := PoolConfig(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	exec := retry.New(connectPolicy(cfg.ConnectAttempts), logger, retry.WithClassifier(retryConnect))
	if err := exec.Do(ctx, "postgres.ping", pool.Ping); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database %s@%s: %w", pc.ConnConfig.Database, pc.ConnConfig.Host, err)
	}

	logger.Info("connected to PostgreSQL",
		zap.String("host", pc.ConnConfig.Host),
		zap.String("database", pc.ConnConfig.Database),
		zap.Int32("max_conns", pc.MaxConns),
		zap.Duration("statement_timeout", cfg.StatementTimeout),
	)
	return &PostgresDB{Pool: pool, logger: logger}, nil
}

// PoolConfig turns the database settings into a pgx pool config without
// connecting.
func PoolConfig(cfg config.DatabaseConfig) (*pgxpool.Config, error) {
	pc, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 && int32(cfg.MinConns) <= pc.MaxConns {
		pc.MinConns = int32(cfg.MinConns)
	}
	pc.MaxConnIdleTime = 5 * time.Minute
	pc.MaxConnLifetime = 30 * time.Minute
	pc.ConnConfig.ConnectTimeout = 10 * time.Second

	params := pc.ConnConfig.RuntimeParams
	if params["application_name"] == "" {
		params["application_name"] = ApplicationName
	}
	if cfg.StatementTimeout > 0 {
		params["statement_timeout"] = strconv.FormatInt(cfg.StatementTimeout.Milliseconds(), 10)
	}
	params["timezone"] = "UTC"
	return pc, nil
}

func connectPolicy(attempts int) retry.Policy {
	if attempts < 1 {
		attempts = 1
	}
	return retry.Policy{
		MaxAttempts: attempts,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Multiplier:  2,
		Jitter:      0.2,
	}
}

func retryConnect(err error) (bool, time.Duration) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false, 0
	}
	return true, 0
}

// Close logs how the pool was used and closes it.
func (db *PostgresDB) Close() {
	if db.Pool == nil {
		return
	}
	st := db.Pool.Stat()
	db.logger.Info("PostgreSQL connection pool closed",
		zap.Int64("acquires", st.AcquireCount()),
		zap.Duration("acquire_wait", st.AcquireDuration()),
		zap.Int64("empty_acquires", st.EmptyAcquireCount()),
	)
	db.Pool.Close()
}

// Health pings the database; it backs the postgres entry of /health.
func (db *PostgresDB) Health(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}
