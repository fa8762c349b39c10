package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/radiusdt/funnel-report/internal/adplatform"
	"github.com/radiusdt/funnel-report/internal/adplatform/googleads"
	"github.com/radiusdt/funnel-report/internal/adplatform/meta"
	"github.com/radiusdt/funnel-report/internal/config"
	"github.com/radiusdt/funnel-report/internal/database"
	"github.com/radiusdt/funnel-report/internal/httpserver"
	"github.com/radiusdt/funnel-report/internal/jobs"
	"github.com/radiusdt/funnel-report/internal/metrics"
	"github.com/radiusdt/funnel-report/internal/models"
	"github.com/radiusdt/funnel-report/internal/observability"
	"github.com/radiusdt/funnel-report/internal/pacing"
	"github.com/radiusdt/funnel-report/internal/period"
	"github.com/radiusdt/funnel-report/internal/retry"
	"github.com/radiusdt/funnel-report/internal/smartcache"
	"github.com/radiusdt/funnel-report/internal/storage"
)

// app owns every long-lived dependency of one command invocation.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	metrics  *metrics.Metrics
	reporter observability.Reporter

	db    *database.PostgresDB
	redis *database.RedisDB
	ch    *database.ClickHouseDB

	settings storage.SettingsRepo
	deps     jobs.Deps
	cache    *smartcache.Cache
}

// newApp connects to Postgres (and Redis/ClickHouse when configured), runs
// migrations and builds platform clients for the given platforms.
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, platforms []models.Platform) (*app, error) {
	reporter, err := observability.NewReporter(cfg.Sentry, version)
	if err != nil {
		logger.Warn("sentry disabled", zap.Error(err))
		reporter = observability.Nop{}
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics.NewMetrics(cfg.Metrics.Namespace),
		reporter: reporter,
	}

	a.db, err = database.NewPostgresDB(ctx, cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	if err := storage.Migrate(ctx, a.db.Pool); err != nil {
		a.close()
		return nil, err
	}
	a.settings = storage.NewPostgresSettingsRepo(a.db.Pool)

	var archive storage.RowArchive = storage.NopArchive{}
	if cfg.ClickHouse.Enabled() {
		a.ch, err = database.NewClickHouseDB(ctx, cfg.ClickHouse, logger)
		if err != nil {
			a.close()
			return nil, err
		}
		chArchive := storage.NewClickHouseArchive(a.ch.Conn)
		if err := chArchive.Migrate(ctx); err != nil {
			a.close()
			return nil, err
		}
		archive = chArchive
	}

	limits := map[models.Platform]pacing.Limits{
		models.PlatformMeta:   {Hourly: cfg.Pacing.MetaHourly, Daily: cfg.Pacing.MetaDaily},
		models.PlatformGoogle: {Hourly: cfg.Pacing.GoogleHourly, Daily: cfg.Pacing.GoogleDaily},
	}
	var hot smartcache.HotStore
	var budget pacing.Budget = pacing.NewInMemoryBudget(limits, a.metrics)
	if cfg.Redis.Enabled() {
		a.redis, err = database.NewRedisDB(ctx, cfg.Redis, logger)
		if err != nil {
			a.close()
			return nil, err
		}
		hot = smartcache.NewRedisStore(a.redis.Client)
		budget = pacing.NewRedisBudget(a.redis.Client, limits, a.metrics)
	}

	sources, err := a.sources(ctx, platforms)
	if err != nil {
		a.close()
		return nil, err
	}

	var pacer *rate.Limiter
	if cfg.Pacing.RPS > 0 {
		pacer = rate.NewLimiter(rate.Limit(cfg.Pacing.RPS), cfg.Pacing.Burst)
	}

	a.deps = jobs.Deps{
		Clients:   storage.NewPostgresClientRepo(a.db.Pool),
		Summaries: storage.NewPostgresSummaryRepo(a.db.Pool),
		Archive:   archive,
		Sources:   sources,
		Resolver:  period.NewResolver(cfg.Location()),
		Pacer:     pacer,
		Budget:    budget,
		MetaToken: cfg.Meta.AccessToken,
		Metrics:   a.metrics,
		Reporter:  reporter,
		Logger:    logger,
	}
	a.cache = smartcache.New(
		smartcache.Config{TTL: cfg.Cache.TTL, RefreshTimeout: cfg.Cache.RefreshTimeout},
		hot,
		storage.NewPostgresCacheRepo(a.db.Pool),
		jobs.NewFetcher(a.deps),
		logger,
		smartcache.WithMetrics(a.metrics),
	)
	return a, nil
}

// sources builds one platform client per requested platform. The Google
// refresh token falls back to the value stored in system_settings.
func (a *app) sources(ctx context.Context, platforms []models.Platform) (map[models.Platform]adplatform.Source, error) {
	exec := retry.New(retry.Policy{
		MaxAttempts: a.cfg.Retry.MaxAttempts,
		BaseDelay:   a.cfg.Retry.BaseDelay,
		MaxDelay:    a.cfg.Retry.MaxDelay,
		Multiplier:  a.cfg.Retry.Multiplier,
		Jitter:      a.cfg.Retry.Jitter,
	}, a.logger, retry.WithRetryHook(func(op string, err error) {
		a.metrics.RecordRetry(op)
	}))
	httpc := adplatform.NewHTTPClient(a.cfg.Retry.RequestTimeout)

	out := make(map[models.Platform]adplatform.Source, len(platforms))
	for _, p := range platforms {
		switch p {
		case models.PlatformMeta:
			out[p] = meta.NewClient(meta.Config{
				BaseURL:  a.cfg.Meta.BaseURL,
				Version:  a.cfg.Meta.APIVersion,
				PageSize: a.cfg.Meta.PageSize,
				MaxPages: a.cfg.Meta.MaxPages,
			}, adplatform.Instrument(httpc, p, a.metrics), exec, a.logger)

		case models.PlatformGoogle:
			g := a.cfg.Google
			if g.RefreshToken == "" {
				tok, err := a.settings.GetSetting(ctx, storage.SettingGoogleRefreshToken)
				switch {
				case errors.Is(err, storage.ErrNotFound):
					return nil, &config.MissingError{Vars: []string{"GOOGLE_ADS_REFRESH_TOKEN"}}
				case err != nil:
					return nil, fmt.Errorf("failed to read stored google refresh token: %w", err)
				}
				g.RefreshToken = tok
			}
			out[p] = googleads.NewClient(googleads.Config{
				BaseURL:         g.BaseURL,
				APIVersion:      g.APIVersion,
				TokenURL:        g.TokenURL,
				DeveloperToken:  g.DeveloperToken,
				LoginCustomerID: g.LoginCustomerID,
				ClientID:        g.ClientID,
				ClientSecret:    g.ClientSecret,
				RefreshToken:    g.RefreshToken,
			}, adplatform.Instrument(httpc, p, a.metrics), exec, a.logger)
		}
	}
	return out, nil
}

func (a *app) server() *httpserver.Server {
	checks := map[string]httpserver.HealthChecker{"postgres": a.db}
	if a.redis != nil {
		checks["redis"] = a.redis
	}
	if a.ch != nil {
		checks["clickhouse"] = a.ch
	}
	return httpserver.NewServer(httpserver.Dependencies{
		Config:    a.cfg,
		Clients:   a.deps.Clients,
		Summaries: a.deps.Summaries,
		Report:    jobs.NewReportJob(a.deps, a.cache),
		Refresh:   jobs.NewCacheRefreshJob(a.deps, a.cache),
		Budget:    a.deps.Budget,
		Checks:    checks,
		Logger:    a.logger,
		Metrics:   a.metrics,
		Reporter:  a.reporter,
	})
}

// close waits for background cache refreshes, flushes Sentry and closes
// connections.
func (a *app) close() {
	if a.cache != nil {
		a.cache.Wait()
	}
	a.reporter.Flush(2 * time.Second)
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("failed to close redis", zap.Error(err))
		}
	}
	if a.ch != nil {
		if err := a.ch.Close(); err != nil {
			a.logger.Warn("failed to close clickhouse", zap.Error(err))
		}
	}
	if a.db != nil {
		a.db.Close()
	}
}
