// Package smartcache serves current-month and current-week totals from a
// two-tier cache (Redis, then Postgres) and refreshes stale snapshots in the
// background.
package smartcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/radiusdt/funnel-report/internal/metrics"
	"github.com/radiusdt/funnel-report/internal/models"
	"github.com/radiusdt/funnel-report/internal/period"
	"github.com/radiusdt/funnel-report/internal/storage"
)

// Status describes where a Get answer came from.
type Status string

const (
	StatusHit   Status = "hit"
	StatusStale Status = "stale"
	StatusMiss  Status = "miss"
)

// Loader fetches a fresh snapshot from the ads platform.
type Loader interface {
	Load(ctx context.Context, client *models.Client, p models.Platform, per period.Period) (*models.CacheEntry, error)
}

// Config tunes the cache.
type Config struct {
	// TTL is the age after which a snapshot is stale.
	TTL time.Duration
	// RefreshTimeout bounds a background refresh and the lock it holds.
	RefreshTimeout time.Duration
}

// Cache is safe for concurrent use.
type Cache struct {
	cfg     Config
	hot     HotStore
	repo    storage.CacheRepo
	loader  Loader
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time

	wg sync.WaitGroup
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithMetrics records lookups and refreshes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// New creates a Cache. A nil hot store means a process-local LocalStore.
func New(cfg Config, hot HotStore, repo storage.CacheRepo, loader Loader, logger *zap.Logger, opts ...Option) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = 3 * time.Hour
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = 5 * time.Minute
	}
	if hot == nil {
		hot = NewLocalStore()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Cache{cfg: cfg, hot: hot, repo: repo, loader: loader, logger: logger, now: time.Now}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Key is the hot-tier key of a snapshot.
func Key(kind models.PeriodKind, clientID string, p models.Platform, periodID string) string {
	return fmt.Sprintf("funnel:%s:%s:%s:%s", kind, clientID, p, periodID)
}

func lockKey(key string) string { return "funnel:lock:" + key[len("funnel:"):] }

// Get returns the snapshot for client/platform/period. A fresh snapshot is a
// hit. A stale one is returned as is while a background refresh runs. With
// nothing cached the fetch happens synchronously.
func (c *Cache) Get(ctx context.Context, client *models.Client, p models.Platform, per period.Period) (*models.CacheEntry, Status, error) {
	key := Key(per.Kind, client.ID, p, per.ID())

	entry := c.lookup(ctx, key, client.ID, p, per)
	if entry != nil && !entry.Stale(c.cfg.TTL, c.now()) {
		c.metrics.RecordCacheLookup(string(per.Kind), string(StatusHit))
		return entry, StatusHit, nil
	}

	if entry != nil {
		c.metrics.RecordCacheLookup(string(per.Kind), string(StatusStale))
		c.refreshInBackground(client, p, per)
		return entry, StatusStale, nil
	}

	c.metrics.RecordCacheLookup(string(per.Kind), string(StatusMiss))
	fresh, err := c.refresh(ctx, client, p, per, "sync")
	if err != nil {
		return nil, StatusMiss, err
	}
	return fresh, StatusMiss, nil
}

func (c *Cache) lookup(ctx context.Context, key, clientID string, p models.Platform, per period.Period) *models.CacheEntry {
	e, err := c.hot.Get(ctx, key)
	if err == nil {
		return e
	}
	if !errors.Is(err, ErrMiss) {
		c.logger.Warn("hot cache read failed", zap.String("key", key), zap.Error(err))
	}

	e, err = c.repo.GetCache(ctx, per.Kind, clientID, p, per.ID())
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			c.logger.Warn("cache table read failed", zap.String("key", key), zap.Error(err))
		}
		return nil
	}
	if err := c.hot.Set(ctx, key, e, c.hotTTL()); err != nil {
		c.logger.Warn("hot cache write failed", zap.String("key", key), zap.Error(err))
	}
	return e
}

// Refresh fetches a fresh snapshot and writes both tiers.
func (c *Cache) Refresh(ctx context.Context, client *models.Client, p models.Platform, per period.Period) (*models.CacheEntry, error) {
	return c.refresh(ctx, client, p, per, "forced")
}

func (c *Cache) refresh(ctx context.Context, client *models.Client, p models.Platform, per period.Period, mode string) (*models.CacheEntry, error) {
	e, err := c.loader.Load(ctx, client, p, per)
	if err != nil {
		c.metrics.RecordCacheRefresh(mode, "failed")
		return nil, err
	}
	e.ClientID = client.ID
	e.Platform = p
	e.Kind = per.Kind
	e.PeriodID = per.ID()
	e.Start, e.End = per.Start, per.End
	if e.FetchedAt.IsZero() {
		e.FetchedAt = c.now()
	}

	if err := c.repo.PutCache(ctx, e); err != nil {
		c.metrics.RecordCacheRefresh(mode, "failed")
		return nil, fmt.Errorf("failed to store snapshot: %w", err)
	}
	key := Key(per.Kind, client.ID, p, per.ID())
	if err := c.hot.Set(ctx, key, e, c.hotTTL()); err != nil {
		c.logger.Warn("hot cache write failed", zap.String("key", key), zap.Error(err))
	}
	c.metrics.RecordCacheRefresh(mode, "ok")
	return e, nil
}

func (c *Cache) refreshInBackground(client *models.Client, p models.Platform, per period.Period) {
	key := Key(per.Kind, client.ID, p, per.ID())
	lctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	unlock, ok, err := c.hot.TryLock(lctx, lockKey(key), c.cfg.RefreshTimeout)
	cancel()
	if err != nil {
		c.logger.Warn("refresh lock failed", zap.String("key", key), zap.Error(err))
		return
	}
	if !ok {
		c.logger.Debug("refresh already running", zap.String("key", key))
		return
	}

	cp := *client
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer unlock()

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RefreshTimeout)
		defer cancel()
		if _, err := c.refresh(ctx, &cp, p, per, "background"); err != nil {
			c.logger.Error("background refresh failed",
				zap.String("client_id", cp.ID),
				zap.String("platform", string(p)),
				zap.String("period", per.ID()),
				zap.Error(err),
			)
		}
	}()
}

// Wait blocks until in-flight background refreshes finish.
func (c *Cache) Wait() {
	c.wg.Wait()
}

// Stale entries stay readable in the hot tier for a while so a refresh can
// be served stale-while-revalidate.
func (c *Cache) hotTTL() time.Duration {
	return 4 * c.cfg.TTL
}
