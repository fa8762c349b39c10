package jobs

import (
	"context"

	"github.com/radiusdt/funnel-report/internal/smartcache"
)

const JobRefreshCache = "refresh-cache"

// CacheRefreshJob refreshes the current month and week snapshots.
type CacheRefreshJob struct {
	deps  Deps
	cache *smartcache.Cache
}

func NewCacheRefreshJob(deps Deps, cache *smartcache.Cache) *CacheRefreshJob {
	deps.defaults()
	return &CacheRefreshJob{deps: deps, cache: cache}
}

// Run refreshes both current periods for every selected client and platform.
func (j *CacheRefreshJob) Run(ctx context.Context, sel Selection) (*RunResult, error) {
	r := newRunner(j.deps, JobRefreshCache)
	res := newResult(JobRefreshCache)

	units, err := r.units(ctx, sel, PeriodSpec{Current: true}, res)
	if err != nil {
		return res, err
	}

	err = r.run(ctx, res, units, func(ctx context.Context, u Unit) error {
		_, err := j.cache.Refresh(ctx, u.Client, u.Platform, u.Period)
		return err
	})
	return res, err
}
