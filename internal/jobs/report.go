package jobs

import (
	"context"

	"github.com/radiusdt/funnel-report/internal/report"
	"github.com/radiusdt/funnel-report/internal/smartcache"
)

const JobReport = "report"

// ReportJob resolves, fetches and aggregates periods for display.
type ReportJob struct {
	deps    Deps
	fetcher *Fetcher
	cache   *smartcache.Cache
}

// NewReportJob creates a report job. With a cache, in-progress periods are
// served through it; completed periods are always fetched live.
func NewReportJob(deps Deps, cache *smartcache.Cache) *ReportJob {
	deps.defaults()
	return &ReportJob{deps: deps, fetcher: NewFetcher(deps), cache: cache}
}

// Run returns one report per successful unit, in unit order.
func (j *ReportJob) Run(ctx context.Context, sel Selection, spec PeriodSpec) ([]report.Report, *RunResult, error) {
	r := newRunner(j.deps, JobReport)
	res := newResult(JobReport)

	units, err := r.units(ctx, sel, spec, res)
	if err != nil {
		return nil, res, err
	}

	var reports []report.Report
	err = r.run(ctx, res, units, func(ctx context.Context, u Unit) error {
		rep := report.Report{
			ClientID:    u.Client.ID,
			ClientName:  u.Client.Name,
			Platform:    u.Platform,
			Period:      u.Period,
			GeneratedAt: j.deps.Now(),
		}

		if j.cache != nil && u.Period.InProgress {
			e, status, err := j.cache.Get(ctx, u.Client, u.Platform, u.Period)
			if err != nil {
				return err
			}
			rep.Totals, rep.Campaigns = e.Totals, e.Campaigns
			rep.Source = "cache:" + string(status)
		} else {
			rows, totals, err := j.fetcher.Fetch(ctx, u.Client, u.Platform, u.Period)
			if err != nil {
				return err
			}
			rep.Totals, rep.Campaigns = totals, rows
			rep.Source = "live"
		}

		reports = append(reports, rep)
		return nil
	})
	return reports, res, err
}
