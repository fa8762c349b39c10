package jobs

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/radiusdt/funnel-report/internal/models"
)

const JobBackfill = "backfill"

// DataSourceAPI marks summaries computed from a live platform fetch.
const DataSourceAPI = "api"

// BackfillJob recomputes summaries for a range of periods and upserts them.
type BackfillJob struct {
	deps    Deps
	fetcher *Fetcher
}

func NewBackfillJob(deps Deps) *BackfillJob {
	deps.defaults()
	return &BackfillJob{deps: deps, fetcher: NewFetcher(deps)}
}

// Run fetches every unit and upserts its summary. With dryRun nothing is
// written; the summaries that would have been written are still logged.
func (j *BackfillJob) Run(ctx context.Context, sel Selection, spec PeriodSpec, dryRun bool) (*RunResult, error) {
	r := newRunner(j.deps, JobBackfill)
	res := newResult(JobBackfill)

	units, err := r.units(ctx, sel, spec, res)
	if err != nil {
		return res, err
	}

	err = r.run(ctx, res, units, func(ctx context.Context, u Unit) error {
		rows, totals, err := j.fetcher.Fetch(ctx, u.Client, u.Platform, u.Period)
		if err != nil {
			return err
		}

		s := &models.Summary{
			ClientID:    u.Client.ID,
			Platform:    u.Platform,
			Kind:        u.Period.Kind,
			PeriodStart: u.Period.Start,
			PeriodEnd:   u.Period.End,
			Totals:      totals,
			Campaigns:   rows,
			DataSource:  DataSourceAPI,
			LastUpdated: j.deps.Now(),
		}

		log := j.deps.Logger.With(
			zap.String("client", u.Client.Name),
			zap.String("platform", string(u.Platform)),
			zap.String("period", u.Period.String()),
			zap.Float64("spend", totals.Spend),
			zap.Int64("reservations", totals.Reservations),
		)
		if dryRun {
			log.Info("dry run: summary not written")
			return nil
		}

		if err := j.deps.Summaries.UpsertSummary(ctx, s); err != nil {
			return fmt.Errorf("failed to store summary: %w", err)
		}
		j.deps.Metrics.RecordSummaryWritten(string(u.Platform), string(u.Period.Kind))
		log.Info("summary written")
		return nil
	})
	return res, err
}
