package jobs

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/radiusdt/funnel-report/internal/adplatform"
	"github.com/radiusdt/funnel-report/internal/funnel"
	"github.com/radiusdt/funnel-report/internal/models"
	"github.com/radiusdt/funnel-report/internal/pacing"
	"github.com/radiusdt/funnel-report/internal/period"
)

// Fetcher pulls campaign rows from a platform and aggregates them. It is the
// smart cache's Loader.
type Fetcher struct {
	deps Deps
}

func NewFetcher(deps Deps) *Fetcher {
	deps.defaults()
	return &Fetcher{deps: deps}
}

// Fetch returns parsed campaign rows and their totals. Rows are archived on
// a best-effort basis.
func (f *Fetcher) Fetch(ctx context.Context, c *models.Client, p models.Platform, per period.Period) ([]models.CampaignRow, models.PeriodTotals, error) {
	src, ok := f.deps.Sources[p]
	if !ok {
		return nil, models.PeriodTotals{}, fmt.Errorf("platform %s is not configured", p)
	}

	if f.deps.Budget != nil {
		if err := f.deps.Budget.Allow(ctx, p); err != nil {
			if pacing.IsExhausted(err) {
				return nil, models.PeriodTotals{}, err
			}
			f.deps.Logger.Warn("fetch budget unavailable, fetching anyway", zap.String("platform", string(p)), zap.Error(err))
		}
	}

	acct := adplatform.Account{
		ClientID:   c.ID,
		ClientName: c.Name,
		AccountID:  c.AccountFor(p),
	}
	if p == models.PlatformMeta {
		acct.AccessToken = c.MetaAccessToken
		if acct.AccessToken == "" {
			acct.AccessToken = f.deps.MetaToken
		}
	}

	raw, err := src.CampaignInsights(ctx, acct, per)
	if err != nil {
		return nil, models.PeriodTotals{}, err
	}
	rows := funnel.ParseRows(raw)
	totals := funnel.Aggregate(rows)

	if err := f.deps.Archive.ArchiveRows(ctx, c.ID, p, per.Kind, per.Start, per.End, rows); err != nil {
		f.deps.Logger.Warn("failed to archive campaign rows",
			zap.String("client_id", c.ID),
			zap.String("platform", string(p)),
			zap.String("period", per.ID()),
			zap.Error(err),
		)
	}
	return rows, totals, nil
}

// Load implements smartcache.Loader.
func (f *Fetcher) Load(ctx context.Context, c *models.Client, p models.Platform, per period.Period) (*models.CacheEntry, error) {
	rows, totals, err := f.Fetch(ctx, c, p, per)
	if err != nil {
		return nil, err
	}
	return &models.CacheEntry{
		ClientID:  c.ID,
		Platform:  p,
		Kind:      per.Kind,
		PeriodID:  per.ID(),
		Start:     per.Start,
		End:       per.End,
		Totals:    totals,
		Campaigns: rows,
		FetchedAt: f.deps.Now(),
	}, nil
}
