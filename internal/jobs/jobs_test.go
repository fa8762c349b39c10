package jobs

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radiusdt/funnel-report/internal/adplatform"
	"github.com/radiusdt/funnel-report/internal/funnel"
	"github.com/radiusdt/funnel-report/internal/models"
	"github.com/radiusdt/funnel-report/internal/pacing"
	"github.com/radiusdt/funnel-report/internal/period"
	"github.com/radiusdt/funnel-report/internal/smartcache"
	"github.com/radiusdt/funnel-report/internal/storage"
)

var testNow = time.Date(2026, 10, 14, 9, 30, 0, 0, time.UTC)

type fakeSource struct {
	platform models.Platform

	mu     sync.Mutex
	calls  map[string]int
	tokens []string
	errs   map[string]error
}

func newFakeSource(p models.Platform) *fakeSource {
	return &fakeSource{platform: p, calls: map[string]int{}, errs: map[string]error{}}
}

func (s *fakeSource) Platform() models.Platform { return s.platform }

func (s *fakeSource) CampaignInsights(ctx context.Context, acct adplatform.Account, p period.Period) ([]models.CampaignRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[acct.AccountID]++
	s.tokens = append(s.tokens, acct.AccessToken)
	if err := s.errs[acct.AccountID]; err != nil {
		return nil, err
	}
	return []models.CampaignRow{
		{
			CampaignID:   "c1",
			CampaignName: "Autumn",
			Spend:        100,
			Impressions:  10000,
			Clicks:       200,
			Actions: []models.RawAction{
				{ActionType: "offsite_conversion.fb_pixel_purchase", Value: "2"},
				{ActionType: "initiate_checkout", Value: "5"},
				{ActionType: "link_click", Value: "200"},
			},
			ActionValues: []models.RawActionValue{{ActionType: "purchase", Value: "350.5"}},
		},
		{
			CampaignID:   "c2",
			CampaignName: "Brand",
			Spend:        50,
			Impressions:  5000,
			Clicks:       50,
			Actions:      []models.RawAction{{ActionType: "lead", Value: "3"}},
		},
	}, nil
}

func (s *fakeSource) callsFor(account string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[account]
}

type fixture struct {
	deps      Deps
	clients   *storage.InMemoryClientRepo
	summaries *storage.InMemorySummaryRepo
	meta      *fakeSource
	google    *fakeSource
}

func newFixture(clients ...*models.Client) *fixture {
	if len(clients) == 0 {
		clients = []*models.Client{
			{ID: "1", Name: "Alpine Lodge", MetaAdAccountID: "111", MetaAccessToken: "tok-a", GoogleAdsCustomerID: "123-456-7890", Active: true},
			{ID: "2", Name: "Beach Hotel", MetaAdAccountID: "222", Active: true},
		}
	}
	f := &fixture{
		clients:   storage.NewInMemoryClientRepo(clients...),
		summaries: storage.NewInMemorySummaryRepo(),
		meta:      newFakeSource(models.PlatformMeta),
		google:    newFakeSource(models.PlatformGoogle),
	}
	f.deps = Deps{
		Clients:   f.clients,
		Summaries: f.summaries,
		Sources: map[models.Platform]adplatform.Source{
			models.PlatformMeta:   f.meta,
			models.PlatformGoogle: f.google,
		},
		Resolver:  period.NewResolver(time.UTC, period.WithClock(func() time.Time { return testNow })),
		MetaToken: "env-token",
		Now:       func() time.Time { return testNow },
	}
	return f
}

func TestParsePlatforms(t *testing.T) {
	all, err := ParsePlatforms("")
	require.NoError(t, err)
	assert.Equal(t, models.Platforms, all)

	all, err = ParsePlatforms("ALL")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	one, err := ParsePlatforms(" Google ")
	require.NoError(t, err)
	assert.Equal(t, []models.Platform{models.PlatformGoogle}, one)

	_, err = ParsePlatforms("tiktok")
	assert.Error(t, err)
}

func TestPeriodSpecResolve(t *testing.T) {
	r := period.NewResolver(time.UTC, period.WithClock(func() time.Time { return testNow }))

	ps, err := PeriodSpec{}.Resolve(r)
	require.NoError(t, err)
	require.Len(t, ps, 1)
	assert.Equal(t, "2026-10", ps[0].ID())

	ps, err = PeriodSpec{Current: true, Weeks: 4}.Resolve(r)
	require.NoError(t, err)
	require.Len(t, ps, 2)
	assert.Equal(t, models.PeriodMonthly, ps[0].Kind)
	assert.Equal(t, models.PeriodWeekly, ps[1].Kind)

	ps, err = PeriodSpec{Weeks: 3}.Resolve(r)
	require.NoError(t, err)
	assert.Len(t, ps, 3)

	_, err = PeriodSpec{Expr: "fortnight"}.Resolve(r)
	var perr *period.InvalidPeriodError
	assert.True(t, errors.As(err, &perr))
}

func TestBackfillUpsertsSummaries(t *testing.T) {
	f := newFixture()
	job := NewBackfillJob(f.deps)

	res, err := job.Run(context.Background(), Selection{Platforms: []models.Platform{models.PlatformMeta}}, PeriodSpec{Expr: "month:2026-09"}, false)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 0, res.Failed)
	assert.Equal(t, 2, f.summaries.Len())

	start := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	s, err := f.summaries.GetSummary(context.Background(), "1", models.PlatformMeta, models.PeriodMonthly, start)
	require.NoError(t, err)
	assert.Equal(t, DataSourceAPI, s.DataSource)
	assert.InDelta(t, 150.0, s.Totals.Spend, 0.001)
	assert.Equal(t, int64(2), s.Totals.Reservations)
	assert.Equal(t, int64(2), s.Totals.BookingStep3)
	assert.Equal(t, int64(5), s.Totals.BookingStep1)
	assert.Equal(t, int64(3), s.Totals.EmailContacts)
	assert.InDelta(t, 350.5, s.Totals.ReservationValue, 0.001)
	assert.Len(t, s.Campaigns, 2)

	// Rerunning replaces rather than duplicates.
	_, err = job.Run(context.Background(), Selection{Platforms: []models.Platform{models.PlatformMeta}}, PeriodSpec{Expr: "month:2026-09"}, false)
	require.NoError(t, err)
	assert.Equal(t, 2, f.summaries.Len())
}

func TestBackfillDryRunWritesNothing(t *testing.T) {
	f := newFixture()

	res, err := NewBackfillJob(f.deps).Run(context.Background(), Selection{}, PeriodSpec{Months: 2}, true)
	require.NoError(t, err)
	// Client 1 on both platforms, client 2 on Meta only.
	assert.Equal(t, 6, res.Succeeded)
	assert.Equal(t, 2, res.Skipped)
	assert.Zero(t, f.summaries.Len())
}

func TestMetaTokenFallback(t *testing.T) {
	f := newFixture()

	_, err := NewBackfillJob(f.deps).Run(context.Background(), Selection{Platforms: []models.Platform{models.PlatformMeta}}, PeriodSpec{}, true)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"tok-a", "env-token"}, f.meta.tokens)
}

func TestClientSelection(t *testing.T) {
	f := newFixture()

	res, err := NewBackfillJob(f.deps).Run(context.Background(), Selection{ClientName: "beach hotel"}, PeriodSpec{}, true)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 1, f.meta.callsFor("222"))
	assert.Zero(t, f.meta.callsFor("111"))

	_, err = NewBackfillJob(f.deps).Run(context.Background(), Selection{ClientName: "nobody"}, PeriodSpec{}, true)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestFailedUnitDoesNotStopRun(t *testing.T) {
	f := newFixture()
	f.meta.errs["111"] = adplatform.NewAPIError(models.PlatformMeta, 500, "1", "unknown error")

	res, err := NewBackfillJob(f.deps).Run(context.Background(), Selection{Platforms: []models.Platform{models.PlatformMeta}}, PeriodSpec{}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
	assert.False(t, res.AllFailed())
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "Alpine Lodge", res.Errors[0].ClientName)
	assert.ErrorIs(t, res.Errors[0], adplatform.ErrTransient)
	assert.Equal(t, 1, f.summaries.Len())
}

func TestAllFailed(t *testing.T) {
	f := newFixture()
	f.meta.errs["111"] = errors.New("boom")
	f.meta.errs["222"] = errors.New("boom")

	res, err := NewBackfillJob(f.deps).Run(context.Background(), Selection{Platforms: []models.Platform{models.PlatformMeta}}, PeriodSpec{}, false)
	require.NoError(t, err)
	assert.True(t, res.AllFailed())

	assert.False(t, (&RunResult{}).AllFailed())
}

func TestReauthFlagsTokenAndSkipsRemainingUnits(t *testing.T) {
	f := newFixture()
	f.meta.errs["111"] = adplatform.NewAPIError(models.PlatformMeta, 401, "190", "session expired")

	res, err := NewBackfillJob(f.deps).Run(context.Background(), Selection{Platforms: []models.Platform{models.PlatformMeta}}, PeriodSpec{Months: 3}, false)
	require.NoError(t, err)

	assert.Equal(t, 1, f.meta.callsFor("111"))
	assert.Equal(t, 3, f.meta.callsFor("222"))
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, 3, res.Succeeded)

	c, err := f.clients.GetByID(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, models.TokenStatusInvalid, c.MetaTokenStatus)
	assert.True(t, c.TokenInvalid(models.PlatformMeta))
	assert.False(t, c.TokenInvalid(models.PlatformGoogle))
}

func TestInvalidTokenClientIsSkipped(t *testing.T) {
	f := newFixture(
		&models.Client{ID: "1", Name: "Alpine Lodge", MetaAdAccountID: "111", MetaTokenStatus: models.TokenStatusInvalid, Active: true},
		&models.Client{ID: "3", Name: "Inactive", MetaAdAccountID: "333", Active: false},
	)

	res, err := NewBackfillJob(f.deps).Run(context.Background(), Selection{}, PeriodSpec{}, false)
	require.NoError(t, err)
	assert.Zero(t, f.meta.callsFor("111"))
	assert.Zero(t, f.meta.callsFor("333"))
	assert.Equal(t, 2, res.Skipped)
	assert.Zero(t, res.Succeeded)
	assert.False(t, res.AllFailed())
}

func TestInvalidPeriodFailsBeforeFetching(t *testing.T) {
	f := newFixture()

	_, err := NewBackfillJob(f.deps).Run(context.Background(), Selection{}, PeriodSpec{Expr: "month:2026-13"}, false)
	var perr *period.InvalidPeriodError
	require.True(t, errors.As(err, &perr))
	assert.Zero(t, f.meta.callsFor("111"))
}

func TestCancelledRunStops(t *testing.T) {
	f := newFixture()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewBackfillJob(f.deps).Run(ctx, Selection{}, PeriodSpec{}, false)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, f.summaries.Len())
}

func TestSpentBudgetSkipsUnits(t *testing.T) {
	f := newFixture()
	f.deps.Budget = pacing.NewInMemoryBudget(map[models.Platform]pacing.Limits{models.PlatformMeta: {Hourly: 1}}, nil).
		WithClock(func() time.Time { return testNow })

	res, err := NewBackfillJob(f.deps).Run(context.Background(), Selection{Platforms: []models.Platform{models.PlatformMeta}}, PeriodSpec{}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 1, res.Skipped)
	assert.Zero(t, res.Failed)
	assert.Equal(t, 1, f.meta.callsFor("111"))
	assert.Zero(t, f.meta.callsFor("222"))
}

func newTestCache(f *fixture) (*smartcache.Cache, *storage.InMemoryCacheRepo) {
	repo := storage.NewInMemoryCacheRepo()
	c := smartcache.New(smartcache.Config{TTL: 3 * time.Hour, RefreshTimeout: time.Minute},
		smartcache.NewLocalStore(), repo, NewFetcher(f.deps), nil,
		smartcache.WithClock(func() time.Time { return testNow }))
	return c, repo
}

func TestReportJobLive(t *testing.T) {
	f := newFixture()

	reps, res, err := NewReportJob(f.deps, nil).Run(context.Background(), Selection{ClientName: "Alpine Lodge"}, PeriodSpec{Expr: "month:2026-09"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Succeeded)
	require.Len(t, reps, 2)
	assert.Equal(t, models.PlatformMeta, reps[0].Platform)
	assert.Equal(t, models.PlatformGoogle, reps[1].Platform)
	assert.Equal(t, "live", reps[0].Source)
	assert.Equal(t, "2026-09", reps[0].Period.ID())
	assert.Equal(t, 2, reps[0].Totals.Campaigns)
}

func TestReportJobUsesCacheForCurrentPeriods(t *testing.T) {
	f := newFixture()
	cache, _ := newTestCache(f)
	defer cache.Wait()
	job := NewReportJob(f.deps, cache)
	sel := Selection{ClientName: "Beach Hotel"}

	reps, _, err := job.Run(context.Background(), sel, PeriodSpec{Current: true})
	require.NoError(t, err)
	require.Len(t, reps, 2)
	assert.Equal(t, "cache:miss", reps[0].Source)
	assert.Equal(t, 2, f.meta.callsFor("222"))

	reps, _, err = job.Run(context.Background(), sel, PeriodSpec{Current: true})
	require.NoError(t, err)
	assert.Equal(t, "cache:hit", reps[0].Source)
	assert.Equal(t, "cache:hit", reps[1].Source)
	assert.Equal(t, 2, f.meta.callsFor("222"))

	// Completed periods bypass the cache.
	reps, _, err = job.Run(context.Background(), sel, PeriodSpec{Expr: "month:2026-08"})
	require.NoError(t, err)
	assert.Equal(t, "live", reps[0].Source)
}

func TestCacheRefreshJob(t *testing.T) {
	f := newFixture()
	cache, repo := newTestCache(f)
	defer cache.Wait()

	res, err := NewCacheRefreshJob(f.deps, cache).Run(context.Background(), Selection{Platforms: []models.Platform{models.PlatformMeta}})
	require.NoError(t, err)
	assert.Equal(t, 4, res.Succeeded)

	e, err := repo.GetCache(context.Background(), models.PeriodWeekly, "2", models.PlatformMeta, "2026-W42")
	require.NoError(t, err)
	assert.Equal(t, testNow, e.FetchedAt)
	assert.InDelta(t, 150.0, e.Totals.Spend, 0.001)

	_, err = repo.GetCache(context.Background(), models.PeriodMonthly, "1", models.PlatformMeta, "2026-10")
	assert.NoError(t, err)
}

func TestAuditJob(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	sel := Selection{Platforms: []models.Platform{models.PlatformMeta}}
	spec := PeriodSpec{Expr: "month:2026-09"}

	_, err := NewBackfillJob(f.deps).Run(ctx, Selection{ClientName: "Alpine Lodge", Platforms: sel.Platforms}, spec, false)
	require.NoError(t, err)

	start := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	s, err := f.summaries.GetSummary(ctx, "1", models.PlatformMeta, models.PeriodMonthly, start)
	require.NoError(t, err)
	s.Totals.Reservations = 1
	require.NoError(t, f.summaries.UpsertSummary(ctx, s))

	rep, res, err := NewAuditJob(f.deps, 0).Run(ctx, sel, spec)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Succeeded)
	require.Len(t, rep.Findings, 2)

	byClient := map[string]AuditFinding{}
	for _, fd := range rep.Findings {
		byClient[fd.ClientName] = fd
	}
	alpine := byClient["Alpine Lodge"]
	assert.False(t, alpine.Missing)
	require.Len(t, alpine.Drifts, 1)
	assert.Equal(t, Drift{Field: "reservations", Stored: 1, Fresh: 2}, alpine.Drifts[0])
	assert.True(t, byClient["Beach Hotel"].Missing)

	var ignored *ActionCoverage
	for i := range rep.Coverage {
		if rep.Coverage[i].ActionType == "link_click" {
			ignored = &rep.Coverage[i]
		}
	}
	require.NotNil(t, ignored)
	assert.Empty(t, ignored.Buckets)
	assert.Equal(t, int64(400), ignored.Count)
	assert.Equal(t, 2, ignored.Rows)

	var buf bytes.Buffer
	require.NoError(t, rep.WriteText(&buf))
	out := buf.String()
	assert.Contains(t, out, "(no stored summary)")
	assert.Contains(t, out, "(ignored)")
	assert.Contains(t, out, "reservations")
	assert.Contains(t, out, "reservations,booking_step_3")
}

func TestAuditToleranceZeroIsExact(t *testing.T) {
	f := newFixture()
	assert.Equal(t, 0.0, NewAuditJob(f.deps, 0).tolerance)
	assert.Equal(t, DefaultTolerance, NewAuditJob(f.deps, -1).tolerance)

	stored := models.PeriodTotals{Spend: 1000}
	fresh := models.PeriodTotals{Spend: 1000.5}
	assert.Empty(t, CompareTotals(stored, fresh, DefaultTolerance))
	assert.Equal(t, []Drift{{Field: "spend", Stored: 1000, Fresh: 1000.5}}, CompareTotals(stored, fresh, 0))
}

func TestCompareTotals(t *testing.T) {
	stored := models.PeriodTotals{Spend: 1000, Clicks: 10}
	stored.Reservations = 4

	fresh := stored
	fresh.Spend = 1005
	assert.Empty(t, CompareTotals(stored, fresh, 0.01))

	fresh.Spend = 1020
	fresh.Clicks = 11
	drifts := CompareTotals(stored, fresh, 0.01)
	require.Len(t, drifts, 2)
	assert.Equal(t, "spend", drifts[0].Field)
	assert.Equal(t, "clicks", drifts[1].Field)

	// Zero stored values compare against 1.
	fresh = stored
	fresh.ClickToCall = 1
	assert.Len(t, CompareTotals(stored, fresh, 0.5), 1)
}

func TestClassifyMatchesAuditBuckets(t *testing.T) {
	assert.Equal(t, []funnel.Bucket{funnel.BucketReservations, funnel.BucketBookingStep3}, funnel.Classify("Purchase"))
}
