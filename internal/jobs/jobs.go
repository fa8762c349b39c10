// Package jobs runs the reporting commands: each job walks units of work
// (client x platform x period) one at a time, logs and skips failed units,
// and returns a RunResult.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/radiusdt/funnel-report/internal/adplatform"
	"github.com/radiusdt/funnel-report/internal/metrics"
	"github.com/radiusdt/funnel-report/internal/models"
	"github.com/radiusdt/funnel-report/internal/observability"
	"github.com/radiusdt/funnel-report/internal/pacing"
	"github.com/radiusdt/funnel-report/internal/period"
	"github.com/radiusdt/funnel-report/internal/storage"
)

// Deps are the collaborators every job needs.
type Deps struct {
	Clients   storage.ClientRepo
	Summaries storage.SummaryRepo
	Archive   storage.RowArchive
	Sources   map[models.Platform]adplatform.Source
	// Resolver resolves periods in the default reporting timezone; clients
	// with their own timezone get a copy via Resolver.In.
	Resolver *period.Resolver
	// Pacer spaces platform requests between units. Nil means no pacing.
	Pacer *rate.Limiter
	// Budget caps fetches per platform across processes. Nil means no cap.
	Budget pacing.Budget
	// MetaToken is used for clients without a stored Meta token.
	MetaToken string
	Metrics   *metrics.Metrics
	Reporter  observability.Reporter
	Logger    *zap.Logger
	Now       func() time.Time
}

func (d *Deps) defaults() {
	if d.Archive == nil {
		d.Archive = storage.NopArchive{}
	}
	if d.Resolver == nil {
		d.Resolver = period.NewResolver(time.UTC)
	}
	if d.Reporter == nil {
		d.Reporter = observability.Nop{}
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
}

// Selection narrows which clients and platforms a job touches.
type Selection struct {
	// ClientID selects one client by id and takes precedence over ClientName.
	ClientID string
	// ClientName matches one client case-insensitively; empty means every
	// active client.
	ClientName string
	Platforms  []models.Platform
}

// ParsePlatforms turns "meta", "google" or "all" into a platform list.
func ParsePlatforms(s string) ([]models.Platform, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || s == "all" {
		return append([]models.Platform(nil), models.Platforms...), nil
	}
	var out []models.Platform
	for _, part := range strings.Split(s, ",") {
		p := models.Platform(strings.TrimSpace(part))
		if !p.Valid() {
			return nil, fmt.Errorf("unknown platform %q (want meta, google or all)", part)
		}
		out = append(out, p)
	}
	return out, nil
}

// PeriodSpec describes which periods to process. Exactly one field is used,
// in this order of precedence: Current, Expr, Weeks, Months.
type PeriodSpec struct {
	// Current selects the current month and the current week.
	Current bool
	Expr    string
	Weeks   int
	Months  int
}

// Resolve returns the periods of the spec relative to r.
func (s PeriodSpec) Resolve(r *period.Resolver) ([]period.Period, error) {
	switch {
	case s.Current:
		return []period.Period{r.CurrentMonth(), r.CurrentWeek()}, nil
	case s.Expr != "":
		p, err := r.Parse(s.Expr)
		if err != nil {
			return nil, err
		}
		return []period.Period{p}, nil
	case s.Weeks > 0:
		return r.LastWeeks(s.Weeks)
	case s.Months > 0:
		return r.LastMonths(s.Months)
	}
	return []period.Period{r.CurrentMonth()}, nil
}

// Unit is one client on one platform for one period.
type Unit struct {
	Client   *models.Client
	Platform models.Platform
	Period   period.Period
}

// UnitError records a failed unit.
type UnitError struct {
	ClientID   string          `json:"client_id"`
	ClientName string          `json:"client_name"`
	Platform   models.Platform `json:"platform"`
	PeriodID   string          `json:"period_id"`
	Err        error           `json:"-"`
}

func (e UnitError) Error() string {
	return fmt.Sprintf("%s/%s/%s: %v", e.ClientName, e.Platform, e.PeriodID, e.Err)
}

func (e UnitError) Unwrap() error { return e.Err }

// RunResult summarises a job run.
type RunResult struct {
	Job       string
	RunID     string
	Succeeded int
	Failed    int
	// Skipped counts units not attempted, such as clients without an
	// account on the platform or with a credential flagged invalid.
	Skipped int
	Errors  []UnitError
}

// AllFailed reports whether there was work and none of it succeeded.
func (r *RunResult) AllFailed() bool {
	return r.Failed > 0 && r.Succeeded == 0
}

// runner carries the per-unit bookkeeping shared by all jobs.
type runner struct {
	deps Deps
	job  string
}

func newRunner(deps Deps, job string) *runner {
	deps.defaults()
	return &runner{deps: deps, job: job}
}

// clients returns the clients selected by sel.
func (r *runner) clients(ctx context.Context, sel Selection) ([]*models.Client, error) {
	if sel.ClientID != "" {
		c, err := r.deps.Clients.GetByID(ctx, sel.ClientID)
		if err != nil {
			return nil, fmt.Errorf("failed to load client %s: %w", sel.ClientID, err)
		}
		return []*models.Client{c}, nil
	}
	if sel.ClientName != "" {
		c, err := r.deps.Clients.GetByName(ctx, sel.ClientName)
		if err != nil {
			return nil, fmt.Errorf("failed to load client %q: %w", sel.ClientName, err)
		}
		return []*models.Client{c}, nil
	}
	clients, err := r.deps.Clients.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}
	return clients, nil
}

// resolverFor returns a resolver in the client's reporting timezone.
func (r *runner) resolverFor(c *models.Client) *period.Resolver {
	if c.ReportingTimezone == "" {
		return r.deps.Resolver
	}
	loc, err := time.LoadLocation(c.ReportingTimezone)
	if err != nil {
		r.deps.Logger.Warn("unknown client timezone, using default",
			zap.String("client_id", c.ID),
			zap.String("timezone", c.ReportingTimezone),
		)
		return r.deps.Resolver
	}
	return r.deps.Resolver.In(loc)
}

// units expands sel and spec into units of work. Clients with no account on
// a platform, or whose credential is flagged invalid, are counted as skipped.
func (r *runner) units(ctx context.Context, sel Selection, spec PeriodSpec, res *RunResult) ([]Unit, error) {
	// Reject bad period expressions once, before touching any client.
	if _, err := spec.Resolve(r.deps.Resolver); err != nil {
		return nil, err
	}

	clients, err := r.clients(ctx, sel)
	if err != nil {
		return nil, err
	}
	platforms := sel.Platforms
	if len(platforms) == 0 {
		platforms = models.Platforms
	}

	var units []Unit
	for _, c := range clients {
		periods, err := spec.Resolve(r.resolverFor(c))
		if err != nil {
			return nil, err
		}
		for _, p := range platforms {
			if !r.eligible(c, p) {
				res.Skipped += len(periods)
				continue
			}
			for _, per := range periods {
				units = append(units, Unit{Client: c, Platform: p, Period: per})
			}
		}
	}
	return units, nil
}

func (r *runner) eligible(c *models.Client, p models.Platform) bool {
	if _, ok := r.deps.Sources[p]; !ok {
		return false
	}
	if c.AccountFor(p) == "" {
		return false
	}
	if c.TokenInvalid(p) {
		r.deps.Logger.Warn("skipping client with invalid credential",
			zap.String("job", r.job),
			zap.String("client", c.Name),
			zap.String("platform", string(p)),
		)
		return false
	}
	return true
}

// run executes fn for every unit, pacing between them. A failed unit is
// logged, reported and skipped. Only context cancellation stops the loop.
func (r *runner) run(ctx context.Context, res *RunResult, units []Unit, fn func(ctx context.Context, u Unit) error) error {
	log := r.deps.Logger.With(zap.String("job", r.job), zap.String("run_id", res.RunID))
	log.Info("job started", zap.Int("units", len(units)), zap.Int("skipped", res.Skipped))
	defer func() {
		r.deps.Metrics.RecordRunFinished(r.job, r.deps.Now())
		log.Info("job finished",
			zap.Int("succeeded", res.Succeeded),
			zap.Int("failed", res.Failed),
			zap.Int("skipped", res.Skipped),
		)
	}()

	for i, u := range units {
		if u.Client.TokenInvalid(u.Platform) {
			res.Skipped++
			continue
		}
		if r.deps.Pacer != nil && i > 0 {
			if err := r.deps.Pacer.Wait(ctx); err != nil {
				return fmt.Errorf("%s interrupted: %w", r.job, err)
			}
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s interrupted: %w", r.job, err)
		}

		start := time.Now()
		err := fn(ctx, u)
		if err != nil && ctx.Err() != nil {
			return fmt.Errorf("%s interrupted: %w", r.job, ctx.Err())
		}
		if pacing.IsExhausted(err) {
			res.Skipped++
			log.Warn("fetch budget spent, skipping unit",
				zap.String("client", u.Client.Name),
				zap.String("platform", string(u.Platform)),
				zap.String("period", u.Period.ID()),
				zap.Error(err),
			)
			continue
		}

		if err == nil {
			res.Succeeded++
			r.deps.Metrics.RecordUnit(r.job, string(u.Platform), "ok", time.Since(start))
			continue
		}

		res.Failed++
		res.Errors = append(res.Errors, UnitError{
			ClientID:   u.Client.ID,
			ClientName: u.Client.Name,
			Platform:   u.Platform,
			PeriodID:   u.Period.ID(),
			Err:        err,
		})
		r.deps.Metrics.RecordUnit(r.job, string(u.Platform), "failed", time.Since(start))
		r.fail(ctx, log, u, err)
	}
	return nil
}

func (r *runner) fail(ctx context.Context, log *zap.Logger, u Unit, err error) {
	fields := []zap.Field{
		zap.String("client_id", u.Client.ID),
		zap.String("client", u.Client.Name),
		zap.String("platform", string(u.Platform)),
		zap.String("period", u.Period.ID()),
		zap.Error(err),
	}
	var apiErr *adplatform.APIError
	if errors.As(err, &apiErr) {
		fields = append(fields, zap.Int("status", apiErr.Status), zap.String("code", apiErr.Code), zap.String("message", apiErr.Message))
	}

	if errors.Is(err, adplatform.ErrReauthRequired) {
		log.Warn("credential needs re-authentication", fields...)
		r.deps.Metrics.RecordReauth(string(u.Platform))
		if merr := r.deps.Clients.MarkTokenInvalid(ctx, u.Client.ID, u.Platform); merr != nil {
			log.Error("failed to flag invalid credential", append(fields, zap.NamedError("mark_error", merr))...)
		} else {
			// Later units of the same run see the flag and skip.
			switch u.Platform {
			case models.PlatformMeta:
				u.Client.MetaTokenStatus = models.TokenStatusInvalid
			case models.PlatformGoogle:
				u.Client.GoogleTokenStatus = models.TokenStatusInvalid
			}
		}
	} else {
		log.Error("unit failed", fields...)
	}

	r.deps.Reporter.CaptureError(err, map[string]string{
		"job":       r.job,
		"client_id": u.Client.ID,
		"platform":  string(u.Platform),
		"period":    u.Period.ID(),
	})
}

func newResult(job string) *RunResult {
	return &RunResult{Job: job, RunID: uuid.NewString()}
}
