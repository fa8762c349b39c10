package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/radiusdt/funnel-report/internal/funnel"
	"github.com/radiusdt/funnel-report/internal/models"
	"github.com/radiusdt/funnel-report/internal/storage"
)

const JobAudit = "audit"

// DefaultTolerance is the relative difference above which a stored value
// counts as drifted.
const DefaultTolerance = 0.01

// Drift is one field whose stored value differs from a fresh aggregation.
type Drift struct {
	Field  string  `json:"field"`
	Stored float64 `json:"stored"`
	Fresh  float64 `json:"fresh"`
}

// AuditFinding is the outcome of auditing one unit.
type AuditFinding struct {
	ClientName string          `json:"client_name"`
	Platform   models.Platform `json:"platform"`
	PeriodID   string          `json:"period_id"`
	Missing    bool            `json:"missing"`
	Drifts     []Drift         `json:"drifts,omitempty"`
}

// ActionCoverage counts how often an action type was seen and which buckets
// it feeds. An empty Buckets list means the type is ignored by the parser.
type ActionCoverage struct {
	ActionType string          `json:"action_type"`
	Rows       int             `json:"rows"`
	Count      int64           `json:"count"`
	Buckets    []funnel.Bucket `json:"buckets"`
}

// AuditReport collects findings and action coverage of an audit run.
type AuditReport struct {
	Findings []AuditFinding   `json:"findings"`
	Coverage []ActionCoverage `json:"coverage"`
}

// AuditJob compares stored summaries with a fresh aggregation.
type AuditJob struct {
	deps      Deps
	fetcher   *Fetcher
	tolerance float64
}

// NewAuditJob creates an audit job. A negative tolerance means
// DefaultTolerance; 0 reports any difference.
func NewAuditJob(deps Deps, tolerance float64) *AuditJob {
	deps.defaults()
	if tolerance < 0 {
		tolerance = DefaultTolerance
	}
	return &AuditJob{deps: deps, fetcher: NewFetcher(deps), tolerance: tolerance}
}

// Run audits every unit. Drift does not fail a unit; fetch and storage
// errors do.
func (j *AuditJob) Run(ctx context.Context, sel Selection, spec PeriodSpec) (*AuditReport, *RunResult, error) {
	r := newRunner(j.deps, JobAudit)
	res := newResult(JobAudit)
	out := &AuditReport{}

	units, err := r.units(ctx, sel, spec, res)
	if err != nil {
		return out, res, err
	}

	coverage := make(map[string]*ActionCoverage)
	err = r.run(ctx, res, units, func(ctx context.Context, u Unit) error {
		stored, err := j.deps.Summaries.GetSummary(ctx, u.Client.ID, u.Platform, u.Period.Kind, u.Period.Start)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("failed to load stored summary: %w", err)
		}

		rows, fresh, err := j.fetcher.Fetch(ctx, u.Client, u.Platform, u.Period)
		if err != nil {
			return err
		}
		countActions(coverage, rows)

		f := AuditFinding{ClientName: u.Client.Name, Platform: u.Platform, PeriodID: u.Period.ID()}
		if stored == nil {
			f.Missing = true
		} else {
			f.Drifts = CompareTotals(stored.Totals, fresh, j.tolerance)
		}
		if f.Missing || len(f.Drifts) > 0 {
			out.Findings = append(out.Findings, f)
		}
		return nil
	})

	for _, c := range coverage {
		out.Coverage = append(out.Coverage, *c)
	}
	sort.Slice(out.Coverage, func(a, b int) bool {
		if out.Coverage[a].Count != out.Coverage[b].Count {
			return out.Coverage[a].Count > out.Coverage[b].Count
		}
		return out.Coverage[a].ActionType < out.Coverage[b].ActionType
	})
	return out, res, err
}

func countActions(into map[string]*ActionCoverage, rows []models.CampaignRow) {
	for _, row := range rows {
		for _, a := range row.Actions {
			t := strings.ToLower(a.ActionType)
			c, ok := into[t]
			if !ok {
				c = &ActionCoverage{ActionType: t, Buckets: funnel.Classify(t)}
				into[t] = c
			}
			c.Rows++
			c.Count = models.SaturatingAdd(c.Count, funnel.ParseNonNegativeIntOr0(a.Value))
		}
	}
}

// CompareTotals lists the fields of fresh that differ from stored by more
// than tolerance, relative to the stored value (or 1 when that is smaller).
func CompareTotals(stored, fresh models.PeriodTotals, tolerance float64) []Drift {
	fields := []struct {
		name string
		s, f float64
	}{
		{"spend", stored.Spend, fresh.Spend},
		{"impressions", float64(stored.Impressions), float64(fresh.Impressions)},
		{"clicks", float64(stored.Clicks), float64(fresh.Clicks)},
		{"click_to_call", float64(stored.ClickToCall), float64(fresh.ClickToCall)},
		{"email_contacts", float64(stored.EmailContacts), float64(fresh.EmailContacts)},
		{"booking_step_1", float64(stored.BookingStep1), float64(fresh.BookingStep1)},
		{"booking_step_2", float64(stored.BookingStep2), float64(fresh.BookingStep2)},
		{"booking_step_3", float64(stored.BookingStep3), float64(fresh.BookingStep3)},
		{"reservations", float64(stored.Reservations), float64(fresh.Reservations)},
		{"reservation_value", stored.ReservationValue, fresh.ReservationValue},
	}

	var out []Drift
	for _, fl := range fields {
		base := math.Max(math.Abs(fl.s), 1)
		if math.Abs(fl.f-fl.s)/base > tolerance {
			out = append(out, Drift{Field: fl.name, Stored: fl.s, Fresh: fl.f})
		}
	}
	return out
}

// WriteText prints findings and coverage as aligned tables.
func (a *AuditReport) WriteText(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	if len(a.Findings) == 0 {
		fmt.Fprintln(tw, "No drift found.")
	} else {
		fmt.Fprintln(tw, "Client\tPlatform\tPeriod\tField\tStored\tFresh")
		for _, f := range a.Findings {
			if f.Missing {
				fmt.Fprintf(tw, "%s\t%s\t%s\t(no stored summary)\t\t\n", f.ClientName, f.Platform, f.PeriodID)
				continue
			}
			for _, d := range f.Drifts {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%.2f\t%.2f\n", f.ClientName, f.Platform, f.PeriodID, d.Field, d.Stored, d.Fresh)
			}
		}
	}

	if len(a.Coverage) > 0 {
		fmt.Fprintln(tw)
		fmt.Fprintln(tw, "Action type\tRows\tCount\tBuckets")
		for _, c := range a.Coverage {
			buckets := "(ignored)"
			if len(c.Buckets) > 0 {
				names := make([]string, len(c.Buckets))
				for i, b := range c.Buckets {
					names[i] = string(b)
				}
				buckets = strings.Join(names, ",")
			}
			fmt.Fprintf(tw, "%s\t%d\t%d\t%s\n", c.ActionType, c.Rows, c.Count, buckets)
		}
	}
	return tw.Flush()
}
