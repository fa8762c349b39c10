package period

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/radiusdt/funnel-report/internal/models"
)

// Resolver turns period requests into concrete date ranges relative to the
// current date in loc.
type Resolver struct {
	loc *time.Location
	now func() time.Time
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// NewResolver returns a resolver for the given reporting timezone. A nil
// location means UTC.
func NewResolver(loc *time.Location, opts ...Option) *Resolver {
	if loc == nil {
		loc = time.UTC
	}
	r := &Resolver{loc: loc, now: time.Now}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Location returns the reporting timezone.
func (r *Resolver) Location() *time.Location { return r.loc }

// In returns a copy of r that resolves dates in loc.
func (r *Resolver) In(loc *time.Location) *Resolver {
	if loc == nil {
		return r
	}
	return &Resolver{loc: loc, now: r.now}
}

// Today is the current date at 00:00 in the reporting timezone.
func (r *Resolver) Today() time.Time {
	return r.date(r.now())
}

func (r *Resolver) date(t time.Time) time.Time {
	y, m, d := t.In(r.loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, r.loc)
}

// CurrentMonth spans the first of this month to today.
func (r *Resolver) CurrentMonth() Period {
	today := r.Today()
	return Period{
		Kind:       models.PeriodMonthly,
		Start:      time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, r.loc),
		End:        today,
		InProgress: true,
	}
}

// Month resolves a calendar month. Completed months end on their last day;
// the current month ends today.
func (r *Resolver) Month(year int, month time.Month) (Period, error) {
	if month < time.January || month > time.December {
		return Period{}, &InvalidPeriodError{Reason: fmt.Sprintf("month %d out of range", month)}
	}
	start := time.Date(year, month, 1, 0, 0, 0, 0, r.loc)
	today := r.Today()
	if start.After(today) {
		return Period{}, &InvalidPeriodError{Reason: "month starts in the future", Date: start}
	}
	last := start.AddDate(0, 1, -1)
	if !today.After(last) {
		return r.CurrentMonth(), nil
	}
	return Period{Kind: models.PeriodMonthly, Start: start, End: last}, nil
}

// CurrentWeek spans the most recent Monday to today.
func (r *Resolver) CurrentWeek() Period {
	today := r.Today()
	return Period{
		Kind:       models.PeriodWeekly,
		Start:      mondayOf(today),
		End:        today,
		InProgress: true,
	}
}

// Week resolves the ISO week starting at start, which must be a Monday.
func (r *Resolver) Week(start time.Time) (Period, error) {
	y, m, d := start.Date()
	start = time.Date(y, m, d, 0, 0, 0, 0, r.loc)
	if start.Weekday() != time.Monday {
		return Period{}, &InvalidPeriodError{
			Reason: fmt.Sprintf("week start is a %s, not a Monday", start.Weekday()),
			Date:   start,
		}
	}
	today := r.Today()
	if start.After(today) {
		return Period{}, &InvalidPeriodError{Reason: "week starts in the future", Date: start}
	}
	end := start.AddDate(0, 0, 6)
	if !today.After(end) {
		return Period{Kind: models.PeriodWeekly, Start: start, End: today, InProgress: true}, nil
	}
	return Period{Kind: models.PeriodWeekly, Start: start, End: end}, nil
}

// ISOWeek resolves week number week of ISO year year.
func (r *Resolver) ISOWeek(year, week int) (Period, error) {
	if week < 1 || week > 53 {
		return Period{}, &InvalidPeriodError{Reason: fmt.Sprintf("ISO week %d out of range", week)}
	}
	jan4 := time.Date(year, time.January, 4, 0, 0, 0, 0, r.loc)
	monday := mondayOf(jan4).AddDate(0, 0, (week-1)*7)
	if y, w := monday.ISOWeek(); y != year || w != week {
		return Period{}, &InvalidPeriodError{Reason: fmt.Sprintf("%d has no ISO week %d", year, week)}
	}
	return r.Week(monday)
}

// LastWeeks returns the current week followed by the n-1 preceding weeks.
func (r *Resolver) LastWeeks(n int) ([]Period, error) {
	if n <= 0 {
		return nil, &InvalidPeriodError{Reason: fmt.Sprintf("week count must be positive, got %d", n)}
	}
	out := make([]Period, 0, n)
	monday := r.CurrentWeek().Start
	for i := 0; i < n; i++ {
		p, err := r.Week(monday.AddDate(0, 0, -7*i))
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// LastMonths returns the current month followed by the n-1 preceding months.
func (r *Resolver) LastMonths(n int) ([]Period, error) {
	if n <= 0 {
		return nil, &InvalidPeriodError{Reason: fmt.Sprintf("month count must be positive, got %d", n)}
	}
	out := make([]Period, 0, n)
	first := r.CurrentMonth().Start
	for i := 0; i < n; i++ {
		m := first.AddDate(0, -i, 0)
		p, err := r.Month(m.Year(), m.Month())
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Parse resolves a command line period expression:
//
//	current-month | current-week | month:2026-09 | week:2026-10-12 | isoweek:2026-W42
func (r *Resolver) Parse(expr string) (Period, error) {
	expr = strings.TrimSpace(strings.ToLower(expr))
	switch expr {
	case "", "current-month":
		return r.CurrentMonth(), nil
	case "current-week":
		return r.CurrentWeek(), nil
	}

	kind, arg, ok := strings.Cut(expr, ":")
	if !ok {
		return Period{}, &InvalidPeriodError{Reason: fmt.Sprintf("unknown period %q", expr)}
	}
	switch kind {
	case "month":
		t, err := time.ParseInLocation("2006-01", arg, r.loc)
		if err != nil {
			return Period{}, &InvalidPeriodError{Reason: fmt.Sprintf("bad month %q", arg)}
		}
		return r.Month(t.Year(), t.Month())
	case "week":
		t, err := time.ParseInLocation(DateLayout, arg, r.loc)
		if err != nil {
			return Period{}, &InvalidPeriodError{Reason: fmt.Sprintf("bad week start %q", arg)}
		}
		return r.Week(t)
	case "isoweek":
		ys, ws, ok := strings.Cut(arg, "-w")
		y, yerr := strconv.Atoi(ys)
		w, werr := strconv.Atoi(ws)
		if !ok || yerr != nil || werr != nil {
			return Period{}, &InvalidPeriodError{Reason: fmt.Sprintf("bad ISO week %q", arg)}
		}
		return r.ISOWeek(y, w)
	}
	return Period{}, &InvalidPeriodError{Reason: fmt.Sprintf("unknown period kind %q", kind)}
}

func mondayOf(d time.Time) time.Time {
	offset := (int(d.Weekday()) + 6) % 7
	return d.AddDate(0, 0, -offset)
}
