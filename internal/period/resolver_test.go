package period

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radiusdt/funnel-report/internal/models"
)

// Saturday of ISO week 2026-W42.
var fixedNow = time.Date(2026, time.October, 17, 15, 4, 5, 0, time.UTC)

func newTestResolver() *Resolver {
	return NewResolver(time.UTC, WithClock(func() time.Time { return fixedNow }))
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestCurrentMonth(t *testing.T) {
	p := newTestResolver().CurrentMonth()

	assert.Equal(t, models.PeriodMonthly, p.Kind)
	assert.Equal(t, "2026-10-01", p.StartString())
	assert.Equal(t, "2026-10-17", p.EndString())
	assert.True(t, p.InProgress)
	assert.Equal(t, "2026-10", p.ID())
	assert.Equal(t, 17, p.Days())
}

func TestMonthCompleted(t *testing.T) {
	r := newTestResolver()

	p, err := r.Month(2026, time.February)
	require.NoError(t, err)
	assert.Equal(t, "2026-02-01", p.StartString())
	assert.Equal(t, "2026-02-28", p.EndString())
	assert.False(t, p.InProgress)

	p, err = r.Month(2026, time.October)
	require.NoError(t, err)
	assert.Equal(t, r.CurrentMonth(), p)
}

func TestMonthInFutureRejected(t *testing.T) {
	_, err := newTestResolver().Month(2026, time.November)
	var ipe *InvalidPeriodError
	require.ErrorAs(t, err, &ipe)
}

func TestCurrentWeek(t *testing.T) {
	p := newTestResolver().CurrentWeek()

	assert.Equal(t, "2026-10-12", p.StartString())
	assert.Equal(t, "2026-10-17", p.EndString())
	assert.Equal(t, time.Monday, p.Start.Weekday())
	assert.True(t, p.InProgress)
	assert.Equal(t, "2026-W42", p.ID())
}

func TestCurrentWeekOnMonday(t *testing.T) {
	monday := time.Date(2026, time.October, 12, 0, 30, 0, 0, time.UTC)
	r := NewResolver(time.UTC, WithClock(func() time.Time { return monday }))

	p := r.CurrentWeek()
	assert.Equal(t, "2026-10-12", p.StartString())
	assert.Equal(t, "2026-10-12", p.EndString())
}

func TestCurrentWeekUsesReportingTimezone(t *testing.T) {
	// 02:00 UTC on Monday is still Sunday evening in UTC-7.
	now := time.Date(2026, time.October, 19, 2, 0, 0, 0, time.UTC)
	loc := time.FixedZone("UTC-7", -7*3600)
	r := NewResolver(loc, WithClock(func() time.Time { return now }))

	p := r.CurrentWeek()
	assert.Equal(t, "2026-10-12", p.StartString())
	assert.Equal(t, "2026-10-18", p.EndString())
}

func TestWeekCompleted(t *testing.T) {
	p, err := newTestResolver().Week(day(2026, time.October, 5))
	require.NoError(t, err)

	assert.Equal(t, "2026-10-05", p.StartString())
	assert.Equal(t, "2026-10-11", p.EndString())
	assert.False(t, p.InProgress)
	assert.Equal(t, 7, p.Days())
}

func TestWeekRejectsNonMonday(t *testing.T) {
	for _, d := range []time.Time{
		day(2026, time.October, 6),
		day(2026, time.October, 11),
		day(2026, time.October, 1),
	} {
		_, err := newTestResolver().Week(d)
		var ipe *InvalidPeriodError
		require.True(t, errors.As(err, &ipe), "date %s", d)
		assert.Equal(t, d, ipe.Date)
		assert.Contains(t, ipe.Error(), "not a Monday")
	}
}

func TestWeekInFutureRejected(t *testing.T) {
	_, err := newTestResolver().Week(day(2026, time.October, 19))
	var ipe *InvalidPeriodError
	require.ErrorAs(t, err, &ipe)
}

func TestISOWeek(t *testing.T) {
	r := newTestResolver()

	p, err := r.ISOWeek(2026, 42)
	require.NoError(t, err)
	assert.Equal(t, r.CurrentWeek(), p)

	p, err = r.ISOWeek(2020, 53)
	require.NoError(t, err)
	assert.Equal(t, "2020-12-28", p.StartString())
	assert.Equal(t, "2021-01-03", p.EndString())

	_, err = r.ISOWeek(2025, 53)
	assert.Error(t, err)
	_, err = r.ISOWeek(2026, 0)
	assert.Error(t, err)
}

func TestLastWeeks(t *testing.T) {
	weeks, err := newTestResolver().LastWeeks(3)
	require.NoError(t, err)
	require.Len(t, weeks, 3)

	assert.Equal(t, "2026-10-12", weeks[0].StartString())
	assert.True(t, weeks[0].InProgress)
	assert.Equal(t, "2026-10-05", weeks[1].StartString())
	assert.Equal(t, "2026-10-11", weeks[1].EndString())
	assert.Equal(t, "2026-09-28", weeks[2].StartString())
	for _, w := range weeks {
		assert.Equal(t, time.Monday, w.Start.Weekday())
	}

	_, err = newTestResolver().LastWeeks(0)
	assert.Error(t, err)
}

func TestLastMonthsCrossesYear(t *testing.T) {
	now := time.Date(2026, time.February, 3, 9, 0, 0, 0, time.UTC)
	r := NewResolver(time.UTC, WithClock(func() time.Time { return now }))

	months, err := r.LastMonths(3)
	require.NoError(t, err)
	require.Len(t, months, 3)
	assert.Equal(t, "2026-02", months[0].ID())
	assert.Equal(t, "2026-01-31", months[1].EndString())
	assert.Equal(t, "2025-12", months[2].ID())
	assert.Equal(t, "2025-12-31", months[2].EndString())
}

func TestParse(t *testing.T) {
	r := newTestResolver()
	tests := []struct {
		expr    string
		start   string
		end     string
		wantErr bool
	}{
		{expr: "current-month", start: "2026-10-01", end: "2026-10-17"},
		{expr: "", start: "2026-10-01", end: "2026-10-17"},
		{expr: "current-week", start: "2026-10-12", end: "2026-10-17"},
		{expr: "month:2026-09", start: "2026-09-01", end: "2026-09-30"},
		{expr: "week:2026-09-28", start: "2026-09-28", end: "2026-10-04"},
		{expr: "isoweek:2026-W40", start: "2026-09-28", end: "2026-10-04"},
		{expr: "week:2026-09-29", wantErr: true},
		{expr: "month:2026-13", wantErr: true},
		{expr: "fortnight", wantErr: true},
		{expr: "year:2026", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.expr, func(t *testing.T) {
			p, err := r.Parse(tc.expr)
			if tc.wantErr {
				var ipe *InvalidPeriodError
				assert.ErrorAs(t, err, &ipe)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.start, p.StartString())
			assert.Equal(t, tc.end, p.EndString())
		})
	}
}
