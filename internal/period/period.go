// Package period resolves symbolic reporting periods ("current month",
// "current week", explicit months and ISO weeks) into inclusive date ranges
// in a client's reporting timezone.
package period

import (
	"fmt"
	"time"

	"github.com/radiusdt/funnel-report/internal/models"
)

// DateLayout is the wire format of period boundaries.
const DateLayout = "2006-01-02"

// Period is an inclusive calendar date range.
type Period struct {
	Kind       models.PeriodKind `json:"kind"`
	Start      time.Time         `json:"start"`
	End        time.Time         `json:"end"`
	InProgress bool              `json:"in_progress"`
}

// ID returns "2026-10" for months and "2026-W42" for ISO weeks.
func (p Period) ID() string {
	if p.Kind == models.PeriodWeekly {
		y, w := p.Start.ISOWeek()
		return fmt.Sprintf("%d-W%02d", y, w)
	}
	return p.Start.Format("2006-01")
}

func (p Period) StartString() string { return p.Start.Format(DateLayout) }
func (p Period) EndString() string   { return p.End.Format(DateLayout) }

// Days is the number of calendar days covered, both ends included.
func (p Period) Days() int {
	return int(p.End.Sub(p.Start).Hours()/24+0.5) + 1
}

func (p Period) String() string {
	return fmt.Sprintf("%s %s..%s", p.ID(), p.StartString(), p.EndString())
}

// InvalidPeriodError reports a period request that cannot be resolved, such
// as a week start that is not a Monday.
type InvalidPeriodError struct {
	Reason string
	Date   time.Time
}

func (e *InvalidPeriodError) Error() string {
	if e.Date.IsZero() {
		return "invalid period: " + e.Reason
	}
	return fmt.Sprintf("invalid period %s: %s", e.Date.Format(DateLayout), e.Reason)
}
