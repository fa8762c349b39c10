// Package report renders period totals for people and machines. It holds no
// business logic: every number it prints was computed upstream.
package report

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/radiusdt/funnel-report/internal/models"
	"github.com/radiusdt/funnel-report/internal/period"
)

// Report is the totals of one client on one platform for one period.
type Report struct {
	ClientID    string               `json:"client_id"`
	ClientName  string               `json:"client_name"`
	Platform    models.Platform      `json:"platform"`
	Period      period.Period        `json:"-"`
	Totals      models.PeriodTotals  `json:"totals"`
	Campaigns   []models.CampaignRow `json:"campaigns,omitempty"`
	Source      string               `json:"source,omitempty"`
	GeneratedAt time.Time            `json:"generated_at"`
}

// Emitter writes reports to w.
type Emitter interface {
	Emit(w io.Writer, reports ...Report) error
	// Ext is the file extension for --out paths without one.
	Ext() string
}

// Formats lists the names ForFormat accepts.
var Formats = []string{"text", "json", "xlsx"}

// ForFormat returns the emitter for name.
func ForFormat(name string) (Emitter, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "text":
		return TextEmitter{Campaigns: true}, nil
	case "json":
		return JSONEmitter{Indent: "  "}, nil
	case "xlsx":
		return XLSXEmitter{}, nil
	}
	return nil, fmt.Errorf("unknown report format %q (want one of %s)", name, strings.Join(Formats, ", "))
}

// line is one labelled value shared by the text and xlsx emitters.
type line struct {
	Label string
	Value any
	Fmt   string
}

func totalsLines(t models.PeriodTotals) []line {
	return []line{
		{"Spend", t.Spend, "%.2f"},
		{"Impressions", t.Impressions, "%d"},
		{"Clicks", t.Clicks, "%d"},
		{"CTR %", t.CTR, "%.2f"},
		{"CPC", t.CPC, "%.2f"},
		{"Click to call", t.ClickToCall, "%d"},
		{"Email contacts", t.EmailContacts, "%d"},
		{"Booking step 1", t.BookingStep1, "%d"},
		{"Booking step 2", t.BookingStep2, "%d"},
		{"Booking step 3", t.BookingStep3, "%d"},
		{"Reservations", t.Reservations, "%d"},
		{"Reservation value", t.ReservationValue, "%.2f"},
		{"ROAS", t.ROAS, "%.2f"},
		{"Cost per reservation", t.CostPerReservation, "%.2f"},
		{"Campaigns", t.Campaigns, "%d"},
	}
}

func (l line) String() string { return fmt.Sprintf(l.Fmt, l.Value) }
