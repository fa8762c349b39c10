package report

import (
	"fmt"
	"io"
	"text/tabwriter"
)

// TextEmitter prints aligned label/value lines, optionally followed by a
// per-campaign table.
type TextEmitter struct {
	Campaigns bool
}

func (TextEmitter) Ext() string { return ".txt" }

func (e TextEmitter) Emit(w io.Writer, reports ...Report) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for i, r := range reports {
		if i > 0 {
			fmt.Fprintln(tw)
		}
		fmt.Fprintf(tw, "%s / %s / %s\n", r.ClientName, r.Platform, r.Period)
		if r.Source != "" {
			fmt.Fprintf(tw, "Source:\t%s\n", r.Source)
		}
		for _, l := range totalsLines(r.Totals) {
			fmt.Fprintf(tw, "%s:\t%s\n", l.Label, l)
		}

		if e.Campaigns && len(r.Campaigns) > 0 {
			fmt.Fprintln(tw)
			fmt.Fprintln(tw, "Campaign\tSpend\tClicks\tCalls\tLeads\tStep1\tStep2\tStep3\tReservations\tValue\tROAS")
			for _, c := range r.Campaigns {
				fmt.Fprintf(tw, "%s\t%.2f\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%.2f\t%.2f\n",
					c.CampaignName, c.Spend, c.Clicks, c.ClickToCall, c.EmailContacts,
					c.BookingStep1, c.BookingStep2, c.BookingStep3, c.Reservations, c.ReservationValue, c.ROAS)
			}
		}
	}
	return tw.Flush()
}
