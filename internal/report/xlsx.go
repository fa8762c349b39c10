package report

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"
)

const (
	totalsSheet    = "Totals"
	campaignsSheet = "Campaigns"
)

// XLSXEmitter writes a workbook with one Totals row per report and one
// Campaigns row per campaign.
type XLSXEmitter struct{}

func (XLSXEmitter) Ext() string { return ".xlsx" }

func (XLSXEmitter) Emit(w io.Writer, reports ...Report) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(0), totalsSheet); err != nil {
		return fmt.Errorf("failed to rename sheet: %w", err)
	}
	if _, err := f.NewSheet(campaignsSheet); err != nil {
		return fmt.Errorf("failed to create sheet: %w", err)
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"D9E1F2"}, Pattern: 1},
		Border: []excelize.Border{
			{Type: "bottom", Color: "000000", Style: 1},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create header style: %w", err)
	}

	// Totals: identity columns, then one column per labelled value.
	var zero Report
	header := []any{"Client", "Platform", "Period", "Start", "End"}
	for _, l := range totalsLines(zero.Totals) {
		header = append(header, l.Label)
	}
	if err := writeRow(f, totalsSheet, 1, header); err != nil {
		return err
	}
	for i, r := range reports {
		row := []any{r.ClientName, string(r.Platform), r.Period.ID(), r.Period.StartString(), r.Period.EndString()}
		for _, l := range totalsLines(r.Totals) {
			row = append(row, l.Value)
		}
		if err := writeRow(f, totalsSheet, i+2, row); err != nil {
			return err
		}
	}
	if err := styleHeader(f, totalsSheet, len(header), headerStyle); err != nil {
		return err
	}

	campaignHeader := []any{"Client", "Platform", "Period", "Campaign ID", "Campaign", "Spend", "Impressions", "Clicks",
		"Click to call", "Email contacts", "Booking step 1", "Booking step 2", "Booking step 3",
		"Reservations", "Reservation value", "CTR %", "CPC", "ROAS", "Cost per reservation"}
	if err := writeRow(f, campaignsSheet, 1, campaignHeader); err != nil {
		return err
	}
	n := 2
	for _, r := range reports {
		for _, c := range r.Campaigns {
			row := []any{r.ClientName, string(r.Platform), r.Period.ID(), c.CampaignID, c.CampaignName, c.Spend, c.Impressions, c.Clicks,
				c.ClickToCall, c.EmailContacts, c.BookingStep1, c.BookingStep2, c.BookingStep3,
				c.Reservations, c.ReservationValue, c.CTR, c.CPC, c.ROAS, c.CostPerReservation}
			if err := writeRow(f, campaignsSheet, n, row); err != nil {
				return err
			}
			n++
		}
	}
	if err := styleHeader(f, campaignsSheet, len(campaignHeader), headerStyle); err != nil {
		return err
	}

	f.SetActiveSheet(0)
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}

func writeRow(f *excelize.File, sheet string, row int, values []any) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	if err := f.SetSheetRow(sheet, cell, &values); err != nil {
		return fmt.Errorf("failed to write %s row %d: %w", sheet, row, err)
	}
	return nil
}

func styleHeader(f *excelize.File, sheet string, cols, style int) error {
	last, err := excelize.ColumnNumberToName(cols)
	if err != nil {
		return err
	}
	if err := f.SetCellStyle(sheet, "A1", last+"1", style); err != nil {
		return fmt.Errorf("failed to style %s header: %w", sheet, err)
	}
	return f.SetColWidth(sheet, "A", last, 16)
}
