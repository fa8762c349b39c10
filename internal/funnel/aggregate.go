package funnel

import "github.com/radiusdt/funnel-report/internal/models"

// ParseRow fills the funnel buckets and ratios of a platform row from its
// raw actions.
func ParseRow(row models.CampaignRow) models.CampaignRow {
	row.Spend = nonNeg(row.Spend)
	row.Impressions = nonNegInt(row.Impressions)
	row.Clicks = nonNegInt(row.Clicks)
	row.FunnelMetrics = Parse(row.Actions, row.ActionValues)
	row.Ratios = Derive(row.Spend, row.Impressions, row.Clicks, row.FunnelMetrics)
	return row
}

// ParseRows applies ParseRow to every row.
func ParseRows(rows []models.CampaignRow) []models.CampaignRow {
	out := make([]models.CampaignRow, len(rows))
	for i, r := range rows {
		out[i] = ParseRow(r)
	}
	return out
}

// Aggregate sums campaign rows into period totals. Rows are expected to
// carry their funnel metrics already (see ParseRow).
func Aggregate(rows []models.CampaignRow) models.PeriodTotals {
	var t models.PeriodTotals
	for _, r := range rows {
		t.Spend += nonNeg(r.Spend)
		t.Impressions = models.SaturatingAdd(t.Impressions, nonNegInt(r.Impressions))
		t.Clicks = models.SaturatingAdd(t.Clicks, nonNegInt(r.Clicks))
		t.FunnelMetrics.Add(clampFunnel(r.FunnelMetrics))
	}
	t.Campaigns = len(rows)
	t.Ratios = Derive(t.Spend, t.Impressions, t.Clicks, t.FunnelMetrics)
	return t
}

// Derive computes CTR, CPC, ROAS and cost per reservation. Every ratio is 0
// when its denominator is 0.
func Derive(spend float64, impressions, clicks int64, f models.FunnelMetrics) models.Ratios {
	var r models.Ratios
	if impressions > 0 {
		r.CTR = float64(clicks) / float64(impressions) * 100
	}
	if clicks > 0 {
		r.CPC = spend / float64(clicks)
	}
	if spend > 0 && f.ReservationValue > 0 {
		r.ROAS = f.ReservationValue / spend
	}
	if spend > 0 && f.Reservations > 0 {
		r.CostPerReservation = spend / float64(f.Reservations)
	}
	return r
}

func clampFunnel(f models.FunnelMetrics) models.FunnelMetrics {
	return models.FunnelMetrics{
		ClickToCall:      nonNegInt(f.ClickToCall),
		EmailContacts:    nonNegInt(f.EmailContacts),
		BookingStep1:     nonNegInt(f.BookingStep1),
		BookingStep2:     nonNegInt(f.BookingStep2),
		BookingStep3:     nonNegInt(f.BookingStep3),
		Reservations:     nonNegInt(f.Reservations),
		ReservationValue: nonNeg(f.ReservationValue),
	}
}

func nonNeg(f float64) float64 {
	if f < 0 || f != f {
		return 0
	}
	return f
}

func nonNegInt(i int64) int64 {
	if i < 0 {
		return 0
	}
	return i
}
