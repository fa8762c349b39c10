package models

import "math"

// Platform identifies an ads platform a client can be connected to.
type Platform string

const (
	PlatformMeta   Platform = "meta"
	PlatformGoogle Platform = "google"
)

// Platforms lists every supported platform in reporting order.
var Platforms = []Platform{PlatformMeta, PlatformGoogle}

// Valid reports whether p is a known platform.
func (p Platform) Valid() bool {
	return p == PlatformMeta || p == PlatformGoogle
}

// RawAction is an untyped action tag/count pair as returned by an ads API.
// ActionType is free-form (e.g. "offsite_conversion.fb_pixel_purchase").
type RawAction struct {
	ActionType string `json:"action_type"`
	Value      string `json:"value"`
}

// RawActionValue carries the monetary value of a value-bearing action.
type RawActionValue struct {
	ActionType string `json:"action_type"`
	Value      string `json:"value"`
}

// FunnelMetrics holds the conversion funnel buckets of one campaign or period.
type FunnelMetrics struct {
	ClickToCall      int64   `json:"click_to_call"`
	EmailContacts    int64   `json:"email_contacts"`
	BookingStep1     int64   `json:"booking_step_1"`
	BookingStep2     int64   `json:"booking_step_2"`
	BookingStep3     int64   `json:"booking_step_3"`
	Reservations     int64   `json:"reservations"`
	ReservationValue float64 `json:"reservation_value"`
}

// Add sums o into f field by field.
func (f *FunnelMetrics) Add(o FunnelMetrics) {
	f.ClickToCall = SaturatingAdd(f.ClickToCall, o.ClickToCall)
	f.EmailContacts = SaturatingAdd(f.EmailContacts, o.EmailContacts)
	f.BookingStep1 = SaturatingAdd(f.BookingStep1, o.BookingStep1)
	f.BookingStep2 = SaturatingAdd(f.BookingStep2, o.BookingStep2)
	f.BookingStep3 = SaturatingAdd(f.BookingStep3, o.BookingStep3)
	f.Reservations = SaturatingAdd(f.Reservations, o.Reservations)
	f.ReservationValue += o.ReservationValue
}

// SaturatingAdd returns a+b for non-negative counters, clamped at
// math.MaxInt64 instead of wrapping.
func SaturatingAdd(a, b int64) int64 {
	if b > 0 && a > math.MaxInt64-b {
		return math.MaxInt64
	}
	return a + b
}

// IsZero reports whether every bucket is empty.
func (f FunnelMetrics) IsZero() bool {
	return f == FunnelMetrics{}
}

// Ratios are the derived performance metrics of a campaign or period.
type Ratios struct {
	CTR                float64 `json:"ctr"`  // percent
	CPC                float64 `json:"cpc"`
	ROAS               float64 `json:"roas"`
	CostPerReservation float64 `json:"cost_per_reservation"`
}

// CampaignRow is one campaign's performance over one date range.
type CampaignRow struct {
	CampaignID   string           `json:"campaign_id"`
	CampaignName string           `json:"campaign_name"`
	Spend        float64          `json:"spend"`
	Impressions  int64            `json:"impressions"`
	Clicks       int64            `json:"clicks"`
	Actions      []RawAction      `json:"actions,omitempty"`
	ActionValues []RawActionValue `json:"action_values,omitempty"`

	FunnelMetrics
	Ratios
}

// PeriodTotals is the sum of all campaign rows of a period plus derived ratios.
type PeriodTotals struct {
	Spend       float64 `json:"spend"`
	Impressions int64   `json:"impressions"`
	Clicks      int64   `json:"clicks"`
	Campaigns   int     `json:"campaigns"`

	FunnelMetrics
	Ratios
}
