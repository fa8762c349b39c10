package models

import "time"

// PeriodKind distinguishes monthly and weekly reporting periods.
type PeriodKind string

const (
	PeriodMonthly PeriodKind = "monthly"
	PeriodWeekly  PeriodKind = "weekly"
)

// Summary is the persisted aggregation of one client/platform/period.
// (ClientID, Platform, Kind, PeriodStart) is unique in storage.
type Summary struct {
	ID          string        `json:"id"`
	ClientID    string        `json:"client_id"`
	Platform    Platform      `json:"platform"`
	Kind        PeriodKind    `json:"summary_type"`
	PeriodStart time.Time     `json:"summary_date"`
	PeriodEnd   time.Time     `json:"period_end"`
	Totals      PeriodTotals  `json:"totals"`
	Campaigns   []CampaignRow `json:"campaigns,omitempty"`
	DataSource  string        `json:"data_source"`
	LastUpdated time.Time     `json:"last_updated"`
}

// CacheEntry is a snapshot of a current period kept by the smart cache.
type CacheEntry struct {
	ClientID  string        `json:"client_id"`
	Platform  Platform      `json:"platform"`
	Kind      PeriodKind    `json:"kind"`
	PeriodID  string        `json:"period_id"`
	Start     time.Time     `json:"start"`
	End       time.Time     `json:"end"`
	Totals    PeriodTotals  `json:"totals"`
	Campaigns []CampaignRow `json:"campaigns,omitempty"`
	FetchedAt time.Time     `json:"fetched_at"`
}

// Stale reports whether the snapshot is older than ttl at now.
func (e *CacheEntry) Stale(ttl time.Duration, now time.Time) bool {
	if e == nil || e.FetchedAt.IsZero() {
		return true
	}
	return now.Sub(e.FetchedAt) > ttl
}
