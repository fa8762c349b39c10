package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/radiusdt/funnel-report/internal/models"
)

const clickHouseSchema = `
CREATE TABLE IF NOT EXISTS campaign_period_rows (
    client_id         String,
    platform          LowCardinality(String),
    period_kind       LowCardinality(String),
    period_start      Date,
    period_end        Date,
    campaign_id       String,
    campaign_name     String,
    spend             Float64,
    impressions       Int64,
    clicks            Int64,
    click_to_call     Int64,
    email_contacts    Int64,
    booking_step_1    Int64,
    booking_step_2    Int64,
    booking_step_3    Int64,
    reservations      Int64,
    reservation_value Float64,
    fetched_at        DateTime
) ENGINE = ReplacingMergeTree(fetched_at)
ORDER BY (client_id, platform, period_kind, period_start, campaign_id)`

// ClickHouseArchive writes per-campaign rows to ClickHouse. Rows for the
// same campaign and period collapse to the latest fetch.
type ClickHouseArchive struct {
	conn driver.Conn
	now  func() time.Time
}

func NewClickHouseArchive(conn driver.Conn) *ClickHouseArchive {
	return &ClickHouseArchive{conn: conn, now: time.Now}
}

// Migrate creates the archive table.
func (a *ClickHouseArchive) Migrate(ctx context.Context) error {
	if err := a.conn.Exec(ctx, clickHouseSchema); err != nil {
		return fmt.Errorf("failed to create archive table: %w", err)
	}
	return nil
}

func (a *ClickHouseArchive) ArchiveRows(ctx context.Context, clientID string, p models.Platform, kind models.PeriodKind, start, end time.Time, rows []models.CampaignRow) error {
	if len(rows) == 0 {
		return nil
	}
	batch, err := a.conn.PrepareBatch(ctx, "INSERT INTO campaign_period_rows")
	if err != nil {
		return fmt.Errorf("failed to prepare archive batch: %w", err)
	}

	fetched := a.now().UTC()
	for _, r := range rows {
		if err := batch.Append(
			clientID, string(p), string(kind), start, end,
			r.CampaignID, r.CampaignName, r.Spend, r.Impressions, r.Clicks,
			r.ClickToCall, r.EmailContacts, r.BookingStep1, r.BookingStep2, r.BookingStep3,
			r.Reservations, r.ReservationValue, fetched,
		); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("failed to append archive row: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send archive batch: %w", err)
	}
	return nil
}
