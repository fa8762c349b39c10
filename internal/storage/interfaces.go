package storage

import (
	"context"
	"errors"
	"time"

	"github.com/radiusdt/funnel-report/internal/models"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// ClientRepo defines operations for client accounts.
type ClientRepo interface {
	ListActive(ctx context.Context) ([]*models.Client, error)
	GetByID(ctx context.Context, id string) (*models.Client, error)
	GetByName(ctx context.Context, name string) (*models.Client, error)
	Upsert(ctx context.Context, c *models.Client) error
	// MarkTokenInvalid flags the client's credential on p for
	// re-authentication.
	MarkTokenInvalid(ctx context.Context, clientID string, p models.Platform) error
}

// SummaryFilter selects stored summaries. Zero fields match everything.
type SummaryFilter struct {
	ClientID string
	Platform models.Platform
	Kind     models.PeriodKind
	From     time.Time
	To       time.Time
}

// SummaryRepo stores one aggregated summary per client, platform, period
// kind and period start.
type SummaryRepo interface {
	UpsertSummary(ctx context.Context, s *models.Summary) error
	GetSummary(ctx context.Context, clientID string, p models.Platform, kind models.PeriodKind, start time.Time) (*models.Summary, error)
	ListSummaries(ctx context.Context, f SummaryFilter) ([]*models.Summary, error)
}

// CacheRepo stores snapshots of the current month and week.
type CacheRepo interface {
	GetCache(ctx context.Context, kind models.PeriodKind, clientID string, p models.Platform, periodID string) (*models.CacheEntry, error)
	PutCache(ctx context.Context, e *models.CacheEntry) error
}

// SettingsRepo is a small key/value store for runtime settings such as a
// rotated Google refresh token.
type SettingsRepo interface {
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
}

// RowArchive keeps per-campaign rows for later analysis.
type RowArchive interface {
	ArchiveRows(ctx context.Context, clientID string, p models.Platform, kind models.PeriodKind, start, end time.Time, rows []models.CampaignRow) error
}

// Setting keys.
const (
	SettingGoogleRefreshToken = "google_ads_refresh_token"
)
