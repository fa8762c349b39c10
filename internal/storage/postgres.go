package storage

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/radiusdt/funnel-report/internal/models"
)

//go:embed schema.sql
var schemaSQL string

// Migrate creates the tables if they do not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// =============================================
// CLIENTS
// =============================================

// PostgresClientRepo implements ClientRepo using PostgreSQL.
type PostgresClientRepo struct {
	pool *pgxpool.Pool
}

func NewPostgresClientRepo(pool *pgxpool.Pool) *PostgresClientRepo {
	return &PostgresClientRepo{pool: pool}
}

const clientColumns = `id, name, email, meta_ad_account_id, meta_access_token, meta_token_status,
	google_ads_customer_id, google_token_status, reporting_timezone, active, created_at, updated_at`

func scanClient(row pgx.Row) (*models.Client, error) {
	var c models.Client
	err := row.Scan(&c.ID, &c.Name, &c.Email, &c.MetaAdAccountID, &c.MetaAccessToken, &c.MetaTokenStatus,
		&c.GoogleAdsCustomerID, &c.GoogleTokenStatus, &c.ReportingTimezone, &c.Active, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *PostgresClientRepo) ListActive(ctx context.Context) ([]*models.Client, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+clientColumns+` FROM clients WHERE active ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}
	defer rows.Close()

	var clients []*models.Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan client: %w", err)
		}
		clients = append(clients, c)
	}
	return clients, rows.Err()
}

func (r *PostgresClientRepo) GetByID(ctx context.Context, id string) (*models.Client, error) {
	return r.getOne(ctx, `SELECT `+clientColumns+` FROM clients WHERE id = $1`, id)
}

func (r *PostgresClientRepo) GetByName(ctx context.Context, name string) (*models.Client, error) {
	return r.getOne(ctx, `SELECT `+clientColumns+` FROM clients WHERE lower(name) = lower($1)`, name)
}

func (r *PostgresClientRepo) getOne(ctx context.Context, query string, arg string) (*models.Client, error) {
	c, err := scanClient(r.pool.QueryRow(ctx, query, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("client %q: %w", arg, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get client: %w", err)
	}
	return c, nil
}

func (r *PostgresClientRepo) Upsert(ctx context.Context, c *models.Client) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid client: %w", err)
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO clients (`+clientColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			email = EXCLUDED.email,
			meta_ad_account_id = EXCLUDED.meta_ad_account_id,
			meta_access_token = EXCLUDED.meta_access_token,
			meta_token_status = EXCLUDED.meta_token_status,
			google_ads_customer_id = EXCLUDED.google_ads_customer_id,
			google_token_status = EXCLUDED.google_token_status,
			reporting_timezone = EXCLUDED.reporting_timezone,
			active = EXCLUDED.active,
			updated_at = NOW()
	`, c.ID, c.Name, c.Email, c.MetaAdAccountID, c.MetaAccessToken, tokenStatus(c.MetaTokenStatus),
		c.GoogleAdsCustomerID, tokenStatus(c.GoogleTokenStatus), c.ReportingTimezone, c.Active)
	if err != nil {
		return fmt.Errorf("failed to upsert client: %w", err)
	}
	return nil
}

func (r *PostgresClientRepo) MarkTokenInvalid(ctx context.Context, clientID string, p models.Platform) error {
	var column string
	switch p {
	case models.PlatformMeta:
		column = "meta_token_status"
	case models.PlatformGoogle:
		column = "google_token_status"
	default:
		return fmt.Errorf("unknown platform %q", p)
	}

	tag, err := r.pool.Exec(ctx,
		`UPDATE clients SET `+column+` = $2, updated_at = NOW() WHERE id = $1`,
		clientID, models.TokenStatusInvalid)
	if err != nil {
		return fmt.Errorf("failed to mark token invalid: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("client %q: %w", clientID, ErrNotFound)
	}
	return nil
}

func tokenStatus(s string) string {
	if s == "" {
		return models.TokenStatusValid
	}
	return s
}

// =============================================
// SUMMARIES
// =============================================

// PostgresSummaryRepo implements SummaryRepo using PostgreSQL.
type PostgresSummaryRepo struct {
	pool *pgxpool.Pool
}

func NewPostgresSummaryRepo(pool *pgxpool.Pool) *PostgresSummaryRepo {
	return &PostgresSummaryRepo{pool: pool}
}

const summaryColumns = `id, client_id, platform, summary_type, summary_date, period_end,
	spend, impressions, clicks, campaign_count,
	click_to_call, email_contacts, booking_step_1, booking_step_2, booking_step_3,
	reservations, reservation_value, ctr, cpc, roas, cost_per_reservation,
	campaigns, data_source, last_updated`

// UpsertSummary writes s, replacing any summary with the same client,
// platform, kind and period start. The stored row keeps its original id.
func (r *PostgresSummaryRepo) UpsertSummary(ctx context.Context, s *models.Summary) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.LastUpdated.IsZero() {
		s.LastUpdated = time.Now().UTC()
	}
	campaigns, err := json.Marshal(nonNilRows(s.Campaigns))
	if err != nil {
		return fmt.Errorf("failed to encode campaigns: %w", err)
	}

	t := s.Totals
	_, err = r.pool.Exec(ctx, `
		INSERT INTO campaign_summaries (`+summaryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)
		ON CONFLICT (client_id, platform, summary_type, summary_date) DO UPDATE SET
			period_end = EXCLUDED.period_end,
			spend = EXCLUDED.spend,
			impressions = EXCLUDED.impressions,
			clicks = EXCLUDED.clicks,
			campaign_count = EXCLUDED.campaign_count,
			click_to_call = EXCLUDED.click_to_call,
			email_contacts = EXCLUDED.email_contacts,
			booking_step_1 = EXCLUDED.booking_step_1,
			booking_step_2 = EXCLUDED.booking_step_2,
			booking_step_3 = EXCLUDED.booking_step_3,
			reservations = EXCLUDED.reservations,
			reservation_value = EXCLUDED.reservation_value,
			ctr = EXCLUDED.ctr,
			cpc = EXCLUDED.cpc,
			roas = EXCLUDED.roas,
			cost_per_reservation = EXCLUDED.cost_per_reservation,
			campaigns = EXCLUDED.campaigns,
			data_source = EXCLUDED.data_source,
			last_updated = EXCLUDED.last_updated
	`, s.ID, s.ClientID, string(s.Platform), string(s.Kind), s.PeriodStart, s.PeriodEnd,
		t.Spend, t.Impressions, t.Clicks, t.Campaigns,
		t.ClickToCall, t.EmailContacts, t.BookingStep1, t.BookingStep2, t.BookingStep3,
		t.Reservations, t.ReservationValue, t.CTR, t.CPC, t.ROAS, t.CostPerReservation,
		campaigns, s.DataSource, s.LastUpdated)
	if err != nil {
		return fmt.Errorf("failed to upsert summary: %w", err)
	}
	return nil
}

func scanSummary(row pgx.Row) (*models.Summary, error) {
	var (
		s         models.Summary
		platform  string
		kind      string
		campaigns []byte
	)
	t := &s.Totals
	err := row.Scan(&s.ID, &s.ClientID, &platform, &kind, &s.PeriodStart, &s.PeriodEnd,
		&t.Spend, &t.Impressions, &t.Clicks, &t.Campaigns,
		&t.ClickToCall, &t.EmailContacts, &t.BookingStep1, &t.BookingStep2, &t.BookingStep3,
		&t.Reservations, &t.ReservationValue, &t.CTR, &t.CPC, &t.ROAS, &t.CostPerReservation,
		&campaigns, &s.DataSource, &s.LastUpdated)
	if err != nil {
		return nil, err
	}
	s.Platform = models.Platform(platform)
	s.Kind = models.PeriodKind(kind)
	if len(campaigns) > 0 {
		if err := json.Unmarshal(campaigns, &s.Campaigns); err != nil {
			return nil, fmt.Errorf("failed to decode campaigns: %w", err)
		}
	}
	return &s, nil
}

func (r *PostgresSummaryRepo) GetSummary(ctx context.Context, clientID string, p models.Platform, kind models.PeriodKind, start time.Time) (*models.Summary, error) {
	s, err := scanSummary(r.pool.QueryRow(ctx, `
		SELECT `+summaryColumns+` FROM campaign_summaries
		WHERE client_id = $1 AND platform = $2 AND summary_type = $3 AND summary_date = $4
	`, clientID, string(p), string(kind), start))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get summary: %w", err)
	}
	return s, nil
}

func (r *PostgresSummaryRepo) ListSummaries(ctx context.Context, f SummaryFilter) ([]*models.Summary, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.ClientID != "" {
		add("client_id = $%d", f.ClientID)
	}
	if f.Platform != "" {
		add("platform = $%d", string(f.Platform))
	}
	if f.Kind != "" {
		add("summary_type = $%d", string(f.Kind))
	}
	if !f.From.IsZero() {
		add("summary_date >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("summary_date <= $%d", f.To)
	}

	query := `SELECT ` + summaryColumns + ` FROM campaign_summaries`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY summary_date DESC, client_id, platform`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list summaries: %w", err)
	}
	defer rows.Close()

	var out []*models.Summary
	for rows.Next() {
		s, err := scanSummary(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan summary: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// =============================================
// CURRENT PERIOD CACHE
// =============================================

// PostgresCacheRepo implements CacheRepo using the current_month_cache and
// current_week_cache tables.
type PostgresCacheRepo struct {
	pool *pgxpool.Pool
}

func NewPostgresCacheRepo(pool *pgxpool.Pool) *PostgresCacheRepo {
	return &PostgresCacheRepo{pool: pool}
}

func cacheTable(kind models.PeriodKind) (string, error) {
	switch kind {
	case models.PeriodMonthly:
		return "current_month_cache", nil
	case models.PeriodWeekly:
		return "current_week_cache", nil
	}
	return "", fmt.Errorf("unknown period kind %q", kind)
}

func (r *PostgresCacheRepo) GetCache(ctx context.Context, kind models.PeriodKind, clientID string, p models.Platform, periodID string) (*models.CacheEntry, error) {
	table, err := cacheTable(kind)
	if err != nil {
		return nil, err
	}

	e := models.CacheEntry{ClientID: clientID, Platform: p, Kind: kind, PeriodID: periodID}
	var totals, campaigns []byte
	err = r.pool.QueryRow(ctx, `
		SELECT start_date, end_date, totals, campaigns, fetched_at FROM `+table+`
		WHERE client_id = $1 AND platform = $2 AND period_id = $3
	`, clientID, string(p), periodID).Scan(&e.Start, &e.End, &totals, &campaigns, &e.FetchedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cache entry: %w", err)
	}
	if err := json.Unmarshal(totals, &e.Totals); err != nil {
		return nil, fmt.Errorf("failed to decode cached totals: %w", err)
	}
	if err := json.Unmarshal(campaigns, &e.Campaigns); err != nil {
		return nil, fmt.Errorf("failed to decode cached campaigns: %w", err)
	}
	return &e, nil
}

func (r *PostgresCacheRepo) PutCache(ctx context.Context, e *models.CacheEntry) error {
	table, err := cacheTable(e.Kind)
	if err != nil {
		return err
	}
	totals, err := json.Marshal(e.Totals)
	if err != nil {
		return fmt.Errorf("failed to encode totals: %w", err)
	}
	campaigns, err := json.Marshal(nonNilRows(e.Campaigns))
	if err != nil {
		return fmt.Errorf("failed to encode campaigns: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO `+table+` (client_id, platform, period_id, start_date, end_date, totals, campaigns, fetched_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (client_id, platform, period_id) DO UPDATE SET
			start_date = EXCLUDED.start_date,
			end_date = EXCLUDED.end_date,
			totals = EXCLUDED.totals,
			campaigns = EXCLUDED.campaigns,
			fetched_at = EXCLUDED.fetched_at
	`, e.ClientID, string(e.Platform), e.PeriodID, e.Start, e.End, totals, campaigns, e.FetchedAt)
	if err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	return nil
}

// =============================================
// SETTINGS
// =============================================

// PostgresSettingsRepo implements SettingsRepo using system_settings.
type PostgresSettingsRepo struct {
	pool *pgxpool.Pool
}

func NewPostgresSettingsRepo(pool *pgxpool.Pool) *PostgresSettingsRepo {
	return &PostgresSettingsRepo{pool: pool}
}

func (r *PostgresSettingsRepo) GetSetting(ctx context.Context, key string) (string, error) {
	var v string
	err := r.pool.QueryRow(ctx, `SELECT value FROM system_settings WHERE key = $1`, key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get setting %s: %w", key, err)
	}
	return v, nil
}

func (r *PostgresSettingsRepo) SetSetting(ctx context.Context, key, value string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO system_settings (key, value, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set setting %s: %w", key, err)
	}
	return nil
}

func nonNilRows(rows []models.CampaignRow) []models.CampaignRow {
	if rows == nil {
		return []models.CampaignRow{}
	}
	return rows
}
