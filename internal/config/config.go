package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/radiusdt/funnel-report/internal/models"
)

// Config holds all configuration for funnel-report. It is built once at
// startup and handed to constructors.
type Config struct {
	App        AppConfig
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	ClickHouse ClickHouseConfig
	Meta       MetaConfig
	Google     GoogleConfig
	Retry      RetryConfig
	Pacing     PacingConfig
	Cache      CacheConfig
	Auth       AuthConfig
	RateLimit  RateLimitConfig
	Log        LogConfig
	Metrics    MetricsConfig
	Sentry     SentryConfig
}

type AppConfig struct {
	Env string
	// Timezone is the default reporting timezone for clients that do not
	// set their own.
	Timezone string
}

type ServerConfig struct {
	Addr            string
	ShutdownTimeout time.Duration
}

type DatabaseConfig struct {
	URL      string
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
	MinConns int
	// StatementTimeout is set as the session statement_timeout; 0 disables it.
	StatementTimeout time.Duration
	ConnectAttempts  int
}

// DSN returns DATABASE_URL when set, otherwise a URL built from parts.
func (d DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

// RedisConfig is optional: with neither URL nor Addr set the hot cache tier
// and the shared fetch budget run in memory.
type RedisConfig struct {
	// URL (redis:// or rediss://) takes precedence over Addr/Password/DB.
	URL      string
	Addr     string
	Password string
	DB       int
}

func (r RedisConfig) Enabled() bool { return r.URL != "" || r.Addr != "" }

// ClickHouseConfig is optional: an empty Addr disables row archiving.
type ClickHouseConfig struct {
	Addr     string
	Database string
	User     string
	Password string
}

func (c ClickHouseConfig) Enabled() bool { return c.Addr != "" }

type MetaConfig struct {
	AccessToken string
	BaseURL     string
	APIVersion  string
	PageSize    int
	MaxPages    int
}

type GoogleConfig struct {
	ClientID        string
	ClientSecret    string
	DeveloperToken  string
	RefreshToken    string
	LoginCustomerID string
	BaseURL         string
	APIVersion      string
	TokenURL        string
}

type RetryConfig struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	Jitter         float64
	RequestTimeout time.Duration
}

// PacingConfig spaces requests between units of work and caps fetches per
// platform. Zero limits mean no cap.
type PacingConfig struct {
	RPS          float64
	Burst        int
	MetaHourly   int64
	MetaDaily    int64
	GoogleHourly int64
	GoogleDaily  int64
}

type CacheConfig struct {
	TTL            time.Duration
	RefreshTimeout time.Duration
}

type AuthConfig struct {
	Enabled   bool
	MasterKey string
	SkipPaths []string
}

type RateLimitConfig struct {
	Enabled bool
	RPS     float64
	Burst   int
}

type LogConfig struct {
	Level  string
	Format string
}

type MetricsConfig struct {
	Namespace string
	Path      string
}

type SentryConfig struct {
	DSN         string
	Environment string
	SampleRate  float64
}

// Load reads configuration from environment variables with sensible
// defaults. Platform credentials are checked later by ValidateFor, since
// which ones are needed depends on the command.
func Load() (*Config, error) {
	cfg := &Config{
		App: AppConfig{
			Env:      getEnv("FUNNEL_ENV", "development"),
			Timezone: getEnv("FUNNEL_TIMEZONE", "UTC"),
		},
		Server: ServerConfig{
			Addr:            getEnv("FUNNEL_HTTP_ADDR", ":8080"),
			ShutdownTimeout: getDurationEnv("FUNNEL_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("FUNNEL_DB_HOST", "localhost"),
			Port:     getIntEnv("FUNNEL_DB_PORT", 5432),
			User:     getEnv("FUNNEL_DB_USER", "funnel"),
			Password: getEnv("FUNNEL_DB_PASSWORD", ""),
			DBName:   getEnv("FUNNEL_DB_NAME", "funnel"),
			SSLMode:  getEnv("FUNNEL_DB_SSLMODE", "disable"),
			MaxConns: getIntEnv("FUNNEL_DB_MAX_CONNS", 10),
			MinConns: getIntEnv("FUNNEL_DB_MIN_CONNS", 1),

			StatementTimeout: getDurationEnv("FUNNEL_DB_STATEMENT_TIMEOUT", time.Minute),
			ConnectAttempts:  getIntEnv("FUNNEL_DB_CONNECT_ATTEMPTS", 3),
		},
		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", ""),
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getIntEnv("REDIS_DB", 0),
		},
		ClickHouse: ClickHouseConfig{
			Addr:     getEnv("CLICKHOUSE_ADDR", ""),
			Database: getEnv("CLICKHOUSE_DATABASE", "default"),
			User:     getEnv("CLICKHOUSE_USER", "default"),
			Password: getEnv("CLICKHOUSE_PASSWORD", ""),
		},
		Meta: MetaConfig{
			AccessToken: getEnv("META_ACCESS_TOKEN", ""),
			BaseURL:     getEnv("META_GRAPH_URL", "https://graph.facebook.com"),
			APIVersion:  getEnv("META_API_VERSION", "v18.0"),
			PageSize:    getIntEnv("META_PAGE_SIZE", 100),
			MaxPages:    getIntEnv("META_MAX_PAGES", 0),
		},
		Google: GoogleConfig{
			ClientID:        getEnv("GOOGLE_ADS_CLIENT_ID", ""),
			ClientSecret:    getEnv("GOOGLE_ADS_CLIENT_SECRET", ""),
			DeveloperToken:  getEnv("GOOGLE_ADS_DEVELOPER_TOKEN", ""),
			RefreshToken:    getEnv("GOOGLE_ADS_REFRESH_TOKEN", ""),
			LoginCustomerID: getEnv("GOOGLE_ADS_MANAGER_CUSTOMER_ID", ""),
			BaseURL:         getEnv("GOOGLE_ADS_API_URL", "https://googleads.googleapis.com"),
			APIVersion:      getEnv("GOOGLE_ADS_API_VERSION", "v16"),
			TokenURL:        getEnv("GOOGLE_OAUTH_TOKEN_URL", "https://oauth2.googleapis.com/token"),
		},
		Retry: RetryConfig{
			MaxAttempts:    getIntEnv("FUNNEL_RETRY_MAX_ATTEMPTS", 5),
			BaseDelay:      getDurationEnv("FUNNEL_RETRY_BASE_DELAY", time.Second),
			MaxDelay:       getDurationEnv("FUNNEL_RETRY_MAX_DELAY", 30*time.Second),
			Multiplier:     getFloatEnv("FUNNEL_RETRY_MULTIPLIER", 2),
			Jitter:         getFloatEnv("FUNNEL_RETRY_JITTER", 0.2),
			RequestTimeout: getDurationEnv("FUNNEL_REQUEST_TIMEOUT", 60*time.Second),
		},
		Pacing: PacingConfig{
			RPS:   getFloatEnv("FUNNEL_PACING_RPS", 1),
			Burst: getIntEnv("FUNNEL_PACING_BURST", 1),

			MetaHourly:   int64(getIntEnv("FUNNEL_META_HOURLY_FETCHES", 150)),
			MetaDaily:    int64(getIntEnv("FUNNEL_META_DAILY_FETCHES", 0)),
			GoogleHourly: int64(getIntEnv("FUNNEL_GOOGLE_HOURLY_FETCHES", 0)),
			GoogleDaily:  int64(getIntEnv("FUNNEL_GOOGLE_DAILY_FETCHES", 7500)),
		},
		Cache: CacheConfig{
			TTL:            getDurationEnv("FUNNEL_CACHE_TTL", 3*time.Hour),
			RefreshTimeout: getDurationEnv("FUNNEL_CACHE_REFRESH_TIMEOUT", 5*time.Minute),
		},
		Auth: AuthConfig{
			Enabled:   getBoolEnv("FUNNEL_AUTH_ENABLED", true),
			MasterKey: getEnv("FUNNEL_API_KEY", ""),
			SkipPaths: getSliceEnv("FUNNEL_AUTH_SKIP_PATHS", []string{"/health", "/metrics"}),
		},
		RateLimit: RateLimitConfig{
			Enabled: getBoolEnv("FUNNEL_RATE_LIMIT_ENABLED", true),
			RPS:     getFloatEnv("FUNNEL_RATE_LIMIT_RPS", 20),
			Burst:   getIntEnv("FUNNEL_RATE_LIMIT_BURST", 40),
		},
		Log: LogConfig{
			Level:  getEnv("FUNNEL_LOG_LEVEL", "info"),
			Format: getEnv("FUNNEL_LOG_FORMAT", "json"),
		},
		Metrics: MetricsConfig{
			Namespace: getEnv("FUNNEL_METRICS_NAMESPACE", "funnel_report"),
			Path:      getEnv("FUNNEL_METRICS_PATH", "/metrics"),
		},
		Sentry: SentryConfig{
			DSN:         getEnv("SENTRY_DSN", ""),
			Environment: getEnv("SENTRY_ENVIRONMENT", getEnv("FUNNEL_ENV", "development")),
			SampleRate:  getFloatEnv("SENTRY_SAMPLE_RATE", 1),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// MissingError lists every required variable that is not set.
type MissingError struct {
	Vars []string
}

func (e *MissingError) Error() string {
	return "missing required configuration: " + strings.Join(e.Vars, ", ")
}

// Validate checks settings every command needs.
func (c *Config) Validate() error {
	var errs []error
	if _, err := time.LoadLocation(c.App.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("FUNNEL_TIMEZONE %q: %w", c.App.Timezone, err))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("FUNNEL_RETRY_MAX_ATTEMPTS must be at least 1, got %d", c.Retry.MaxAttempts))
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		errs = append(errs, fmt.Errorf("FUNNEL_RETRY_JITTER must be within [0, 1], got %g", c.Retry.Jitter))
	}
	if c.Cache.TTL <= 0 {
		errs = append(errs, fmt.Errorf("FUNNEL_CACHE_TTL must be positive"))
	}
	if c.Pacing.RPS <= 0 {
		errs = append(errs, fmt.Errorf("FUNNEL_PACING_RPS must be positive"))
	}
	return errors.Join(errs...)
}

// ValidateFor reports, in one error, every credential missing for the given
// platforms. The Google refresh token may instead come from stored settings,
// so it is only required when allowStoredRefresh is false.
func (c *Config) ValidateFor(platforms []models.Platform, allowStoredRefresh bool) error {
	var missing []string
	for _, p := range platforms {
		switch p {
		case models.PlatformMeta:
			// Per-client tokens live in the clients table; the env token is a
			// fallback, so nothing is strictly required here.
		case models.PlatformGoogle:
			if c.Google.ClientID == "" {
				missing = append(missing, "GOOGLE_ADS_CLIENT_ID")
			}
			if c.Google.ClientSecret == "" {
				missing = append(missing, "GOOGLE_ADS_CLIENT_SECRET")
			}
			if c.Google.DeveloperToken == "" {
				missing = append(missing, "GOOGLE_ADS_DEVELOPER_TOKEN")
			}
			if c.Google.RefreshToken == "" && !allowStoredRefresh {
				missing = append(missing, "GOOGLE_ADS_REFRESH_TOKEN")
			}
		}
	}
	if len(missing) > 0 {
		return &MissingError{Vars: missing}
	}
	return nil
}

// ValidateServe checks settings needed by the HTTP server.
func (c *Config) ValidateServe() error {
	if c.Auth.Enabled && c.Auth.MasterKey == "" {
		return &MissingError{Vars: []string{"FUNNEL_API_KEY"}}
	}
	return nil
}

// Location returns the default reporting timezone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.App.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.App.Env == "development"
}

// Helper functions for reading environment variables

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getIntEnv(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getFloatEnv(key string, def float64) float64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getBoolEnv(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getDurationEnv(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getSliceEnv(key string, def []string) []string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				result = append(result, p)
			}
		}
		return result
	}
	return def
}
