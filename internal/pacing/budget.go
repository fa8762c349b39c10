// Package pacing keeps a shared request budget per ads platform so that CLI
// runs and the HTTP server together stay under the platforms' call quotas.
package pacing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/radiusdt/funnel-report/internal/adplatform"
	"github.com/radiusdt/funnel-report/internal/metrics"
	"github.com/radiusdt/funnel-report/internal/models"
)

// ExhaustedError is returned when a platform's hourly or daily budget is
// spent. It unwraps to adplatform.ErrRateLimited.
type ExhaustedError struct {
	Platform models.Platform
	Window   string // "hour" or "day"
	Limit    int64
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s fetch budget of %d per %s is spent", e.Platform, e.Limit, e.Window)
}

func (e *ExhaustedError) Unwrap() error { return adplatform.ErrRateLimited }

// IsExhausted reports whether err is a spent budget.
func IsExhausted(err error) bool {
	var e *ExhaustedError
	return errors.As(err, &e)
}

// Limits caps fetches per clock hour and per UTC day. Zero means no cap.
type Limits struct {
	Hourly int64
	Daily  int64
}

// Budget counts platform fetches.
type Budget interface {
	// Allow consumes one fetch for platform. It returns an *ExhaustedError
	// when a limit would be exceeded; other errors mean the budget could not
	// be checked and the caller may proceed.
	Allow(ctx context.Context, platform models.Platform) error

	// GetStats returns current usage for platform.
	GetStats(ctx context.Context, platform models.Platform) (*Stats, error)
}

// Stats holds current budget usage.
type Stats struct {
	Platform        models.Platform `json:"platform"`
	HourlyFetches   int64           `json:"hourly_fetches"`
	DailyFetches    int64           `json:"daily_fetches"`
	HourlyLimit     int64           `json:"hourly_limit"`
	DailyLimit      int64           `json:"daily_limit"`
	HourlyRemaining int64           `json:"hourly_remaining"`
	LastUpdated     time.Time       `json:"last_updated"`
}

func newStats(p models.Platform, l Limits, hourly, daily int64, now time.Time) *Stats {
	s := &Stats{
		Platform:      p,
		HourlyFetches: hourly,
		DailyFetches:  daily,
		HourlyLimit:   l.Hourly,
		DailyLimit:    l.Daily,
		LastUpdated:   now,
	}
	if l.Hourly > 0 {
		s.HourlyRemaining = l.Hourly - hourly
		if s.HourlyRemaining < 0 {
			s.HourlyRemaining = 0
		}
	}
	return s
}

// check returns the first limit exceeded by the counts, if any.
func check(p models.Platform, l Limits, hourly, daily int64) *ExhaustedError {
	if l.Hourly > 0 && hourly > l.Hourly {
		return &ExhaustedError{Platform: p, Window: "hour", Limit: l.Hourly}
	}
	if l.Daily > 0 && daily > l.Daily {
		return &ExhaustedError{Platform: p, Window: "day", Limit: l.Daily}
	}
	return nil
}

func dayKey(t time.Time) string  { return t.UTC().Format("2006-01-02") }
func hourKey(t time.Time) string { return t.UTC().Format("2006-01-02:15") }

// ===== REDIS =====

// RedisBudget keeps counters in Redis so every process shares them.
type RedisBudget struct {
	client  *redis.Client
	limits  map[models.Platform]Limits
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewRedisBudget creates a Redis-backed budget. Platforms without limits are
// counted but never refused.
func NewRedisBudget(client *redis.Client, limits map[models.Platform]Limits, m *metrics.Metrics) *RedisBudget {
	return &RedisBudget{client: client, limits: limits, metrics: m, now: time.Now}
}

func (b *RedisBudget) keys(p models.Platform) (daily, hourly string) {
	now := b.now()
	return fmt.Sprintf("pacing:fetches:%s:%s", p, dayKey(now)),
		fmt.Sprintf("pacing:fetches:%s:%s", p, hourKey(now))
}

// Allow increments both counters and rolls them back when a limit is hit.
func (b *RedisBudget) Allow(ctx context.Context, p models.Platform) error {
	dk, hk := b.keys(p)

	pipe := b.client.TxPipeline()
	daily := pipe.Incr(ctx, dk)
	pipe.Expire(ctx, dk, 25*time.Hour)
	hourly := pipe.Incr(ctx, hk)
	pipe.Expire(ctx, hk, 2*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to count %s fetch: %w", p, err)
	}

	if e := check(p, b.limits[p], hourly.Val(), daily.Val()); e != nil {
		rollback := b.client.Pipeline()
		rollback.Decr(ctx, dk)
		rollback.Decr(ctx, hk)
		_, _ = rollback.Exec(ctx)
		b.metrics.RecordBudgetRejection(string(p), e.Window)
		return e
	}
	return nil
}

func (b *RedisBudget) GetStats(ctx context.Context, p models.Platform) (*Stats, error) {
	dk, hk := b.keys(p)
	vals, err := b.client.MGet(ctx, dk, hk).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s budget: %w", p, err)
	}
	return newStats(p, b.limits[p], toInt(vals[1]), toInt(vals[0]), b.now()), nil
}

func toInt(v interface{}) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

// ===== IN-MEMORY =====

// InMemoryBudget is a process-local Budget, used when Redis is not
// configured and in tests.
type InMemoryBudget struct {
	mu      sync.Mutex
	limits  map[models.Platform]Limits
	metrics *metrics.Metrics
	now     func() time.Time
	// keyed "{platform}:{day}" and "{platform}:{day}:{hour}"
	counts map[string]int64
}

// NewInMemoryBudget constructs a budget with empty counters.
func NewInMemoryBudget(limits map[models.Platform]Limits, m *metrics.Metrics) *InMemoryBudget {
	return &InMemoryBudget{limits: limits, metrics: m, now: time.Now, counts: make(map[string]int64)}
}

// WithClock overrides time.Now.
func (b *InMemoryBudget) WithClock(now func() time.Time) *InMemoryBudget {
	b.now = now
	return b
}

func (b *InMemoryBudget) Allow(ctx context.Context, p models.Platform) error {
	now := b.now()
	dk, hk := string(p)+":"+dayKey(now), string(p)+":"+hourKey(now)

	b.mu.Lock()
	defer b.mu.Unlock()
	if e := check(p, b.limits[p], b.counts[hk]+1, b.counts[dk]+1); e != nil {
		b.metrics.RecordBudgetRejection(string(p), e.Window)
		return e
	}
	b.counts[dk]++
	b.counts[hk]++
	return nil
}

func (b *InMemoryBudget) GetStats(ctx context.Context, p models.Platform) (*Stats, error) {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	return newStats(p, b.limits[p], b.counts[string(p)+":"+hourKey(now)], b.counts[string(p)+":"+dayKey(now)], now), nil
}
