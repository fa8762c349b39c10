package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the reporting jobs. Every Record
// method is safe to call on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	// Platform API metrics
	PlatformRequests *prometheus.CounterVec
	PlatformLatency  *prometheus.HistogramVec
	Retries          *prometheus.CounterVec

	// Unit of work metrics
	Units        *prometheus.CounterVec
	UnitDuration *prometheus.HistogramVec
	ReauthNeeded *prometheus.CounterVec

	// Fetch budget
	BudgetRejections *prometheus.CounterVec

	// Smart cache metrics
	CacheLookups   *prometheus.CounterVec
	CacheRefreshes *prometheus.CounterVec

	// Persistence
	SummariesWritten *prometheus.CounterVec
	LastRun          *prometheus.GaugeVec

	// HTTP serve mode
	HTTPRequests  *prometheus.CounterVec
	RateLimitHits *prometheus.CounterVec
}

// NewMetrics creates all metrics on a private registry, so several
// instances can coexist in one process.
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		PlatformRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "platform_requests_total",
				Help:      "Requests sent to ads platforms by status",
			},
			[]string{"platform", "status"},
		),
		PlatformLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "platform_request_seconds",
				Help:      "Ads platform request latency in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"platform"},
		),
		Retries: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retries_total",
				Help:      "Retried platform operations",
			},
			[]string{"op"},
		),

		Units: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "units_total",
				Help:      "Units of work (client x platform x period) by outcome",
			},
			[]string{"job", "platform", "outcome"},
		),
		UnitDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "unit_duration_seconds",
				Help:      "Duration of one unit of work",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"job"},
		),
		ReauthNeeded: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reauth_required_total",
				Help:      "Clients whose platform credential needs re-authentication",
			},
			[]string{"platform"},
		),

		CacheLookups: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lookups_total",
				Help:      "Smart cache lookups by tier and result",
			},
			[]string{"kind", "result"},
		),
		CacheRefreshes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_refreshes_total",
				Help:      "Smart cache refreshes by mode and outcome",
			},
			[]string{"mode", "outcome"},
		),

		BudgetRejections: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "budget_rejections_total",
				Help:      "Platform fetches refused by the shared request budget",
			},
			[]string{"platform", "window"},
		),

		SummariesWritten: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "summaries_written_total",
				Help:      "Campaign summaries upserted",
			},
			[]string{"platform", "kind"},
		),
		LastRun: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_run_timestamp_seconds",
				Help:      "Unix time a job last finished",
			},
			[]string{"job"},
		),

		HTTPRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests served by route and status class",
			},
			[]string{"route", "code"},
		),
		RateLimitHits: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_hits_total",
				Help:      "Requests rejected by the HTTP rate limiter",
			},
			[]string{"route"},
		),
	}
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler returns the Prometheus metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordPlatformRequest records one ads platform HTTP request.
func (m *Metrics) RecordPlatformRequest(platform, status string, latency time.Duration) {
	if m == nil {
		return
	}
	m.PlatformRequests.WithLabelValues(platform, status).Inc()
	m.PlatformLatency.WithLabelValues(platform).Observe(latency.Seconds())
}

// RecordRetry records a retried operation.
func (m *Metrics) RecordRetry(op string) {
	if m == nil {
		return
	}
	m.Retries.WithLabelValues(op).Inc()
}

// RecordUnit records the outcome of one unit of work.
func (m *Metrics) RecordUnit(job, platform, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Units.WithLabelValues(job, platform, outcome).Inc()
	m.UnitDuration.WithLabelValues(job).Observe(d.Seconds())
}

// RecordReauth records a credential that needs re-authentication.
func (m *Metrics) RecordReauth(platform string) {
	if m == nil {
		return
	}
	m.ReauthNeeded.WithLabelValues(platform).Inc()
}

// RecordCacheLookup records a smart cache lookup result (hit, stale, miss).
func (m *Metrics) RecordCacheLookup(kind, result string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(kind, result).Inc()
}

// RecordCacheRefresh records a smart cache refresh (sync, background).
func (m *Metrics) RecordCacheRefresh(mode, outcome string) {
	if m == nil {
		return
	}
	m.CacheRefreshes.WithLabelValues(mode, outcome).Inc()
}

// RecordSummaryWritten records an upserted summary.
func (m *Metrics) RecordSummaryWritten(platform, kind string) {
	if m == nil {
		return
	}
	m.SummariesWritten.WithLabelValues(platform, kind).Inc()
}

// RecordRunFinished stamps the completion time of a job.
func (m *Metrics) RecordRunFinished(job string, at time.Time) {
	if m == nil {
		return
	}
	m.LastRun.WithLabelValues(job).Set(float64(at.Unix()))
}

// RecordHTTPRequest records a served HTTP request.
func (m *Metrics) RecordHTTPRequest(route, code string) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, code).Inc()
}

// RecordRateLimitHit records a rate limit hit.
func (m *Metrics) RecordRateLimitHit(route string) {
	if m == nil {
		return
	}
	m.RateLimitHits.WithLabelValues(route).Inc()
}

// RecordBudgetRejection records a fetch refused because the hourly or daily
// budget of platform was spent.
func (m *Metrics) RecordBudgetRejection(platform, window string) {
	if m == nil {
		return
	}
	m.BudgetRejections.WithLabelValues(platform, window).Inc()
}
