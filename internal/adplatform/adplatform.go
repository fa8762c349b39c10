// Package adplatform holds what the Meta and Google Ads clients share: the
// Source interface, the upstream error taxonomy and HTTP plumbing.
package adplatform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/radiusdt/funnel-report/internal/metrics"
	"github.com/radiusdt/funnel-report/internal/models"
	"github.com/radiusdt/funnel-report/internal/period"
)

// Sentinel kinds an *APIError unwraps to.
var (
	ErrRateLimited    = errors.New("rate limited")
	ErrReauthRequired = errors.New("credential needs re-authentication")
	ErrTransient      = errors.New("transient upstream failure")
)

// Account identifies one client's account on a platform.
type Account struct {
	ClientID    string
	ClientName  string
	AccountID   string
	AccessToken string
}

// Source fetches per-campaign performance rows for a period. Rows carry raw
// actions only; funnel buckets are filled by the funnel package.
type Source interface {
	Platform() models.Platform
	CampaignInsights(ctx context.Context, acct Account, p period.Period) ([]models.CampaignRow, error)
}

// APIError is a non-2xx answer from an ads platform.
type APIError struct {
	Platform   models.Platform
	Status     int
	Code       string
	Message    string
	Kind       error
	retryAfter time.Duration
}

// NewAPIError classifies an upstream failure by HTTP status. Platform
// clients may override Kind with platform-specific codes.
func NewAPIError(platform models.Platform, status int, code, message string) *APIError {
	e := &APIError{Platform: platform, Status: status, Code: code, Message: message}
	switch {
	case status == http.StatusTooManyRequests:
		e.Kind = ErrRateLimited
	case status == http.StatusUnauthorized:
		e.Kind = ErrReauthRequired
	case status >= 500:
		e.Kind = ErrTransient
	}
	return e
}

func (e *APIError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s api: status %d", e.Platform, e.Status)
	if e.Code != "" {
		fmt.Fprintf(&b, " code %s", e.Code)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

func (e *APIError) Unwrap() error { return e.Kind }

// Retryable reports whether waiting and retrying can succeed.
func (e *APIError) Retryable() bool {
	return e.Kind == ErrRateLimited || e.Kind == ErrTransient
}

// RetryAfter is the server-requested delay, if any.
func (e *APIError) RetryAfter() time.Duration { return e.retryAfter }

// WithRetryAfter sets the delay parsed from a Retry-After header.
func (e *APIError) WithRetryAfter(d time.Duration) *APIError {
	e.retryAfter = d
	return e
}

// ParseRetryAfter reads a Retry-After header given in seconds or as an HTTP
// date. Unparsable values yield 0.
func ParseRetryAfter(h string, now time.Time) time.Duration {
	h = strings.TrimSpace(h)
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(h); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(h); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}

// ReadBody reads at most limit bytes of an error response body.
func ReadBody(r io.Reader, limit int64) []byte {
	b, _ := io.ReadAll(io.LimitReader(r, limit))
	return b
}

// HTTPClient is the subset of *http.Client the platform clients use.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// NewHTTPClient returns an *http.Client with the given timeout.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

// InstrumentedClient records latency and status of every platform request.
type InstrumentedClient struct {
	next     HTTPClient
	platform models.Platform
	metrics  *metrics.Metrics
}

// Instrument wraps next with request metrics for platform. A nil m returns
// next unchanged.
func Instrument(next HTTPClient, platform models.Platform, m *metrics.Metrics) HTTPClient {
	if m == nil {
		return next
	}
	return &InstrumentedClient{next: next, platform: platform, metrics: m}
}

func (c *InstrumentedClient) Do(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := c.next.Do(req)
	status := "error"
	if err == nil {
		status = strconv.Itoa(resp.StatusCode)
	}
	c.metrics.RecordPlatformRequest(string(c.platform), status, time.Since(start))
	return resp, err
}
