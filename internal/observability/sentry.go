// Package observability forwards failed units of work to Sentry.
package observability

import (
	"errors"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/radiusdt/funnel-report/internal/config"
)

// Reporter receives errors worth a human's attention.
type Reporter interface {
	CaptureError(err error, tags map[string]string)
	Flush(timeout time.Duration)
}

// Nop drops everything. It is used when SENTRY_DSN is not set.
type Nop struct{}

func (Nop) CaptureError(error, map[string]string) {}
func (Nop) Flush(time.Duration)                   {}

// SentryReporter sends errors through its own hub, so tests and the global
// hub do not interfere.
type SentryReporter struct {
	hub *sentry.Hub
}

// NewReporter returns a SentryReporter, or Nop when no DSN is configured.
func NewReporter(cfg config.SentryConfig, release string) (Reporter, error) {
	if cfg.DSN == "" {
		return Nop{}, nil
	}
	return NewSentryReporter(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Environment: cfg.Environment,
		SampleRate:  cfg.SampleRate,
		Release:     release,
	})
}

// NewSentryReporter builds a reporter from raw client options.
func NewSentryReporter(opts sentry.ClientOptions) (*SentryReporter, error) {
	client, err := sentry.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to init sentry: %w", err)
	}
	return &SentryReporter{hub: sentry.NewHub(client, sentry.NewScope())}, nil
}

func (r *SentryReporter) CaptureError(err error, tags map[string]string) {
	if err == nil {
		return
	}
	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTags(tags)
		// Group by the innermost error so the same upstream failure for
		// different clients lands in one issue.
		root := err
		for {
			next := errors.Unwrap(root)
			if next == nil {
				break
			}
			root = next
		}
		scope.SetFingerprint([]string{"{{ default }}", root.Error()})
		r.hub.CaptureException(err)
	})
}

func (r *SentryReporter) Flush(timeout time.Duration) {
	r.hub.Flush(timeout)
}
