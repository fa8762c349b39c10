package adplatform

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/radiusdt/funnel-report/internal/models"
	"github.com/radiusdt/funnel-report/internal/retry"
)

func TestNewAPIErrorClassification(t *testing.T) {
	tests := []struct {
		status    int
		kind      error
		retryable bool
	}{
		{http.StatusTooManyRequests, ErrRateLimited, true},
		{http.StatusUnauthorized, ErrReauthRequired, false},
		{http.StatusBadGateway, ErrTransient, true},
		{http.StatusBadRequest, nil, false},
	}
	for _, tc := range tests {
		e := NewAPIError(models.PlatformMeta, tc.status, "", "boom")
		if tc.kind == nil {
			assert.Nil(t, e.Kind, "status %d", tc.status)
		} else {
			assert.True(t, errors.Is(e, tc.kind), "status %d", tc.status)
		}
		assert.Equal(t, tc.retryable, e.Retryable(), "status %d", tc.status)
	}
}

func TestAPIErrorWorksWithRetryClassifier(t *testing.T) {
	e := NewAPIError(models.PlatformGoogle, 429, "RESOURCE_EXHAUSTED", "quota").WithRetryAfter(3 * time.Second)

	retryable, wait := retry.DefaultClassifier(e)
	assert.True(t, retryable)
	assert.Equal(t, 3*time.Second, wait)

	retryable, _ = retry.DefaultClassifier(NewAPIError(models.PlatformGoogle, 401, "", ""))
	assert.False(t, retryable)
}

func TestAPIErrorMessage(t *testing.T) {
	e := NewAPIError(models.PlatformMeta, 400, "100", "Invalid parameter")
	assert.Equal(t, "meta api: status 400 code 100: Invalid parameter", e.Error())
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, 5*time.Second, ParseRetryAfter("5", now))
	assert.Equal(t, 30*time.Second, ParseRetryAfter(now.Add(30*time.Second).Format(http.TimeFormat), now))
	assert.Zero(t, ParseRetryAfter("", now))
	assert.Zero(t, ParseRetryAfter("soon", now))
}
