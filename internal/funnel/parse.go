package funnel

import (
	"math"
	"strconv"
	"strings"
)

// ParseNonNegativeIntOr0 parses an ads API counter. Decimal strings are
// truncated; empty, malformed or negative input yields 0.
func ParseNonNegativeIntOr0(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n < 0 {
			return 0
		}
		return n
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || f < 0 || f >= math.MaxInt64 {
		return 0
	}
	return int64(f)
}

// ParseNonNegativeFloatOr0 parses an ads API monetary amount. Empty,
// malformed, infinite or negative input yields 0.
func ParseNonNegativeFloatOr0(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return 0
	}
	return f
}
