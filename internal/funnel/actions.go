// Package funnel turns the action lists returned by ads platforms into
// conversion funnel buckets and aggregates campaign rows into period totals.
package funnel

import (
	"strings"

	"github.com/radiusdt/funnel-report/internal/models"
)

// Bucket names one funnel counter.
type Bucket string

const (
	BucketClickToCall   Bucket = "click_to_call"
	BucketEmailContacts Bucket = "email_contacts"
	BucketReservations  Bucket = "reservations"
	BucketBookingStep1  Bucket = "booking_step_1"
	BucketBookingStep2  Bucket = "booking_step_2"
	BucketBookingStep3  Bucket = "booking_step_3"
)

// PurchaseActionType is the action_values tag whose value becomes the
// reservation value.
const PurchaseActionType = "purchase"

// BucketRule feeds an action into Bucket when Match accepts its lowercased
// action_type. Rules are not exclusive: one action can feed several buckets.
type BucketRule struct {
	Bucket Bucket
	Match  func(actionType string) bool
	// Patterns are the substrings Match looks for, kept for audit output.
	Patterns []string
}

func containsAny(patterns ...string) BucketRule {
	return BucketRule{
		Patterns: patterns,
		Match: func(actionType string) bool {
			for _, p := range patterns {
				if strings.Contains(actionType, p) {
					return true
				}
			}
			return false
		},
	}
}

func rule(b Bucket, r BucketRule) BucketRule {
	r.Bucket = b
	return r
}

// A purchase feeds both reservations and booking_step_3.
var rules = []BucketRule{
	rule(BucketClickToCall, containsAny("click_to_call")),
	rule(BucketEmailContacts, containsAny("lead")),
	rule(BucketReservations, containsAny("purchase")),
	rule(BucketBookingStep1, containsAny("booking_step_1", "initiate_checkout")),
	rule(BucketBookingStep2, containsAny("booking_step_2", "add_to_cart")),
	rule(BucketBookingStep3, containsAny("booking_step_3", "purchase")),
}

// Rules returns a copy of the bucket taxonomy in evaluation order.
func Rules() []BucketRule {
	out := make([]BucketRule, len(rules))
	copy(out, rules)
	return out
}

// Classify lists the buckets an action type contributes to.
func Classify(actionType string) []Bucket {
	t := strings.ToLower(actionType)
	var out []Bucket
	for _, r := range rules {
		if r.Match(t) {
			out = append(out, r.Bucket)
		}
	}
	return out
}

// Parse maps one campaign's actions and action values to funnel buckets.
// Missing input yields zero metrics; malformed numbers count as 0.
func Parse(actions []models.RawAction, values []models.RawActionValue) models.FunnelMetrics {
	var m models.FunnelMetrics
	for _, a := range actions {
		n := ParseNonNegativeIntOr0(a.Value)
		if n == 0 {
			continue
		}
		t := strings.ToLower(a.ActionType)
		for _, r := range rules {
			if r.Match(t) {
				add(&m, r.Bucket, n)
			}
		}
	}
	// last purchase wins, not summed
	for _, v := range values {
		if v.ActionType == PurchaseActionType {
			m.ReservationValue = ParseNonNegativeFloatOr0(v.Value)
		}
	}
	return m
}

func add(m *models.FunnelMetrics, b Bucket, n int64) {
	switch b {
	case BucketClickToCall:
		m.ClickToCall = models.SaturatingAdd(m.ClickToCall, n)
	case BucketEmailContacts:
		m.EmailContacts = models.SaturatingAdd(m.EmailContacts, n)
	case BucketReservations:
		m.Reservations = models.SaturatingAdd(m.Reservations, n)
	case BucketBookingStep1:
		m.BookingStep1 = models.SaturatingAdd(m.BookingStep1, n)
	case BucketBookingStep2:
		m.BookingStep2 = models.SaturatingAdd(m.BookingStep2, n)
	case BucketBookingStep3:
		m.BookingStep3 = models.SaturatingAdd(m.BookingStep3, n)
	}
}

// Value returns the bucket's counter in m.
func Value(m models.FunnelMetrics, b Bucket) int64 {
	switch b {
	case BucketClickToCall:
		return m.ClickToCall
	case BucketEmailContacts:
		return m.EmailContacts
	case BucketReservations:
		return m.Reservations
	case BucketBookingStep1:
		return m.BookingStep1
	case BucketBookingStep2:
		return m.BookingStep2
	case BucketBookingStep3:
		return m.BookingStep3
	}
	return 0
}
