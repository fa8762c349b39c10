package funnel

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radiusdt/funnel-report/internal/models"
)

func TestParseLeadPixel(t *testing.T) {
	m := Parse([]models.RawAction{
		{ActionType: "offsite_conversion.fb_pixel_custom.Lead", Value: "3"},
	}, nil)

	assert.Equal(t, models.FunnelMetrics{EmailContacts: 3}, m)
}

func TestParsePurchaseFeedsReservationsAndStep3(t *testing.T) {
	m := Parse(
		[]models.RawAction{{ActionType: "purchase", Value: "2"}},
		[]models.RawActionValue{{ActionType: "purchase", Value: "150.50"}},
	)

	assert.Equal(t, int64(2), m.Reservations)
	assert.Equal(t, int64(2), m.BookingStep3)
	assert.InDelta(t, 150.50, m.ReservationValue, 1e-9)
	assert.Zero(t, m.BookingStep1)
	assert.Zero(t, m.EmailContacts)
}

func TestParseInitiateCheckout(t *testing.T) {
	m := Parse([]models.RawAction{{ActionType: "initiate_checkout", Value: "5"}}, nil)
	assert.Equal(t, models.FunnelMetrics{BookingStep1: 5}, m)
}

func TestParseBucketTable(t *testing.T) {
	tests := []struct {
		name       string
		actionType string
		want       models.FunnelMetrics
	}{
		{"click to call", "click_to_call_call_confirm", models.FunnelMetrics{ClickToCall: 4}},
		{"add to cart", "offsite_conversion.fb_pixel_add_to_cart", models.FunnelMetrics{BookingStep2: 4}},
		{"omni checkout", "omni_initiated_checkout", models.FunnelMetrics{}},
		{"pixel checkout", "offsite_conversion.fb_pixel_initiate_checkout", models.FunnelMetrics{BookingStep1: 4}},
		{"custom step 2", "booking_step_2", models.FunnelMetrics{BookingStep2: 4}},
		{"custom step 3", "booking_step_3", models.FunnelMetrics{BookingStep3: 4}},
		{"pixel purchase", "offsite_conversion.fb_pixel_purchase", models.FunnelMetrics{Reservations: 4, BookingStep3: 4}},
		{"unrelated", "link_click", models.FunnelMetrics{}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := Parse([]models.RawAction{{ActionType: tc.actionType, Value: "4"}}, nil)
			assert.Equal(t, tc.want, m)
		})
	}
}

func TestParseSumsOverlappingActions(t *testing.T) {
	m := Parse([]models.RawAction{
		{ActionType: "lead", Value: "1"},
		{ActionType: "onsite_conversion.lead_grouped", Value: "2"},
		{ActionType: "offsite_conversion.fb_pixel_lead", Value: "3"},
	}, nil)
	assert.Equal(t, int64(6), m.EmailContacts)
}

func TestParseReservationValueLastWins(t *testing.T) {
	m := Parse(nil, []models.RawActionValue{
		{ActionType: "purchase", Value: "100"},
		{ActionType: "offsite_conversion.fb_pixel_purchase", Value: "999"},
		{ActionType: "purchase", Value: "250.25"},
	})
	assert.InDelta(t, 250.25, m.ReservationValue, 1e-9)
}

func TestParseEmptyAndMalformed(t *testing.T) {
	assert.True(t, Parse(nil, nil).IsZero())
	assert.True(t, Parse([]models.RawAction{}, []models.RawActionValue{}).IsZero())

	m := Parse(
		[]models.RawAction{
			{ActionType: "purchase", Value: "abc"},
			{ActionType: "lead", Value: "-7"},
			{ActionType: "click_to_call", Value: ""},
		},
		[]models.RawActionValue{{ActionType: "purchase", Value: "-10"}},
	)
	assert.True(t, m.IsZero())
}

func TestBucketsNeverNegative(t *testing.T) {
	values := []string{"-1", "-0.5", "NaN", "-Inf", "1e400", "12abc", " 8 ", "3.9", "9223372036854775807", "9.2e18"}
	var actions []models.RawAction
	var avs []models.RawActionValue
	for _, r := range Rules() {
		for _, p := range r.Patterns {
			for _, v := range values {
				actions = append(actions, models.RawAction{ActionType: p, Value: v})
				avs = append(avs, models.RawActionValue{ActionType: PurchaseActionType, Value: v})
			}
		}
	}
	m := Parse(actions, avs)
	for _, r := range Rules() {
		assert.GreaterOrEqual(t, Value(m, r.Bucket), int64(0), r.Bucket)
	}
	assert.GreaterOrEqual(t, m.ReservationValue, 0.0)
}

func TestParseSaturatesAtMaxInt64(t *testing.T) {
	m := Parse([]models.RawAction{
		{ActionType: "lead", Value: "9223372036854775807"},
		{ActionType: "offsite_conversion.fb_pixel_lead", Value: "1"},
		{ActionType: "purchase", Value: "9223372036854775807"},
		{ActionType: "omni_purchase", Value: "9223372036854775807"},
	}, nil)
	assert.Equal(t, int64(math.MaxInt64), m.EmailContacts)
	assert.Equal(t, int64(math.MaxInt64), m.Reservations)
	assert.Equal(t, int64(math.MaxInt64), m.BookingStep3)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, []Bucket{BucketReservations, BucketBookingStep3}, Classify("purchase"))
	assert.Equal(t, []Bucket{BucketEmailContacts}, Classify("Lead"))
	assert.Empty(t, Classify("video_view"))
}

func TestRulesReturnsCopy(t *testing.T) {
	r := Rules()
	require.NotEmpty(t, r)
	r[0].Bucket = "mutated"
	assert.Equal(t, BucketClickToCall, Rules()[0].Bucket)
}

func TestParseNonNegativeIntOr0(t *testing.T) {
	tests := map[string]int64{
		"":      0,
		"12":    12,
		" 7 ":   7,
		"3.0":   3,
		"3.9":   3,
		"-4":    0,
		"x":     0,
		"1e3":   1000,
		"1e400": 0,
		"12abc": 0,
		"9223372036854775807": math.MaxInt64,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseNonNegativeIntOr0(in), "input %q", in)
	}
}

func TestParseNonNegativeFloatOr0(t *testing.T) {
	tests := map[string]float64{
		"":       0,
		"150.50": 150.5,
		"-1":     0,
		"NaN":    0,
		"Inf":    0,
		"junk":   0,
		"0.01":   0.01,
	}
	for in, want := range tests {
		assert.InDelta(t, want, ParseNonNegativeFloatOr0(in), 1e-12, "input %q", in)
	}
}
