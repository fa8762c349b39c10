package models

import (
	"errors"
	"time"
)

// Token states stored per platform on a client.
const (
	TokenStatusValid   = "valid"
	TokenStatusInvalid = "invalid"
)

// Client is a hotel account whose ad platforms are reported on.
type Client struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	Email               string    `json:"email"`
	MetaAdAccountID     string    `json:"meta_ad_account_id,omitempty"`
	MetaAccessToken     string    `json:"-"`
	MetaTokenStatus     string    `json:"meta_token_status,omitempty"`
	GoogleAdsCustomerID string    `json:"google_ads_customer_id,omitempty"`
	GoogleTokenStatus   string    `json:"google_token_status,omitempty"`
	ReportingTimezone   string    `json:"reporting_timezone,omitempty"`
	Active              bool      `json:"active"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Validate checks that required fields are present.
func (c *Client) Validate() error {
	if c == nil {
		return errors.New("client is nil")
	}
	if c.ID == "" {
		return errors.New("id is required")
	}
	if c.Name == "" {
		return errors.New("name is required")
	}
	return nil
}

// AccountFor returns the client's account id on the given platform, or ""
// when the client is not connected to it.
func (c *Client) AccountFor(p Platform) string {
	switch p {
	case PlatformMeta:
		return c.MetaAdAccountID
	case PlatformGoogle:
		return c.GoogleAdsCustomerID
	}
	return ""
}

// TokenInvalid reports whether the platform credential was flagged for
// re-authentication.
func (c *Client) TokenInvalid(p Platform) bool {
	switch p {
	case PlatformMeta:
		return c.MetaTokenStatus == TokenStatusInvalid
	case PlatformGoogle:
		return c.GoogleTokenStatus == TokenStatusInvalid
	}
	return false
}
