// Package googleads fetches campaign performance from the Google Ads REST
// searchStream endpoint and reshapes it into the same action lists the Meta
// client returns, so both platforms share one funnel parser.
package googleads

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/radiusdt/funnel-report/internal/adplatform"
	"github.com/radiusdt/funnel-report/internal/funnel"
	"github.com/radiusdt/funnel-report/internal/models"
	"github.com/radiusdt/funnel-report/internal/period"
	"github.com/radiusdt/funnel-report/internal/retry"
)

// Config holds Google Ads API credentials and endpoints.
type Config struct {
	BaseURL         string
	APIVersion      string
	TokenURL        string
	DeveloperToken  string
	LoginCustomerID string
	ClientID        string
	ClientSecret    string
	RefreshToken    string
}

// Client queries campaign metrics for a customer account.
type Client struct {
	cfg    Config
	http   adplatform.HTTPClient
	tokens oauth2.TokenSource
	exec   *retry.Executor
	logger *zap.Logger
	now    func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithTokenSource replaces the refresh-token flow.
func WithTokenSource(ts oauth2.TokenSource) Option {
	return func(c *Client) { c.tokens = ts }
}

// NewClient creates a Google Ads client. Access tokens are minted from the
// configured refresh token and cached until they expire.
func NewClient(cfg Config, httpc adplatform.HTTPClient, exec *retry.Executor, logger *zap.Logger, opts ...Option) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://googleads.googleapis.com"
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = "v16"
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = "https://oauth2.googleapis.com/token"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{cfg: cfg, http: httpc, exec: exec, logger: logger, now: time.Now}
	for _, o := range opts {
		o(c)
	}
	if c.tokens == nil {
		oc := &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: cfg.TokenURL, AuthStyle: oauth2.AuthStyleInParams},
		}
		ctx := context.Background()
		if hc, ok := httpc.(*http.Client); ok {
			ctx = context.WithValue(ctx, oauth2.HTTPClient, hc)
		}
		c.tokens = oc.TokenSource(ctx, &oauth2.Token{RefreshToken: cfg.RefreshToken})
	}
	return c
}

func (c *Client) Platform() models.Platform { return models.PlatformGoogle }

const metricsQuery = `SELECT campaign.id, campaign.name, metrics.cost_micros, metrics.impressions, metrics.clicks
FROM campaign
WHERE segments.date BETWEEN '%s' AND '%s'`

const conversionsQuery = `SELECT campaign.id, segments.conversion_action_name, metrics.conversions, metrics.conversions_value
FROM campaign
WHERE segments.date BETWEEN '%s' AND '%s' AND metrics.conversions > 0`

type streamBatch struct {
	Results []streamRow `json:"results"`
}

type streamRow struct {
	Campaign struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"campaign"`
	Metrics struct {
		CostMicros       string  `json:"costMicros"`
		Impressions      string  `json:"impressions"`
		Clicks           string  `json:"clicks"`
		Conversions      float64 `json:"conversions"`
		ConversionsValue float64 `json:"conversionsValue"`
	} `json:"metrics"`
	Segments struct {
		ConversionActionName string `json:"conversionActionName"`
	} `json:"segments"`
}

type apiErrorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// CampaignInsights runs the metrics and conversions queries and merges them
// per campaign. Conversion action names become RawActions; values of
// purchase-like actions are summed into a single "purchase" action value.
func (c *Client) CampaignInsights(ctx context.Context, acct adplatform.Account, p period.Period) ([]models.CampaignRow, error) {
	customerID := strings.ReplaceAll(acct.AccountID, "-", "")
	if customerID == "" {
		return nil, fmt.Errorf("google ads: client %s has no customer id", acct.ClientName)
	}

	base, err := c.search(ctx, customerID, fmt.Sprintf(metricsQuery, p.StartString(), p.EndString()))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch google ads metrics for %s (%s): %w", acct.ClientName, p.ID(), err)
	}
	conv, err := c.search(ctx, customerID, fmt.Sprintf(conversionsQuery, p.StartString(), p.EndString()))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch google ads conversions for %s (%s): %w", acct.ClientName, p.ID(), err)
	}

	rows := merge(base, conv)
	c.logger.Debug("google ads insights fetched",
		zap.String("client", acct.ClientName),
		zap.String("period", p.ID()),
		zap.Int("campaigns", len(rows)),
	)
	return rows, nil
}

func merge(base, conv []streamRow) []models.CampaignRow {
	index := make(map[string]int)
	var rows []models.CampaignRow
	purchaseValue := make(map[string]float64)

	get := func(id, name string) *models.CampaignRow {
		i, ok := index[id]
		if !ok {
			i = len(rows)
			index[id] = i
			rows = append(rows, models.CampaignRow{CampaignID: id, CampaignName: name})
		}
		if rows[i].CampaignName == "" {
			rows[i].CampaignName = name
		}
		return &rows[i]
	}

	for _, r := range base {
		row := get(r.Campaign.ID, r.Campaign.Name)
		row.Spend += float64(funnel.ParseNonNegativeIntOr0(r.Metrics.CostMicros)) / 1e6
		row.Impressions = models.SaturatingAdd(row.Impressions, funnel.ParseNonNegativeIntOr0(r.Metrics.Impressions))
		row.Clicks = models.SaturatingAdd(row.Clicks, funnel.ParseNonNegativeIntOr0(r.Metrics.Clicks))
	}

	for _, r := range conv {
		name := NormalizeActionName(r.Segments.ConversionActionName)
		if name == "" {
			continue
		}
		row := get(r.Campaign.ID, r.Campaign.Name)
		row.Actions = append(row.Actions, models.RawAction{
			ActionType: name,
			Value:      strconv.FormatFloat(r.Metrics.Conversions, 'f', -1, 64),
		})
		if strings.Contains(name, funnel.PurchaseActionType) && r.Metrics.ConversionsValue > 0 {
			purchaseValue[r.Campaign.ID] += r.Metrics.ConversionsValue
		}
	}

	for id, v := range purchaseValue {
		row := &rows[index[id]]
		row.ActionValues = append(row.ActionValues, models.RawActionValue{
			ActionType: funnel.PurchaseActionType,
			Value:      strconv.FormatFloat(v, 'f', -1, 64),
		})
	}
	return rows
}

// NormalizeActionName lowercases a conversion action name and joins words
// with underscores: "Booking Step 1" becomes "booking_step_1".
func NormalizeActionName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.Join(strings.FieldsFunc(name, func(r rune) bool {
		return r == ' ' || r == '-' || r == '_'
	}), "_")
}

func (c *Client) search(ctx context.Context, customerID, query string) ([]streamRow, error) {
	return retry.Execute(ctx, c.exec, "google.search_stream", func(ctx context.Context) ([]streamRow, error) {
		tok, err := c.token()
		if err != nil {
			return nil, err
		}
		return c.doSearch(ctx, customerID, query, tok)
	})
}

func (c *Client) token() (*oauth2.Token, error) {
	tok, err := c.tokens.Token()
	if err == nil {
		return tok, nil
	}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		if re.ErrorCode == "invalid_grant" || status == http.StatusUnauthorized {
			e := adplatform.NewAPIError(models.PlatformGoogle, status, re.ErrorCode, "refresh token rejected")
			e.Kind = adplatform.ErrReauthRequired
			return nil, e
		}
		if status >= 500 {
			return nil, adplatform.NewAPIError(models.PlatformGoogle, status, re.ErrorCode, "token endpoint unavailable")
		}
	}
	return nil, fmt.Errorf("failed to obtain google ads access token: %w", err)
}

func (c *Client) doSearch(ctx context.Context, customerID, query string, tok *oauth2.Token) ([]streamRow, error) {
	body, _ := json.Marshal(map[string]string{"query": query})
	endpoint := fmt.Sprintf("%s/%s/customers/%s/googleAds:searchStream",
		strings.TrimRight(c.cfg.BaseURL, "/"), c.cfg.APIVersion, customerID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build google ads request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("developer-token", c.cfg.DeveloperToken)
	if id := strings.ReplaceAll(c.cfg.LoginCustomerID, "-", ""); id != "" {
		req.Header.Set("login-customer-id", id)
	}
	tok.SetAuthHeader(req)

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, adplatform.NewAPIError(models.PlatformGoogle, http.StatusBadGateway, "", err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.decodeError(resp)
	}

	var batches []streamBatch
	if err := json.NewDecoder(resp.Body).Decode(&batches); err != nil {
		return nil, fmt.Errorf("failed to decode google ads stream: %w", err)
	}
	var out []streamRow
	for _, b := range batches {
		out = append(out, b.Results...)
	}
	return out, nil
}

func (c *Client) decodeError(resp *http.Response) error {
	raw := adplatform.ReadBody(resp.Body, 64<<10)

	// searchStream wraps errors in an array; other endpoints do not.
	var body apiErrorBody
	var list []apiErrorBody
	if err := json.Unmarshal(raw, &list); err == nil && len(list) > 0 {
		body = list[0]
	} else {
		_ = json.Unmarshal(raw, &body)
	}

	msg := body.Error.Message
	if msg == "" {
		msg = strings.TrimSpace(string(raw))
	}
	e := adplatform.NewAPIError(models.PlatformGoogle, resp.StatusCode, body.Error.Status, msg)
	switch body.Error.Status {
	case "RESOURCE_EXHAUSTED":
		e.Kind = adplatform.ErrRateLimited
	case "UNAUTHENTICATED":
		e.Kind = adplatform.ErrReauthRequired
	case "UNAVAILABLE", "INTERNAL", "DEADLINE_EXCEEDED":
		e.Kind = adplatform.ErrTransient
	}
	return e.WithRetryAfter(adplatform.ParseRetryAfter(resp.Header.Get("Retry-After"), c.now()))
}
