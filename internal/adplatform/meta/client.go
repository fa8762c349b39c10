// Package meta fetches campaign insights from the Meta Graph API.
package meta

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/radiusdt/funnel-report/internal/adplatform"
	"github.com/radiusdt/funnel-report/internal/funnel"
	"github.com/radiusdt/funnel-report/internal/models"
	"github.com/radiusdt/funnel-report/internal/period"
	"github.com/radiusdt/funnel-report/internal/retry"
)

const insightFields = "campaign_id,campaign_name,spend,impressions,clicks,actions,action_values"

// Config holds Graph API settings.
type Config struct {
	BaseURL  string
	Version  string
	PageSize int
	// MaxPages bounds pagination; 0 means no bound.
	MaxPages int
}

// Client reads campaign-level insights for an ad account.
type Client struct {
	cfg    Config
	http   adplatform.HTTPClient
	exec   *retry.Executor
	logger *zap.Logger
	now    func() time.Time
}

// NewClient creates a Meta insights client.
func NewClient(cfg Config, httpc adplatform.HTTPClient, exec *retry.Executor, logger *zap.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://graph.facebook.com"
	}
	if cfg.Version == "" {
		cfg.Version = "v18.0"
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{cfg: cfg, http: httpc, exec: exec, logger: logger, now: time.Now}
}

func (c *Client) Platform() models.Platform { return models.PlatformMeta }

type insightsPage struct {
	Data   []insightRow `json:"data"`
	Paging struct {
		Next string `json:"next"`
	} `json:"paging"`
}

type insightRow struct {
	CampaignID   string                  `json:"campaign_id"`
	CampaignName string                  `json:"campaign_name"`
	Spend        string                  `json:"spend"`
	Impressions  string                  `json:"impressions"`
	Clicks       string                  `json:"clicks"`
	Actions      []models.RawAction      `json:"actions"`
	ActionValues []models.RawActionValue `json:"action_values"`
}

type graphError struct {
	Error struct {
		Message      string `json:"message"`
		Type         string `json:"type"`
		Code         int    `json:"code"`
		ErrorSubcode int    `json:"error_subcode"`
	} `json:"error"`
}

// CampaignInsights returns one row per campaign for the period, following
// paging.next until the API stops returning it.
func (c *Client) CampaignInsights(ctx context.Context, acct adplatform.Account, p period.Period) ([]models.CampaignRow, error) {
	if acct.AccountID == "" {
		return nil, fmt.Errorf("meta: client %s has no ad account id", acct.ClientName)
	}
	if acct.AccessToken == "" {
		return nil, fmt.Errorf("meta: client %s: %w", acct.ClientName, adplatform.ErrReauthRequired)
	}

	next := c.firstPageURL(acct, p)
	var rows []models.CampaignRow
	for page := 1; next != ""; page++ {
		if c.cfg.MaxPages > 0 && page > c.cfg.MaxPages {
			c.logger.Warn("meta insights page limit reached",
				zap.String("client", acct.ClientName),
				zap.Int("max_pages", c.cfg.MaxPages),
			)
			break
		}

		pageURL := next
		res, err := retry.Execute(ctx, c.exec, "meta.insights", func(ctx context.Context) (*insightsPage, error) {
			return c.fetchPage(ctx, pageURL)
		})
		if err != nil {
			return nil, fmt.Errorf("failed to fetch meta insights for %s (%s): %w", acct.ClientName, p.ID(), err)
		}

		for _, r := range res.Data {
			rows = append(rows, models.CampaignRow{
				CampaignID:   r.CampaignID,
				CampaignName: r.CampaignName,
				Spend:        funnel.ParseNonNegativeFloatOr0(r.Spend),
				Impressions:  funnel.ParseNonNegativeIntOr0(r.Impressions),
				Clicks:       funnel.ParseNonNegativeIntOr0(r.Clicks),
				Actions:      r.Actions,
				ActionValues: r.ActionValues,
			})
		}
		next = res.Paging.Next
	}

	c.logger.Debug("meta insights fetched",
		zap.String("client", acct.ClientName),
		zap.String("period", p.ID()),
		zap.Int("campaigns", len(rows)),
	)
	return rows, nil
}

func (c *Client) firstPageURL(acct adplatform.Account, p period.Period) string {
	id := strings.TrimPrefix(acct.AccountID, "act_")
	timeRange, _ := json.Marshal(map[string]string{"since": p.StartString(), "until": p.EndString()})

	q := url.Values{}
	q.Set("level", "campaign")
	q.Set("fields", insightFields)
	q.Set("time_range", string(timeRange))
	q.Set("limit", strconv.Itoa(c.cfg.PageSize))
	q.Set("access_token", acct.AccessToken)

	return fmt.Sprintf("%s/%s/act_%s/insights?%s", strings.TrimRight(c.cfg.BaseURL, "/"), c.cfg.Version, id, q.Encode())
}

func (c *Client) fetchPage(ctx context.Context, pageURL string) (*insightsPage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build meta request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// Network failures are worth another attempt.
		return nil, adplatform.NewAPIError(models.PlatformMeta, http.StatusBadGateway, "", err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.decodeError(resp)
	}

	var page insightsPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("failed to decode meta insights: %w", err)
	}
	return &page, nil
}

func (c *Client) decodeError(resp *http.Response) error {
	body := adplatform.ReadBody(resp.Body, 64<<10)

	var ge graphError
	_ = json.Unmarshal(body, &ge)

	code := ""
	msg := strings.TrimSpace(string(body))
	if ge.Error.Code != 0 || ge.Error.Message != "" {
		code = strconv.Itoa(ge.Error.Code)
		msg = ge.Error.Message
	}

	e := adplatform.NewAPIError(models.PlatformMeta, resp.StatusCode, code, msg)
	if kind := classifyCode(ge.Error.Code); kind != nil {
		e.Kind = kind
	}
	return e.WithRetryAfter(adplatform.ParseRetryAfter(resp.Header.Get("Retry-After"), c.now()))
}

// classifyCode maps Graph API error codes onto the shared error kinds.
func classifyCode(code int) error {
	switch {
	case code == 4, code == 17, code == 32, code == 613:
		return adplatform.ErrRateLimited
	case code >= 80000 && code <= 80014:
		return adplatform.ErrRateLimited
	case code == 190, code == 102:
		return adplatform.ErrReauthRequired
	case code == 1, code == 2:
		return adplatform.ErrTransient
	}
	return nil
}
