// Package scrapeapi calls a hosted, Firecrawl-compatible scraping API that
// renders a page and returns its main content as markdown.
package scrapeapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/JakeFAU/portfolio-monitor/internal/portfolio"
)

// ProviderName identifies the hosted provider in usage records.
const ProviderName = "scrapeapi"

const defaultBaseURL = "https://api.firecrawl.dev"

// Config controls the API client.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// WaitFor asks the service to wait this long for client rendering.
	WaitFor time.Duration
}

// Client implements portfolio.PageProvider.
type Client struct {
	cfg  Config
	http *http.Client
}

type scrapeRequest struct {
	URL             string   `json:"url"`
	Formats         []string `json:"formats"`
	OnlyMainContent bool     `json:"onlyMainContent"`
	WaitFor         int64    `json:"waitFor,omitempty"`
}

type scrapeResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Data    struct {
		Markdown string         `json:"markdown"`
		HTML     string         `json:"html"`
		Metadata map[string]any `json:"metadata"`
	} `json:"data"`
}

// New builds a Client. A nil httpClient uses one with cfg.Timeout.
func New(cfg Config, httpClient *http.Client) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{cfg: cfg, http: httpClient}
}

// Name implements portfolio.PageProvider.
func (c *Client) Name() string {
	return ProviderName
}

// Preflight fails when no API key is configured.
func (c *Client) Preflight(context.Context) error {
	if strings.TrimSpace(c.cfg.APIKey) == "" {
		return portfolio.ConfigurationError("fetch.scrapeapi.api_key is not set")
	}
	return nil
}

// Scrape implements portfolio.PageProvider.
func (c *Client) Scrape(ctx context.Context, url string) (portfolio.RawPage, error) {
	payload, err := json.Marshal(scrapeRequest{
		URL:             url,
		Formats:         []string{"markdown"},
		OnlyMainContent: true,
		WaitFor:         c.cfg.WaitFor.Milliseconds(),
	})
	if err != nil {
		return portfolio.RawPage{}, fmt.Errorf("encode scrape request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/scrape", bytes.NewReader(payload))
	if err != nil {
		return portfolio.RawPage{}, fmt.Errorf("build scrape request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return portfolio.RawPage{}, fmt.Errorf("scrape request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // best-effort close

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return portfolio.RawPage{}, fmt.Errorf("read scrape response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return portfolio.RawPage{URL: url, StatusCode: resp.StatusCode},
			fmt.Errorf("scrape api status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var decoded scrapeResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return portfolio.RawPage{}, fmt.Errorf("decode scrape response: %w", err)
	}
	if !decoded.Success {
		msg := decoded.Error
		if msg == "" {
			msg = "unsuccessful scrape"
		}
		return portfolio.RawPage{}, errors.New(msg)
	}

	meta := decoded.Data.Metadata
	status := metaInt(meta, "statusCode")
	if status == 0 {
		status = http.StatusOK
	}
	source := metaString(meta, "sourceURL", "url")
	if source == "" {
		source = url
	}
	page := portfolio.RawPage{
		URL:        source,
		StatusCode: status,
		Body:       decoded.Data.Markdown,
		Format:     portfolio.FormatMarkdown,
		Validators: portfolio.ValidatorTokens{
			ETag:         metaString(meta, "etag", "ETag"),
			LastModified: metaString(meta, "last-modified", "lastModified", "Last-Modified"),
		},
	}
	if page.Body == "" && decoded.Data.HTML != "" {
		page.Body = decoded.Data.HTML
		page.Format = portfolio.FormatHTML
	}
	return page, nil
}

// metaString returns the first non-empty string value among keys, matching
// keys case-insensitively.
func metaString(meta map[string]any, keys ...string) string {
	for _, want := range keys {
		for k, v := range meta {
			if !strings.EqualFold(k, want) {
				continue
			}
			switch val := v.(type) {
			case string:
				if s := strings.TrimSpace(val); s != "" {
					return s
				}
			case []any:
				if len(val) > 0 {
					if s, ok := val[0].(string); ok && strings.TrimSpace(s) != "" {
						return strings.TrimSpace(s)
					}
				}
			}
		}
	}
	return ""
}

func metaInt(meta map[string]any, key string) int {
	if v, ok := meta[key].(float64); ok {
		return int(v)
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
