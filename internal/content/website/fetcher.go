// Package website fetches company website text through a scrape API and
// caches it per domain.
package website

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bissquit/outreach-engine/internal/content"
)

const (
	defaultTimeout  = 30 * time.Second
	defaultCacheTTL = 7 * 24 * time.Hour
)

// ErrEmptyContent is returned when the scrape succeeds without any text.
var ErrEmptyContent = errors.New("website returned empty content")

// Cache stores scraped text per domain.
type Cache interface {
	Get(ctx context.Context, domain string) (string, bool, error)
	Set(ctx context.Context, domain, text string, ttl time.Duration) error
}

// Config holds fetcher configuration.
type Config struct {
	Enabled  bool
	BaseURL  string
	APIKey   string
	Timeout  time.Duration
	CacheTTL time.Duration
}

// Fetcher implements content.WebsiteFetcher.
type Fetcher struct {
	config     Config
	cache      Cache
	httpClient *http.Client
}

var _ content.WebsiteFetcher = (*Fetcher)(nil)

// NewFetcher creates a fetcher. cache may be nil.
func NewFetcher(config Config, cache Cache) (*Fetcher, error) {
	if config.BaseURL == "" {
		return nil, errors.New("website fetcher: base URL is required")
	}
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}
	if config.CacheTTL == 0 {
		config.CacheTTL = defaultCacheTTL
	}

	slog.Info("website fetcher configured", "base_url", config.BaseURL, "cache", cache != nil)

	return &Fetcher{
		config: config,
		cache:  cache,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}, nil
}

type scrapeRequest struct {
	URL     string   `json:"url"`
	Formats []string `json:"formats"`
}

type scrapeResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Data    struct {
		Markdown string `json:"markdown"`
	} `json:"data"`
}

// Fetch returns markdown text for the site, from cache when possible.
func (f *Fetcher) Fetch(ctx context.Context, domainOrURL string) (string, error) {
	site := content.CompanyDomain(domainOrURL)
	if site == "" {
		return "", errors.New("website is empty")
	}

	if f.cache != nil {
		text, ok, err := f.cache.Get(ctx, site)
		if err != nil {
			slog.Warn("website cache read failed", "domain", site, "error", err)
		} else if ok {
			return text, nil
		}
	}

	text, err := f.scrape(ctx, "https://"+site)
	if err != nil {
		return "", err
	}

	if f.cache != nil {
		if err := f.cache.Set(ctx, site, text, f.config.CacheTTL); err != nil {
			slog.Warn("website cache write failed", "domain", site, "error", err)
		}
	}
	return text, nil
}

func (f *Fetcher) scrape(ctx context.Context, url string) (string, error) {
	body, err := json.Marshal(scrapeRequest{URL: url, Formats: []string{"markdown"}})
	if err != nil {
		return "", fmt.Errorf("marshal scrape request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(f.config.BaseURL, "/")+"/v1/scrape", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if f.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+f.config.APIKey)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("scrape API returned status %d", resp.StatusCode)
	}

	var out scrapeResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("decode scrape response: %w", err)
	}
	if !out.Success {
		return "", fmt.Errorf("scrape failed: %s", out.Error)
	}

	text := strings.TrimSpace(out.Data.Markdown)
	if text == "" {
		return "", ErrEmptyContent
	}
	return text, nil
}
