// Package content fetches a target's source page through the configured page
// provider, meters the call and normalizes the result to text.
package content

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/portfolio-monitor/internal/metrics"
	"github.com/JakeFAU/portfolio-monitor/internal/portfolio"
	"github.com/JakeFAU/portfolio-monitor/internal/usage"
)

// CreditsPerFetch is charged for every provider call, successful or not.
const CreditsPerFetch = 1

// Hasher fingerprints page text.
type Hasher interface {
	HashString(text string) string
}

// Converter turns HTML into extraction-ready text.
type Converter interface {
	Markdown(rawHTML, sourceURL string) string
}

// Fetcher is the metered content fetcher.
type Fetcher struct {
	provider  portfolio.PageProvider
	usage     *usage.Logger
	converter Converter
	hasher    Hasher
	logger    *zap.Logger
}

// New builds a Fetcher.
func New(provider portfolio.PageProvider, meter *usage.Logger, converter Converter, hasher Hasher, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		provider:  provider,
		usage:     meter,
		converter: converter,
		hasher:    hasher,
		logger:    logger.Named("content"),
	}
}

// Provider returns the configured provider name.
func (f *Fetcher) Provider() string {
	return f.provider.Name()
}

// Preflight delegates to the provider when it has required configuration.
func (f *Fetcher) Preflight(ctx context.Context) error {
	if p, ok := f.provider.(portfolio.Preflighter); ok {
		if err := p.Preflight(ctx); err != nil {
			return fmt.Errorf("content provider %s: %w", f.provider.Name(), err)
		}
	}
	return nil
}

// Fetch retrieves the target's page. Every call consumes CreditsPerFetch.
// Failures are returned as *portfolio.FetchError.
func (f *Fetcher) Fetch(ctx context.Context, target portfolio.Target) (portfolio.Page, error) {
	name := f.provider.Name()
	raw, err := f.provider.Scrape(ctx, target.SourceURL)

	status := "ok"
	defer func() {
		metrics.ObserveFetch(target.SourceURL, name, status)
		f.usage.Record(ctx, name, "scrape", CreditsPerFetch, map[string]any{
			"target_id":   target.ID,
			"url":         target.SourceURL,
			"status":      status,
			"status_code": raw.StatusCode,
		})
	}()

	if err != nil {
		status = "error"
		return portfolio.Page{}, f.fail(target, raw.StatusCode, err)
	}
	if raw.StatusCode >= 400 {
		status = "http_error"
		return portfolio.Page{}, f.fail(target, raw.StatusCode, errors.New("non-success status"))
	}

	text := raw.Body
	if raw.Format == portfolio.FormatHTML && f.converter != nil {
		text = f.converter.Markdown(raw.Body, target.SourceURL)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		status = "empty"
		return portfolio.Page{}, f.fail(target, raw.StatusCode, portfolio.ErrEmptyContent)
	}

	page := portfolio.Page{
		URL:        raw.URL,
		Text:       text,
		Validators: raw.Validators,
		Provider:   name,
	}
	if page.URL == "" {
		page.URL = target.SourceURL
	}
	if f.hasher != nil {
		page.ContentHash = f.hasher.HashString(text)
	}
	f.logger.Debug("page fetched",
		zap.String("target_id", target.ID),
		zap.String("provider", name),
		zap.Int("chars", len(text)),
		zap.Bool("validators", raw.Validators.Present()),
	)
	return page, nil
}

func (f *Fetcher) fail(target portfolio.Target, statusCode int, err error) error {
	f.logger.Warn("page fetch failed",
		zap.String("target_id", target.ID),
		zap.String("url", target.SourceURL),
		zap.Int("status", statusCode),
		zap.Error(err),
	)
	return &portfolio.FetchError{TargetID: target.ID, URL: target.SourceURL, StatusCode: statusCode, Err: err}
}
