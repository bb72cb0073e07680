// Package collyfetcher implements the validator probe and the direct page
// provider using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/portfolio-monitor/internal/portfolio"
)

// ProviderName identifies the direct provider in usage records.
const ProviderName = "direct"

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
}

// Fetcher issues HEAD probes and plain GETs through a Colly collector.
type Fetcher struct {
	cfg           Config
	transport     http.RoundTripper
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// response is the subset of a Colly response both operations need.
type response struct {
	url        string
	statusCode int
	headers    http.Header
	body       []byte
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	transport := newHTTPTransport()
	c.WithTransport(transport)

	return &Fetcher{
		cfg:           cfg,
		transport:     transport,
		baseCollector: c,
	}
}

// Name implements portfolio.PageProvider.
func (f *Fetcher) Name() string {
	return ProviderName
}

// Probe issues a HEAD request and returns the status and cache validators.
// Non-2xx responses are returned without error; transport failures are errors.
func (f *Fetcher) Probe(ctx context.Context, url string) (portfolio.ProbeResult, error) {
	var (
		resp     response
		fetchErr error
	)
	collector := f.buildCollector(ctx, &resp, &fetchErr)
	if err := f.runCollector(ctx, collector.Head, url, &resp, &fetchErr); err != nil {
		return portfolio.ProbeResult{}, err
	}
	return portfolio.ProbeResult{
		StatusCode: resp.statusCode,
		Validators: portfolio.ValidatorsFromHeader(resp.headers),
	}, nil
}

// Scrape implements portfolio.PageProvider with a single GET. The body is
// returned as HTML; the caller converts it to text.
func (f *Fetcher) Scrape(ctx context.Context, url string) (portfolio.RawPage, error) {
	var (
		resp     response
		fetchErr error
	)
	collector := f.buildCollector(ctx, &resp, &fetchErr)
	if err := f.runCollector(ctx, collector.Visit, url, &resp, &fetchErr); err != nil {
		return portfolio.RawPage{}, err
	}
	finalURL := resp.url
	if finalURL == "" {
		finalURL = url
	}
	return portfolio.RawPage{
		URL:        finalURL,
		StatusCode: resp.statusCode,
		Body:       string(resp.body),
		Format:     portfolio.FormatHTML,
		Validators: portfolio.ValidatorsFromHeader(resp.headers),
	}, nil
}

func (f *Fetcher) buildCollector(ctx context.Context, resp *response, fetchErr *error) *colly.Collector {
	collector := f.baseCollector.Clone()
	collector.AllowURLRevisit = true
	collector.Context = ctx
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	timeout := f.cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	collector.SetRequestTimeout(timeout)
	transport := f.transport
	if transport == nil {
		transport = newHTTPTransport()
	}
	collector.WithTransport(transport)

	configureCollectorHooks(collector, resp, fetchErr)
	return collector
}

// configureCollectorHooks captures the response. Colly reports non-2xx
// statuses through OnError; those are kept as responses so callers can decide.
func configureCollectorHooks(hooks collectorHooks, resp *response, fetchErr *error) {
	hooks.OnResponse(func(r *colly.Response) {
		*resp = fromColly(r)
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 {
			*resp = fromColly(r)
			return
		}
		*fetchErr = err
	})
}

func fromColly(r *colly.Response) response {
	out := response{
		statusCode: r.StatusCode,
		body:       append([]byte(nil), r.Body...),
	}
	if r.Headers != nil {
		out.headers = r.Headers.Clone()
	}
	if r.Request != nil && r.Request.URL != nil {
		out.url = r.Request.URL.String()
	}
	return out
}

func (f *Fetcher) runCollector(
	ctx context.Context,
	visit func(string) error,
	url string,
	resp *response,
	fetchErr *error,
) error {
	done := make(chan error, 1)
	go func() {
		done <- visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly request canceled: %w", ctx.Err())
	case err := <-done:
		if resp.statusCode > 0 {
			return nil
		}
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
