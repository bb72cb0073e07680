// Package headless renders portfolio pages that need JavaScript using
// headless Chrome.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/portfolio-monitor/internal/portfolio"
)

// ProviderName identifies the headless provider in usage records.
const ProviderName = "headless"

const (
	defaultNavigationTimeout = 45 * time.Second
	defaultSettleDelay       = 500 * time.Millisecond
)

// lazy portfolio grids often load further cards only once scrolled into view.
const scrollToEnd = `window.scrollTo(0, document.body ? document.body.scrollHeight : 0)`

// Config controls the behavior of the headless fetcher.
type Config struct {
	UserAgent         string
	NavigationTimeout time.Duration
	// SettleDelay is how long to wait after scrolling for client-side
	// rendering to populate the portfolio grid.
	SettleDelay time.Duration
}

// Fetcher implements portfolio.PageProvider using one Chrome process shared
// by sequential page renders.
type Fetcher struct {
	cfg         Config
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewChromedp starts an allocator for headless Chrome. The browser itself is
// launched lazily on the first Scrape.
func NewChromedp(cfg Config) (*Fetcher, error) {
	if cfg.NavigationTimeout < 0 || cfg.SettleDelay < 0 {
		return nil, fmt.Errorf("headless timings must not be negative")
	}
	if cfg.NavigationTimeout == 0 {
		cfg.NavigationTimeout = defaultNavigationTimeout
	}
	if cfg.SettleDelay == 0 {
		cfg.SettleDelay = defaultSettleDelay
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	return &Fetcher{cfg: cfg, allocator: allocCtx, allocCancel: allocCancel}, nil
}

// Close shuts the browser down.
func (f *Fetcher) Close() {
	f.allocCancel()
}

// Name implements portfolio.PageProvider.
func (f *Fetcher) Name() string {
	return ProviderName
}

// Scrape renders url and returns the final DOM. Status and validator tokens
// come from the main document response only; sub-resources and iframes are
// ignored.
func (f *Fetcher) Scrape(ctx context.Context, url string) (portfolio.RawPage, error) {
	tabCtx, closeTab := chromedp.NewContext(f.allocator)
	defer closeTab()
	tabCtx, cancel := context.WithTimeout(tabCtx, f.cfg.NavigationTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	doc := &mainDocument{}
	chromedp.ListenTarget(tabCtx, func(ev any) {
		if resp, ok := ev.(*network.EventResponseReceived); ok {
			doc.observe(resp)
		}
	})

	var html, location string
	err := chromedp.Run(tabCtx,
		f.prepareTab(),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Evaluate(scrollToEnd, nil),
		chromedp.Sleep(f.cfg.SettleDelay),
		chromedp.Location(&location),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		if ctx.Err() != nil {
			return portfolio.RawPage{}, fmt.Errorf("render %s: %w", url, ctx.Err())
		}
		return portfolio.RawPage{}, fmt.Errorf("render %s: %w", url, err)
	}

	page := doc.page(url, location)
	page.Body = html
	return page, nil
}

func (f *Fetcher) prepareTab() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network events: %w", err)
		}
		if f.cfg.UserAgent == "" {
			return nil
		}
		if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
			return fmt.Errorf("set user agent: %w", err)
		}
		return nil
	})
}

// mainDocument tracks the response that produced the top-level page. The
// first document response pins the frame; later documents from that frame
// (client-side redirects) replace it, documents from other frames do not.
type mainDocument struct {
	mu      sync.Mutex
	frame   cdp.FrameID
	seen    bool
	status  int
	url     string
	headers http.Header
}

func (d *mainDocument) observe(ev *network.EventResponseReceived) {
	if ev.Type != network.ResourceTypeDocument || ev.Response == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen && ev.FrameID != d.frame {
		return
	}
	d.seen = true
	d.frame = ev.FrameID
	d.status = int(ev.Response.Status)
	d.url = ev.Response.URL
	d.headers = headerOf(ev.Response.Headers)
}

// page builds the RawPage metadata. Without a captured document the page is
// treated as a plain 200 carrying no validators.
func (d *mainDocument) page(requestURL, location string) portfolio.RawPage {
	d.mu.Lock()
	defer d.mu.Unlock()
	page := portfolio.RawPage{
		URL:        requestURL,
		StatusCode: http.StatusOK,
		Format:     portfolio.FormatHTML,
	}
	if location != "" {
		page.URL = location
	}
	if !d.seen {
		return page
	}
	if d.url != "" {
		page.URL = d.url
	}
	if d.status != 0 {
		page.StatusCode = d.status
	}
	page.Validators = portfolio.ValidatorsFromHeader(d.headers)
	return page
}

// headerOf converts CDP headers, whose values arrive as strings or, for
// repeated headers, newline-joined strings or lists.
func headerOf(src network.Headers) http.Header {
	h := make(http.Header, len(src))
	for key, value := range src {
		switch v := value.(type) {
		case string:
			h.Add(key, v)
		case []any:
			for _, entry := range v {
				h.Add(key, fmt.Sprint(entry))
			}
		default:
			h.Add(key, fmt.Sprint(v))
		}
	}
	return h
}
