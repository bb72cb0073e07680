// Package pacing spaces out consecutive target scans.
package pacing

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Pacer blocks before the next target is processed.
type Pacer interface {
	Wait(ctx context.Context, targetURL string) error
}

// None never waits.
type None struct{}

// Wait implements Pacer.
func (None) Wait(ctx context.Context, _ string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("pacing wait: %w", err)
	}
	return nil
}

// Fixed waits a constant delay before every target.
type Fixed struct {
	Delay time.Duration
}

// Wait implements Pacer.
func (f Fixed) Wait(ctx context.Context, _ string) error {
	if f.Delay <= 0 {
		return None{}.Wait(ctx, "")
	}
	timer := time.NewTimer(f.Delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("pacing wait: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

// RateLimited applies a token bucket per host, so funds sharing a site are
// spaced further apart than funds on different sites. MinDelay is waited
// before every target on top of the bucket, so a host change never means
// back-to-back requests.
type RateLimited struct {
	MinDelay time.Duration

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewRateLimited builds a per-host limiter. A non-positive rps disables limiting.
func NewRateLimited(rps float64, burst int) *RateLimited {
	r := rate.Limit(rps)
	if rps <= 0 {
		r = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimited{
		limiters: make(map[string]*rate.Limiter),
		limit:    r,
		burst:    burst,
	}
}

// Wait implements Pacer.
func (l *RateLimited) Wait(ctx context.Context, targetURL string) error {
	if err := (Fixed{Delay: l.MinDelay}).Wait(ctx, targetURL); err != nil {
		return err
	}
	host := hostOf(targetURL)
	l.mu.Lock()
	limiter, ok := l.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[host] = limiter
	}
	l.mu.Unlock()

	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return nil
}

// FromConfig picks a policy by name: "none", "fixed" or "rate". Under "rate"
// delay becomes the minimum gap between any two targets.
func FromConfig(policy string, delay time.Duration, rps float64, burst int) (Pacer, error) {
	switch strings.ToLower(strings.TrimSpace(policy)) {
	case "", "fixed":
		return Fixed{Delay: delay}, nil
	case "none":
		return None{}, nil
	case "rate":
		l := NewRateLimited(rps, burst)
		l.MinDelay = delay
		return l, nil
	default:
		return nil, fmt.Errorf("unknown pacing policy %q", policy)
	}
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}
