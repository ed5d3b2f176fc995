// Package ratelimit throttles renders per host with token buckets.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/render-queue-worker/internal/crawler"
	"github.com/JakeFAU/render-queue-worker/internal/metrics"
)

// Config holds rate limiter configuration.
type Config struct {
	// PerHostQPS is the sustained render rate per host. Zero or less disables throttling.
	PerHostQPS float64
	Burst      int
}

// Limiter manages per-host rate limits.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	limit := rate.Limit(cfg.PerHostQPS)
	if cfg.PerHostQPS <= 0 {
		limit = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    limit,
		burst:    burst,
	}
}

// Wait blocks until rawURL's host has a token or ctx ends.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	host := "unknown"
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		host = strings.ToLower(u.Hostname())
	}

	l.mu.Lock()
	limiter, ok := l.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[host] = limiter
	}
	l.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(host, waited)
	}
	return nil
}

// Renderer throttles an underlying crawler.Renderer per host.
type Renderer struct {
	next    crawler.Renderer
	limiter *Limiter
}

// Wrap returns next throttled by limiter.
func Wrap(next crawler.Renderer, limiter *Limiter) *Renderer {
	return &Renderer{next: next, limiter: limiter}
}

// Render waits for the host budget, then renders. A cancelled wait is
// reported as a render failure.
func (r *Renderer) Render(ctx context.Context, rawURL string) (crawler.RenderResult, error) {
	if err := r.limiter.Wait(ctx, rawURL); err != nil {
		return crawler.RenderResult{}, fmt.Errorf("%w: %w", crawler.ErrRenderFailed, err)
	}
	return r.next.Render(ctx, rawURL) //nolint:wrapcheck // passthrough keeps the engine's error kind
}

// Close closes the underlying renderer.
func (r *Renderer) Close(ctx context.Context) error {
	return r.next.Close(ctx) //nolint:wrapcheck // passthrough
}
