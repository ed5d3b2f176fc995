// Package static renders pages without executing JavaScript, using colly.
// It suits server-rendered sites and local runs without a browser.
package static

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/render-queue-worker/internal/crawler"
)

// DefaultTimeout bounds one page fetch.
const DefaultTimeout = 30 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	Transport http.RoundTripper
}

// Renderer implements crawler.Renderer with a colly collector.
type Renderer struct {
	cfg           Config
	baseCollector *colly.Collector
	closed        atomic.Bool
}

// New builds a Renderer.
func New(cfg Config) *Renderer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	c := colly.NewCollector(colly.Async(false))
	c.AllowURLRevisit = true
	c.IgnoreRobotsTxt = true
	c.ParseHTTPErrorResponse = true
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.SetRequestTimeout(cfg.Timeout)
	transport := cfg.Transport
	if transport == nil {
		transport = newHTTPTransport()
	}
	c.WithTransport(transport)
	return &Renderer{cfg: cfg, baseCollector: c}
}

// Close marks the renderer closed.
func (r *Renderer) Close(context.Context) error {
	r.closed.Store(true)
	return nil
}

// Render fetches rawURL and extracts the absolute href of every anchor.
func (r *Renderer) Render(ctx context.Context, rawURL string) (crawler.RenderResult, error) {
	if r.closed.Load() {
		return crawler.RenderResult{}, crawler.ErrRendererClosed
	}

	var (
		result   crawler.RenderResult
		fetchErr error
	)
	collector := r.baseCollector.Clone()
	collector.OnResponse(func(resp *colly.Response) {
		result.HTML = string(resp.Body)
		result.StatusCode = resp.StatusCode
		result.FinalURL = resp.Request.URL.String()
	})
	collector.OnHTML("a[href]", func(e *colly.HTMLElement) {
		if link := e.Request.AbsoluteURL(e.Attr("href")); link != "" {
			result.Links = append(result.Links, link)
		}
	})
	collector.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		return crawler.RenderResult{}, fmt.Errorf("%w: colly fetch canceled: %w", crawler.ErrRenderFailed, ctx.Err())
	case err := <-done:
		if err != nil {
			return crawler.RenderResult{}, fmt.Errorf("%w: colly visit failed: %w", crawler.ErrRenderFailed, err)
		}
		if fetchErr != nil {
			return crawler.RenderResult{}, fmt.Errorf("%w: colly response failed: %w", crawler.ErrRenderFailed, fetchErr)
		}
		return result, nil
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
