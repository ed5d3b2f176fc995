// Package rod renders pages with go-rod, an alternative DevTools driver.
package rod

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"github.com/JakeFAU/render-queue-worker/internal/crawler"
)

const (
	linksScript  = `() => Array.from(document.querySelectorAll('a')).map(a => a.href)`
	statusScript = `() => {
		try {
			const entries = performance.getEntriesByType("navigation");
			if (entries.length > 0) return entries[0].responseStatus || 0;
		} catch (e) {}
		return 0;
	}`

	quietPeriod = 500 * time.Millisecond
)

// Defaults applied by New when the config leaves a field zero.
const (
	DefaultIdleTimeout = 5 * time.Second
	DefaultNavTimeout  = 30 * time.Second
)

// Config controls the rod renderer.
type Config struct {
	Headless    bool
	NoSandbox   bool
	BrowserBin  string
	UserAgent   string
	NavTimeout  time.Duration
	IdleTimeout time.Duration
}

// Renderer implements crawler.Renderer with go-rod.
type Renderer struct {
	cfg     Config
	logger  *zap.Logger
	browser *rod.Browser

	mu     sync.Mutex
	closed bool
}

// New launches a browser and connects to it.
func New(cfg Config, logger *zap.Logger) (*Renderer, error) {
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = DefaultNavTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	l := launcher.New().
		Headless(cfg.Headless).
		NoSandbox(cfg.NoSandbox)
	if cfg.BrowserBin != "" {
		l = l.Bin(cfg.BrowserBin)
	}
	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("connect browser: %w", err)
	}
	logger.Info("browser launched", zap.String("control_url", controlURL))
	return &Renderer{cfg: cfg, logger: logger, browser: browser}, nil
}

// Close kills the browser process. Later calls are no-ops.
func (r *Renderer) Close(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if err := r.browser.Close(); err != nil {
		return fmt.Errorf("close browser: %w", err)
	}
	return nil
}

func (r *Renderer) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Render opens a new page, waits for request idle up to IdleTimeout and
// captures the DOM and links.
func (r *Renderer) Render(ctx context.Context, rawURL string) (crawler.RenderResult, error) {
	if r.isClosed() {
		return crawler.RenderResult{}, crawler.ErrRendererClosed
	}

	page, err := r.browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		return crawler.RenderResult{}, fmt.Errorf("%w: open page: %w", crawler.ErrRenderFailed, err)
	}
	defer func() {
		if closeErr := page.Close(); closeErr != nil {
			r.logger.Debug("page close failed", zap.Error(closeErr))
		}
	}()

	if r.cfg.UserAgent != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: r.cfg.UserAgent}); err != nil {
			return crawler.RenderResult{}, fmt.Errorf("%w: set user agent: %w", crawler.ErrRenderFailed, err)
		}
	}

	navCtx, cancelNav := context.WithTimeout(ctx, r.cfg.NavTimeout)
	defer cancelNav()
	idleCtx, cancelIdle := context.WithTimeout(navCtx, r.cfg.IdleTimeout)
	defer cancelIdle()

	// The idle waiter must be registered before navigation starts.
	waitIdle := page.Context(idleCtx).WaitRequestIdle(quietPeriod, nil, nil, nil)

	nav := page.Context(navCtx)
	if err := nav.Navigate(rawURL); err != nil {
		return crawler.RenderResult{}, fmt.Errorf("%w: navigate %s: %w", crawler.ErrRenderFailed, rawURL, err)
	}
	waitIdle()
	timedOut := idleCtx.Err() != nil
	if timedOut {
		r.logger.Debug("request idle not reached", zap.String("url", rawURL))
	}

	capture := page.Context(context.WithoutCancel(ctx)).Timeout(r.cfg.NavTimeout)
	html, err := capture.HTML()
	if err != nil {
		return crawler.RenderResult{}, fmt.Errorf("%w: capture html: %w", crawler.ErrRenderFailed, err)
	}
	res, err := capture.Eval(linksScript)
	if err != nil {
		return crawler.RenderResult{}, fmt.Errorf("%w: extract links: %w", crawler.ErrRenderFailed, err)
	}
	links := make([]string, 0, len(res.Value.Arr()))
	for _, v := range res.Value.Arr() {
		links = append(links, v.Str())
	}

	result := crawler.RenderResult{HTML: html, Links: links, FinalURL: rawURL, TimedOut: timedOut}
	if status, err := capture.Eval(statusScript); err == nil {
		result.StatusCode = status.Value.Int()
	}
	if info, err := capture.Info(); err == nil && info.URL != "" {
		result.FinalURL = info.URL
	}
	return result, nil
}
