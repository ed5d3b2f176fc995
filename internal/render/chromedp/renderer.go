// Package chromedp renders pages in headless Chrome via the DevTools protocol.
//
// One browser process is shared by all renders; every render opens its own
// tab. A page is considered settled once no network request has been in
// flight for a short quiet period (network idle).
package chromedp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	cdp "github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/render-queue-worker/internal/crawler"
)

// linksScript collects the resolved href of every anchor in document order.
const linksScript = `Array.from(document.querySelectorAll('a')).map(a => a.href)`

// Defaults applied by New when the config leaves a field zero.
const (
	DefaultIdleTimeout = 5 * time.Second
	DefaultNavTimeout  = 30 * time.Second

	quietPeriod    = 500 * time.Millisecond
	captureTimeout = 10 * time.Second
)

// Config controls the chromedp renderer.
type Config struct {
	Headless    bool
	NoSandbox   bool
	UserAgent   string
	NavTimeout  time.Duration
	IdleTimeout time.Duration
	ExecPath    string
}

// Renderer implements crawler.Renderer with chromedp.
type Renderer struct {
	cfg             Config
	logger          *zap.Logger
	allocatorCancel context.CancelFunc
	browserCtx      context.Context
	browserCancel   context.CancelFunc
	closed          atomic.Bool
}

// New launches the browser and returns a ready renderer.
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

	opts := append(cdp.DefaultExecAllocatorOptions[:],
		cdp.Flag("headless", cfg.Headless),
		cdp.Flag("disable-gpu", true),
		cdp.Flag("hide-scrollbars", true),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, cdp.UserAgent(cfg.UserAgent))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, cdp.ExecPath(cfg.ExecPath))
	}
	if cfg.NoSandbox {
		opts = append(opts, cdp.NoSandbox)
	}
	allocatorCtx, allocatorCancel := cdp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := cdp.NewContext(allocatorCtx)
	if err := cdp.Run(browserCtx); err != nil {
		browserCancel()
		allocatorCancel()
		return nil, fmt.Errorf("chromedp warmup: %w", err)
	}

	return &Renderer{
		cfg:             cfg,
		logger:          logger,
		allocatorCancel: allocatorCancel,
		browserCtx:      browserCtx,
		browserCancel:   browserCancel,
	}, nil
}

// Close shuts the browser down. Renders after Close fail with
// crawler.ErrRendererClosed.
func (r *Renderer) Close(ctx context.Context) error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := cdp.Cancel(r.browserCtx); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Warn("browser close failed", zap.Error(err))
		}
		r.browserCancel()
		r.allocatorCancel()
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close browser: %w", ctx.Err())
	}
}

// Render navigates a fresh tab to rawURL, waits up to IdleTimeout for network
// idle, and captures the DOM and links. A page that never settles is returned
// with TimedOut set and whatever content had loaded.
func (r *Renderer) Render(ctx context.Context, rawURL string) (crawler.RenderResult, error) {
	if r.closed.Load() {
		return crawler.RenderResult{}, crawler.ErrRendererClosed
	}

	tabCtx, cancelTab := cdp.NewContext(r.browserCtx)
	defer cancelTab()

	tracker := newIdleTracker(time.Now)
	meta := &responseMeta{}
	cdp.ListenTarget(tabCtx, func(ev any) {
		tracker.handle(ev)
		meta.handle(ev)
	})

	navCtx, cancelNav := context.WithTimeout(tabCtx, r.cfg.NavTimeout)
	defer cancelNav()
	stopForward := forwardCancel(ctx, cancelNav)
	defer stopForward()

	setup := []cdp.Action{network.Enable()}
	if r.cfg.UserAgent != "" {
		setup = append(setup, emulation.SetUserAgentOverride(r.cfg.UserAgent))
	}
	setup = append(setup, cdp.Navigate(rawURL))
	if err := cdp.Run(navCtx, setup...); err != nil {
		return crawler.RenderResult{}, fmt.Errorf("%w: navigate %s: %w", crawler.ErrRenderFailed, rawURL, err)
	}

	idleCtx, cancelIdle := context.WithTimeout(navCtx, r.cfg.IdleTimeout)
	timedOut := tracker.wait(idleCtx, quietPeriod) != nil
	cancelIdle()
	if timedOut {
		r.logger.Debug("network idle not reached", zap.String("url", rawURL), zap.Duration("idle_timeout", r.cfg.IdleTimeout))
	}

	captureCtx, cancelCapture := context.WithTimeout(tabCtx, captureTimeout)
	defer cancelCapture()
	var (
		html     string
		links    []string
		finalURL string
	)
	if err := cdp.Run(captureCtx,
		cdp.Location(&finalURL),
		cdp.OuterHTML("html", &html, cdp.ByQuery),
		cdp.Evaluate(linksScript, &links),
	); err != nil {
		return crawler.RenderResult{}, fmt.Errorf("%w: capture %s: %w", crawler.ErrRenderFailed, rawURL, err)
	}

	status, docURL := meta.snapshot()
	if finalURL == "" {
		finalURL = docURL
	}
	return crawler.RenderResult{
		HTML:       html,
		Links:      links,
		FinalURL:   finalURL,
		StatusCode: status,
		TimedOut:   timedOut,
	}, nil
}

// forwardCancel calls cancel when parent ends, until the returned stop func runs.
func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}

type responseMeta struct {
	mu     sync.Mutex
	status int
	url    string
}

func (m *responseMeta) handle(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status != 0 {
		return
	}
	m.status = int(resp.Response.Status)
	m.url = resp.Response.URL
}

func (m *responseMeta) snapshot() (int, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status, m.url
}
