// Package httpstore submits rendered pages to the content service over HTTP.
package httpstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/render-queue-worker/internal/crawler"
	"github.com/JakeFAU/render-queue-worker/internal/transport"
)

// Scheme selects the submission endpoint.
type Scheme string

// Supported submission schemes.
const (
	// SchemePage issues PUT {base}/page/{jobId} with {content, links}.
	SchemePage Scheme = "page"
	// SchemeCrawl issues POST {base}/{crawlId} with {url, html, links}.
	SchemeCrawl Scheme = "crawl"
)

// Config controls the HTTP content store.
type Config struct {
	BaseURL string
	Scheme  Scheme
}

// Store implements crawler.ContentStore against the content service.
type Store struct {
	base   *url.URL
	scheme Scheme
	http   *http.Client
	logger *zap.Logger
}

type pagePayload struct {
	Content string   `json:"content"`
	Links   []string `json:"links"`
}

type crawlPayload struct {
	URL   string   `json:"url"`
	HTML  string   `json:"html"`
	Links []string `json:"links"`
}

// New validates cfg and builds a Store.
func New(cfg Config, httpClient *http.Client, logger *zap.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("store base url is required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse store base url: %w", err)
	}
	switch cfg.Scheme {
	case "":
		cfg.Scheme = SchemePage
	case SchemePage, SchemeCrawl:
	default:
		return nil, fmt.Errorf("unknown store scheme %q", cfg.Scheme)
	}
	if httpClient == nil {
		httpClient = transport.New(transport.Config{})
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{base: base, scheme: cfg.Scheme, http: httpClient, logger: logger}, nil
}

// Save submits the page. Non-2xx responses return a *crawler.SaveError.
func (s *Store) Save(ctx context.Context, job crawler.JobDescriptor, result crawler.RenderResult) error {
	links := result.Links
	if links == nil {
		links = []string{}
	}

	var (
		method  string
		target  *url.URL
		payload any
	)
	switch s.scheme {
	case SchemeCrawl:
		if job.CrawlID == "" {
			return fmt.Errorf("%w: job %q has no crawl id", crawler.ErrSaveFailed, job.URL)
		}
		method = http.MethodPost
		target = s.base.JoinPath(url.PathEscape(job.CrawlID))
		payload = crawlPayload{URL: job.URL, HTML: result.HTML, Links: links}
	default:
		if job.JobID == "" {
			return fmt.Errorf("%w: job %q has no page id", crawler.ErrSaveFailed, job.URL)
		}
		method = http.MethodPut
		target = s.base.JoinPath("page", url.PathEscape(job.JobID))
		payload = pagePayload{Content: result.HTML, Links: links}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal page: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build save request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: submit page content: %w", crawler.ErrSaveFailed, err)
	}
	defer transport.Drain(resp.Body)
	if !transport.Success(resp.StatusCode) {
		return &crawler.SaveError{Status: resp.StatusCode, Body: transport.ReadErrorBody(resp.Body)}
	}
	s.logger.Debug("page content submitted",
		zap.String("url", job.URL),
		zap.Int("bytes", len(result.HTML)),
		zap.Int("links", len(links)),
	)
	return nil
}
