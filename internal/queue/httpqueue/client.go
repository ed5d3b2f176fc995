// Package httpqueue implements the remote job queue contract over HTTP.
//
// Two addressing schemes are supported behind one JobDescriptor shape:
//
//   - job:     GET /job?num=n, DELETE /crawl/{crawlId}/job/{deleteId}
//   - message: GET /{crawlId}?num=n, DELETE /{crawlId}/{messageId}
//
// Discovered links are submitted with POST /{crawlId} in both schemes.
package httpqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/render-queue-worker/internal/crawler"
	"github.com/JakeFAU/render-queue-worker/internal/metrics"
	"github.com/JakeFAU/render-queue-worker/internal/transport"
)

// Scheme selects how jobs are addressed on the queue service.
type Scheme string

// Supported addressing schemes.
const (
	SchemeJob     Scheme = "job"
	SchemeMessage Scheme = "message"
)

// DefaultPublishBatchSize bounds concurrent link submissions.
const DefaultPublishBatchSize = 10

// Config controls the queue client.
type Config struct {
	BaseURL          string
	Scheme           Scheme
	CrawlID          string
	PublishBatchSize int
}

// Client talks to the remote queue service.
type Client struct {
	base   *url.URL
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

// New validates the configuration and builds a Client.
func New(cfg Config, httpClient *http.Client, logger *zap.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("queue base url is required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse queue base url: %w", err)
	}
	switch cfg.Scheme {
	case "":
		cfg.Scheme = SchemeJob
	case SchemeJob:
	case SchemeMessage:
		if cfg.CrawlID == "" {
			return nil, fmt.Errorf("crawl id is required for the message scheme")
		}
	default:
		return nil, fmt.Errorf("unknown queue scheme %q", cfg.Scheme)
	}
	if cfg.PublishBatchSize <= 0 {
		cfg.PublishBatchSize = DefaultPublishBatchSize
	}
	if httpClient == nil {
		httpClient = transport.New(transport.Config{})
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{base: base, cfg: cfg, http: httpClient, logger: logger}, nil
}

type jobPayload struct {
	URL      string `json:"url"`
	PageID   string `json:"page_id"`
	CrawlID  string `json:"crawl_id"`
	DeleteID string `json:"delete_id"`
}

type messageEnvelope struct {
	Messages []struct {
		MessageID string `json:"messageId"`
		DeleteID  string `json:"deleteId"`
		Body      string `json:"body"`
	} `json:"messages"`
}

type linkPayload struct {
	URL string `json:"url"`
}

// FetchJobs requests up to count jobs. Any failure wraps crawler.ErrQueueUnavailable.
func (c *Client) FetchJobs(ctx context.Context, count int) ([]crawler.JobDescriptor, error) {
	if count <= 0 {
		count = 1
	}
	endpoint := c.fetchURL(count)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build fetch request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.ObserveQueueFetch(count, metrics.ResultError)
		return nil, fmt.Errorf("%w: get next url: %w", crawler.ErrQueueUnavailable, err)
	}
	defer transport.Drain(resp.Body)

	if !transport.Success(resp.StatusCode) {
		metrics.ObserveQueueFetch(count, metrics.ResultError)
		return nil, fmt.Errorf("%w: failed to get next url: %d %s",
			crawler.ErrQueueUnavailable, resp.StatusCode, transport.ReadErrorBody(resp.Body))
	}

	var jobs []crawler.JobDescriptor
	switch c.cfg.Scheme {
	case SchemeMessage:
		jobs, err = c.decodeMessages(resp)
	default:
		jobs, err = c.decodeJobs(resp)
	}
	if err != nil {
		metrics.ObserveQueueFetch(count, metrics.ResultError)
		return nil, fmt.Errorf("%w: %w", crawler.ErrQueueUnavailable, err)
	}
	if len(jobs) == 0 {
		metrics.ObserveQueueFetch(count, metrics.ResultEmpty)
	} else {
		metrics.ObserveQueueFetch(count, metrics.ResultOK)
	}
	return jobs, nil
}

func (c *Client) fetchURL(count int) string {
	var u *url.URL
	if c.cfg.Scheme == SchemeMessage {
		u = c.base.JoinPath(url.PathEscape(c.cfg.CrawlID))
	} else {
		u = c.base.JoinPath("job")
	}
	q := u.Query()
	q.Set("num", strconv.Itoa(count))
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Client) decodeJobs(resp *http.Response) ([]crawler.JobDescriptor, error) {
	var payload []jobPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode jobs: %w", err)
	}
	jobs := make([]crawler.JobDescriptor, 0, len(payload))
	for _, p := range payload {
		crawlID := p.CrawlID
		if crawlID == "" {
			crawlID = c.cfg.CrawlID
		}
		jobs = append(jobs, crawler.JobDescriptor{
			URL:         p.URL,
			JobID:       p.PageID,
			CrawlID:     crawlID,
			DeleteToken: p.DeleteID,
		})
	}
	return jobs, nil
}

func (c *Client) decodeMessages(resp *http.Response) ([]crawler.JobDescriptor, error) {
	var envelope messageEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	jobs := make([]crawler.JobDescriptor, 0, len(envelope.Messages))
	for _, m := range envelope.Messages {
		var body linkPayload
		if err := json.Unmarshal([]byte(m.Body), &body); err != nil || body.URL == "" {
			c.logger.Warn("skipping undecodable message",
				zap.String("message_id", m.MessageID),
				zap.Error(err),
			)
			continue
		}
		token := m.DeleteID
		if token == "" {
			token = m.MessageID
		}
		jobs = append(jobs, crawler.JobDescriptor{
			URL:         body.URL,
			JobID:       m.MessageID,
			CrawlID:     c.cfg.CrawlID,
			DeleteToken: token,
		})
	}
	return jobs, nil
}

// Acknowledge deletes the job from the queue. Non-2xx responses return a
// *crawler.AckError carrying the status code and body.
func (c *Client) Acknowledge(ctx context.Context, job crawler.JobDescriptor) error {
	token := job.DeleteToken
	if token == "" {
		token = job.JobID
	}
	crawlID := job.CrawlID
	if crawlID == "" {
		crawlID = c.cfg.CrawlID
	}
	if token == "" || crawlID == "" {
		return fmt.Errorf("%w: job %q has no crawl id or delete token", crawler.ErrAckFailed, job.URL)
	}

	var u *url.URL
	if c.cfg.Scheme == SchemeMessage {
		u = c.base.JoinPath(url.PathEscape(crawlID), url.PathEscape(token))
	} else {
		u = c.base.JoinPath("crawl", url.PathEscape(crawlID), "job", url.PathEscape(token))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u.String(), nil)
	if err != nil {
		return fmt.Errorf("build delete request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: delete message: %w", crawler.ErrAckFailed, err)
	}
	defer transport.Drain(resp.Body)
	if !transport.Success(resp.StatusCode) {
		return &crawler.AckError{Status: resp.StatusCode, Body: transport.ReadErrorBody(resp.Body)}
	}
	return nil
}

// PublishLinks submits links in fixed-size batches. Submissions inside a batch
// run concurrently; a batch starts only after the previous one has finished.
// Failed submissions are logged and counted, never retried.
func (c *Client) PublishLinks(ctx context.Context, crawlID string, links []string) (crawler.PublishReport, error) {
	if crawlID == "" {
		crawlID = c.cfg.CrawlID
	}
	var report crawler.PublishReport
	if len(links) == 0 {
		return report, nil
	}
	if crawlID == "" {
		return report, fmt.Errorf("%w: no crawl id for link submission", crawler.ErrPublishFailed)
	}
	endpoint := c.base.JoinPath(url.PathEscape(crawlID)).String()

	var published, failed atomic.Int64
	for _, batch := range Chunk(links, c.cfg.PublishBatchSize) {
		report.Batches++
		var g errgroup.Group
		for _, link := range batch {
			g.Go(func() error {
				if err := c.submitLink(ctx, endpoint, link); err != nil {
					failed.Add(1)
					c.logger.Warn("link submission failed",
						zap.String("crawl_id", crawlID),
						zap.String("link", link),
						zap.Error(err),
					)
					return nil
				}
				published.Add(1)
				return nil
			})
		}
		_ = g.Wait()
	}

	report.Published = int(published.Load())
	report.Failed = int(failed.Load())
	metrics.ObserveLinksPublished(report.Published, report.Failed)
	if report.Failed > 0 {
		return report, fmt.Errorf("%w: %d of %d links", crawler.ErrPublishFailed, report.Failed, len(links))
	}
	return report, nil
}

func (c *Client) submitLink(ctx context.Context, endpoint, link string) error {
	body, err := json.Marshal(linkPayload{URL: link})
	if err != nil {
		return fmt.Errorf("marshal link: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build link request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post link: %w", err)
	}
	defer transport.Drain(resp.Body)
	if !transport.Success(resp.StatusCode) {
		return fmt.Errorf("post link: %d %s", resp.StatusCode, transport.ReadErrorBody(resp.Body))
	}
	return nil
}

// Chunk splits items into consecutive slices of at most size elements,
// preserving order.
func Chunk(items []string, size int) [][]string {
	if size <= 0 {
		size = DefaultPublishBatchSize
	}
	chunks := make([][]string, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		chunks = append(chunks, items[start:end])
	}
	return chunks
}
