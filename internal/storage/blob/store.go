// Package blob adapts a crawler.BlobStore into a content store that writes one
// JSON document per page.
package blob

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/render-queue-worker/internal/crawler"
)

const (
	contentType     = "application/json"
	unknownCrawlDir = "_"
)

// Config controls object naming.
type Config struct {
	Prefix string
}

// Store implements crawler.ContentStore over a blob store. Documents live at
// {prefix}/{crawlId}/{pageId}.json, so a redelivered job overwrites its
// previous document.
type Store struct {
	blobs  crawler.BlobStore
	hasher crawler.Hasher
	prefix string
	logger *zap.Logger
}

// New constructs a Store.
func New(blobs crawler.BlobStore, hasher crawler.Hasher, cfg Config, logger *zap.Logger) (*Store, error) {
	if blobs == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		blobs:  blobs,
		hasher: hasher,
		prefix: strings.Trim(cfg.Prefix, "/"),
		logger: logger,
	}, nil
}

// Save writes the page document.
func (s *Store) Save(ctx context.Context, job crawler.JobDescriptor, result crawler.RenderResult) error {
	pageID, err := crawler.PageID(job, s.hasher)
	if err != nil {
		return fmt.Errorf("%w: %w", crawler.ErrSaveFailed, err)
	}
	links := result.Links
	if links == nil {
		links = []string{}
	}
	doc := crawler.PageDocument{
		PageID:  pageID,
		CrawlID: job.CrawlID,
		URL:     job.URL,
		HTML:    result.HTML,
		Links:   links,
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal page document: %w", err)
	}
	path := s.objectPath(job.CrawlID, pageID)
	uri, err := s.blobs.PutObject(ctx, path, contentType, data)
	if err != nil {
		return fmt.Errorf("%w: put %s: %w", crawler.ErrSaveFailed, path, err)
	}
	s.logger.Debug("page document stored", zap.String("uri", uri), zap.Int("bytes", len(data)))
	return nil
}

func (s *Store) objectPath(crawlID, pageID string) string {
	if crawlID == "" {
		crawlID = unknownCrawlDir
	}
	name := url.PathEscape(crawlID) + "/" + url.PathEscape(pageID) + ".json"
	if s.prefix == "" {
		return name
	}
	return s.prefix + "/" + name
}
