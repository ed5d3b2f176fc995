// Package postgres provides a Postgres-backed content store.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/render-queue-worker/internal/crawler"
)

// DefaultTable is used when the config does not name one.
const DefaultTable = "pages"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PageStoreConfig controls the Postgres connection pool used for page rows.
//
// Expected schema:
//
//	CREATE TABLE pages (
//	    page_id    TEXT PRIMARY KEY,
//	    crawl_id   TEXT NOT NULL,
//	    url        TEXT NOT NULL,
//	    html       TEXT NOT NULL,
//	    links      JSONB NOT NULL,
//	    partial    BOOLEAN NOT NULL DEFAULT FALSE,
//	    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
type PageStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// PageStore upserts rendered pages keyed by page id.
type PageStore struct {
	pool   execCloser
	table  string
	hasher crawler.Hasher
}

// NewPageStore creates a Postgres-backed PageStore using the provided config.
func NewPageStore(ctx context.Context, cfg PageStoreConfig, hasher crawler.Hasher) (*PageStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &PageStore{pool: pool, table: table, hasher: hasher}, nil
}

// NewPageStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewPageStoreWithPool(pool execCloser, table string, hasher crawler.Hasher) (*PageStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &PageStore{pool: pool, table: name, hasher: hasher}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = DefaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *PageStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Save inserts the page or replaces the existing row for the same page id.
func (s *PageStore) Save(ctx context.Context, job crawler.JobDescriptor, result crawler.RenderResult) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: page store is not configured", crawler.ErrSaveFailed)
	}
	pageID, err := crawler.PageID(job, s.hasher)
	if err != nil {
		return fmt.Errorf("%w: %w", crawler.ErrSaveFailed, err)
	}
	links := result.Links
	if links == nil {
		links = []string{}
	}
	linksJSON, err := json.Marshal(links)
	if err != nil {
		return fmt.Errorf("marshal links: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (page_id, crawl_id, url, html, links, partial, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, now())
ON CONFLICT (page_id) DO UPDATE SET
	crawl_id = EXCLUDED.crawl_id,
	url = EXCLUDED.url,
	html = EXCLUDED.html,
	links = EXCLUDED.links,
	partial = EXCLUDED.partial,
	updated_at = EXCLUDED.updated_at`, s.table)

	if _, err := s.pool.Exec(ctx, query,
		pageID,
		job.CrawlID,
		job.URL,
		result.HTML,
		linksJSON,
		result.TimedOut,
	); err != nil {
		return fmt.Errorf("%w: upsert page: %w", crawler.ErrSaveFailed, err)
	}
	return nil
}
