package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/render-queue-worker/internal/crawler"
	"github.com/JakeFAU/render-queue-worker/internal/hash/sha256"
)

func TestSaveUpsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewPageStoreWithPool(mock, "", nil)
	require.NoError(t, err)

	job := crawler.JobDescriptor{URL: "https://a.test/", JobID: "p1", CrawlID: "c1"}
	result := crawler.RenderResult{HTML: "<html>", Links: []string{"https://a.test/x"}, TimedOut: true}

	mock.ExpectExec(`INSERT INTO pages .* ON CONFLICT \(page_id\) DO UPDATE`).
		WithArgs("p1", "c1", "https://a.test/", "<html>", []byte(`["https://a.test/x"]`), true).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.Save(context.Background(), job, result))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveHashesMissingPageID(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	hasher := sha256.New()
	store, err := NewPageStoreWithPool(mock, "crawl_pages", hasher)
	require.NoError(t, err)

	digest, err := hasher.Hash([]byte("https://a.test/"))
	require.NoError(t, err)
	mock.ExpectExec("INSERT INTO crawl_pages").
		WithArgs(digest, "c1", "https://a.test/", "", []byte(`[]`), false).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.Save(context.Background(), crawler.JobDescriptor{URL: "https://a.test/", CrawlID: "c1"}, crawler.RenderResult{}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveWrapsExecErrors(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewPageStoreWithPool(mock, "pages", nil)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO pages").WillReturnError(errors.New("connection reset"))
	err = store.Save(context.Background(), crawler.JobDescriptor{JobID: "p1"}, crawler.RenderResult{})
	require.ErrorIs(t, err, crawler.ErrSaveFailed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewPageStoreValidation(t *testing.T) {
	t.Parallel()

	_, err := NewPageStoreWithPool(nil, "pages", nil)
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	_, err = NewPageStoreWithPool(mock, "pages; DROP TABLE x", nil)
	require.Error(t, err)

	_, err = NewPageStore(context.Background(), PageStoreConfig{}, nil)
	require.Error(t, err)
}
