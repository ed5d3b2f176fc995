package blob

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/render-queue-worker/internal/crawler"
	"github.com/JakeFAU/render-queue-worker/internal/hash/sha256"
	"github.com/JakeFAU/render-queue-worker/internal/storage/memory"
)

type failingBlobs struct{}

func (failingBlobs) PutObject(context.Context, string, string, []byte) (string, error) {
	return "", errors.New("bucket unavailable")
}

func TestSaveWritesDocument(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	store, err := New(blobs, sha256.New(), Config{Prefix: "/pages/"}, zap.NewNop())
	require.NoError(t, err)

	job := crawler.JobDescriptor{URL: "https://a.test/", JobID: "p1", CrawlID: "c1"}
	require.NoError(t, store.Save(context.Background(), job, crawler.RenderResult{HTML: "<html>", Links: []string{"x", "x"}}))

	raw, ok := blobs.Get("pages/c1/p1.json")
	require.True(t, ok)
	var doc crawler.PageDocument
	require.NoError(t, json.Unmarshal(raw, &doc))
	require.Equal(t, crawler.PageDocument{PageID: "p1", CrawlID: "c1", URL: "https://a.test/", HTML: "<html>", Links: []string{"x", "x"}}, doc)
}

func TestSaveIsLastWriteWins(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	store, err := New(blobs, nil, Config{}, zap.NewNop())
	require.NoError(t, err)

	job := crawler.JobDescriptor{URL: "https://a.test/", JobID: "p1", CrawlID: "c1"}
	require.NoError(t, store.Save(context.Background(), job, crawler.RenderResult{HTML: "first"}))
	require.NoError(t, store.Save(context.Background(), job, crawler.RenderResult{HTML: "second"}))

	require.Equal(t, 1, blobs.Len())
	raw, _ := blobs.Get("c1/p1.json")
	require.Contains(t, string(raw), "second")
}

func TestSaveHashesURLWithoutJobID(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	hasher := sha256.New()
	store, err := New(blobs, hasher, Config{}, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, store.Save(context.Background(), crawler.JobDescriptor{URL: "https://a.test/"}, crawler.RenderResult{}))
	digest, err := hasher.Hash([]byte("https://a.test/"))
	require.NoError(t, err)
	_, ok := blobs.Get("_/" + digest + ".json")
	require.True(t, ok)
}

func TestSaveWrapsBlobErrors(t *testing.T) {
	t.Parallel()

	store, err := New(failingBlobs{}, nil, Config{}, zap.NewNop())
	require.NoError(t, err)
	err = store.Save(context.Background(), crawler.JobDescriptor{JobID: "p1"}, crawler.RenderResult{})
	require.ErrorIs(t, err, crawler.ErrSaveFailed)
}

func TestNewRequiresBlobStore(t *testing.T) {
	t.Parallel()

	_, err := New(nil, nil, Config{}, nil)
	require.Error(t, err)
}
