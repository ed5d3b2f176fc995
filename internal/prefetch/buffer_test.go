package prefetch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/render-queue-worker/internal/crawler"
	"github.com/JakeFAU/render-queue-worker/internal/queue/memory"
)

func job(id string) crawler.JobDescriptor {
	return crawler.JobDescriptor{URL: "https://example.test/" + id, JobID: id, CrawlID: "c1", DeleteToken: id}
}

// gatedSource blocks size-1 fetches until release is closed.
type gatedSource struct {
	mu       sync.Mutex
	next     int
	sizes    []int
	release  chan struct{}
	active   atomic.Int32
	maxRefill atomic.Int32
}

func newGatedSource() *gatedSource {
	return &gatedSource{release: make(chan struct{})}
}

func (s *gatedSource) FetchJobs(_ context.Context, count int) ([]crawler.JobDescriptor, error) {
	s.mu.Lock()
	s.sizes = append(s.sizes, count)
	s.mu.Unlock()

	if count == RefillSize {
		cur := s.active.Add(1)
		defer s.active.Add(-1)
		if cur > s.maxRefill.Load() {
			s.maxRefill.Store(cur)
		}
		<-s.release
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	jobs := make([]crawler.JobDescriptor, 0, count)
	for range count {
		s.next++
		jobs = append(jobs, job(fmt.Sprintf("u%d", s.next)))
	}
	return jobs, nil
}

func (s *gatedSource) Sizes() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.sizes...)
}

func TestNextBootstrapsThenServesFromBuffer(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(job("u1"), job("u2"), job("u3"))
	b := New(q, zap.NewNop())
	ctx := context.Background()

	got, ok, err := b.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "u1", got.JobID)
	require.Equal(t, []int{BootstrapSize}, q.FetchSizes())
	require.Equal(t, 1, b.Len())

	got, ok, err = b.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "u2", got.JobID)

	b.Wait()
	require.Equal(t, []int{BootstrapSize, RefillSize}, q.FetchSizes())
	require.Equal(t, 1, b.Len())

	got, ok, err = b.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "u3", got.JobID)
	b.Wait()
	require.Equal(t, 0, b.Len())
}

func TestNextReportsDrainedQueue(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue()
	b := New(q, zap.NewNop())

	_, ok, err := b.Next(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, []int{BootstrapSize}, q.FetchSizes())
}

func TestNextReturnsBootstrapError(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(job("u1"))
	q.FailFetches(errors.New("HTTP 500"))
	b := New(q, zap.NewNop())

	_, ok, err := b.Next(context.Background())
	require.ErrorIs(t, err, crawler.ErrQueueUnavailable)
	require.False(t, ok)
}

func TestRefillErrorsAreSwallowed(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(job("u1"), job("u2"), job("u3"))
	b := New(q, zap.NewNop())
	ctx := context.Background()

	_, _, err := b.Next(ctx)
	require.NoError(t, err)

	q.FailFetches(errors.New("HTTP 503"))
	got, ok, err := b.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "u2", got.JobID)
	b.Wait()
	require.Equal(t, 0, b.Len())
}

func TestAtMostOneRefillInFlight(t *testing.T) {
	t.Parallel()

	src := newGatedSource()
	b := New(src, zap.NewNop())
	ctx := context.Background()

	// bootstrap: [u1 u2] -> u1
	got, _, err := b.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "u1", got.JobID)

	// buffered u2, starts the gated refill
	got, _, err = b.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "u2", got.JobID)
	require.Eventually(t, func() bool { return src.active.Load() == 1 }, time.Second, time.Millisecond)

	// empty while the refill is blocked: bootstrap again
	got, _, err = b.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "u3", got.JobID)

	// buffered, but a refill is already outstanding
	got, _, err = b.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "u4", got.JobID)

	close(src.release)
	b.Wait()

	require.Equal(t, int32(1), src.maxRefill.Load())
	require.Equal(t, []int{BootstrapSize, RefillSize, BootstrapSize}, src.Sizes())
	require.Equal(t, 1, b.Len())
}

func TestBootstrapOnlyWhenEmpty(t *testing.T) {
	t.Parallel()

	src := newGatedSource()
	close(src.release)
	b := New(src, zap.NewNop())
	ctx := context.Background()

	for range 6 {
		_, ok, err := b.Next(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		b.Wait()
	}

	sizes := src.Sizes()
	require.Equal(t, BootstrapSize, sizes[0])
	for _, size := range sizes[1:] {
		require.Equal(t, RefillSize, size)
	}
}
