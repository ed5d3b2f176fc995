// Package prefetch keeps a small FIFO of jobs ahead of the worker so the next
// URL is usually available without waiting on the queue service.
package prefetch

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/JakeFAU/render-queue-worker/internal/crawler"
	"github.com/JakeFAU/render-queue-worker/internal/metrics"
)

const (
	// BootstrapSize is requested synchronously when the buffer is empty.
	BootstrapSize = 2
	// RefillSize is requested in the background after serving from the buffer.
	RefillSize = 1
)

// Buffer is a FIFO of job descriptors backed by a JobSource.
//
// At most one background refill is outstanding at any time, and a bootstrap
// fetch is only issued when the buffer is empty.
type Buffer struct {
	source crawler.JobSource
	logger *zap.Logger

	mu    sync.Mutex
	items []crawler.JobDescriptor

	refilling atomic.Bool
	wg        sync.WaitGroup
}

// New constructs an empty buffer.
func New(source crawler.JobSource, logger *zap.Logger) *Buffer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Buffer{source: source, logger: logger}
}

// Next returns the next job. ok is false when the queue had nothing to hand
// out. Errors come only from the synchronous bootstrap fetch.
func (b *Buffer) Next(ctx context.Context) (crawler.JobDescriptor, bool, error) {
	if job, ok := b.pop(); ok {
		b.startRefill(ctx)
		return job, true, nil
	}

	jobs, err := b.source.FetchJobs(ctx, BootstrapSize)
	if err != nil {
		return crawler.JobDescriptor{}, false, err
	}
	b.push(jobs)
	job, ok := b.pop()
	return job, ok, nil
}

// Len reports how many jobs are buffered.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Wait blocks until any in-flight refill has finished.
func (b *Buffer) Wait() {
	b.wg.Wait()
}

func (b *Buffer) startRefill(ctx context.Context) {
	if !b.refilling.CompareAndSwap(false, true) {
		return
	}
	b.wg.Add(1)
	// Jobs leased by an in-flight refill are kept even if the caller stops.
	refillCtx := context.WithoutCancel(ctx)
	go func() {
		defer b.wg.Done()
		defer b.refilling.Store(false)

		jobs, err := b.source.FetchJobs(refillCtx, RefillSize)
		if err != nil {
			b.logger.Warn("prefetch refill failed", zap.Error(err))
			return
		}
		b.push(jobs)
	}()
}

func (b *Buffer) pop() (crawler.JobDescriptor, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) == 0 {
		return crawler.JobDescriptor{}, false
	}
	job := b.items[0]
	b.items[0] = crawler.JobDescriptor{}
	b.items = b.items[1:]
	metrics.SetPrefetchBuffered(len(b.items))
	return job, true
}

func (b *Buffer) push(jobs []crawler.JobDescriptor) {
	if len(jobs) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = append(b.items, jobs...)
	metrics.SetPrefetchBuffered(len(b.items))
}
