// Package memory provides an in-memory queue client for local development
// and end-to-end tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/render-queue-worker/internal/crawler"
)

// Queue serves jobs from a slice and records every interaction.
type Queue struct {
	mu         sync.Mutex
	pending    []crawler.JobDescriptor
	leased     map[string]crawler.JobDescriptor
	acked      []crawler.JobDescriptor
	published  map[string][]string
	fetchSizes []int
	fetchErr   error
}

// NewQueue constructs a queue seeded with the provided jobs.
func NewQueue(jobs ...crawler.JobDescriptor) *Queue {
	q := &Queue{
		leased:    make(map[string]crawler.JobDescriptor),
		published: make(map[string][]string),
	}
	q.Enqueue(jobs...)
	return q
}

// Enqueue appends jobs to the tail of the queue.
func (q *Queue) Enqueue(jobs ...crawler.JobDescriptor) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, jobs...)
}

// FailFetches makes every subsequent FetchJobs call fail with err. A nil err
// restores normal behaviour.
func (q *Queue) FailFetches(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.fetchErr = err
}

// FetchJobs leases up to count jobs from the head of the queue.
func (q *Queue) FetchJobs(ctx context.Context, count int) ([]crawler.JobDescriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", crawler.ErrQueueUnavailable, err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.fetchSizes = append(q.fetchSizes, count)
	if q.fetchErr != nil {
		return nil, fmt.Errorf("%w: %w", crawler.ErrQueueUnavailable, q.fetchErr)
	}
	n := min(count, len(q.pending))
	jobs := make([]crawler.JobDescriptor, n)
	copy(jobs, q.pending[:n])
	q.pending = q.pending[n:]
	for _, job := range jobs {
		q.leased[leaseKey(job)] = job
	}
	return jobs, nil
}

// Acknowledge removes a leased job. Unknown or already acknowledged jobs
// return a 404 AckError.
func (q *Queue) Acknowledge(_ context.Context, job crawler.JobDescriptor) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	key := leaseKey(job)
	if _, ok := q.leased[key]; !ok {
		return &crawler.AckError{Status: 404, Body: "unknown job " + key}
	}
	delete(q.leased, key)
	q.acked = append(q.acked, job)
	return nil
}

// PublishLinks records links as published for crawlID.
func (q *Queue) PublishLinks(_ context.Context, crawlID string, links []string) (crawler.PublishReport, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(links) == 0 {
		return crawler.PublishReport{}, nil
	}
	q.published[crawlID] = append(q.published[crawlID], links...)
	return crawler.PublishReport{Batches: 1, Published: len(links)}, nil
}

// Acked returns the acknowledged jobs in acknowledgement order.
func (q *Queue) Acked() []crawler.JobDescriptor {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]crawler.JobDescriptor(nil), q.acked...)
}

// Published returns the links published for crawlID.
func (q *Queue) Published(crawlID string) []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.published[crawlID]...)
}

// FetchSizes returns the requested size of every FetchJobs call.
func (q *Queue) FetchSizes() []int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]int(nil), q.fetchSizes...)
}

// Pending reports how many jobs have not been leased yet.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Leased reports how many jobs were fetched but not acknowledged.
func (q *Queue) Leased() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.leased)
}

func leaseKey(job crawler.JobDescriptor) string {
	token := job.DeleteToken
	if token == "" {
		token = job.JobID
	}
	return job.CrawlID + "/" + token
}
