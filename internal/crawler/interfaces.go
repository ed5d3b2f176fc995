package crawler

import (
	"context"
	"time"
)

// JobSource pulls job descriptors from the remote queue.
type JobSource interface {
	FetchJobs(ctx context.Context, count int) ([]JobDescriptor, error)
}

// Acknowledger deletes a finished job from the remote queue.
type Acknowledger interface {
	Acknowledge(ctx context.Context, job JobDescriptor) error
}

// LinkPublisher submits discovered links as new candidate jobs.
type LinkPublisher interface {
	PublishLinks(ctx context.Context, crawlID string, links []string) (PublishReport, error)
}

// QueueClient is the full contract of the remote queue service.
type QueueClient interface {
	JobSource
	Acknowledger
	LinkPublisher
}

// ContentStore persists rendered pages. Save must be a last-write-wins upsert
// keyed by page id so redelivered jobs never corrupt stored content.
type ContentStore interface {
	Save(ctx context.Context, job JobDescriptor, result RenderResult) error
}

// Renderer loads a URL in a browser engine and returns its HTML and links.
type Renderer interface {
	Render(ctx context.Context, url string) (RenderResult, error)
	Close(ctx context.Context) error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for page ids and content hashes.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time and waits (useful for testing).
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}
