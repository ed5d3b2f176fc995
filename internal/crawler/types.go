package crawler

import "fmt"

// JobDescriptor is one unit of crawl work handed out by the remote queue.
//
// JobID is the page id (job scheme) or message id (message scheme). DeleteToken
// is what the queue expects back on acknowledgement; it may differ from JobID.
// All identifiers are opaque and must be passed through unmodified.
type JobDescriptor struct {
	URL         string `json:"url"`
	JobID       string `json:"job_id"`
	CrawlID     string `json:"crawl_id"`
	DeleteToken string `json:"delete_token"`
}

// RenderResult is produced once per job by a Renderer.
// Links keep document order and may contain duplicates or unnormalized URLs.
type RenderResult struct {
	HTML       string
	Links      []string
	FinalURL   string
	StatusCode int
	// TimedOut reports that the page never reached network idle and the
	// captured content is partial.
	TimedOut bool
}

// CompletionUnit carries a rendered job into the completion pipeline.
type CompletionUnit struct {
	Job    JobDescriptor
	Result RenderResult
}

// PageDocument is what content stores persist for a rendered page.
type PageDocument struct {
	PageID  string   `json:"page_id"`
	CrawlID string   `json:"crawl_id"`
	URL     string   `json:"url"`
	HTML    string   `json:"html"`
	Links   []string `json:"links"`
}

// PublishReport summarizes one PublishLinks call.
type PublishReport struct {
	Batches   int
	Published int
	Failed    int
}

// AckPolicy decides whether a failed save still acknowledges the job.
type AckPolicy string

// Supported acknowledgement policies.
const (
	// AckRequireSave acknowledges only when the content save succeeded.
	AckRequireSave AckPolicy = "require_save"
	// AckAlways acknowledges once save and publish have been attempted.
	AckAlways AckPolicy = "always"
)

// PageID returns the key content stores use for job: the job id when the
// queue supplied one, otherwise a digest of the URL.
func PageID(job JobDescriptor, h Hasher) (string, error) {
	if job.JobID != "" {
		return job.JobID, nil
	}
	if h == nil {
		return "", fmt.Errorf("job %q has no id and no hasher is configured", job.URL)
	}
	return h.Hash([]byte(job.URL))
}
