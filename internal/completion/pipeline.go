// Package completion persists rendered pages, republishes their links and
// acknowledges jobs, off the render path and with bounded concurrency.
package completion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/render-queue-worker/internal/crawler"
	"github.com/JakeFAU/render-queue-worker/internal/metrics"
	"github.com/JakeFAU/render-queue-worker/internal/telemetry"
)

// Job outcomes recorded in logs and metrics.
const (
	OutcomeCompleted  = "completed"
	OutcomeSaveFailed = "save_failed"
	OutcomeAckFailed  = "ack_failed"
)

// Defaults applied by New when the config leaves a field zero.
const (
	DefaultMaxInFlight = 16
	DefaultUnitTimeout = 60 * time.Second
)

// Queue is the part of the queue contract the pipeline needs.
type Queue interface {
	crawler.Acknowledger
	crawler.LinkPublisher
}

// Config controls Pipeline behavior.
type Config struct {
	AckPolicy    crawler.AckPolicy
	PublishLinks bool
	MaxInFlight  int
	UnitTimeout  time.Duration
	NotifyTopic  string
}

// PageCompleted is published after a job has been acknowledged.
type PageCompleted struct {
	URL         string    `json:"url"`
	JobID       string    `json:"job_id"`
	CrawlID     string    `json:"crawl_id"`
	Links       int       `json:"links"`
	Bytes       int       `json:"bytes"`
	Partial     bool      `json:"partial"`
	CompletedAt time.Time `json:"completed_at"`
}

// Pipeline runs one completion per rendered page.
type Pipeline struct {
	queue    Queue
	store    crawler.ContentStore
	notifier crawler.Publisher
	clock    crawler.Clock
	cfg      Config
	logger   *zap.Logger

	sem      *semaphore.Weighted
	wg       sync.WaitGroup
	inFlight atomic.Int64
}

// New constructs a Pipeline. notifier may be nil.
func New(
	queue Queue,
	store crawler.ContentStore,
	notifier crawler.Publisher,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Pipeline {
	if cfg.AckPolicy == "" {
		cfg.AckPolicy = crawler.AckRequireSave
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultMaxInFlight
	}
	if cfg.UnitTimeout <= 0 {
		cfg.UnitTimeout = DefaultUnitTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		queue:    queue,
		store:    store,
		notifier: notifier,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
		sem:      semaphore.NewWeighted(int64(cfg.MaxInFlight)),
	}
}

// Dispatch starts the completion for unit and returns without waiting for it.
// When MaxInFlight completions are already running it blocks until one
// finishes or ctx ends. The completion itself is not cancelled with ctx.
func (p *Pipeline) Dispatch(ctx context.Context, unit crawler.CompletionUnit) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire completion slot: %w", err)
	}
	p.wg.Add(1)
	p.inFlight.Add(1)
	metrics.IncCompletionsInFlight()

	unitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.UnitTimeout)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		defer p.inFlight.Add(-1)
		defer metrics.DecCompletionsInFlight()
		defer cancel()

		p.Process(unitCtx, unit)
	}()
	return nil
}

// Process runs one completion synchronously and returns its outcome.
func (p *Pipeline) Process(ctx context.Context, unit crawler.CompletionUnit) string {
	ctx, span := telemetry.Tracer().Start(ctx, "complete")
	defer span.End()

	job := unit.Job
	logger := p.logger.With(
		zap.String("url", job.URL),
		zap.String("job_id", job.JobID),
		zap.String("crawl_id", job.CrawlID),
	)

	var saveErr error
	var g errgroup.Group
	g.Go(func() error {
		saveErr = p.store.Save(ctx, job, unit.Result)
		if saveErr != nil {
			metrics.ObserveCompletionStep("save", metrics.ResultError)
			logger.Error("save failed", zap.Error(saveErr))
			return nil
		}
		metrics.ObserveCompletionStep("save", metrics.ResultOK)
		return nil
	})
	if p.cfg.PublishLinks && len(unit.Result.Links) > 0 {
		g.Go(func() error {
			report, err := p.queue.PublishLinks(ctx, job.CrawlID, unit.Result.Links)
			if err != nil {
				metrics.ObserveCompletionStep("publish", metrics.ResultError)
				logger.Warn("link publish incomplete",
					zap.Int("published", report.Published),
					zap.Int("failed", report.Failed),
					zap.Error(err),
				)
				return nil
			}
			metrics.ObserveCompletionStep("publish", metrics.ResultOK)
			logger.Debug("links published", zap.Int("published", report.Published), zap.Int("batches", report.Batches))
			return nil
		})
	}
	_ = g.Wait()

	if saveErr != nil && p.cfg.AckPolicy == crawler.AckRequireSave {
		metrics.ObserveCompletionStep("ack", metrics.ResultSkipped)
		metrics.ObserveJob(OutcomeSaveFailed)
		logger.Warn("job left for redelivery", zap.Error(saveErr))
		return OutcomeSaveFailed
	}

	if err := p.queue.Acknowledge(ctx, job); err != nil {
		metrics.ObserveCompletionStep("ack", metrics.ResultError)
		metrics.ObserveJob(OutcomeAckFailed)
		fields := []zap.Field{zap.Error(err)}
		var ackErr *crawler.AckError
		if errors.As(err, &ackErr) {
			fields = append(fields, zap.Int("status", ackErr.Status), zap.String("body", ackErr.Body))
		}
		logger.Error("ack failed", fields...)
		return OutcomeAckFailed
	}
	metrics.ObserveCompletionStep("ack", metrics.ResultOK)
	metrics.ObserveJob(OutcomeCompleted)
	logger.Info("job completed", zap.Int("links", len(unit.Result.Links)), zap.Bool("partial", unit.Result.TimedOut))

	p.notify(ctx, logger, unit)
	return OutcomeCompleted
}

func (p *Pipeline) notify(ctx context.Context, logger *zap.Logger, unit crawler.CompletionUnit) {
	if p.notifier == nil || p.cfg.NotifyTopic == "" {
		return
	}
	var now time.Time
	if p.clock != nil {
		now = p.clock.Now().UTC()
	}
	event := PageCompleted{
		URL:         unit.Job.URL,
		JobID:       unit.Job.JobID,
		CrawlID:     unit.Job.CrawlID,
		Links:       len(unit.Result.Links),
		Bytes:       len(unit.Result.HTML),
		Partial:     unit.Result.TimedOut,
		CompletedAt: now,
	}
	if _, err := p.notifier.Publish(ctx, p.cfg.NotifyTopic, event); err != nil {
		metrics.ObserveCompletionStep("notify", metrics.ResultError)
		logger.Warn("completion notification failed", zap.Error(err))
		return
	}
	metrics.ObserveCompletionStep("notify", metrics.ResultOK)
}

// Drain waits for every dispatched completion or for ctx to end.
func (p *Pipeline) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain completions: %d still running: %w", p.InFlight(), ctx.Err())
	}
}

// InFlight reports how many completions are running.
func (p *Pipeline) InFlight() int {
	return int(p.inFlight.Load())
}
