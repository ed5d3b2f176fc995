// Package worker implements the render loop and its shutdown sequence.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/render-queue-worker/internal/crawler"
	"github.com/JakeFAU/render-queue-worker/internal/metrics"
	"github.com/JakeFAU/render-queue-worker/internal/telemetry"
)

// State is the lifecycle phase of a Worker.
type State string

// Lifecycle phases. Transitions only move forward.
const (
	StateRunning  State = "running"
	StateDraining State = "draining"
	StateStopped  State = "stopped"
)

// Defaults applied by New when the config leaves a field zero.
const (
	DefaultEmptyBackoff = 5 * time.Second
	DefaultDrainTimeout = 30 * time.Second

	rendererCloseTimeout = 10 * time.Second
)

// Source hands out the next job to render.
type Source interface {
	Next(ctx context.Context) (crawler.JobDescriptor, bool, error)
	Len() int
	Wait()
}

// Completer runs completions off the render path.
type Completer interface {
	Dispatch(ctx context.Context, unit crawler.CompletionUnit) error
	Drain(ctx context.Context) error
	InFlight() int
}

// Config controls Worker behavior.
type Config struct {
	ID           string
	EmptyBackoff time.Duration
	DrainTimeout time.Duration
}

// Status is a point-in-time view of the worker.
type Status struct {
	State    State  `json:"state"`
	Buffered int    `json:"buffered"`
	InFlight int    `json:"inflight"`
	WorkerID string `json:"worker_id"`
}

// Worker renders jobs one at a time and hands each result to the completion
// pipeline.
type Worker struct {
	source    Source
	renderer  crawler.Renderer
	completer Completer
	clock     crawler.Clock
	cfg       Config
	logger    *zap.Logger

	mu    sync.RWMutex
	state State

	closeOnce sync.Once
	closeErr  error
}

// New constructs a Worker.
func New(
	source Source,
	renderer crawler.Renderer,
	completer Completer,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.EmptyBackoff <= 0 {
		cfg.EmptyBackoff = DefaultEmptyBackoff
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		source:    source,
		renderer:  renderer,
		completer: completer,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
		state:     StateRunning,
	}
}

// Run blocks, rendering jobs until ctx is cancelled, then drains outstanding
// completions and closes the renderer. The returned error reports shutdown
// problems only.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started", zap.String("worker_id", w.cfg.ID))
	for ctx.Err() == nil {
		w.step(ctx)
	}
	return w.shutdown()
}

// State reports the current lifecycle phase.
func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// Status reports the lifecycle phase together with buffer and pipeline depth.
func (w *Worker) Status() Status {
	return Status{
		State:    w.State(),
		Buffered: w.source.Len(),
		InFlight: w.completer.InFlight(),
		WorkerID: w.cfg.ID,
	}
}

// Close releases the renderer. Only the first call reaches the renderer.
func (w *Worker) Close(ctx context.Context) error {
	w.closeOnce.Do(func() {
		w.closeErr = w.renderer.Close(ctx)
	})
	return w.closeErr
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = s
}

func (w *Worker) step(ctx context.Context) {
	job, ok, err := w.source.Next(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		w.logger.Error("queue unavailable", zap.Error(err))
		w.sleep(ctx)
		return
	}
	if !ok {
		w.logger.Info("no jobs available", zap.Duration("backoff", w.cfg.EmptyBackoff))
		w.sleep(ctx)
		return
	}
	w.handle(ctx, job)
}

func (w *Worker) handle(ctx context.Context, job crawler.JobDescriptor) {
	logger := w.logger.With(
		zap.String("url", job.URL),
		zap.String("job_id", job.JobID),
		zap.String("crawl_id", job.CrawlID),
	)

	// Renders run to completion even after a termination signal.
	renderCtx, span := telemetry.Tracer().Start(context.WithoutCancel(ctx), "render",
		trace.WithAttributes(
			attribute.String("url", job.URL),
			attribute.String("job_id", job.JobID),
		),
	)
	defer span.End()
	start := time.Now()
	result, err := w.renderer.Render(renderCtx, job.URL)
	elapsed := time.Since(start)

	switch {
	case err == nil && !result.TimedOut:
		metrics.ObserveRender(job.URL, metrics.ResultOK, len(result.HTML), elapsed)
	case err == nil || errors.Is(err, crawler.ErrRenderTimeout):
		result.TimedOut = true
		metrics.ObserveRender(job.URL, "timeout", len(result.HTML), elapsed)
		logger.Warn("page did not settle, using partial content", zap.Duration("elapsed", elapsed))
	default:
		metrics.ObserveRender(job.URL, metrics.ResultError, 0, elapsed)
		metrics.ObserveJob("render_failed")
		span.RecordError(err)
		span.SetStatus(codes.Error, "render failed")
		logger.Error("render failed", zap.Error(err))
		return
	}

	logger.Info(fmt.Sprintf("found %d links in page of size %d", len(result.Links), len(result.HTML)))

	unit := crawler.CompletionUnit{Job: job, Result: result}
	if err := w.completer.Dispatch(renderCtx, unit); err != nil {
		logger.Error("dispatch completion failed", zap.Error(err))
	}
}

func (w *Worker) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-w.clock.After(w.cfg.EmptyBackoff):
	}
}

func (w *Worker) shutdown() error {
	w.setState(StateDraining)
	w.logger.Info("worker draining", zap.Int("inflight", w.completer.InFlight()))

	w.source.Wait()

	drainCtx, cancel := context.WithTimeout(context.Background(), w.cfg.DrainTimeout)
	defer cancel()
	var errs []error
	if err := w.completer.Drain(drainCtx); err != nil {
		w.logger.Warn("completions did not finish before drain timeout", zap.Error(err))
		errs = append(errs, err)
	}
	closeCtx, cancelClose := context.WithTimeout(context.Background(), rendererCloseTimeout)
	defer cancelClose()
	if err := w.Close(closeCtx); err != nil {
		w.logger.Warn("renderer close failed", zap.Error(err))
		errs = append(errs, fmt.Errorf("close renderer: %w", err))
	}

	w.setState(StateStopped)
	w.logger.Info("worker stopped")
	return errors.Join(errs...)
}
