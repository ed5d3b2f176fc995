// Package server builds the worker's dependency graph from configuration and
// runs it until a shutdown signal arrives.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/render-queue-worker/internal/api"
	"github.com/JakeFAU/render-queue-worker/internal/clock/system"
	"github.com/JakeFAU/render-queue-worker/internal/completion"
	"github.com/JakeFAU/render-queue-worker/internal/config"
	"github.com/JakeFAU/render-queue-worker/internal/crawler"
	"github.com/JakeFAU/render-queue-worker/internal/hash/sha256"
	"github.com/JakeFAU/render-queue-worker/internal/id/uuid"
	"github.com/JakeFAU/render-queue-worker/internal/logging"
	"github.com/JakeFAU/render-queue-worker/internal/policy/ratelimit"
	"github.com/JakeFAU/render-queue-worker/internal/prefetch"
	memorypublisher "github.com/JakeFAU/render-queue-worker/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/render-queue-worker/internal/publisher/pubsub"
	"github.com/JakeFAU/render-queue-worker/internal/queue/httpqueue"
	queueMemory "github.com/JakeFAU/render-queue-worker/internal/queue/memory"
	chromedprender "github.com/JakeFAU/render-queue-worker/internal/render/chromedp"
	rodrender "github.com/JakeFAU/render-queue-worker/internal/render/rod"
	staticrender "github.com/JakeFAU/render-queue-worker/internal/render/static"
	"github.com/JakeFAU/render-queue-worker/internal/storage/blob"
	gcsstorage "github.com/JakeFAU/render-queue-worker/internal/storage/gcs"
	"github.com/JakeFAU/render-queue-worker/internal/storage/httpstore"
	localstorage "github.com/JakeFAU/render-queue-worker/internal/storage/local"
	memoryStorage "github.com/JakeFAU/render-queue-worker/internal/storage/memory"
	pgstore "github.com/JakeFAU/render-queue-worker/internal/storage/postgres"
	"github.com/JakeFAU/render-queue-worker/internal/telemetry"
	"github.com/JakeFAU/render-queue-worker/internal/transport"
	"github.com/JakeFAU/render-queue-worker/internal/worker"
)

const (
	serverShutdownTimeout = 10 * time.Second
	closeTimeout          = 10 * time.Second
)

// App contains the application's dependencies.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	workerID string

	queue     crawler.QueueClient
	store     crawler.ContentStore
	renderer  crawler.Renderer
	notifier  crawler.Publisher
	pipeline  *completion.Pipeline
	buffer    *prefetch.Buffer
	worker    *worker.Worker
	apiServer *api.Server

	closers        []closer
	tracerShutdown func(context.Context) error
}

type closer struct {
	name string
	fn   func() error
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	workerID := cfg.Worker.ID
	if workerID == "" {
		id, err := uuid.New().WorkerID()
		if err != nil {
			return nil, fmt.Errorf("worker id: %w", err)
		}
		workerID = id
	}

	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Service:     cfg.Telemetry.ServiceName,
		WorkerID:    workerID,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app := &App{cfg: cfg, logger: logger, workerID: workerID}
	if err := app.build(ctx); err != nil {
		if app.renderer != nil && app.worker == nil {
			closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
			_ = app.renderer.Close(closeCtx)
			cancel()
		}
		app.closeInfrastructure()
		if app.tracerShutdown != nil {
			_ = app.tracerShutdown(context.Background())
		}
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	tp, err := telemetry.InitTracerProvider(ctx, a.cfg.Telemetry.ServiceName, a.workerID)
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}
	a.tracerShutdown = tp.Shutdown

	httpClient := transport.New(transport.Config{
		Timeout:     a.cfg.Queue.Timeout,
		HeaderName:  a.cfg.Auth.HeaderName,
		HeaderValue: a.cfg.Auth.HeaderValue,
	})
	hasher := sha256.New()
	clock := system.New()

	if a.queue, err = a.setupQueue(httpClient, hasher); err != nil {
		return err
	}
	if a.store, err = a.setupStore(ctx, httpClient, hasher); err != nil {
		return err
	}
	if a.renderer, err = a.setupRenderer(); err != nil {
		return err
	}
	if a.cfg.Render.DomainQPS > 0 {
		a.renderer = ratelimit.Wrap(a.renderer, ratelimit.New(ratelimit.Config{PerHostQPS: a.cfg.Render.DomainQPS}))
		a.logger.Info("per-host render throttle enabled", zap.Float64("qps", a.cfg.Render.DomainQPS))
	}
	notifier, err := a.setupNotifier(ctx)
	if err != nil {
		return err
	}

	a.pipeline = completion.New(a.queue, a.store, notifier, clock, completion.Config{
		AckPolicy:    crawler.AckPolicy(a.cfg.Worker.AckPolicy),
		PublishLinks: a.cfg.Worker.PublishLinks,
		MaxInFlight:  a.cfg.Worker.MaxInflightCompletions,
		UnitTimeout:  a.cfg.Worker.CompletionTimeout,
		NotifyTopic:  a.cfg.Notify.Topic,
	}, a.logger.Named("completion"))
	a.buffer = prefetch.New(a.queue, a.logger.Named("prefetch"))
	a.worker = worker.New(a.buffer, a.renderer, a.pipeline, clock, worker.Config{
		ID:           a.workerID,
		EmptyBackoff: a.cfg.Worker.EmptyBackoff,
		DrainTimeout: a.cfg.Worker.DrainTimeout,
	}, a.logger.Named("worker"))
	a.apiServer = api.NewServer(a.worker, a.logger.Named("api"))

	a.logger.Info("worker built",
		zap.String("queue_backend", a.cfg.Queue.Backend),
		zap.String("queue_scheme", a.cfg.Queue.Scheme),
		zap.String("store_backend", a.cfg.Store.Backend),
		zap.String("render_engine", a.cfg.Render.Engine),
		zap.String("ack_policy", a.cfg.Worker.AckPolicy),
		zap.Bool("publish_links", a.cfg.Worker.PublishLinks),
		zap.Int("max_inflight_completions", a.cfg.Worker.MaxInflightCompletions),
	)
	return nil
}

func (a *App) setupQueue(httpClient *http.Client, hasher crawler.Hasher) (crawler.QueueClient, error) {
	if a.cfg.Queue.Backend == config.BackendMemory {
		jobs := make([]crawler.JobDescriptor, 0, len(a.cfg.Queue.SeedURLs))
		for _, u := range a.cfg.Queue.SeedURLs {
			id, err := hasher.Hash([]byte(u))
			if err != nil {
				return nil, fmt.Errorf("seed job id: %w", err)
			}
			jobs = append(jobs, crawler.JobDescriptor{URL: u, JobID: id, CrawlID: a.cfg.Queue.CrawlID, DeleteToken: id})
		}
		a.logger.Info("using in-memory queue", zap.Int("seed_jobs", len(jobs)))
		return queueMemory.NewQueue(jobs...), nil
	}
	client, err := httpqueue.New(httpqueue.Config{
		BaseURL:          a.cfg.Queue.BaseURL,
		Scheme:           httpqueue.Scheme(a.cfg.Queue.Scheme),
		CrawlID:          a.cfg.Queue.CrawlID,
		PublishBatchSize: a.cfg.Queue.PublishBatchSize,
	}, httpClient, a.logger.Named("queue"))
	if err != nil {
		return nil, fmt.Errorf("queue client init failed: %w", err)
	}
	a.logger.Info("using http queue", zap.String("base_url", a.cfg.Queue.BaseURL))
	return client, nil
}

func (a *App) setupStore(ctx context.Context, httpClient *http.Client, hasher crawler.Hasher) (crawler.ContentStore, error) {
	sc := a.cfg.Store
	var blobs crawler.BlobStore
	switch sc.Backend {
	case config.BackendHTTP:
		s, err := httpstore.New(httpstore.Config{BaseURL: sc.BaseURL, Scheme: httpstore.Scheme(sc.Scheme)}, httpClient, a.logger.Named("store"))
		if err != nil {
			return nil, fmt.Errorf("http store init failed: %w", err)
		}
		a.logger.Info("using http content store", zap.String("base_url", sc.BaseURL), zap.String("scheme", sc.Scheme))
		return s, nil
	case config.BackendPostgres:
		s, err := pgstore.NewPageStore(ctx, pgstore.PageStoreConfig{DSN: sc.DSN, Table: sc.Table}, hasher)
		if err != nil {
			return nil, fmt.Errorf("postgres store init failed: %w", err)
		}
		a.addCloser("postgres", func() error { s.Close(); return nil })
		a.logger.Info("using postgres content store", zap.String("table", sc.Table))
		return s, nil
	case config.BackendGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		gcs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: sc.Bucket})
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.addCloser("gcs", gcs.Close)
		blobs = gcs
		a.logger.Info("using GCS content store", zap.String("bucket", sc.Bucket))
	case config.BackendLocal:
		local, err := localstorage.New(localstorage.Config{BaseDir: sc.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.addCloser("local", local.Close)
		blobs = local
		a.logger.Info("using local content store", zap.String("path", sc.BaseDir))
	default:
		blobs = memoryStorage.NewBlobStore()
		a.logger.Info("using in-memory content store")
	}
	s, err := blob.New(blobs, hasher, blob.Config{Prefix: sc.Prefix}, a.logger.Named("store"))
	if err != nil {
		return nil, fmt.Errorf("blob content store init failed: %w", err)
	}
	return s, nil
}

func (a *App) setupRenderer() (crawler.Renderer, error) {
	rc := a.cfg.Render
	switch rc.Engine {
	case config.EngineRod:
		r, err := rodrender.New(rodConfig(rc), a.logger.Named("render"))
		if err != nil {
			return nil, fmt.Errorf("rod renderer init failed: %w", err)
		}
		return r, nil
	case config.EngineStatic:
		return staticrender.New(staticrender.Config{UserAgent: rc.UserAgent, Timeout: rc.NavTimeout}), nil
	default:
		r, err := chromedprender.New(chromedpConfig(rc), a.logger.Named("render"))
		if err != nil {
			return nil, fmt.Errorf("chromedp renderer init failed: %w", err)
		}
		return r, nil
	}
}

func rodConfig(rc config.RenderConfig) rodrender.Config {
	return rodrender.Config{
		Headless:    rc.Headless,
		NoSandbox:   rc.NoSandbox,
		BrowserBin:  rc.BrowserPath,
		UserAgent:   rc.UserAgent,
		NavTimeout:  rc.NavTimeout,
		IdleTimeout: rc.IdleTimeout,
	}
}

func chromedpConfig(rc config.RenderConfig) chromedprender.Config {
	return chromedprender.Config{
		Headless:    rc.Headless,
		NoSandbox:   rc.NoSandbox,
		UserAgent:   rc.UserAgent,
		NavTimeout:  rc.NavTimeout,
		IdleTimeout: rc.IdleTimeout,
		ExecPath:    rc.BrowserPath,
	}
}

func (a *App) setupNotifier(ctx context.Context) (crawler.Publisher, error) {
	if a.cfg.Notify.Topic == "" {
		a.logger.Info("page notifications disabled")
		return nil, nil
	}
	if a.cfg.Notify.Backend == config.BackendMemory {
		pub := memorypublisher.New()
		a.addCloser("notifier", pub.Close)
		a.notifier = pub
		a.logger.Info("using in-memory notifier", zap.String("topic", a.cfg.Notify.Topic))
		return pub, nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.Notify.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	pub, err := gcppublisher.Dial(ctx, client, a.cfg.Notify.Topic)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.addCloser("pubsub", pub.Close)
	a.notifier = pub
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.Notify.ProjectID),
		zap.String("topic", a.cfg.Notify.Topic),
	)
	return pub, nil
}

func (a *App) addCloser(name string, fn func() error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// Run starts the worker and the admin server and blocks until SIGINT, SIGTERM
// or ctx cancellation, then shuts everything down.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var srv *http.Server
	if a.cfg.Server.Port > 0 {
		srv = &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
			Handler:           a.apiServer.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			a.logger.Info("admin server started", zap.Int("port", a.cfg.Server.Port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("admin server error", zap.Error(err))
				stop()
			}
		}()
	}

	runErr := a.worker.Run(ctx)
	a.logger.Info("shutdown initiated")

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("admin server shutdown error", zap.Error(err))
		}
		cancel()
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	return errors.Join(runErr, a.Close(closeCtx))
}

// Close releases infrastructure clients. It does not stop a running worker.
func (a *App) Close(ctx context.Context) error {
	if a.worker != nil {
		if err := a.worker.Close(ctx); err != nil {
			a.logger.Warn("renderer close failed", zap.Error(err))
		}
	}
	a.closeInfrastructure()
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(); err != nil {
			a.logger.Warn("close failed", zap.String("component", c.name), zap.Error(err))
		}
	}
	a.closers = nil
}
