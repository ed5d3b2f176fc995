package server

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/render-queue-worker/internal/completion"
	"github.com/JakeFAU/render-queue-worker/internal/config"
	memorypublisher "github.com/JakeFAU/render-queue-worker/internal/publisher/memory"
	queueMemory "github.com/JakeFAU/render-queue-worker/internal/queue/memory"
	"github.com/JakeFAU/render-queue-worker/internal/worker"
)

func localConfig(seeds ...string) config.Config {
	return config.Config{
		Telemetry: config.TelemetryConfig{ServiceName: "render-worker-test"},
		Queue: config.QueueConfig{
			Backend:          config.BackendMemory,
			Scheme:           "job",
			CrawlID:          "crawl-1",
			PublishBatchSize: 10,
			Timeout:          5 * time.Second,
			SeedURLs:         seeds,
		},
		Store: config.StoreConfig{Backend: config.BackendMemory, Prefix: "pages"},
		Worker: config.WorkerConfig{
			ID:                     "test-worker",
			EmptyBackoff:           10 * time.Millisecond,
			MaxInflightCompletions: 4,
			CompletionTimeout:      5 * time.Second,
			DrainTimeout:           5 * time.Second,
			PublishLinks:           true,
			AckPolicy:              "require_save",
		},
		Render: config.RenderConfig{
			Engine:      config.EngineStatic,
			IdleTimeout: time.Second,
			NavTimeout:  5 * time.Second,
		},
	}
}

func TestAppRendersSeedJobsEndToEnd(t *testing.T) {
	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body><a href="/next">next</a><a href="https://other.example/x">x</a></body></html>`)
	}))
	defer site.Close()

	cfg := localConfig(site.URL + "/start")
	cfg.Notify = config.NotifyConfig{Backend: config.BackendMemory, Topic: "pages"}
	app, err := Build(context.Background(), cfg)
	require.NoError(t, err)

	q, ok := app.queue.(*queueMemory.Queue)
	require.True(t, ok)
	notes, ok := app.notifier.(*memorypublisher.Publisher)
	require.True(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	require.Eventually(t, func() bool { return len(q.Acked()) == 1 }, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{site.URL + "/next", "https://other.example/x"}, q.Published("crawl-1"))
	require.Eventually(t, func() bool { return len(notes.MessagesFor("pages")) == 1 }, 5*time.Second, 10*time.Millisecond)
	var event completion.PageCompleted
	require.NoError(t, notes.MessagesFor("pages")[0].Decode(&event))
	require.Equal(t, site.URL+"/start", event.URL)
	require.Equal(t, 2, event.Links)
	require.Equal(t, worker.StateRunning, app.worker.State())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("app did not stop")
	}
	require.Equal(t, worker.StateStopped, app.worker.State())
}

func TestAppJobSchemeDefaultsDoNotPublishLinks(t *testing.T) {
	var (
		mu     sync.Mutex
		calls  []string
		served bool
	)
	var site *httptest.Server
	site = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls = append(calls, r.Method+" "+r.URL.Path)
		first := !served
		if r.Method == http.MethodGet && r.URL.Path == "/job" {
			served = true
		}
		mu.Unlock()

		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/job":
			w.Header().Set("Content-Type", "application/json")
			if !first {
				fmt.Fprint(w, `[]`)
				return
			}
			fmt.Fprintf(w, `[{"url":%q,"page_id":"p1","crawl_id":"c1","delete_id":"d1"}]`, site.URL+"/site")
		case r.Method == http.MethodGet && r.URL.Path == "/site":
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprint(w, `<html><body><a href="/next">next</a></body></html>`)
		case r.Method == http.MethodPut && r.URL.Path == "/page/p1":
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodDelete && r.URL.Path == "/crawl/c1/job/d1":
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer site.Close()

	t.Setenv("CRAWLER_QUEUE_BASE_URL", site.URL)
	t.Setenv("CRAWLER_RENDER_ENGINE", config.EngineStatic)
	t.Setenv("CRAWLER_SERVER_PORT", "0")
	t.Setenv("CRAWLER_WORKER_EMPTY_BACKOFF", "10ms")
	cfg, err := config.Load("")
	require.NoError(t, err)
	require.False(t, cfg.Worker.PublishLinks)

	app, err := Build(context.Background(), cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	seen := func(call string) bool {
		mu.Lock()
		defer mu.Unlock()
		for _, c := range calls {
			if c == call {
				return true
			}
		}
		return false
	}
	require.Eventually(t, func() bool { return seen("DELETE /crawl/c1/job/d1") }, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("app did not stop")
	}

	require.True(t, seen("PUT /page/p1"))
	mu.Lock()
	defer mu.Unlock()
	for _, c := range calls {
		require.NotContains(t, c, "POST", "job scheme must not post discovered links")
	}
}

func TestRenderEngineConfigCarriesSandboxFlag(t *testing.T) {
	t.Parallel()

	rc := config.RenderConfig{
		Engine:      config.EngineRod,
		Headless:    true,
		NoSandbox:   true,
		BrowserPath: "/usr/bin/chromium",
		UserAgent:   "render-worker",
		NavTimeout:  3 * time.Second,
		IdleTimeout: time.Second,
	}

	rod := rodConfig(rc)
	require.True(t, rod.NoSandbox)
	require.True(t, rod.Headless)
	require.Equal(t, "/usr/bin/chromium", rod.BrowserBin)
	require.Equal(t, 3*time.Second, rod.NavTimeout)

	cdp := chromedpConfig(rc)
	require.True(t, cdp.NoSandbox)
	require.Equal(t, "/usr/bin/chromium", cdp.ExecPath)
	require.Equal(t, "render-worker", cdp.UserAgent)

	rc.NoSandbox = false
	require.False(t, rodConfig(rc).NoSandbox)
	require.False(t, chromedpConfig(rc).NoSandbox)
}

func TestBuildRejectsBadBackends(t *testing.T) {
	t.Parallel()

	cfg := localConfig()
	cfg.Store = config.StoreConfig{Backend: config.BackendLocal, BaseDir: ""}
	_, err := Build(context.Background(), cfg)
	require.Error(t, err)
	require.Contains(t, err.Error(), "local blob store init failed")

	cfg = localConfig()
	cfg.Queue.Backend = config.BackendHTTP
	cfg.Queue.BaseURL = ""
	_, err = Build(context.Background(), cfg)
	require.Error(t, err)
	require.Contains(t, err.Error(), "queue client init failed")
}

func TestBuildLocalStoreAndHTTPQueue(t *testing.T) {
	t.Parallel()

	cfg := localConfig()
	cfg.Queue.Backend = config.BackendHTTP
	cfg.Queue.BaseURL = "http://queue.invalid"
	cfg.Store = config.StoreConfig{Backend: config.BackendLocal, BaseDir: t.TempDir(), Prefix: "pages"}

	app, err := Build(context.Background(), cfg)
	require.NoError(t, err)
	require.NotNil(t, app.apiServer)
	require.NoError(t, app.Close(context.Background()))
}
