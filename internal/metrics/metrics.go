// Package metrics exposes Prometheus collectors for the render worker.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	workerJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_jobs_total",
			Help: "Total number of jobs taken off the queue, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	queueFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_queue_fetches_total",
			Help: "Total number of queue fetch calls, labeled by requested size and result.",
		},
		[]string{"size", "result"},
	)

	prefetchBuffered = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "worker_prefetch_buffered",
			Help: "Number of job descriptors waiting in the prefetch buffer.",
		},
	)

	renderDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "worker_render_duration_seconds",
			Help:    "Histogram of page render latencies, labeled by site and outcome.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40},
		},
		[]string{"site", "outcome"},
	)

	renderBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_render_bytes_total",
			Help: "Total number of rendered HTML bytes, labeled by site.",
		},
		[]string{"site"},
	)

	completionsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "worker_completions_in_flight",
			Help: "Number of completion pipelines currently running.",
		},
	)

	completionStepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_completion_steps_total",
			Help: "Total completion pipeline steps, labeled by step (save, ack, notify) and result.",
		},
		[]string{"step", "result"},
	)

	linksPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_links_published_total",
			Help: "Total number of discovered links submitted to the queue, labeled by result.",
		},
		[]string{"result"},
	)

	rateLimitDelaySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "worker_rate_limit_delay_seconds",
			Help:    "Time renders spent waiting on the per-host rate limiter.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"site"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of admin HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of admin HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)
)

// Result labels shared by the Observe helpers.
const (
	ResultOK      = "ok"
	ResultError   = "error"
	ResultEmpty   = "empty"
	ResultSkipped = "skipped"
)

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveJob records the final outcome of one dequeued job.
func ObserveJob(outcome string) {
	workerJobsTotal.WithLabelValues(outcome).Inc()
}

// ObserveQueueFetch records one queue fetch call.
func ObserveQueueFetch(size int, result string) {
	queueFetchesTotal.WithLabelValues(strconv.Itoa(size), result).Inc()
}

// SetPrefetchBuffered reports the prefetch buffer length.
func SetPrefetchBuffered(n int) {
	prefetchBuffered.Set(float64(n))
}

// ObserveRender records a render attempt.
func ObserveRender(rawURL, outcome string, htmlBytes int, duration time.Duration) {
	site := SanitizeSite(rawURL)
	renderDurationSeconds.WithLabelValues(site, outcome).Observe(duration.Seconds())
	if htmlBytes > 0 {
		renderBytesTotal.WithLabelValues(site).Add(float64(htmlBytes))
	}
}

// IncCompletionsInFlight increments the in-flight completion gauge.
func IncCompletionsInFlight() {
	completionsInFlight.Inc()
}

// DecCompletionsInFlight decrements the in-flight completion gauge.
func DecCompletionsInFlight() {
	completionsInFlight.Dec()
}

// ObserveCompletionStep records the result of a save, ack or notify step.
func ObserveCompletionStep(step, result string) {
	completionStepsTotal.WithLabelValues(step, result).Inc()
}

// ObserveLinksPublished records link submission results.
func ObserveLinksPublished(published, failed int) {
	if published > 0 {
		linksPublishedTotal.WithLabelValues(ResultOK).Add(float64(published))
	}
	if failed > 0 {
		linksPublishedTotal.WithLabelValues(ResultError).Add(float64(failed))
	}
}

// ObserveRateLimitDelay records how long a render waited for its host budget.
func ObserveRateLimitDelay(host string, d time.Duration) {
	rateLimitDelaySeconds.WithLabelValues(host).Observe(d.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		ObserveHTTPRequest(r.Method, route, rec.statusCode, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}
