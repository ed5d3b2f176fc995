// Package config loads and validates worker configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/render-queue-worker/internal/crawler"
)

// Config captures all worker configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Store     StoreConfig     `mapstructure:"store"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Render    RenderConfig    `mapstructure:"render"`
	Notify    NotifyConfig    `mapstructure:"notify"`
}

// ServerConfig controls the admin HTTP server. Port 0 disables it.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// TelemetryConfig names the service in traces.
type TelemetryConfig struct {
	ServiceName string `mapstructure:"service_name"`
}

// AuthConfig is the header attached to every queue and store request.
// Both fields must be set for the header to be sent.
type AuthConfig struct {
	HeaderName  string `mapstructure:"header_name"`
	HeaderValue string `mapstructure:"header_value"`
}

// QueueConfig points the worker at the job queue.
type QueueConfig struct {
	Backend          string        `mapstructure:"backend"`
	BaseURL          string        `mapstructure:"base_url"`
	Scheme           string        `mapstructure:"scheme"`
	CrawlID          string        `mapstructure:"crawl_id"`
	PublishBatchSize int           `mapstructure:"publish_batch_size"`
	Timeout          time.Duration `mapstructure:"timeout"`
	SeedURLs         []string      `mapstructure:"seed_urls"`
}

// StoreConfig selects and configures the content store backend.
type StoreConfig struct {
	Backend string `mapstructure:"backend"`
	BaseURL string `mapstructure:"base_url"`
	Scheme  string `mapstructure:"scheme"`
	Bucket  string `mapstructure:"bucket"`
	BaseDir string `mapstructure:"base_dir"`
	Prefix  string `mapstructure:"prefix"`
	DSN     string `mapstructure:"dsn"`
	Table   string `mapstructure:"table"`
}

// WorkerConfig governs the render loop and completion pipeline.
type WorkerConfig struct {
	ID                     string        `mapstructure:"id"`
	EmptyBackoff           time.Duration `mapstructure:"empty_backoff"`
	MaxInflightCompletions int           `mapstructure:"max_inflight_completions"`
	CompletionTimeout      time.Duration `mapstructure:"completion_timeout"`
	DrainTimeout           time.Duration `mapstructure:"drain_timeout"`
	PublishLinks           bool          `mapstructure:"publish_links"`
	AckPolicy              string        `mapstructure:"ack_policy"`
}

// RenderConfig configures the page renderer.
type RenderConfig struct {
	Engine      string        `mapstructure:"engine"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
	NavTimeout  time.Duration `mapstructure:"nav_timeout"`
	UserAgent   string        `mapstructure:"user_agent"`
	DomainQPS   float64       `mapstructure:"domain_qps"`
	Headless    bool          `mapstructure:"headless"`
	BrowserPath string        `mapstructure:"browser_path"`
	NoSandbox   bool          `mapstructure:"no_sandbox"`
}

// NotifyConfig enables page-completed notifications. Backend is pubsub or
// memory; notifications are off while Topic is empty.
type NotifyConfig struct {
	Backend   string `mapstructure:"backend"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// Supported backend and engine names.
const (
	BackendHTTP     = "http"
	BackendMemory   = "memory"
	BackendGCS      = "gcs"
	BackendLocal    = "local"
	BackendPostgres = "postgres"
	BackendPubSub   = "pubsub"

	EngineChromedp = "chromedp"
	EngineRod      = "rod"
	EngineStatic   = "static"
)

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Store.BaseURL == "" {
		cfg.Store.BaseURL = cfg.Queue.BaseURL
	}
	if !v.IsSet("worker.publish_links") {
		// Only the message scheme has a link endpoint.
		cfg.Worker.PublishLinks = cfg.Queue.Scheme == "message"
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("telemetry.service_name", "render-worker")
	v.SetDefault("auth.header_name", "")
	v.SetDefault("auth.header_value", "")
	v.SetDefault("queue.backend", BackendHTTP)
	v.SetDefault("queue.base_url", "")
	v.SetDefault("queue.scheme", "job")
	v.SetDefault("queue.crawl_id", "")
	v.SetDefault("queue.publish_batch_size", 10)
	v.SetDefault("queue.timeout", 30*time.Second)
	v.SetDefault("queue.seed_urls", []string{})
	v.SetDefault("store.backend", BackendHTTP)
	v.SetDefault("store.base_url", "")
	v.SetDefault("store.scheme", "page")
	v.SetDefault("store.bucket", "")
	v.SetDefault("store.base_dir", "pages")
	v.SetDefault("store.prefix", "pages")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.table", "pages")
	v.SetDefault("worker.id", "")
	v.SetDefault("worker.empty_backoff", 5*time.Second)
	v.SetDefault("worker.max_inflight_completions", 16)
	v.SetDefault("worker.completion_timeout", 60*time.Second)
	v.SetDefault("worker.drain_timeout", 30*time.Second)
	// No default: link publishing follows the queue scheme unless set.
	_ = v.BindEnv("worker.publish_links")
	v.SetDefault("worker.ack_policy", string(crawler.AckRequireSave))
	v.SetDefault("render.engine", EngineChromedp)
	v.SetDefault("render.idle_timeout", 5*time.Second)
	v.SetDefault("render.nav_timeout", 30*time.Second)
	v.SetDefault("render.user_agent", "")
	v.SetDefault("render.domain_qps", 0.0)
	v.SetDefault("render.headless", true)
	v.SetDefault("render.browser_path", "")
	v.SetDefault("render.no_sandbox", false)
	v.SetDefault("notify.backend", BackendPubSub)
	v.SetDefault("notify.project_id", "")
	v.SetDefault("notify.topic", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port < 0 {
		return fmt.Errorf("server.port must be >= 0")
	}
	if err := c.validateQueue(); err != nil {
		return err
	}
	if err := c.validateStore(); err != nil {
		return err
	}
	if err := c.validateWorker(); err != nil {
		return err
	}
	if err := c.validateRender(); err != nil {
		return err
	}
	return c.validateNotify()
}

func (c Config) validateNotify() error {
	if c.Notify.Topic == "" {
		return nil
	}
	switch c.Notify.Backend {
	case BackendPubSub, "":
		if c.Notify.ProjectID == "" {
			return fmt.Errorf("notify.project_id must be set when notify.topic is set")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("notify.backend must be pubsub or memory (got %q)", c.Notify.Backend)
	}
	return nil
}

func (c Config) validateQueue() error {
	switch c.Queue.Backend {
	case BackendHTTP:
		if c.Queue.BaseURL == "" {
			return fmt.Errorf("queue.base_url is required")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("queue.backend must be one of http, memory (got %q)", c.Queue.Backend)
	}
	switch c.Queue.Scheme {
	case "job":
	case "message":
		if c.Queue.CrawlID == "" {
			return fmt.Errorf("queue.crawl_id is required for the message scheme")
		}
	default:
		return fmt.Errorf("queue.scheme must be job or message (got %q)", c.Queue.Scheme)
	}
	if c.Queue.PublishBatchSize <= 0 {
		return fmt.Errorf("queue.publish_batch_size must be > 0")
	}
	if c.Queue.Timeout <= 0 {
		return fmt.Errorf("queue.timeout must be > 0")
	}
	return nil
}

func (c Config) validateStore() error {
	switch c.Store.Backend {
	case BackendHTTP:
		if c.Store.BaseURL == "" {
			return fmt.Errorf("store.base_url (or queue.base_url) is required for the http store")
		}
		if c.Store.Scheme != "page" && c.Store.Scheme != "crawl" {
			return fmt.Errorf("store.scheme must be page or crawl (got %q)", c.Store.Scheme)
		}
	case BackendGCS:
		if c.Store.Bucket == "" {
			return fmt.Errorf("store.bucket is required for the gcs store")
		}
	case BackendLocal:
		if c.Store.BaseDir == "" {
			return fmt.Errorf("store.base_dir is required for the local store")
		}
	case BackendPostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres store")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("store.backend must be one of http, gcs, local, postgres, memory (got %q)", c.Store.Backend)
	}
	return nil
}

func (c Config) validateWorker() error {
	switch crawler.AckPolicy(c.Worker.AckPolicy) {
	case crawler.AckRequireSave, crawler.AckAlways:
	default:
		return fmt.Errorf("worker.ack_policy must be require_save or always (got %q)", c.Worker.AckPolicy)
	}
	if c.Worker.MaxInflightCompletions <= 0 {
		return fmt.Errorf("worker.max_inflight_completions must be > 0")
	}
	if c.Worker.EmptyBackoff <= 0 {
		return fmt.Errorf("worker.empty_backoff must be > 0")
	}
	if c.Worker.CompletionTimeout <= 0 {
		return fmt.Errorf("worker.completion_timeout must be > 0")
	}
	if c.Worker.DrainTimeout <= 0 {
		return fmt.Errorf("worker.drain_timeout must be > 0")
	}
	return nil
}

func (c Config) validateRender() error {
	switch c.Render.Engine {
	case EngineChromedp, EngineRod, EngineStatic:
	default:
		return fmt.Errorf("render.engine must be one of chromedp, rod, static (got %q)", c.Render.Engine)
	}
	if c.Render.IdleTimeout <= 0 {
		return fmt.Errorf("render.idle_timeout must be > 0")
	}
	if c.Render.NavTimeout <= 0 {
		return fmt.Errorf("render.nav_timeout must be > 0")
	}
	if c.Render.DomainQPS < 0 {
		return fmt.Errorf("render.domain_qps must be >= 0")
	}
	return nil
}
