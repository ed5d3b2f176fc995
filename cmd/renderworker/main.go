// Package main runs a single render worker.
//
// The worker pulls jobs from the queue service through a small prefetch
// buffer, renders each page in a browser, and hands the result to a bounded
// completion pipeline that saves the page, publishes discovered links and
// acknowledges the job. SIGINT or SIGTERM stops the render loop, drains
// in-flight completions and closes the browser.
//
// Configure with a YAML file (-config) and CRAWLER_* environment overrides,
// for example CRAWLER_QUEUE_BASE_URL, CRAWLER_STORE_BACKEND or
// CRAWLER_RENDER_ENGINE.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/JakeFAU/render-queue-worker/internal/config"
	"github.com/JakeFAU/render-queue-worker/internal/server"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	app, err := server.Build(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build failed: %v\n", err)
		os.Exit(1)
	}

	if err := app.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "worker stopped with error: %v\n", err)
		os.Exit(1)
	}
}
