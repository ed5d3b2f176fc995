// Package api hosts the admin HTTP server for a render worker. Routes:
//   - GET /healthz for liveness.
//   - GET /readyz reports 503 once the worker starts draining.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/status for the worker state, buffer depth and in-flight completions.
package api
