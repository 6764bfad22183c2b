// Package api hosts the HTTP server, middleware, and REST handlers for the
// aggregator. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/aggregate and /v1/discover to run the pipeline synchronously.
//   - GET /v1/runs and /v1/runs/{run_id}/... for recent run history.
package api
