// Package api hosts the ops HTTP server:
//   - GET /healthz and /readyz for liveness and store readiness probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/runs/last for the most recent scrape run summary.
package api
