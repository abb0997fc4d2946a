// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/ingest to queue a single article URL.
//   - GET /v1/queue, /v1/queue/failed and /v1/queue/{id} to inspect the work
//     queue, and POST /v1/queue/{id}/retry to requeue an item.
package api
