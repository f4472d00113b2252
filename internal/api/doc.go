// Package api hosts the HTTP server, middleware, and REST handlers for
// submitting and inspecting icon batches. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/batches to submit identifiers. Batches wait in a bounded queue
//     and at most server.max_active_batches run at once; a full queue yields 503.
//   - GET /v1/batches and /v1/batches/{id} for progress persisted by the
//     progress store sink.
//   - GET /v1/batches/{id}/result and POST /v1/batches/{id}/cancel.
//   - GET /v1/icons/{hash} for committed icon bytes.
package api
