// Package api hosts the operational HTTP server. Notable routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/poll to force a poll of every active source (or ?source=id).
//   - POST /v1/raw-articles/{id}/reprocess to redo enrichment.
//   - GET /v1/tasks/failed for permanently failed tasks.
//   - GET /v1/events for server-sent events from the in-process broadcaster.
package api
