// Package main hosts the news pipeline entrypoint.
//
// Architecture overview:
//   - Scheduler: submits a poll task for every active source on a fixed tick; per-source intervals are
//     enforced by the poller, and POST /v1/poll forces an immediate poll.
//   - Orchestrator: a fixed worker pool drains the task queue (in-memory or Redis). Each task kind has a retry
//     policy; transient and malformed failures are retried with delay, terminal ones are recorded as task
//     failures and listed by GET /v1/tasks/failed.
//   - Poll: feeds are parsed with gofeed; unseen entries are fingerprinted and stored as raw articles, then an
//     extract task is submitted.
//   - Extract: article pages are fetched with Colly under a per-host rate limit, optionally archived to the
//     blob store (memory/local/GCS), and reduced to text by readability and DOM strategies behind a length gate.
//   - Enrich: the model returns structured JSON that is parsed, repaired field by field, and stored as exactly one
//     AI article per raw article, then a fanout task is submitted.
//   - Fanout: the public article view is published to the configured sinks (in-process broadcaster, Redis
//     pub/sub, Google Pub/Sub). GET /v1/events streams broadcaster events over SSE for this process only.
//
// Quick checklist:
//   - Configure env vars: NEWSPIPE_MODEL_API_KEY (required), NEWSPIPE_DB_DRIVER/NEWSPIPE_DB_DSN for Postgres,
//     NEWSPIPE_QUEUE_BACKEND and NEWSPIPE_REDIS_URL for Redis, NEWSPIPE_ARCHIVE_BACKEND for raw HTML archiving.
//     Sources are listed under `sources:` in the YAML config.
//   - Run locally: go run ./cmd/newspipe -config config.yaml
//   - The HTTP server listens on server.port (overridable via PORT) and drains workers on SIGTERM.
package main
