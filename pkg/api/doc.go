/*
Package api exposes the control plane's JSON API under the /v1 prefix.

The surface covers gateway and worker registration, one-shot task routing,
the task queue operations (enqueue, claim, start, complete, release), and
the read model (task lists, events, file ownership, active assignments).
Protected endpoints require the configured static API key and sit behind a
per-IP rate limit; health, readiness, and Prometheus metrics stay open.

Errors follow conventional status codes: 400 for validation and guard
failures, 401 for auth, 404 for missing lookups, 429 for rate limiting, 503
when no gateway is healthy, and 502 when the gateway itself errored.
*/
package api
