/*
Package gateway implements the HTTP client the control plane uses to talk to
remote execution gateways.

A gateway exposes GET /status, POST /action, and optionally GET /sessions,
all JSON. The client is deliberately thin: per-request timeouts, no retries,
and no response interpretation beyond the status/result/error envelope.
*/
package gateway
