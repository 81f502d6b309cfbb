package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/skynetops/control/pkg/gateway"
	"github.com/skynetops/control/pkg/log"
	"github.com/skynetops/control/pkg/metrics"
	"github.com/skynetops/control/pkg/queue"
	"github.com/skynetops/control/pkg/registry"
)

// Config holds the API server's tunables
type Config struct {
	// APIKey, when non-empty, is required on every protected endpoint via
	// X-API-Key or Authorization: Bearer
	APIKey string

	// RatePerMinute is the per-IP request budget for protected endpoints
	RatePerMinute int

	// Version is reported by the health endpoint
	Version string
}

// Server exposes the control plane's JSON API under /v1
type Server struct {
	cfg      Config
	queue    *queue.Queue
	registry *registry.Registry
	client   *gateway.Client
	logger   zerolog.Logger
	http     *http.Server
}

// NewServer creates an API server
func NewServer(cfg Config, q *queue.Queue, reg *registry.Registry, client *gateway.Client) *Server {
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = 120
	}
	return &Server{
		cfg:      cfg,
		queue:    q,
		registry: reg,
		client:   client,
		logger:   log.WithComponent("api"),
	}
}

// Handler builds the route table. Exposed separately so tests can drive the
// server through httptest without binding a port.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Unprotected surfaces
	mux.HandleFunc("GET /v1/health", s.handleHealth)
	mux.HandleFunc("GET /v1/ready", metrics.ReadyHandler())
	mux.Handle("GET /metrics", metrics.Handler())

	protected := http.NewServeMux()
	protected.HandleFunc("POST /v1/register-gateway", s.handleRegisterGateway)
	protected.HandleFunc("POST /v1/register-worker", s.handleRegisterWorker)
	protected.HandleFunc("POST /v1/route-task", s.handleRouteTask)
	protected.HandleFunc("GET /v1/system-state", s.handleSystemState)
	protected.HandleFunc("POST /v1/tasks/enqueue", s.handleEnqueue)
	protected.HandleFunc("POST /v1/tasks/claim", s.handleClaim)
	protected.HandleFunc("GET /v1/tasks/next", s.handleNextTask)
	protected.HandleFunc("POST /v1/tasks/{id}/start", s.handleStart)
	protected.HandleFunc("POST /v1/tasks/{id}/complete", s.handleComplete)
	protected.HandleFunc("POST /v1/tasks/{id}/release", s.handleRelease)
	protected.HandleFunc("GET /v1/tasks", s.handleListTasks)
	protected.HandleFunc("GET /v1/file-ownership", s.handleOwnership)
	protected.HandleFunc("POST /v1/file-ownership/claim", s.handleClaimFile)
	protected.HandleFunc("GET /v1/agents", s.handleAgents)
	protected.HandleFunc("GET /v1/events", s.handleEvents)

	mid := newMiddleware(s.cfg.APIKey, s.cfg.RatePerMinute)
	mux.Handle("/v1/", mid.wrap(protected))

	return instrumented(mux)
}

// Start begins serving on addr. Blocks until the server stops.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info().Str("addr", addr).Msg("API listening")

	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully shuts the server down
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	metrics.SetVersion(s.cfg.Version)
	metrics.HealthHandler()(w, r)
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a conventional JSON error body
func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"error": msg})
}

// decodeBody decodes a JSON request body into v
func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	return dec.Decode(v)
}
