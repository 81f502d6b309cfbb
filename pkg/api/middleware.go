package api

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/skynetops/control/pkg/metrics"
)

// middleware enforces the static API key and the per-IP rate limit on
// protected endpoints
type middleware struct {
	apiKey       string
	ratePerMin   int
	mu           sync.Mutex
	rateLimiters map[string]*rate.Limiter
}

func newMiddleware(apiKey string, ratePerMin int) *middleware {
	return &middleware{
		apiKey:       apiKey,
		ratePerMin:   ratePerMin,
		rateLimiters: make(map[string]*rate.Limiter),
	}
}

func (m *middleware) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.authorized(r) {
			writeError(w, http.StatusUnauthorized, "invalid or missing API key")
			return
		}
		if !m.allow(clientIP(r)) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (m *middleware) authorized(r *http.Request) bool {
	if m.apiKey == "" {
		return true
	}
	if r.Header.Get("X-API-Key") == m.apiKey {
		return true
	}
	auth := r.Header.Get("Authorization")
	return strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == m.apiKey
}

// allow checks the per-IP token bucket, creating it on first sight. The
// bucket refills at the per-minute budget with a burst of the same size.
func (m *middleware) allow(ip string) bool {
	m.mu.Lock()
	limiter, ok := m.rateLimiters[ip]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(float64(m.ratePerMin)/60.0), m.ratePerMin)
		m.rateLimiters[ip] = limiter
	}
	m.mu.Unlock()

	return limiter.Allow()
}

// clientIP extracts the originating client address, honoring proxy headers
func clientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.Index(fwd, ","); idx >= 0 {
			return strings.TrimSpace(fwd[:idx])
		}
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// statusRecorder captures the response code for request metrics
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// instrumented counts every request by route pattern and status code
func instrumented(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)

		pattern := r.Pattern
		if pattern == "" {
			pattern = r.URL.Path
		}
		metrics.APIRequestsTotal.WithLabelValues(pattern, strconv.Itoa(rec.code)).Inc()
	})
}
