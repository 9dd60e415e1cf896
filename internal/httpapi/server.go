// Package httpapi is the HTTP control surface: session begin/end, the
// public moment view, and health. All responses are JSON and never cached.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stillhour/backend/internal/metrics"
	"github.com/stillhour/backend/internal/ratelimit"
	"github.com/stillhour/backend/internal/registry"
	"github.com/stillhour/backend/internal/session"
	"github.com/stillhour/backend/internal/store"
)

// Server owns the control-surface routes and their middleware.
type Server struct {
	sessions       *session.Manager
	registry       *registry.Registry
	store          store.Store
	apiLimiter     *ratelimit.Limiter
	metrics        *metrics.Metrics
	env            string
	allowedOrigins map[string]bool
}

// NewServer wires the control surface. metrics may be nil in tests.
func NewServer(sessions *session.Manager, reg *registry.Registry, st store.Store, apiLimiter *ratelimit.Limiter, m *metrics.Metrics, env string, allowedOrigins []string) *Server {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[strings.TrimSpace(o)] = true
	}
	return &Server{
		sessions:       sessions,
		registry:       reg,
		store:          st,
		apiLimiter:     apiLimiter,
		metrics:        m,
		env:            env,
		allowedOrigins: allowed,
	}
}

// Router builds the mux with all middleware installed.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.headersMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(loggingMiddleware)

	r.HandleFunc("/session/begin", s.rateLimited(s.handleSessionBegin)).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/session/end", s.rateLimited(s.handleSessionEnd)).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/moment/current", s.rateLimited(s.handleMomentCurrent)).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return r
}

// ============================================================================
// MIDDLEWARE
// ============================================================================

// headersMiddleware applies the no-store rule and the standard security
// header suite to every response.
func (s *Server) headersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Cache-Control", "no-store")
		h.Set("Content-Security-Policy", "default-src 'self'")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		if s.env == "production" {
			h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if s.env != "production" {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else if s.allowedOrigins[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// rateLimited applies the per-IP API limiter to a handler.
func (s *Server) rateLimited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next(w, r)
			return
		}
		res := s.apiLimiter.Check("api:" + clientIP(r))
		if !res.Allowed {
			if s.metrics != nil {
				s.metrics.RateLimitDenials.WithLabelValues("api").Inc()
			}
			w.Header().Set("Retry-After", strconv.Itoa(res.RetryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		next(w, r)
	}
}

// ============================================================================
// HELPERS
// ============================================================================

// clientIP prefers the first X-Forwarded-For hop, falling back to the peer
// address. The raw value is used only for rate-limit keys and keyed hashing.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"error":   code,
		"message": message,
	})
}
