// Package api provides the HTTP surface of boopd: the websocket endpoint
// that hands accepted connections to sessions, health and metrics endpoints,
// and an admin trigger for the janitor.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/boopnet/boopd/internal/auth"
	"github.com/boopnet/boopd/internal/janitor"
	"github.com/boopnet/boopd/internal/session"
	"github.com/boopnet/boopd/internal/store"
)

// Server carries the handlers' dependencies.
type Server struct {
	Connector store.Connector
	Tokens    session.TokenSource
	Janitor   *janitor.Janitor
	Conns     *ConnLimiter

	// AdminAPIKey gates the admin endpoints when non-empty.
	AdminAPIKey string

	// AllowedOrigins is passed to both CORS and the websocket accept.
	// Empty allows any origin (dev).
	AllowedOrigins []string

	// SessionFlushTimeout bounds each session's shutdown flush.
	SessionFlushTimeout time.Duration

	// HealthCheckers are probed by the readiness endpoint, keyed by name.
	HealthCheckers map[string]HealthChecker
}

// NewRouter builds the chi router with the standard middleware chain.
func NewRouter(s *Server) http.Handler {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowAll(s.AllowedOrigins),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))
	r.Use(securityHeaders)
	r.Use(RequestID)
	r.Use(RequestLogger)

	r.Get("/ws", s.HandleWS)
	r.Get("/health", s.HandleHealthLive)
	r.Get("/health/live", s.HandleHealthLive)
	r.Get("/health/ready", s.HandleHealthReady)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/admin", func(r chi.Router) {
		r.Use(auth.APIKey(s.AdminAPIKey))
		r.Post("/janitor/run", s.HandleJanitorRun)
	})

	return r
}

func allowAll(origins []string) []string {
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

// securityHeaders sets the baseline response headers on every request.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		next.ServeHTTP(w, r)
	})
}

// HandleJanitorRun triggers a manual sweep and reports what it removed.
func (s *Server) HandleJanitorRun(w http.ResponseWriter, r *http.Request) {
	if s.Janitor == nil {
		errorJSON(w, "janitor not configured", http.StatusServiceUnavailable)
		return
	}
	removed, err := s.Janitor.Sweep(r.Context())
	if err != nil {
		slog.Error("manual janitor run failed", "error", err)
		errorJSON(w, "sweep failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}

// errorJSON writes a structured JSON error response.
func errorJSON(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
