// Package rest serves the results log and pipeline metrics over HTTP.
package rest

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/api/rest/middleware"
	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/observability"
	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/results"
)

// Config holds the REST server configuration
type Config struct {
	Host           string
	Port           int
	RequestTimeout time.Duration
	CORSEnabled    bool
	CORSOrigins    []string
	Auth           middleware.AuthConfig
	RateLimit      middleware.RateLimitConfig
}

// Server represents the REST API server
type Server struct {
	config      Config
	handler     *Handler
	httpServer  *http.Server
	mux         *http.ServeMux
	rateLimiter *middleware.RateLimiter
	logger      *observability.Logger
	metrics     *observability.Metrics
	gatherer    prometheus.Gatherer
}

// NewServer creates a server over store. gatherer backs /metrics and may be
// nil to use the default registry; metrics may be nil.
func NewServer(config Config, store results.Store, logger *observability.Logger, metrics *observability.Metrics, gatherer prometheus.Gatherer) *Server {
	if logger == nil {
		logger = observability.NopLogger()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 30 * time.Second
	}
	config.Auth.PublicPaths = append(config.Auth.PublicPaths, "/v1/health", "/metrics")

	s := &Server{
		config:   config,
		handler:  NewHandler(store),
		mux:      http.NewServeMux(),
		logger:   logger.WithField("component", "rest"),
		metrics:  metrics,
		gatherer: gatherer,
	}
	s.rateLimiter = middleware.NewRateLimiter(config.RateLimit)

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         net.JoinHostPort(config.Host, strconv.Itoa(config.Port)),
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: config.RequestTimeout,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/v1/health", s.handler.HealthCheck)
	s.mux.HandleFunc("/v1/metrics", s.handler.ListMetrics)
	s.mux.HandleFunc("/v1/results", s.handler.ListResults)
	s.mux.HandleFunc("/v1/results/", s.handler.ListResults)
	s.mux.HandleFunc("/v1/runs/", s.handler.GetRun)
	s.mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
}

// Handler returns the routed handler wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	return s.withMiddleware(s.mux)
}

// withMiddleware wraps the handler with all middleware
func (s *Server) withMiddleware(handler http.Handler) http.Handler {
	// Apply middleware in reverse order (last one wraps first)

	// Per-user limits need the claims, so auth has to run first
	if s.config.RateLimit.PerUser {
		handler = middleware.RateLimitMiddleware(s.rateLimiter)(handler)
		handler = middleware.AuthMiddleware(s.config.Auth)(handler)
	} else {
		handler = middleware.AuthMiddleware(s.config.Auth)(handler)
		handler = middleware.RateLimitMiddleware(s.rateLimiter)(handler)
	}

	if s.config.CORSEnabled {
		handler = corsMiddleware(s.config.CORSOrigins)(handler)
	}

	return s.loggingMiddleware(handler)
}

// Start serves until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("Starting results API server", map[string]interface{}{"address": s.httpServer.Addr})

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Shutting down results API server")
	s.rateLimiter.Stop()
	return s.httpServer.Shutdown(ctx)
}

// loggingMiddleware logs every request and records its duration.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	access := observability.NewAccessLogger(s.logger)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		access.LogAccess(r.Method, r.URL.Path, wrapped.statusCode, duration, nil)
		if s.metrics != nil {
			s.metrics.RecordRequest(r.Method, strconv.Itoa(wrapped.statusCode), duration)
			if wrapped.statusCode >= 400 {
				s.metrics.RecordError(r.Method, http.StatusText(wrapped.statusCode))
			}
		}
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// corsMiddleware adds CORS headers
func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowed := false
			if len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*") {
				allowed = true
				origin = "*"
			} else {
				for _, allowedOrigin := range allowedOrigins {
					if allowedOrigin == origin {
						allowed = true
						break
					}
				}
			}

			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.Header().Set("Access-Control-Max-Age", "3600")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
