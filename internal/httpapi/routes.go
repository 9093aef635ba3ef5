// Package httpapi exposes the router facade over a thin HTTP surface for
// the routekeeperd daemon. It forwards routing decisions only; it is not a
// provider proxy.
package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/routekeeper/routekeeper"
	"github.com/routekeeper/routekeeper/internal/idempotency"
	"github.com/routekeeper/routekeeper/internal/observability"
	"github.com/routekeeper/routekeeper/internal/ratelimit"
)

// Server bundles the handlers and middleware for the daemon.
type Server struct {
	router  *routekeeper.Router
	logger  *slog.Logger
	bus     *observability.Bus
	metrics *observability.Metrics
}

// NewServer builds the HTTP server wrapper. bus and metrics may be nil; the
// corresponding endpoints degrade gracefully.
func NewServer(router *routekeeper.Router, logger *slog.Logger, bus *observability.Bus, metrics *observability.Metrics) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{router: router, logger: logger, bus: bus, metrics: metrics}
}

// Routes assembles the chi router with logging, tracing, rate limiting, and
// idempotent replay on the routing endpoint.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(observability.TracingMiddleware())
	r.Use(requestLogger(s.logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Idempotency-Key"},
	}))

	limiter := ratelimit.New(100, 200, time.Second)
	r.Use(limiter.Middleware)

	idemCache := idempotency.New(10*time.Minute, 10000)

	r.Get("/healthz", s.handleHealthz)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.With(idempotency.Middleware(idemCache)).Post("/route", s.handleRoute)
		r.Get("/keys", s.handleListKeys)
		r.Post("/keys", s.handleRegisterKey)
		r.Post("/keys/{id}/rotate", s.handleRotateKey)
		r.Delete("/keys/{id}", s.handleRevokeKey)
		r.Get("/decisions/{id}/explain", s.handleExplainDecision)
		if s.bus != nil {
			r.Get("/events", s.handleEvents)
		}
	})

	return r
}

// requestLogger logs each request through the redacting logger. Bodies and
// auth headers never reach the log.
func requestLogger(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			reqID := r.Header.Get("X-Request-ID")
			if reqID == "" {
				reqID = middleware.GetReqID(r.Context())
			}

			next.ServeHTTP(ww, r)

			logger.Info("http_request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("duration", time.Since(start)),
				slog.String("request_id", reqID),
				slog.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}
