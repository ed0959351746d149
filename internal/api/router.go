// Package api provides the HTTP surface of the query engine.
package api

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"emr-query-engine/internal/conversation"
	"emr-query-engine/internal/ingest"
	"emr-query-engine/internal/logging"
	"emr-query-engine/internal/orchestrator"
	"emr-query-engine/internal/ratelimit"
	"emr-query-engine/internal/storage"
)

// maxRequestBytes bounds request bodies; clinical documents stay well under
// this.
const maxRequestBytes = 10 * 1024 * 1024

// HealthChecker reports one dependency's availability
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Router wires the HTTP endpoints to the pipeline services
type Router struct {
	mux         *chi.Mux
	pipeline    *orchestrator.Orchestrator
	sessions    *conversation.Manager
	evaluations storage.EvaluationStore
	ingestor    *ingest.Ingestor
	limiter     ratelimit.Limiter
	health      map[string]HealthChecker
	logger      logging.Logger
}

// NewRouter creates the router with its middleware stack and routes
func NewRouter(
	pipeline *orchestrator.Orchestrator,
	sessions *conversation.Manager,
	evaluations storage.EvaluationStore,
	ingestor *ingest.Ingestor,
	limiter ratelimit.Limiter,
	health map[string]HealthChecker,
	logger logging.Logger,
) *Router {
	r := &Router{
		mux:         chi.NewRouter(),
		pipeline:    pipeline,
		sessions:    sessions,
		evaluations: evaluations,
		ingestor:    ingestor,
		limiter:     limiter,
		health:      health,
		logger:      logger.WithComponent("api"),
	}
	r.setupMiddleware()
	r.setupRoutes()
	return r
}

// Handler returns the HTTP handler
func (r *Router) Handler() http.Handler {
	return r.mux
}

func (r *Router) setupMiddleware() {
	r.mux.Use(chimiddleware.RequestID)
	r.mux.Use(chimiddleware.RealIP)
	r.mux.Use(chimiddleware.Recoverer)
	r.mux.Use(chimiddleware.RequestSize(maxRequestBytes))
	r.mux.Use(chimiddleware.Heartbeat("/ping"))
	r.mux.Use(r.requestLogging)
	r.mux.Use(r.rateLimit)
}

func (r *Router) setupRoutes() {
	r.mux.Post("/query", r.handleQuery)
	r.mux.Post("/sessions", r.handleCreateSession)
	r.mux.Get("/sessions/{id}", r.handleGetSession)
	r.mux.Post("/evaluations", r.handleCreateEvaluation)
	r.mux.Get("/evaluations", r.handleListEvaluations)
	r.mux.Post("/artifacts", r.handleIngestArtifact)
	r.mux.Get("/healthz", r.handleHealth)
}

// requestLogging records one line per request with status and latency
func (r *Router) requestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, req.ProtoMajor)

		next.ServeHTTP(ww, req)

		r.logger.Info("HTTP request",
			"method", req.Method,
			"path", req.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

// rateLimit enforces the sliding window per client IP. Health and heartbeat
// endpoints stay unthrottled.
func (r *Router) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if r.limiter == nil || req.URL.Path == "/healthz" || req.URL.Path == "/ping" {
			next.ServeHTTP(w, req)
			return
		}

		allowed, err := r.limiter.Allow(req.Context(), clientKey(req))
		if err != nil {
			r.logger.Warn("Rate limiter unavailable, allowing request", "error", err.Error())
			next.ServeHTTP(w, req)
			return
		}
		if !allowed {
			writeRateLimited(w)
			return
		}
		next.ServeHTTP(w, req)
	})
}

func clientKey(req *http.Request) string {
	if host, _, err := net.SplitHostPort(req.RemoteAddr); err == nil {
		return host
	}
	return req.RemoteAddr
}
