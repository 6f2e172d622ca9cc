// Package httpapi is the thin, out-of-scope HTTP transport that invokes the
// pricing pipeline (spec.md §1's "HTTP surface... is invoked by handlers;
// its inputs are validated structs"). It owns request parsing, the
// X-API-Key -> ClientIdentity resolution boundary, and error-code mapping;
// all pricing logic lives in pricing/orchestrator. Grounded on the
// teacher's otc-gateway/server/server.go's router-in-a-struct shape and
// gateway/middleware/{cors,observability}.go's middleware chain.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ClientResolver resolves an opaque X-API-Key header into the client_id it
// identifies. Key issuance, storage, and rotation are external
// collaborators per spec.md §1; this interface is the seam the pipeline
// crosses into that external system.
type ClientResolver interface {
	Resolve(ctx context.Context, apiKey string) (clientID string, ok bool)
}

// ReadinessChecker reports whether a dependency the pipeline needs is
// reachable. Server aggregates several into /readyz without leaking
// internals to the caller.
type ReadinessChecker func() error

// Config captures the dependencies the HTTP surface needs to route and
// authenticate requests; all pricing semantics are delegated to Pipeline.
type Config struct {
	Pipeline     Pipeline
	RateResolver BorrowRateResolver
	RateLimiter  RateLimiter
	Resolver     ClientResolver
	Readiness    map[string]ReadinessChecker

	ServiceName     string
	CORSOrigins     []string
	RequestDeadline time.Duration
}

// Server wires the chi router for the two out-of-scope handlers named in
// spec.md §6.1, plus the supplemented health/readiness/metrics endpoints
// from SPEC_FULL.md §5.
type Server struct {
	cfg    Config
	router http.Handler
}

// New constructs a configured Server.
func New(cfg Config) *Server {
	if cfg.RequestDeadline <= 0 {
		cfg.RequestDeadline = 5 * time.Second
	}
	s := &Server{cfg: cfg}
	s.router = s.buildRouter()
	return s
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(requestLogger(s.cfg.ServiceName))
	r.Use(cors(s.cfg.CORSOrigins))
	r.Use(func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, s.cfg.RequestDeadline, `{"status":"error","error":"request deadline exceeded","error_code":"INTERNAL_ERROR"}`)
	})

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(api chi.Router) {
		api.With(s.authenticate, s.rateLimited).Post("/calculate-locate", s.handleCalculateLocate)
		api.With(s.authenticate, s.rateLimited).Get("/calculate-locate", s.handleCalculateLocate)
		api.With(s.authenticate, s.rateLimited).Get("/rates/{ticker}", s.handleGetRate)
	})

	return r
}

// requestLogger mirrors gateway/middleware/observability.go's per-route
// structured access log, adapted to slog instead of the teacher's
// log.Logger.
func requestLogger(service string) func(http.Handler) http.Handler {
	logger := slog.Default().With(slog.String("component", "httpapi"))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			logger.Info("request",
				slog.String("service", service),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.status),
				slog.Float64("duration_ms", float64(time.Since(start).Microseconds())/1000),
			)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// cors mirrors gateway/middleware/cors.go's default-safe CORS policy.
func cors(allowedOrigins []string) func(http.Handler) http.Handler {
	origins := allowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", origins[0])
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	failures := map[string]string{}
	for name, check := range s.cfg.Readiness {
		if err := check(); err != nil {
			failures[name] = "unreachable"
		}
	}
	w.Header().Set("Content-Type", "application/json")
	if len(failures) > 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		writeJSON(w, map[string]interface{}{"status": "degraded", "failing": failures})
		return
	}
	w.WriteHeader(http.StatusOK)
	writeJSON(w, map[string]interface{}{"status": "ready"})
}
