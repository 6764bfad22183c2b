package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/docs-aggregator/internal/aggregate"
	"github.com/JakeFAU/docs-aggregator/internal/config"
	"github.com/JakeFAU/docs-aggregator/internal/discovery"
	"github.com/JakeFAU/docs-aggregator/internal/metrics"
	"github.com/JakeFAU/docs-aggregator/internal/worker"
)

const (
	maxBodyBytes   = 1 << 20
	readyzTimeout  = 3 * time.Second
	defaultTimeout = 15 * time.Minute
)

// Service runs the pipeline on behalf of HTTP requests.
type Service interface {
	Aggregate(ctx context.Context, req Request) (worker.RunResult, error)
	Discover(ctx context.Context, req Request) (discovery.Report, error)
}

// ReadinessFunc reports whether downstream dependencies are usable.
type ReadinessFunc func(ctx context.Context) error

// Server wires HTTP handlers to the aggregation service.
type Server struct {
	router chi.Router
	svc    Service
	ready  ReadinessFunc
	logger *zap.Logger
}

// Option customizes a Server.
type Option func(*Server)

// WithReadiness sets the check behind /readyz.
func WithReadiness(fn ReadinessFunc) Option {
	return func(s *Server) {
		s.ready = fn
	}
}

// NewServer constructs a Server with middleware and routes. runs may be nil,
// in which case the /v1/runs routes answer 503.
func NewServer(svc Service, runs RunRepository, cfg config.ServerConfig, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{svc: svc, logger: logger}
	for _, opt := range opts {
		opt(s)
	}

	timeout := time.Duration(cfg.RequestTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	runsHandler := NewRunsHandler(runs, logger)
	r.Route("/v1", func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.With(timeoutMiddleware(timeout)).Post("/aggregate", s.aggregate)
		r.With(timeoutMiddleware(timeout)).Post("/discover", s.discover)
		r.Route("/runs", func(r chi.Router) {
			r.Get("/", runsHandler.ListRuns)
			r.Route("/{run_id}", func(r chi.Router) {
				r.Get("/", runsHandler.GetRun)
				r.Get("/sites", runsHandler.ListRunSites)
				r.Get("/events", runsHandler.ListRunEvents)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), readyzTimeout)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type aggregateResponse struct {
	ArtifactURI string            `json:"artifact_uri,omitempty"`
	Result      *worker.RunResult `json:"result,omitempty"`
	Error       string            `json:"error,omitempty"`
}

func (s *Server) aggregate(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decode(w, r)
	if !ok {
		return
	}
	result, err := s.svc.Aggregate(r.Context(), req)
	resp := aggregateResponse{ArtifactURI: result.ArtifactURI, Result: &result}
	if err != nil {
		resp.Error = err.Error()
		if errors.Is(err, config.ErrInvalidTarget) {
			resp.Result = nil
		}
		writeJSON(w, statusFor(err), resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type discoverResponse struct {
	URL        string              `json:"url"`
	Strategy   string              `json:"strategy"`
	URLs       []string            `json:"urls"`
	Attempts   []discovery.Attempt `json:"attempts"`
	Skipped    int                 `json:"skipped"`
	Duplicates int                 `json:"duplicates"`
}

func (s *Server) discover(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decode(w, r)
	if !ok {
		return
	}
	report, err := s.svc.Discover(r.Context(), req)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	urls := report.URLs
	if urls == nil {
		urls = []string{}
	}
	writeJSON(w, http.StatusOK, discoverResponse{
		URL:        req.URL,
		Strategy:   report.Strategy,
		URLs:       urls,
		Attempts:   report.Attempts,
		Skipped:    report.Skipped,
		Duplicates: report.Duplicates,
	})
}

// decode reads and validates the request body, answering 400 itself when
// either step fails.
func (s *Server) decode(w http.ResponseWriter, r *http.Request) (Request, bool) {
	var req Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return Request{}, false
	}
	if err := req.Validate(); err != nil {
		var fields validation.Errors
		if errors.As(err, &fields) {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request", "fields": fields})
			return Request{}, false
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return Request{}, false
	}
	return req, true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, config.ErrInvalidTarget):
		return http.StatusBadRequest
	case errors.Is(err, aggregate.ErrNoPages):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("request_id", requestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
