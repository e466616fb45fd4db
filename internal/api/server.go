package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-sync/internal/config"
	"github.com/JakeFAU/catalog-sync/internal/flow"
	"github.com/JakeFAU/catalog-sync/internal/metrics"
	"github.com/JakeFAU/catalog-sync/internal/store"
)

// Pinger reports whether a downstream dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wires HTTP handlers to the flow registry and run ledger.
type Server struct {
	router  chi.Router
	flows   *flow.Registry
	runs    *RunsHandler
	notices *flow.Recorder
	ready   []Pinger
	baseCtx context.Context
	cfg     config.Config
	logger  *zap.Logger
}

// Option customizes a Server.
type Option func(*Server)

// WithBaseContext sets the context flows started over HTTP run under. It
// must outlive individual requests; cancel it on shutdown.
func WithBaseContext(ctx context.Context) Option {
	return func(s *Server) { s.baseCtx = ctx }
}

// WithReadiness adds dependencies probed by /readyz.
func WithReadiness(p ...Pinger) Option {
	return func(s *Server) { s.ready = append(s.ready, p...) }
}

// WithNotices exposes recent notices at /v1/notices.
func WithNotices(r *flow.Recorder) Option {
	return func(s *Server) { s.notices = r }
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	flows *flow.Registry,
	repo store.RunRepository,
	cfg config.Config,
	logger *zap.Logger,
	opts ...Option,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		flows:   flows,
		runs:    NewRunsHandler(repo, logger),
		baseCtx: context.Background(),
		cfg:     cfg,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Get("/flows", s.listFlows)
		r.Route("/flows/{flow}", func(r chi.Router) {
			r.Get("/", s.getFlow)
			r.Post("/start", s.startFlow)
			r.Post("/cancel", s.cancelFlow)
		})
		r.Get("/runs", s.runs.ListRuns)
		r.Get("/runs/{run_id}", s.runs.GetRun)
		r.Get("/notices", s.listNotices)
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
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	for _, p := range s.ready {
		if err := p.Ping(ctx); err != nil {
			s.logger.Warn("readiness probe failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) listFlows(w http.ResponseWriter, _ *http.Request) {
	kinds := s.flows.Kinds()
	out := make([]flow.State, 0, len(kinds))
	for _, k := range kinds {
		d, err := s.flows.Lookup(k)
		if err != nil {
			continue
		}
		out = append(out, d.Snapshot())
	}
	writeJSON(w, http.StatusOK, map[string]any{"flows": out})
}

func (s *Server) getFlow(w http.ResponseWriter, r *http.Request) {
	d, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"flow": d.Snapshot()})
}

type startRequest struct {
	Identifier string `json:"identifier"`
	Action     string `json:"action"`
}

func (s *Server) startFlow(w http.ResponseWriter, r *http.Request) {
	d, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	var opts []flow.StartOption
	if action := strings.TrimSpace(req.Action); action != "" {
		opts = append(opts, flow.UseAction(action))
	}
	err := d.Start(s.baseCtx, req.Identifier, opts...)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]any{"flow": d.Snapshot()})
	case errors.Is(err, flow.ErrMissingSelection):
		writeError(w, http.StatusBadRequest, d.Messages().MissingSelection)
	case errors.Is(err, flow.ErrUnknownAction):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, flow.ErrAlreadyRunning):
		writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error(), "flow": d.Snapshot()})
	default:
		s.logger.Error("start flow failed", zap.String("flow", string(d.Kind())), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to start flow")
	}
}

func (s *Server) cancelFlow(w http.ResponseWriter, r *http.Request) {
	d, ok := s.lookup(w, r)
	if !ok {
		return
	}
	canceled := d.Cancel()
	writeJSON(w, http.StatusOK, map[string]any{"canceled": canceled, "flow": d.Snapshot()})
}

func (s *Server) listNotices(w http.ResponseWriter, _ *http.Request) {
	notices := []flow.Notice{}
	if s.notices != nil {
		notices = s.notices.Notices()
	}
	writeJSON(w, http.StatusOK, map[string]any{"notices": notices})
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*flow.Driver, bool) {
	kind := flow.Kind(chi.URLParam(r, "flow"))
	d, err := s.flows.Lookup(kind)
	if err != nil {
		writeError(w, http.StatusNotFound, "flow not found")
		return nil, false
	}
	return d, true
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

func requestIDFrom(ctx context.Context) string {
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
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
				zap.String("request_id", requestIDFrom(r.Context())),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.Any("error", rec),
						zap.String("request_id", requestIDFrom(r.Context())),
					)
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
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
