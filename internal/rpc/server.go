// =============================================================================
// SYNC RPC OVER HTTP
// =============================================================================
//
// A SyncRPCProcessor answers one request with one response. This package
// puts processors behind chi routes so any HTTP client can call them:
//
//   POST /rpc/{endpoint}     body = encoded request, reply = encoded response
//   GET  /health             overall status + named checks
//   GET  /healthz            liveness
//   GET  /readyz             readiness
//   GET  /metrics            Prometheus exposition
//
// STATUS MAPPING:
//
//   ┌───────────────────────────────┬────────┬──────────────────────────────┐
//   │ Processor result              │ Status │ Caller should                │
//   ├───────────────────────────────┼────────┼──────────────────────────────┤
//   │ response                      │ 200    │ decode body                  │
//   │ error tagged Transient        │ 503    │ retry with backoff           │
//   │ any other error               │ 500    │ give up                      │
//   │ undecodable request           │ 400    │ give up                      │
//   │ request over 4 MiB            │ 413    │ give up                      │
//   │ unknown endpoint              │ 404    │ give up                      │
//   └───────────────────────────────┴────────┴──────────────────────────────┘
//
// Error bodies are JSON: {"error": "...", "kind": "transient", "status": 503}.
//
// With a keyring every /rpc call needs an API key (401 without one, 403 for
// a key scoped to other endpoints). Probes and /metrics stay open.
//
// Endpoints are registered with Handle before or after Start. The route is
// a single dispatcher, so registration never touches the chi tree. A
// GRPCServer built on the same Server serves them over gRPC too.
//
// =============================================================================

package rpc

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"messagebus/internal/metrics"
	"messagebus/internal/security"
	"messagebus/pkg/messaging"
)

// ErrEndpointRegistered is returned by Handle for a name already in use.
var ErrEndpointRegistered = errors.New("endpoint already registered")

// maxRequestBytes bounds a request body.
const maxRequestBytes = 4 << 20

// =============================================================================
// SERVER
// =============================================================================

// Server serves sync RPC endpoints, health and metrics.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	logger     *slog.Logger
	tracer     trace.Tracer
	health     *HealthState
	keyring    *security.Keyring

	mu        sync.RWMutex
	endpoints map[string]boundEndpoint
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// Metrics is served on /metrics. Nil serves a disabled placeholder.
	Metrics *metrics.Registry

	// TLS, when set, serves https.
	TLS *tls.Config

	// APIKeys guards /rpc. Nil leaves it open.
	APIKeys *security.Keyring

	Logger *slog.Logger
	Tracer trace.Tracer
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:         ":8080",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// NewServer creates a server. It is not listening until Start.
func NewServer(config ServerConfig) *Server {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default().With("component", "rpc-server")
	}
	tracer := config.Tracer
	if tracer == nil {
		tracer = otel.Tracer("messagebus/rpc")
	}

	r := chi.NewRouter()
	s := &Server{
		router:    r,
		logger:    logger,
		tracer:    tracer,
		health:    NewHealthState(),
		keyring:   config.APIKeys,
		endpoints: make(map[string]boundEndpoint),
	}

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.health.handleHealth)
	r.Get("/healthz", s.health.handleLiveness)
	r.Get("/readyz", s.health.handleReadiness)
	r.Method(http.MethodGet, "/metrics", config.Metrics.Handler())
	r.Post("/rpc/{endpoint}", s.dispatch)

	s.httpServer = &http.Server{
		Addr:         config.Addr,
		Handler:      r,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
		TLSConfig:    config.TLS,
	}
	return s
}

// Handler returns the router, for tests and for embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Health returns the probe state, so callers can add checks and flip
// readiness.
func (s *Server) Health() *HealthState {
	return s.health
}

// Handle mounts processor on POST /rpc/{endpoint}. Requests are decoded with
// req and responses encoded with resp.
func Handle[Req any, Resp any](
	s *Server,
	endpoint string,
	processor messaging.SyncRPCProcessor[Req, Resp],
	req messaging.Codec[Req],
	resp messaging.Codec[Resp],
) error {
	if endpoint == "" {
		return errors.New("endpoint name is required")
	}
	if processor == nil || req == nil || resp == nil {
		return fmt.Errorf("endpoint %s: processor and codecs are required", endpoint)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.endpoints[endpoint]; ok {
		return fmt.Errorf("%w: %s", ErrEndpointRegistered, endpoint)
	}
	s.endpoints[endpoint] = &endpointHandler[Req, Resp]{
		s:         s,
		name:      endpoint,
		processor: processor,
		req:       req,
		resp:      resp,
	}
	s.logger.Info("rpc endpoint registered", "endpoint", endpoint)
	return nil
}

// Endpoints lists the registered endpoint names.
func (s *Server) Endpoints() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.endpoints))
	for name := range s.endpoints {
		out = append(out, name)
	}
	return out
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "endpoint")
	if s.keyring.Enabled() {
		keyName, err := s.keyring.Authenticate(r, name)
		if err != nil {
			s.logger.Warn("rpc authentication failed",
				"endpoint", name,
				"remote_addr", r.RemoteAddr,
				"error", err,
			)
			s.errorResponse(w, security.StatusFor(err), messaging.KindFatal.String(), err.Error())
			return
		}
		r = r.WithContext(security.WithKeyName(r.Context(), keyName))
	}

	h, ok := s.lookup(name)
	if !ok {
		s.errorResponse(w, http.StatusNotFound, "", "unknown endpoint: "+name)
		return
	}
	h.ServeHTTP(w, r)
}

// =============================================================================
// ENDPOINT
// =============================================================================

// boundEndpoint is a registered processor reachable over HTTP and gRPC.
type boundEndpoint interface {
	http.Handler

	// invoke decodes body, runs the processor and encodes the reply.
	invoke(ctx context.Context, body []byte) ([]byte, error)
}

// requestError marks a body the request codec rejected.
type requestError struct{ err error }

func (e *requestError) Error() string { return "invalid request: " + e.err.Error() }
func (e *requestError) Unwrap() error { return e.err }

type endpointHandler[Req any, Resp any] struct {
	s         *Server
	name      string
	processor messaging.SyncRPCProcessor[Req, Resp]
	req       messaging.Codec[Req]
	resp      messaging.Codec[Resp]
}

func (h *endpointHandler[Req, Resp]) invoke(ctx context.Context, body []byte) ([]byte, error) {
	ctx, span := h.s.tracer.Start(ctx, "rpc.process",
		trace.WithAttributes(attribute.String("rpc.endpoint", h.name)))
	defer span.End()

	request, err := h.req.Decode(body)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, &requestError{err: err}
	}

	response, err := h.processor.Process(ctx, request)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.s.logger.Warn("rpc processor failed",
			"endpoint", h.name,
			"kind", messaging.KindOf(err).String(),
			"error", err,
		)
		return nil, err
	}

	out, err := h.resp.Encode(response)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, messaging.Fatal("encode response", err)
	}
	return out, nil
}

func (h *endpointHandler[Req, Resp]) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.s.errorResponse(w, http.StatusRequestEntityTooLarge, messaging.KindFatal.String(),
				fmt.Sprintf("request exceeds %d bytes", tooLarge.Limit))
			return
		}
		h.s.errorResponse(w, http.StatusBadRequest, "", "failed to read request: "+err.Error())
		return
	}

	out, err := h.invoke(r.Context(), body)
	if err != nil {
		var reqErr *requestError
		if errors.As(err, &reqErr) {
			h.s.errorResponse(w, http.StatusBadRequest, "", reqErr.Error())
			return
		}
		kind := messaging.KindOf(err)
		status := http.StatusInternalServerError
		if kind == messaging.KindTransient {
			status = http.StatusServiceUnavailable
		}
		h.s.errorResponse(w, status, kind.String(), err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

// lookup returns the named endpoint.
func (s *Server) lookup(name string) (boundEndpoint, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ep, ok := s.endpoints[name]
	return ep, ok
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

// loggingMiddleware logs all HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWrapper{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", time.Since(start).String(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

type responseWrapper struct {
	http.ResponseWriter
	status int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// =============================================================================
// SERVER LIFECYCLE
// =============================================================================

// Start begins listening for HTTP requests (non-blocking) and marks the
// server ready.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	go func() {
		if err := s.serve(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", "error", err)
			s.health.SetLive(false)
		}
	}()
	s.health.SetReady(true)
	return nil
}

// ListenAndServe starts the server and blocks until shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	s.health.SetReady(true)
	err := s.serve()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) serve() error {
	if s.httpServer.TLSConfig != nil {
		// certificates come from TLSConfig
		return s.httpServer.ListenAndServeTLS("", "")
	}
	return s.httpServer.ListenAndServe()
}

// Stop marks the server not ready and shuts it down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	s.health.SetReady(false)
	return s.httpServer.Shutdown(ctx)
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

// errorBody is the JSON shape of every non-200 reply.
type errorBody struct {
	Error  string `json:"error"`
	Kind   string `json:"kind,omitempty"`
	Status int    `json:"status"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, errorBody{Error: message, Kind: kind, Status: status})
}
