package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/agentplane/agentplane/pkg/deployment"
	"github.com/agentplane/agentplane/pkg/eventlog"
	"github.com/agentplane/agentplane/pkg/observability"
	"github.com/agentplane/agentplane/pkg/worker"
)

// Config configures the intake/status API server.
type Config struct {
	// Listen is the bind address.
	Listen string

	// RequestTimeout bounds a single request end to end.
	RequestTimeout time.Duration

	Logger *zap.Logger
}

// Validate checks required fields and applies defaults.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return nil
}

// Server is the HTTP boundary for submitting, inspecting and cancelling
// deployments. It only ever appends to the log and reads records; all
// processing happens in the worker pool.
type Server struct {
	config   Config
	logger   *zap.Logger
	store    *deployment.Store
	log      *eventlog.Log
	registry *worker.Registry
	events   *observability.EventStream

	mux      *http.ServeMux
	server   *http.Server
	listener net.Listener
}

// NewServer creates the API server. The record store and event log are
// required; the worker registry and event stream are optional and their
// endpoints return empty lists without them.
func NewServer(config Config, store *deployment.Store, log *eventlog.Log, registry *worker.Registry, events *observability.EventStream) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid api config: %w", err)
	}
	if store == nil || log == nil {
		return nil, errors.New("record store and event log are required")
	}

	s := &Server{
		config:   config,
		logger:   config.Logger,
		store:    store,
		log:      log,
		registry: registry,
		events:   events,
	}

	s.mux = http.NewServeMux()
	s.mux.HandleFunc("POST /v1/deployments", s.handleSubmit)
	s.mux.HandleFunc("GET /v1/deployments", s.handleList)
	s.mux.HandleFunc("GET /v1/deployments/{id}", s.handleGet)
	s.mux.HandleFunc("POST /v1/deployments/{id}/cancel", s.handleCancel)
	s.mux.HandleFunc("GET /v1/agents/{name}/latest", s.handleLatestActive)
	s.mux.HandleFunc("GET /v1/workers", s.handleWorkers)
	s.mux.HandleFunc("GET /v1/events", s.handleEvents)

	handler := observability.HTTPMiddlewareWithCorrelation(s.instrument())
	handler = observability.InstrumentHTTPHandler(handler, "agentplane.api")
	s.server = &http.Server{
		Addr:         config.Listen,
		Handler:      handler,
		ReadTimeout:  config.RequestTimeout,
		WriteTimeout: config.RequestTimeout,
	}
	return s, nil
}

// Handler returns the full middleware-wrapped handler, for tests that mount
// the API on an httptest server.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start binds the listener and begins serving. Bind failures surface here;
// everything later is logged.
func (s *Server) Start() error {
	l, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Listen, err)
	}
	s.listener = l

	s.logger.Info("Starting API server", zap.String("address", l.Addr().String()))
	go func() {
		if err := s.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address, useful when the config asked for :0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.config.Listen
	}
	return s.listener.Addr().String()
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping API server")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown api server: %w", err)
	}
	return nil
}

// instrument wraps the mux with access logging and request metrics. The route
// label comes from the mux's matched pattern so metric cardinality stays
// bounded no matter what path a client sends.
func (s *Server) instrument() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		_, route := s.mux.Handler(r)
		if route == "" {
			route = "unmatched"
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		s.mux.ServeHTTP(rec, r)

		elapsed := time.Since(start)
		observability.APIRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		observability.APIRequestDurationSeconds.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())

		observability.ContextLogger(r.Context(), s.logger).Info("Request handled",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", elapsed),
			zap.String("remote", r.RemoteAddr),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Response encoding failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, kind, msg string) {
	s.writeJSON(w, status, ErrorResponse{Error: msg, Kind: kind})
}
