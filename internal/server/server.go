// Package server exposes the engine over HTTP: text processing, schema
// discovery, health, Prometheus metrics and a websocket stream of run events.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/scrypster/crmsync/internal/config"
	"github.com/scrypster/crmsync/internal/engine"
	"github.com/scrypster/crmsync/internal/logger"
	"github.com/scrypster/crmsync/internal/schema"
)

// processTimeout bounds one ProcessText call made through the host.
const processTimeout = 5 * time.Minute

// Engine is the part of *engine.Engine the host uses.
type Engine interface {
	ProcessText(ctx context.Context, text string) *engine.ProcessResult
	InitializeSchema(ctx context.Context) (*schema.Snapshot, error)
	SchemaInfo() schema.Snapshot
	Subscribe(o engine.Observer) func()
}

// Server is the HTTP host.
type Server struct {
	cfg     *config.Config
	engine  Engine
	log     *logger.Logger
	metrics http.Handler
	version string
	hub     *Hub
	limiter *RateLimiter
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithMetricsHandler serves h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithVersion sets the version reported by /api/health.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// New creates a server for eng.
func New(cfg *config.Config, eng Engine, opts ...Option) *Server {
	s := &Server{
		cfg:     cfg,
		engine:  eng,
		log:     logger.NewNop(),
		version: "dev",
		limiter: NewRateLimiter(cfg.Server.RequestsPerSecond, cfg.Server.Burst),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "server")

	port := strconv.Itoa(cfg.Server.Port)
	s.hub = NewHub(s.log, "localhost:"+port, "127.0.0.1:"+port, net.JoinHostPort(cfg.Server.Host, port))
	return s
}

// Hub returns the websocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(securityHeaders)
	r.Use(s.limiter.Middleware)
	r.Use(limitBody)

	r.Get("/api/health", s.handleHealth)
	r.Group(func(r chi.Router) {
		r.Use(RequireAuth(s.cfg))
		r.Post("/api/process", s.handleProcess)
		r.Post("/api/schema/init", s.handleSchemaInit)
		r.Get("/api/schema", s.handleSchemaInfo)
	})
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	r.Method(http.MethodGet, "/ws", s.hub)
	return r
}

// Start listens on the configured address and serves until ctx is done.
// Engine events are broadcast to websocket clients. It returns the actual
// listen address (useful with port 0).
func Start(ctx context.Context, cfg *config.Config, eng Engine, opts ...Option) (string, *Server, error) {
	s := New(cfg, eng, opts...)

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	actual := listener.Addr().String()
	if _, port, err := net.SplitHostPort(actual); err == nil {
		s.hub.AllowHosts("localhost:"+port, "127.0.0.1:"+port)
	}

	go s.hub.Run()
	unsubscribe := eng.Subscribe(func(ev engine.Event) { s.hub.Broadcast(ev) })

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      processTimeout + 30*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("server error", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		unsubscribe()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("server shutdown error", "error", err)
		}
		s.hub.Stop()
	}()

	s.log.Info("listening", "addr", actual)
	return actual, s, nil
}

type processRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	var req processRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "text is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), processTimeout)
	defer cancel()

	res := s.engine.ProcessText(ctx, req.Text)
	status := http.StatusOK
	if !res.Success {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

func (s *Server) handleSchemaInit(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.InitializeSchema(r.Context())
	if err != nil {
		s.log.Warn("schema initialization failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "SCHEMA_UNAVAILABLE", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleSchemaInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.SchemaInfo())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	info := s.engine.SchemaInfo()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":             "healthy",
		"version":            s.version,
		"schema_initialized": info.Initialized,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"error": msg, "code": code})
}
