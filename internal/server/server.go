// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package server exposes quiverd's HTTP surface: public webhook
// ingress, the JWT-protected operator API, health and Prometheus
// metrics. Workflow runs triggered here execute synchronously inside
// the request handler, so graceful shutdown drains the runner before
// closing the listener.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quiverops/quiver/internal/metrics"
	"github.com/quiverops/quiver/internal/runner"
	"github.com/quiverops/quiver/internal/server/auth"
	"github.com/quiverops/quiver/internal/store"
	"github.com/quiverops/quiver/internal/tracing"
)

// Config configures the HTTP server.
type Config struct {
	// Listen is the address to bind, e.g. ":8080".
	Listen string

	// ShutdownTimeout bounds both the runner drain and the listener
	// shutdown.
	ShutdownTimeout time.Duration

	// Auth configures JWT validation for the /api/v1 routes.
	Auth auth.Config
}

// Server serves the quiverd HTTP API.
type Server struct {
	cfg     Config
	logger  *slog.Logger
	store   store.Store
	runner  *runner.Runner
	metrics *metrics.Recorder

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener

	shutdownOnce sync.Once
}

// New creates a Server. Zero-value Listen and ShutdownTimeout fall
// back to ":8080" and 30s.
func New(cfg Config, st store.Store, r *runner.Runner) *Server {
	if cfg.Listen == "" {
		cfg.Listen = ":8080"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	return &Server{
		cfg:    cfg,
		logger: slog.Default(),
		store:  st,
		runner: r,
	}
}

// WithLogger sets a custom logger.
func (s *Server) WithLogger(logger *slog.Logger) *Server {
	s.logger = logger
	return s
}

// WithMetrics sets the webhook metrics recorder.
func (s *Server) WithMetrics(m *metrics.Recorder) *Server {
	s.metrics = m
	return s
}

// Handler assembles the full middleware-wrapped route tree.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("POST /webhooks/{webhook_id}/{secret}", s.handleWebhook)

	protect := auth.Middleware(s.cfg.Auth, s.logger)
	mux.Handle("POST /api/v1/workflows/{workflow_id}/run", protect(http.HandlerFunc(s.handleRunWorkflow)))
	mux.Handle("GET /api/v1/workflows", protect(http.HandlerFunc(s.handleListWorkflows)))
	mux.Handle("GET /api/v1/runs/{run_id}", protect(http.HandlerFunc(s.handleGetRun)))

	var handler http.Handler = mux
	handler = s.logRequests(handler)
	handler = withRequestID(handler)
	// Outermost so incoming traceparent headers parent the run span.
	handler = tracing.HTTPMiddleware(handler)
	return handler
}

// Start binds the listener and begins serving in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.httpServer != nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return err
	}
	s.listener = ln

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// No write deadline: runs execute inside the handler and may
		// legitimately take minutes.
	}

	go func() {
		s.logger.Info("http server listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound address, useful when Listen was ":0".
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown drains the runner and then closes the listener. New runs
// are rejected with 503 as soon as draining starts; requests already
// executing a workflow are given ShutdownTimeout to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		srv := s.httpServer
		s.mu.Unlock()
		if srv == nil {
			return
		}

		s.logger.Info("graceful shutdown initiated", "active_runs", s.runner.Active())

		s.runner.StartDraining()
		srv.SetKeepAlivesEnabled(false)

		if derr := s.runner.WaitForDrain(ctx, s.cfg.ShutdownTimeout); derr != nil {
			s.logger.Warn("drain incomplete", "error", derr)
		}

		shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
		defer cancel()
		err = srv.Shutdown(shutdownCtx)

		s.logger.Info("http server stopped")
	})
	return err
}
