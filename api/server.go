// Package api provides the REST API and event stream for the runtime.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"opclink/config"
	"opclink/engine"
	"opclink/logging"
)

// Server is the REST API server. When metrics have their own listen
// address, or the API is disabled, the Prometheus endpoint is served by a
// second listener.
type Server struct {
	engine  *engine.Engine
	api     config.APIConfig
	metrics config.MetricsConfig
	logger  *slog.Logger

	mu       sync.RWMutex
	servers  []*http.Server
	addr     string
	cleanup  func()
	running  bool
	serveErr chan error
}

// NewServer creates a new REST API server.
func NewServer(eng *engine.Engine, api config.APIConfig, metrics config.MetricsConfig, logger *slog.Logger) *Server {
	return &Server{
		engine:  eng,
		api:     api,
		metrics: metrics,
		logger:  logging.OrDiscard(logger).With("component", "api"),
	}
}

// IsRunning returns whether the server is currently running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Start binds the listeners and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	opts := RouterOptions{Users: s.api.Users, Logger: s.logger}
	separateMetrics := s.metrics.Enabled && s.metrics.Listen != "" &&
		(!s.api.Enabled || s.metrics.Listen != s.api.Listen)
	if s.metrics.Enabled && !separateMetrics {
		opts.MetricsPath = metricsPath(s.metrics)
	}

	var listeners []net.Listener
	closeAll := func() {
		for _, ln := range listeners {
			ln.Close()
		}
	}
	s.servers = nil
	s.cleanup = func() {}

	if s.api.Enabled {
		router, cleanup := NewRouter(s.engine, opts)
		ln, err := net.Listen("tcp", s.api.Listen)
		if err != nil {
			cleanup()
			return fmt.Errorf("api listen %s: %w", s.api.Listen, err)
		}
		s.addr = ln.Addr().String()
		s.cleanup = cleanup
		s.servers = append(s.servers, &http.Server{Handler: corsMiddleware(router), ReadHeaderTimeout: 10 * time.Second})
		listeners = append(listeners, ln)
		s.logger.Info("api listening", "address", s.addr, "users", len(s.api.Users))
	}

	if separateMetrics {
		mln, err := net.Listen("tcp", s.metrics.Listen)
		if err != nil {
			closeAll()
			s.cleanup()
			return fmt.Errorf("metrics listen %s: %w", s.metrics.Listen, err)
		}
		mux := http.NewServeMux()
		mux.Handle(metricsPath(s.metrics), s.engine.GetMetrics().Handler())
		s.servers = append(s.servers, &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second})
		listeners = append(listeners, mln)
		s.logger.Info("metrics listening", "address", mln.Addr().String())
	}

	s.serveErr = make(chan error, len(s.servers))
	for i, srv := range s.servers {
		go func(srv *http.Server, ln net.Listener) {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("http server stopped", "error", err)
				s.serveErr <- err
			}
		}(srv, listeners[i])
	}

	s.running = true
	return nil
}

func metricsPath(m config.MetricsConfig) string {
	if m.Path == "" {
		return "/metrics"
	}
	return m.Path
}

// Stop halts the HTTP servers and closes open event streams.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	// Event streams never finish on their own; closing the hub ends them
	// so Shutdown can drain.
	s.cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs []error
	for _, srv := range s.servers {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.running = false
	s.servers = nil
	return errors.Join(errs...)
}

// Errors reports listener failures after Start.
func (s *Server) Errors() <-chan error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.serveErr
}

// Address returns the server's base URL.
func (s *Server) Address() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	addr := s.addr
	if addr == "" {
		addr = s.api.Listen
	}
	return "http://" + addr
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
