// Package diag exposes the executor's health and metrics over HTTP.
package diag

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/perfectstorm/storm/pkg/log"
	"github.com/perfectstorm/storm/pkg/metrics"
)

// Server serves /healthz, /readyz and /metrics for one executor process.
type Server struct {
	addr  string
	ready atomic.Bool
	srv   *http.Server
}

// NewServer creates a diagnostics server bound to addr. An empty addr
// disables it.
func NewServer(addr string) *Server {
	return &Server{addr: addr}
}

// SetReady flips the readiness gate, typically after executor setup.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// Start serves in the background until Stop is called. Disabled servers
// are a no-op.
func (s *Server) Start() {
	if s.addr == "" {
		return
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if !s.ready.Load() {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	r.Handle("/metrics", metrics.Handler())

	s.srv = &http.Server{
		Addr:              s.addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger := log.WithComponent("diag")
			logger.Error().Err(err).Msg("diagnostics server failed")
		}
	}()
	logger := log.WithComponent("diag")
	logger.Info().Str("addr", s.addr).Msg("diagnostics server listening")
}

// Stop shuts the server down, waiting briefly for in-flight requests.
func (s *Server) Stop() {
	if s.srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = s.srv.Shutdown(ctx)
}
