// =============================================================================
// File: internal/metrics/server.go
// Metrics HTTP server (C13), grounded on the teacher's
// internal/metrics/server.go: a private prometheus.Registry (never the
// global default, so multiple connections in one process don't collide),
// a promhttp.Handler mux, and Start/Stop lifecycle methods around
// http.Server.
// =============================================================================
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server exposes registered collectors over an HTTP /metrics endpoint.
type Server struct {
	addr string
	path string

	registry   *prometheus.Registry
	httpServer *http.Server
}

// NewServer builds a metrics server bound to addr, serving path.
func NewServer(addr, path string) *Server {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return &Server{
		addr:     addr,
		path:     path,
		registry: registry,
	}
}

// Register adds a collector (typically one Collector per connection) to
// the server's registry.
func (s *Server) Register(c prometheus.Collector) error {
	return s.registry.Register(c)
}

// Start begins serving /metrics in a background goroutine and returns
// immediately, before the listener is bound. Any ListenAndServe error,
// including a failure to bind, is discarded, matching the teacher's
// fire-and-forget goroutine.
func (s *Server) Start() {
	mux := http.NewServeMux()
	mux.Handle(s.path, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry}))

	s.httpServer = &http.Server{
		Addr:         s.addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		_ = s.httpServer.ListenAndServe()
	}()
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}
