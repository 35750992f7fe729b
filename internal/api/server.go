// Package api exposes the engine over HTTP: entity CRUD, event ingestion,
// whole-configuration pushes, and the health endpoint.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/segflow/segflow/internal/auth"
	"github.com/segflow/segflow/internal/config"
)

// Server is the HTTP front end.
type Server struct {
	config  config.ServerConfig
	handler http.Handler
	server  *http.Server
}

// NewServer wires the handlers and auth middleware into a router.
func NewServer(cfg config.ServerConfig, h *Handlers, manager *auth.Manager) *Server {
	return &Server{
		config:  cfg,
		handler: SetupRoutes(h, manager),
	}
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the HTTP handler for testing.
func (s *Server) Handler() http.Handler {
	return s.handler
}
