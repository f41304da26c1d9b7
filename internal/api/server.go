package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/thep200/gitpulse/cfg"
	"github.com/thep200/gitpulse/pkg/log"
)

// Server runs the status API.
type Server struct {
	Logger  log.Logger
	Config  *cfg.Config
	handler *Handler
	server  *http.Server
}

func NewServer(logger log.Logger, config *cfg.Config, handler *Handler) *Server {
	return &Server{Logger: logger, Config: config, handler: handler}
}

// Start blocks until the server stops.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.Config.Server.Addr,
		Handler:      s.handler.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.Logger.Info(context.Background(), "Starting API server on %s", s.Config.Server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		s.Logger.Info(ctx, "Shutting down API server")
		return s.server.Shutdown(ctx)
	}
	return nil
}
