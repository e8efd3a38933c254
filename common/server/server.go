package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/flowmesh/flowmesh/common/logger"
)

// Server wraps an HTTP server with graceful shutdown. The handler is
// typically an echo.Echo; anything implementing http.Handler works.
type Server struct {
	httpServer *http.Server
	log        *logger.Logger
	name       string
}

// New creates a new server
func New(name string, port int, handler http.Handler, log *logger.Logger) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		log:  log,
		name: name,
	}
}

// Start begins serving in the background. Listen failures are reported on
// errCh; a clean shutdown is not.
func (s *Server) Start(errCh chan<- error) {
	go func() {
		s.log.Info(fmt.Sprintf("%s starting", s.name), "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("%s error: %w", s.name, err)
		}
	}()
}

// Stop drains in-flight requests and stops the listener
func (s *Server) Stop(ctx context.Context) error {
	s.log.Info(fmt.Sprintf("%s stopping", s.name))
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.log.Error("graceful shutdown failed", "error", err)
		if err := s.httpServer.Close(); err != nil {
			return fmt.Errorf("could not stop server: %w", err)
		}
	}
	return nil
}

// HealthHandler returns a simple health check handler
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	}
}
