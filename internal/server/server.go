// Package server provides the HTTP/WebSocket server for electricd,
// built on Echo v4. It hosts the health endpoint and the Satellite
// replication websocket upgrade, handing each accepted connection off to
// internal/conn for the lifetime of the socket.
package server

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/arve0/electric/internal/config"
	"github.com/arve0/electric/internal/conn"
)

// Server wraps the Echo instance and the collaborators every accepted
// connection is wired against.
type Server struct {
	echo   *echo.Echo
	cfg    *config.Config
	log    zerolog.Logger
	collab conn.Collaborators
}

// New creates a configured Echo server with all routes registered.
func New(cfg *config.Config, collaborators conn.Collaborators, log zerolog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true // We log the listen address ourselves.

	e.Use(middleware.Recover())
	e.Use(middleware.Logger())

	s := &Server{
		echo:   e,
		cfg:    cfg,
		log:    log,
		collab: collaborators,
	}

	s.registerRoutes()
	return s
}

// Start begins listening for HTTP/WebSocket connections. It blocks until
// the context is cancelled, then performs a graceful shutdown allowing
// in-flight connections to finish what they're doing.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.cfg.ListenAddr).Msg("listening")
		if err := s.echo.Start(s.cfg.ListenAddr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.log.Info().Msg("shutting down")
		return s.echo.Shutdown(context.Background())
	}
}
