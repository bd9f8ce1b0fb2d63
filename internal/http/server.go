// Package http provides the HTTP control server for dss.
package http

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/cetrio/dss/internal/config"
	"github.com/cetrio/dss/internal/http/handlers"
	"github.com/cetrio/dss/internal/http/middleware"
	"github.com/cetrio/dss/internal/provider"
	"github.com/cetrio/dss/internal/repository"
	"github.com/cetrio/dss/internal/supervisor"
	"github.com/cetrio/dss/internal/ws"
)

// Server represents the HTTP control server.
type Server struct {
	config     config.ServerConfig
	router     *chi.Mux
	httpServer *http.Server
	logger     *slog.Logger
}

// Deps carries everything the route handlers need.
type Deps struct {
	Streams   *supervisor.Registry
	Providers *provider.Registry
	Mobile    repository.MobileStreamRepository
	Hub       *ws.Hub
}

// NewServer creates a new HTTP server with the given configuration and
// mounts all routes.
func NewServer(cfg config.ServerConfig, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	router := chi.NewRouter()

	// Apply middleware
	router.Use(chimiddleware.RealIP)
	router.Use(middleware.RequestID)
	router.Use(middleware.NewLoggingMiddleware(logger))
	router.Use(middleware.Recovery(logger))

	router.Route("/control", func(r chi.Router) {
		handlers.NewControlHandler(cfg, deps.Streams, logger).RegisterRoutes(r)
	})
	router.Route("/stats", func(r chi.Router) {
		handlers.NewStatsHandler(deps.Streams, deps.Providers, logger).RegisterRoutes(r)
	})
	router.Route("/info", func(r chi.Router) {
		handlers.NewInfoHandler(deps.Providers, logger).RegisterRoutes(r)
	})
	router.Route("/mobile", func(r chi.Router) {
		handlers.NewMobileWSHandler(deps.Mobile, deps.Hub, logger).RegisterRoutes(r)
	})

	return &Server{
		config: cfg,
		router: router,
		logger: logger,
	}
}

// Router returns the Chi router for registering additional routes.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("starting HTTP server",
		slog.String("address", addr),
	)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("starting server: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}

	s.logger.Info("shutting down HTTP server",
		slog.Duration("timeout", s.config.ShutdownTimeout),
	)

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}

	s.logger.Info("HTTP server stopped")
	return nil
}

// ListenAndServe starts the server and handles graceful shutdown.
// It blocks until the server is shut down.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		errChan <- s.Start()
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err := <-errChan:
		return err
	}
}
