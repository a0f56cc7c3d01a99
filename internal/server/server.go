// Package server wraps the HTTP listener with timeouts and graceful
// shutdown.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"aperio/internal/config"
	"aperio/internal/endpoints"
)

// Server wraps the HTTP server.
type Server struct {
	httpServer *http.Server
	router     *gin.Engine
}

// New builds the router and the configured HTTP server.
func New(cfg config.ServerConfig, deps *endpoints.Deps) *Server {
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.MaxMultipartMemory = cfg.MaxPayloadSize

	endpoints.SetupRoutes(router, deps)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: router,
		// Downloads and transcodes run in the background; these bounds
		// only cover the request/response exchange itself.
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.ClientTimeout,
		IdleTimeout:  cfg.KeepAlive,
	}

	return &Server{httpServer: httpServer, router: router}
}

// Start blocks serving requests until Shutdown or a listener error.
func (s *Server) Start() error {
	slog.Info("Starting HTTP server", "address", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("Shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}
