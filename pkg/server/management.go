// Package server runs the management HTTP endpoint of a worker process.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nimburion/jobqueue/pkg/health"
	"github.com/nimburion/jobqueue/pkg/observability/logger"
	"github.com/nimburion/jobqueue/pkg/observability/metrics"
)

const shutdownTimeout = 30 * time.Second

// Config configures the management server.
type Config struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// ManagementServer serves liveness, readiness and metrics:
//   - /health always answers 200
//   - /ready runs the health registry and answers 503 when a check fails
//   - /metrics exposes the Prometheus registry
type ManagementServer struct {
	engine     *gin.Engine
	httpServer *http.Server
	log        logger.Logger
	config     Config

	healthRegistry  *health.Registry
	metricsRegistry *metrics.Registry
}

// NewManagementServer creates a management server.
func NewManagementServer(cfg Config, log logger.Logger, healthRegistry *health.Registry, metricsRegistry *metrics.Registry) (*ManagementServer, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if healthRegistry == nil {
		return nil, errors.New("health registry is required")
	}
	if metricsRegistry == nil {
		return nil, errors.New("metrics registry is required")
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &ManagementServer{
		engine:          engine,
		log:             log,
		config:          cfg,
		healthRegistry:  healthRegistry,
		metricsRegistry: metricsRegistry,
	}
	engine.GET("/health", s.handleHealth)
	engine.GET("/ready", s.handleReady)
	engine.GET("/metrics", gin.WrapH(metricsRegistry.Handler()))
	return s, nil
}

func (s *ManagementServer) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": health.StatusHealthy})
}

func (s *ManagementServer) handleReady(c *gin.Context) {
	result := s.healthRegistry.Check(c.Request.Context())
	if !result.IsHealthy() {
		c.JSON(http.StatusServiceUnavailable, result)
		return
	}
	c.JSON(http.StatusOK, result)
}

// ServeHTTP lets the server be exercised without a listener.
func (s *ManagementServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.engine.ServeHTTP(w, r)
}

// Start listens on the configured port until ctx is cancelled, then shuts down.
func (s *ManagementServer) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.engine,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	s.log.Info("starting management server", "port", s.config.Port)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("management server failed to start: %w", err)
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// Shutdown stops the listener, waiting for in-flight requests.
func (s *ManagementServer) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("management server shutdown failed: %w", err)
	}
	s.log.Info("management server stopped", "port", s.config.Port)
	return nil
}
