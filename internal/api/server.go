package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jonesrussell/mailtriage/internal/logging"
	"github.com/jonesrussell/mailtriage/internal/telemetry"
)

// Default timeout values.
const (
	defaultReadTimeout     = 30 * time.Second
	defaultWriteTimeout    = 60 * time.Second
	defaultIdleTimeout     = 120 * time.Second
	defaultShutdownTimeout = 30 * time.Second
)

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port    int
	Debug   bool
	Version string
}

// NewServer builds the gin engine and HTTP server with all routes mounted.
func NewServer(handler *Handler, cfg ServerConfig, tp *telemetry.Provider, log logging.Logger) *http.Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "version": cfg.Version})
	})
	if tp != nil {
		router.GET("/metrics", gin.WrapH(tp.Handler()))
	}

	v1 := router.Group("/api/v1")
	{
		batches := v1.Group("/batches")
		batches.POST("", handler.StartBatch)           // POST /api/v1/batches
		batches.GET("/current", handler.GetProgress)   // GET  /api/v1/batches/current
		batches.POST("/cancel", handler.CancelBatch)   // POST /api/v1/batches/cancel

		v1.GET("/cache/stats", handler.GetCacheStats)         // GET /api/v1/cache/stats
		v1.GET("/scheduler/stats", handler.GetSchedulerStats) // GET /api/v1/scheduler/stats
		v1.GET("/reviews/:run_id", handler.ListFlagged)       // GET /api/v1/reviews/:run_id
	}

	return &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
		IdleTimeout:  defaultIdleTimeout,
	}
}

// RunWithGracefulShutdown runs the server and handles graceful shutdown on
// SIGINT or SIGTERM or when the context is cancelled.
func RunWithGracefulShutdown(ctx context.Context, srv *http.Server, log logging.Logger) error {
	errCh := make(chan error, 1)

	go func() {
		log.Info("Starting HTTP server", logging.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigCh:
		log.Info("Shutdown signal received", logging.String("signal", sig.String()))
	case <-ctx.Done():
		log.Info("Context cancelled, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()

	log.Info("Shutting down HTTP server", logging.Duration("timeout", defaultShutdownTimeout))
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	log.Info("HTTP server stopped gracefully")
	return nil
}
