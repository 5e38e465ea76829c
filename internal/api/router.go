package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"tradesync/internal/ports"
)

// NewRouter builds the gin engine with every route registered.
func NewRouter(h *Handler, logger ports.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))

	router.GET("/health", h.Health)

	api := router.Group("/v1")
	{
		api.POST("/sync", h.Sync)
		api.POST("/sync/batch", h.SyncBatch)
	}
	circuits := api.Group("/circuits")
	{
		circuits.GET("", h.Circuits)
		circuits.GET("/:provider", h.Circuit)
		circuits.POST("/reset", h.ResetCircuits)
		circuits.POST("/:provider/reset", h.ResetCircuit)
	}
	limits := api.Group("/ratelimits")
	{
		limits.GET("", h.RateLimits)
		limits.POST("/reset", h.ResetRateLimits)
	}
	return router
}

func requestLogger(logger ports.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug(c.Request.Context(), "HTTP request", map[string]interface{}{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		})
	}
}

// Server runs the router until its context is canceled.
type Server struct {
	srv    *http.Server
	logger ports.Logger
}

// NewServer creates a server listening on addr.
func NewServer(addr string, router http.Handler, logger ports.Logger) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info(ctx, "HTTP server listening", map[string]interface{}{"addr": s.srv.Addr})
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	s.logger.Info(ctx, "Shutting down HTTP server")
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
