// Package server exposes the displayed token list, chart settings, and the chart data
// source over HTTP, plus a websocket bar stream per chart client.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"feedbridge/internal/feed/service"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const defaultScope = "default"

type Server struct {
	svc    *service.Service
	logger *zap.Logger
	engine *gin.Engine
	http   *http.Server
}

func New(addr string, svc *service.Service, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		svc:    svc,
		logger: logger,
		engine: gin.New(),
	}
	s.engine.Use(gin.Recovery(), s.accessLog())
	s.setupRoutes()

	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/healthz", s.getHealth)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.engine.Group("/api")
	api.GET("/tokens", s.getTokens)
	api.GET("/settings", s.getSettings)
	api.PUT("/settings", s.putSettings)

	udf := s.engine.Group("/udf")
	udf.GET("/config", s.getConfig)
	udf.GET("/symbols", s.getSymbol)
	udf.GET("/history", s.getHistory)
	udf.GET("/stream", s.handleStream)
}

// Handler is the gin engine, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info("http server stopped")
	return nil
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}
