// Package server exposes a pipeline over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ambiyansyah-risyal/kurir"
)

// Config holds the listener settings.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Logger       kurir.Logger
}

// Server routes HTTP requests into a pipeline.
type Server struct {
	pipeline *kurir.Pipeline
	logger   kurir.Logger
	engine   *gin.Engine
	http     *http.Server
}

// New builds the router. Nothing listens until ListenAndServe.
func New(p *kurir.Pipeline, config Config) *Server {
	if config.Logger == nil {
		config.Logger = kurir.NewNopLogger()
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestLogger(config.Logger))

	s := &Server{
		pipeline: p,
		logger:   config.Logger,
		engine:   engine,
	}

	engine.GET("/healthz", s.health)
	if g := p.Metrics().Gatherer(); g != nil {
		engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(g, promhttp.HandlerOpts{})))
	}

	v1 := engine.Group("/v1")
	v1.POST("/fetch", s.fetch)
	v1.GET("/policy", s.policy)
	v1.GET("/policy/resolve", s.resolve)
	v1.DELETE("/cache", s.invalidate)

	s.http = &http.Server{
		Addr:         config.Addr,
		Handler:      engine,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}
	return s
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// ListenAndServe blocks until the server stops. A graceful Shutdown is not
// reported as an error.
func (s *Server) ListenAndServe() error {
	s.logger.Info("Starting server", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down server")
	return s.http.Shutdown(ctx)
}
