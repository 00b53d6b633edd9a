package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/relaymux/relaymux/internal/infrastructure/persistence"
	"github.com/relaymux/relaymux/internal/interfaces/http/handlers"
	"github.com/relaymux/relaymux/internal/routing"
)

// Server is the gateway's HTTP front end.
type Server struct {
	server *http.Server
	logger *zap.Logger
}

// Config configures the listener.
type Config struct {
	Host    string
	Port    int
	Mode    string // debug, release
	Version string

	UpstreamTimeout time.Duration
	MaxBodyBytes    int64
}

func NewServer(cfg Config, store *persistence.Store, balancer *routing.Balancer, logger *zap.Logger) *Server {
	if cfg.Mode == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logger))

	client := &http.Client{Timeout: cfg.UpstreamTimeout}
	proxyHandler := handlers.NewProxyHandler(store, balancer, client, logger, cfg.MaxBodyBytes)
	modelsHandler := handlers.NewModelsHandler(store, logger, cfg.Version)

	setupRoutes(router, proxyHandler, modelsHandler)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	return &Server{
		server: server,
		logger: logger,
	}
}

// Start begins serving in the background.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting HTTP server", zap.String("address", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop drains connections and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")
	return s.server.Shutdown(ctx)
}

func setupRoutes(router *gin.Engine, proxy *handlers.ProxyHandler, models *handlers.ModelsHandler) {
	router.GET("/health", models.Health)

	v1 := router.Group("/v1")
	{
		v1.GET("/models", models.ListModels)
		v1.POST("/chat/completions", proxy.ChatCompletions)
		v1.POST("/responses", proxy.Responses)
		v1.POST("/messages", proxy.Messages)
	}

	// Gemini-style routes carry the model and the stream verb in the path.
	v1beta := router.Group("/v1beta")
	{
		v1beta.POST("/models/*action", proxy.GeminiGenerate)
	}
}

func ginLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.ClientIP()),
		)
	}
}
