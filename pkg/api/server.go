package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"collabmesh/pkg/api/middleware"
	"collabmesh/pkg/coordination"
	"collabmesh/pkg/relay"
	"collabmesh/pkg/storage"
)

// Pinger is implemented by backends that can report their own health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server encapsulates the relay's HTTP surface: the websocket endpoints and
// the read-only admin API.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	limiter    *middleware.RateLimiter
	logger     *zap.Logger

	hub         *relay.Hub
	signaling   *relay.SignalingHub
	store       storage.DocumentStore
	coordinator coordination.Coordinator
	election    coordination.Election
	archiver    *relay.Archiver
	checks      map[string]Pinger
}

// Config holds API server configuration.
type Config struct {
	Port        string
	Hub         *relay.Hub
	Signaling   *relay.SignalingHub
	Store       storage.DocumentStore
	Coordinator coordination.Coordinator
	Election    coordination.Election
	Archiver    *relay.Archiver

	// Checks are pinged by /health, keyed by dependency name.
	Checks map[string]Pinger

	Logger      *zap.Logger
	RateLimit   middleware.RateLimiterConfig
	MaxBodySize int64
	ServiceName string
}

// NewServer creates a new API server with all dependencies.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.RateLimit.RequestsPerSecond <= 0 {
		cfg.RateLimit = middleware.DefaultRateLimiterConfig()
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = 1 << 20
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "collabmesh-relay"
	}

	router := gin.New()
	limiter := middleware.NewRateLimiter(cfg.RateLimit)

	// Middleware stack (order matters)
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.SecurityHeadersMiddleware())
	router.Use(middleware.RequestMetrics())
	router.Use(middleware.TracingMiddleware(cfg.ServiceName))
	router.Use(middleware.RequestLogger(cfg.Logger))
	router.Use(limiter.Middleware())
	router.Use(middleware.BodySizeLimitMiddleware(cfg.MaxBodySize))

	s := &Server{
		router:      router,
		limiter:     limiter,
		logger:      cfg.Logger,
		hub:         cfg.Hub,
		signaling:   cfg.Signaling,
		store:       cfg.Store,
		coordinator: cfg.Coordinator,
		election:    cfg.Election,
		archiver:    cfg.Archiver,
		checks:      cfg.Checks,
	}

	s.registerRoutes()

	// No write timeout: websocket sessions outlive any request deadline.
	s.httpServer = &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return s
}

// Handler exposes the router, mostly for httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("Starting server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server. Hijacked websocket connections
// are not tracked by http.Server; close the hubs to end them.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down server")
	defer s.limiter.Close()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if s.hub != nil {
		s.router.GET("/collab", gin.WrapF(s.hub.ServeWS))
	}
	if s.signaling != nil {
		s.router.GET("/signal", gin.WrapF(s.signaling.ServeWS))
	}

	v1 := s.router.Group("/api/v1")
	{
		rooms := v1.Group("/rooms")
		{
			rooms.GET("", s.listRooms)
			rooms.GET("/:room", middleware.RoomParamMiddleware(), s.getRoom)
		}

		if s.signaling != nil {
			v1.GET("/signaling/topics", s.listTopics)
		}

		cluster := v1.Group("/cluster")
		{
			cluster.GET("/nodes", s.listNodes)
			cluster.GET("/leader", s.getLeader)
		}
	}
}
