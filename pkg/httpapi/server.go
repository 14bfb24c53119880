// Package httpapi is the internal HTTP surface of the orchestration
// core: backend online registration, the external stream callback that
// resumes a suspended signaling negotiation, health, and Prometheus
// scraping. Routed with gin.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/foxford/conference/pkg/backend"
	"github.com/foxford/conference/pkg/config"
	"github.com/foxford/conference/pkg/database"
	"github.com/foxford/conference/pkg/metrics"
	"github.com/foxford/conference/pkg/signaling"
)

// withTimeout derives a request-scoped context bounded by d from a gin
// context's underlying *http.Request context.
func withTimeout(c *gin.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), d)
}

// Server is the internal HTTP API server.
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server

	cfg        *config.Config
	dbClient   *database.Client
	registry   *backend.Registry
	pool       *backend.Pool
	machine    *signaling.Machine
	metrics    *metrics.Registry
	jwtManager *JWTManager

	requestTimeout time.Duration
}

// NewServer wires the routes and returns a ready Server.
func NewServer(
	cfg *config.Config,
	dbClient *database.Client,
	registry *backend.Registry,
	pool *backend.Pool,
	machine *signaling.Machine,
	reg *metrics.Registry,
	jwtManager *JWTManager,
) *Server {
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		engine:         engine,
		cfg:            cfg,
		dbClient:       dbClient,
		registry:       registry,
		pool:           pool,
		machine:        machine,
		metrics:        reg,
		jwtManager:     jwtManager,
		requestTimeout: cfg.Backend.DefaultTimeout,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.Use(s.metricsMiddleware())

	s.engine.GET("/health", s.healthHandler)
	s.engine.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	s.engine.POST("/", s.requireBackendToken(), s.backendOnlineHandler)
	s.engine.POST("/callbacks/stream", s.requireServiceJWT("conference"), s.streamCallbackHandler)
}

// Start starts the HTTP server on addr (blocking).
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.engine}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		s.metrics.IncRunningRequests()
		start := time.Now()
		c.Next()
		s.metrics.DecRunningRequests()

		var err error
		if len(c.Errors) > 0 {
			err = c.Errors.Last()
		}
		s.metrics.ObserveRequest(c.FullPath(), err, time.Since(start))
	}
}
