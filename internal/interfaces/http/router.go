// Package http assembles the gin engine and owns the HTTP server lifecycle.
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/turtacn/tap/internal/config"
	"github.com/turtacn/tap/internal/interfaces/http/handlers"
	"github.com/turtacn/tap/internal/interfaces/http/middleware"
	"github.com/turtacn/tap/pkg/logger"
)

// Router wires the handlers into a gin engine and runs the server.
type Router struct {
	engine        *gin.Engine
	config        *config.Config
	logger        logger.Logger
	fundHandler   *handlers.FundHandler
	healthHandler *handlers.HealthHandler
	middleware    *middleware.Middleware
	server        *http.Server
}

// NewRouter creates the router.
func NewRouter(
	cfg *config.Config,
	log logger.Logger,
	fundHandler *handlers.FundHandler,
	healthHandler *handlers.HealthHandler,
	mw *middleware.Middleware,
) *Router {
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	return &Router{
		engine:        gin.New(),
		config:        cfg,
		logger:        log.WithComponent("router"),
		fundHandler:   fundHandler,
		healthHandler: healthHandler,
		middleware:    mw,
	}
}

// SetupRoutes registers middleware and routes.
func (r *Router) SetupRoutes() {
	r.engine.Use(r.middleware.Recovery())
	r.engine.Use(r.middleware.RequestID())
	r.engine.Use(r.middleware.Tracing())
	r.engine.Use(r.middleware.Logger())

	corsConfig := cors.DefaultConfig()
	if len(r.config.Server.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = r.config.Server.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "Authorization", "X-Request-ID")
	corsConfig.ExposeHeaders = []string{"X-Request-ID", "Retry-After"}
	r.engine.Use(cors.New(corsConfig))

	r.engine.GET("/health", r.healthHandler.Readiness)
	r.engine.GET("/live", r.healthHandler.Liveness)
	r.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if r.config.Server.Environment != "production" {
		pprof.Register(r.engine)
	}

	v1 := r.engine.Group("/api/v1")
	{
		v1.POST("/fund", r.fundHandler.Fund)
		v1.POST("/is_eligible", r.fundHandler.IsEligible)
		v1.GET("/admin/ambiguous",
			r.middleware.AdminAuth(r.config.Server.AdminToken),
			r.fundHandler.AmbiguousAttempts)
	}

	r.engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"error":   gin.H{"code": "not_found", "message": "the requested resource was not found"},
		})
	})
}

// Engine exposes the underlying engine for tests.
func (r *Router) Engine() *gin.Engine {
	return r.engine
}

// Start runs the HTTP server until ctx is cancelled, then shuts down
// gracefully.
func (r *Router) Start(ctx context.Context) error {
	r.SetupRoutes()

	addr := fmt.Sprintf("%s:%d", r.config.Server.Host, r.config.Server.Port)
	r.server = &http.Server{
		Addr:         addr,
		Handler:      r.engine,
		ReadTimeout:  r.config.Server.ReadTimeout,
		WriteTimeout: r.config.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		r.logger.Info(ctx, "http server listening", logger.String("address", addr))
		if err := r.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	r.logger.Info(shutdownCtx, "shutting down http server")
	return r.server.Shutdown(shutdownCtx)
}
