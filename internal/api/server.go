package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/openspore-project/openspore/internal/blaze"
	"github.com/openspore-project/openspore/internal/component"
	"github.com/openspore-project/openspore/internal/config"
	"github.com/openspore-project/openspore/internal/events"
	"github.com/openspore-project/openspore/internal/network"
)

// Server is the HTTP server backing the bootstrap and operator
// endpoints.
type Server struct {
	cfg      *config.Config
	eventBus *events.EventBus
	blaze    *blaze.Server
	comps    *component.Components

	startTime  time.Time
	httpServer *http.Server
	router     *gin.Engine
}

// NewServer creates the HTTP server. The Blaze server and component
// registry supply the live state the operator endpoints report on.
func NewServer(cfg *config.Config, eventBus *events.EventBus, bs *blaze.Server, comps *component.Components) *Server {
	if cfg.GetString(config.KeyLogLevel) == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	return &Server{
		cfg:       cfg,
		eventBus:  eventBus,
		blaze:     bs,
		comps:     comps,
		startTime: time.Now(),
	}
}

// Start binds the HTTP listener and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.router = s.buildRouter()

	addr := fmt.Sprintf(":%d", s.cfg.GetInt(config.KeyListenHTTP))
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	lc := network.ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("http server error: %w", err)
	}

	log.Info().Str("addr", addr).Msg("HTTP server starting")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server error: %w", err)
	}
	return nil
}

// buildRouter creates the Gin router with all routes and middleware.
func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(SecurityHeaders())

	router.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}))

	// ---- Client-facing bootstrap endpoints ----
	router.GET("/bootstrap/config", s.handleBootstrapConfig)
	router.GET("/api/public/ping", s.handlePing)

	// ---- Operator endpoints ----
	rateLimiter := NewRateLimiter(20)
	operator := router.Group("/api")
	operator.Use(rateLimiter.Middleware())
	{
		operator.GET("/status", s.handleStatus)
		operator.GET("/sessions", s.handleSessions)
		operator.POST("/sessions/:id/kick", s.handleKickSession)
		operator.GET("/games", s.handleGames)
		operator.GET("/config", s.handleGetConfig)
		operator.PUT("/config/:key", s.handleSetConfig)
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
	})

	return router
}

// Stop gracefully stops the HTTP server.
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
