package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/ksred/plugin-migrate/internal/config"
	"github.com/ksred/plugin-migrate/internal/mcp"
	"github.com/ksred/plugin-migrate/internal/services"
)

type Server struct {
	router      *gin.Engine
	config      *config.Config
	service     *services.MigrationService
	mcpServer   *mcp.Server
	authService *AuthService
	logger      zerolog.Logger
	httpServer  *http.Server
}

// NewServer builds the admin API. mcpServer may be nil, which disables the
// MCP endpoint.
func NewServer(cfg *config.Config, service *services.MigrationService, mcpServer *mcp.Server, logger zerolog.Logger) (*Server, error) {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	// Plugin names may contain slashes; clients send them percent-encoded.
	router.UseRawPath = true
	router.UnescapePathValues = true
	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware(logger))

	corsConfig := cors.DefaultConfig()
	if len(cfg.HTTP.AllowOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.HTTP.AllowOrigins
	} else {
		corsConfig.AllowOrigins = []string{"http://localhost:3000", "http://localhost:5173", "http://127.0.0.1:3000", "http://127.0.0.1:5173"}
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization", "X-API-Key", "X-Requested-With"}
	corsConfig.ExposeHeaders = []string{"Content-Length", "Content-Type"}
	corsConfig.AllowCredentials = true
	corsConfig.MaxAge = 12 * time.Hour

	router.Use(cors.New(corsConfig))

	server := &Server{
		router:      router,
		config:      cfg,
		service:     service,
		mcpServer:   mcpServer,
		authService: NewAuthService(cfg.JWT.Secret, cfg.HTTP.APIKeyHash, logger),
		logger:      logger,
	}

	server.setupRoutes()

	return server, nil
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)

	v1 := s.router.Group("/api/v1")
	{
		auth := v1.Group("/auth")
		{
			auth.POST("/token", s.issueTokenHandler)
		}

		protected := v1.Group("")
		protected.Use(s.authMiddleware())
		{
			migrations := protected.Group("/migrations")
			{
				migrations.GET("", s.listMigrationsHandler)
				migrations.POST("", s.applyAllHandler)
				migrations.GET("/:plugin", s.migrationStatusHandler)
				migrations.GET("/:plugin/journal", s.migrationJournalHandler)
				migrations.GET("/:plugin/snapshots", s.listSnapshotsHandler)
				migrations.GET("/:plugin/snapshots/:version", s.getSnapshotHandler)
				migrations.POST("/:plugin/plan", s.planMigrationHandler)
				migrations.POST("/:plugin/apply", s.applyMigrationHandler)
			}

			if s.mcpServer != nil {
				protected.POST("/mcp", s.HandleMCP)
			}
		}
	}
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.router,
		// Apply can wait on a migration lock and run DDL.
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   5 * time.Minute,
		MaxHeaderBytes: 1 << 20,
	}

	s.logger.Info().Str("address", addr).Msg("Starting HTTP server")
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) healthHandler(c *gin.Context) {
	health := s.service.Health(c.Request.Context())

	status := "healthy"
	code := http.StatusOK
	if health["database"] != "ok" {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	} else if degraded, _ := health["locks_degraded"].(bool); degraded {
		status = "degraded"
	}

	c.JSON(code, gin.H{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"checks":    health,
	})
}
