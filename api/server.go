package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"example.com/backstage/services/workflow/config"
	"example.com/backstage/services/workflow/handlers"
	"example.com/backstage/services/workflow/metrics"
	"example.com/backstage/services/workflow/migration"
	"example.com/backstage/services/workflow/projections"
	"example.com/backstage/services/workflow/readmodel"
)

// Server is the HTTP server for the API
type Server struct {
	cfg             config.Config
	router          *gin.Engine
	httpServer      *http.Server
	db              *gorm.DB
	workflowHandler *handlers.WorkflowHandler
	readModels      *readmodel.Store
	stats           *readmodel.StatsProvider
	cleaner         *readmodel.Cleaner
	engine          *projections.Engine
	migrator        *migration.Engine
	metrics         *metrics.Metrics
}

// NewServer creates a new API server
func NewServer(
	cfg config.Config,
	db *gorm.DB,
	workflowHandler *handlers.WorkflowHandler,
	readModels *readmodel.Store,
	stats *readmodel.StatsProvider,
	cleaner *readmodel.Cleaner,
	engine *projections.Engine,
	migrator *migration.Engine,
	collector *metrics.Metrics,
) *Server {
	server := &Server{
		cfg:             cfg,
		router:          gin.New(),
		db:              db,
		workflowHandler: workflowHandler,
		readModels:      readModels,
		stats:           stats,
		cleaner:         cleaner,
		engine:          engine,
		migrator:        migrator,
		metrics:         collector,
	}

	server.setupMiddleware()
	server.setupRoutes()

	return server
}

// setupMiddleware adds middleware to the router
func (s *Server) setupMiddleware() {
	s.router.Use(RequestIDMiddleware())
	s.router.Use(CORSMiddleware())
	s.router.Use(gin.Recovery())
	s.router.Use(LoggingMiddleware())
}

// setupRoutes defines the API routes
func (s *Server) setupRoutes() {
	// Health check
	s.router.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})

	v1 := s.router.Group("/api/v1")

	// Workflow commands
	workflowRoutes := v1.Group("/workflows")
	{
		workflowRoutes.POST("", s.createWorkflow)
		workflowRoutes.POST("/:id/start", s.startWorkflow)
		workflowRoutes.POST("/:id/complete", s.completeWorkflow)
		workflowRoutes.POST("/:id/fail", s.failWorkflow)
		workflowRoutes.POST("/:id/cancel", s.cancelWorkflow)
		workflowRoutes.POST("/:id/tasks", s.addTask)
		workflowRoutes.POST("/:id/tasks/:taskID/start", s.startTask)
		workflowRoutes.POST("/:id/tasks/:taskID/complete", s.completeTask)
		workflowRoutes.POST("/:id/tasks/:taskID/fail", s.failTask)

		// Workflow queries
		workflowRoutes.GET("", s.listWorkflows)
		workflowRoutes.GET("/:id", s.getWorkflow)
		workflowRoutes.GET("/:id/tasks", s.listTasks)
		workflowRoutes.GET("/:id/history", s.getWorkflowHistory)
	}

	v1.GET("/stats", s.getStats)
	v1.GET("/metrics", s.getMetrics)

	// Admin routes
	adminRoutes := v1.Group("/admin")
	{
		adminRoutes.GET("/projections", s.listProjections)
		adminRoutes.POST("/projections/:name/pause", s.pauseProjection)
		adminRoutes.POST("/projections/:name/resume", s.resumeProjection)
		adminRoutes.POST("/projections/:name/rebuild", s.rebuildProjection)

		adminRoutes.POST("/migration/run", s.runMigration)
		adminRoutes.POST("/migration/validate", s.validateMigration)
		adminRoutes.POST("/migration/rollback", s.rollbackMigration)

		adminRoutes.POST("/cleanup", s.runCleanup)
		adminRoutes.POST("/stats/refresh", s.refreshStats)
	}
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:    s.cfg.Server.Address,
		Handler: s.router,
	}

	log.Info().Msgf("HTTP server starting on %s", s.cfg.Server.Address)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
