package server

import (
	"os"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/odooforge/odooforge-backend/internal/handlers"
	"github.com/odooforge/odooforge-backend/internal/middleware"
)

type RouterConfig struct {
	AuthHandler     *handlers.AuthHandler
	AuthMiddleware  *middleware.AuthMiddleware
	SessionHandler  *handlers.SessionHandler
	PipelineHandler *handlers.PipelineHandler
	SSEHandler      *handlers.SSEHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.Default()
	router.Use(otelgin.Middleware("odooforge-backend"))

	// Cors
	allowOrigins := []string{
		"http://localhost:80",
		"http://localhost:3000",
		"http://localhost:5174",
	}
	if extra := os.Getenv("CORS_ALLOW_ORIGINS"); extra != "" {
		allowOrigins = append(allowOrigins, strings.Split(extra, ",")...)
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		AllowCredentials: true,
	}))

	// ===============
	// || Public    ||
	// ===============
	router.GET("/healthcheck", handlers.HealthCheck)
	api := router.Group("/api")
	{
		api.POST("/register", cfg.AuthHandler.Register)
		api.POST("/login", cfg.AuthHandler.Login)
	}

	// ===============
	// || Protected ||
	// ===============
	protected := router.Group("/")
	protected.Use(cfg.AuthMiddleware.RequireAuth())
	// Auth
	protected.POST("/refresh", cfg.AuthHandler.Refresh)
	protected.POST("/logout", cfg.AuthHandler.Logout)
	// SSE
	protected.GET("/sse/stream", cfg.SSEHandler.SSEStream)
	protected.POST("/sse/subscribe", cfg.SSEHandler.SSESubscribe)
	protected.POST("/sse/unsubscribe", cfg.SSEHandler.SSEUnsubscribe)
	// Sessions
	protected.POST("/sessions", cfg.SessionHandler.Create)
	protected.GET("/sessions", cfg.SessionHandler.List)
	protected.GET("/sessions/:id", cfg.SessionHandler.Get)
	protected.GET("/sessions/:id/delivery", cfg.SessionHandler.GetDelivery)
	// Pipeline
	protected.POST("/sessions/:id/specification/generate", cfg.PipelineHandler.GenerateSpecification)
	protected.PUT("/sessions/:id/specification", cfg.PipelineHandler.UpdateSpecification)
	protected.POST("/sessions/:id/specification/approve", cfg.PipelineHandler.ApproveSpecification)
	protected.POST("/sessions/:id/plan/generate", cfg.PipelineHandler.GeneratePlan)
	protected.POST("/sessions/:id/plan/approve", cfg.PipelineHandler.ApprovePlan)
	protected.POST("/sessions/:id/generate", cfg.PipelineHandler.GenerateModule)
	protected.POST("/sessions/:id/acceptance/start", cfg.PipelineHandler.StartAcceptance)
	protected.POST("/sessions/:id/acceptance/verdict", cfg.PipelineHandler.SubmitAcceptanceVerdict)

	return router
}
