package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/odooforge/odooforge-backend/internal/clients/envprov"
	"github.com/odooforge/odooforge-backend/internal/clients/llm"
	redisclient "github.com/odooforge/odooforge-backend/internal/clients/redis"
	"github.com/odooforge/odooforge-backend/internal/clients/testrunner"
	"github.com/odooforge/odooforge-backend/internal/db"
	"github.com/odooforge/odooforge-backend/internal/handlers"
	"github.com/odooforge/odooforge-backend/internal/logger"
	"github.com/odooforge/odooforge-backend/internal/middleware"
	"github.com/odooforge/odooforge-backend/internal/observability"
	"github.com/odooforge/odooforge-backend/internal/repos"
	"github.com/odooforge/odooforge-backend/internal/server"
	"github.com/odooforge/odooforge-backend/internal/services"
	"github.com/odooforge/odooforge-backend/internal/sse"
	"github.com/odooforge/odooforge-backend/internal/utils"
)

func main() {
	// Logger
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// Tracing
	ctx := context.Background()
	shutdownOTel := observability.InitOTel(ctx, log, observability.OtelConfig{
		ServiceName: "odooforge-backend",
		Environment: utils.GetEnv("APP_ENV", "development", log),
		Version:     utils.GetEnv("APP_VERSION", "dev", log),
	})
	if shutdownOTel != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownOTel(shutdownCtx)
		}()
	}

	// Env
	log.Info("Loading environment variables from main...")
	jwtSecretKey := utils.GetEnv("JWT_SECRET_KEY", "defaultsecret", log)
	accessTokenTTL := utils.GetEnvAsInt("ACCESS_TOKEN_TTL", 3600, log)
	refreshTokenTTL := utils.GetEnvAsInt("REFRESH_TOKEN_TTL", 86400, log)

	// Database
	dbService, err := db.New(log)
	if err != nil {
		log.Error("Database init failed", "error", err)
		os.Exit(1)
	}
	if err = dbService.AutoMigrateAll(); err != nil {
		log.Warn("Auto migation failed", "error", err)
	}
	gdb := dbService.DB()

	// Repos
	log.Info("Setting up Repos from main...")
	userRepo := repos.NewUserRepo(gdb, log)
	userTokenRepo := repos.NewUserTokenRepo(gdb, log)
	buildSessionRepo := repos.NewBuildSessionRepo(gdb, log)
	artifactRepo := repos.NewModuleArtifactRepo(gdb, log)
	verdictRepo := repos.NewTestVerdictRepo(gdb, log)
	acceptRepo := repos.NewAcceptanceVerdictRepo(gdb, log)
	deliveryRepo := repos.NewDeliveryPackageRepo(gdb, log)

	// SSE
	log.Info("Setting up SSE hub now...")
	sseHub := sse.NewSSEHub(log)
	var sseBus redisclient.SSEBus
	if os.Getenv("REDIS_ADDR") != "" {
		sseBus, err = redisclient.NewSSEBus(log)
		if err != nil {
			log.Warn("Redis SSE bus init failed, running with local hub only", "error", err)
			sseBus = nil
		} else {
			if err := sseBus.StartForwarder(ctx, sseHub.Broadcast); err != nil {
				log.Warn("Redis SSE forwarder failed to start", "error", err)
			}
			defer sseBus.Close()
		}
	}

	// Clients
	log.Info("Setting up collaborator clients from main...")
	generator, err := llm.New(log)
	if err != nil {
		log.Error("Could not init generation client", "error", err)
		os.Exit(1)
	}
	runner, err := testrunner.New(log)
	if err != nil {
		log.Error("Could not init test runner client", "error", err)
		os.Exit(1)
	}
	provisioner, err := envprov.New(log)
	if err != nil {
		log.Error("Could not init environment provisioner client", "error", err)
		os.Exit(1)
	}

	// Services
	log.Info("Setting up Services from main...")
	bucketService, err := services.NewBucketService(log)
	if err != nil {
		log.Error("Could not init BucketService", "error", err)
		os.Exit(1)
	}
	authService := services.NewAuthService(gdb, log, userRepo, userTokenRepo, jwtSecretKey,
		time.Duration(accessTokenTTL)*time.Second, time.Duration(refreshTokenTTL)*time.Second)
	sessionStore := services.NewSessionStore(gdb, log, buildSessionRepo)
	deliveryService := services.NewDeliveryService(log, bucketService, deliveryRepo)
	notifier := services.NewNotifier(log, sseHub, sseBus)
	orchestrator := services.NewOrchestrator(log, sessionStore, artifactRepo, verdictRepo, acceptRepo,
		generator, runner, provisioner, deliveryService, notifier)

	// Handlers
	log.Info("Setting up handlers from main...")
	authHandler := handlers.NewAuthHandler(authService)
	sessionHandler := handlers.NewSessionHandler(log, orchestrator)
	pipelineHandler := handlers.NewPipelineHandler(log, orchestrator)
	sseHandler := handlers.NewSSEHandler(log, sseHub, orchestrator)

	// Middleware
	log.Info("Setting up middleware from main...")
	authMiddleware := middleware.NewAuthMiddleware(log, authService)

	// Router
	log.Info("Setting up router from main...")
	router := server.NewRouter(server.RouterConfig{
		AuthHandler:     authHandler,
		AuthMiddleware:  authMiddleware,
		SessionHandler:  sessionHandler,
		PipelineHandler: pipelineHandler,
		SSEHandler:      sseHandler,
	})

	port := utils.GetEnv("PORT", "8080", log)
	fmt.Printf("Server listening on :%s\n", port)
	if err := router.Run(":" + port); err != nil {
		log.Warn("Server failed", "error", err)
	}
}
