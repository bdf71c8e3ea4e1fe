package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/ragserve/auth"
	"github.com/ragserve/config"
	"github.com/ragserve/handlers"
	"github.com/ragserve/models"
	"github.com/ragserve/services/impl"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load configuration:", err)
	}

	// Initialize database connection
	db, err := initDB(cfg.GetDatabaseDSN())
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}

	// Auto-migrate database schema
	if err := db.AutoMigrate(
		&models.Tenant{},
		&models.QuotaState{},
		&models.Document{},
		&models.Chunk{},
		&models.ChatLog{},
		&models.AuditRecord{},
		&models.FeedbackRecord{},
	); err != nil {
		log.Fatal("Failed to migrate database:", err)
	}

	// Redis backs the answer cache; everything degrades to in-process
	// memory when it is unreachable.
	var redisClient *redis.Client
	if cfg.Redis.Host != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.GetRedisAddress(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if _, err := redisClient.Ping(context.Background()).Result(); err != nil {
			log.Printf("Warning: Redis connection failed, answer cache falls back to memory: %v", err)
			redisClient = nil
		} else {
			log.Println("Redis connection established for answer cache")
		}
	}

	// Initialize the RAG engine
	engine, err := impl.NewEngine(cfg, db, redisClient)
	if err != nil {
		log.Fatal("Failed to initialize engine:", err)
	}

	// Setup router
	router := setupRouter(engine, cfg)

	// Start server
	srv := &http.Server{
		Addr:         cfg.GetServerAddress(),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	go func() {
		log.Printf("RAG server starting on %s", cfg.GetServerAddress())
		log.Printf("LLM endpoint: %s (model %s)", cfg.LLM.BaseURL, cfg.LLM.Model)
		log.Printf("Environment: %s", os.Getenv("ENVIRONMENT"))

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server:", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	// Persist dirty indexes after the HTTP server has drained.
	if err := engine.Shutdown(ctx); err != nil {
		log.Printf("Engine shutdown error: %v", err)
	}

	log.Println("Server exited")
}

func initDB(databaseURL string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(databaseURL), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	// Configure connection pool
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return db, nil
}

func setupRouter(engine *impl.Engine, cfg *config.Config) *gin.Engine {
	// Set gin mode based on environment
	if os.Getenv("ENVIRONMENT") == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// Middleware
	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	// CORS middleware
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = cfg.Auth.AllowedOrigins
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.AllowCredentials = true
	router.Use(cors.New(corsConfig))

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"timestamp": time.Now(),
			"service":   "ragserve",
		})
	})

	// Prometheus metrics
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Handlers
	documentHandlers := handlers.NewDocumentHandlers(engine.Ingestion, engine.Documents, cfg.Upload.MaxFileSizeBytes)
	queryHandlers := handlers.NewQueryHandlers(engine.Query)
	tenantHandlers := handlers.NewTenantHandlers(engine.Quota, engine.Audit, engine.Feedback)

	// API v1 routes behind JWT auth
	v1 := router.Group("/api/v1")
	v1.Use(auth.Middleware(auth.NewJWTValidator(cfg.Auth.JWTSecret)))

	documents := v1.Group("/documents")
	{
		documents.POST("", documentHandlers.Upload)
		documents.GET("", documentHandlers.ListDocuments)
		documents.GET("/stats", documentHandlers.GetStats)
		documents.GET("/:id", documentHandlers.GetDocument)
		documents.DELETE("/:id", documentHandlers.DeleteDocument)
		documents.POST("/:id/reprocess", documentHandlers.Reprocess)
	}

	v1.POST("/index/rebuild", auth.RequireRole(auth.RoleAdmin), documentHandlers.RebuildIndex)

	v1.POST("/query", queryHandlers.Query)

	v1.POST("/feedback", tenantHandlers.SubmitFeedback)
	v1.GET("/feedback/stats", tenantHandlers.GetFeedbackStats)
	v1.GET("/audit", tenantHandlers.ListAudit)
	v1.GET("/quota", tenantHandlers.GetQuota)

	return router
}
