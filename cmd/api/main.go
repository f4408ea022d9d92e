package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/dora-agent/backend/internal/api/handlers"
	"github.com/dora-agent/backend/internal/cache/redis"
	"github.com/dora-agent/backend/internal/execution"
	"github.com/dora-agent/backend/internal/insight"
	"github.com/dora-agent/backend/internal/intent"
	"github.com/dora-agent/backend/internal/metrics"
	"github.com/dora-agent/backend/internal/middleware/ratelimit"
	"github.com/dora-agent/backend/internal/middleware/security"
	"github.com/dora-agent/backend/internal/orchestrator"
	"github.com/dora-agent/backend/internal/schema"
	"github.com/dora-agent/backend/internal/session"
	"github.com/dora-agent/backend/internal/storage/sqlite"
	"github.com/dora-agent/backend/internal/synthesis"
	"github.com/dora-agent/backend/pkg/config"
	appLogger "github.com/dora-agent/backend/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting delivery-metrics agent API server")

	metrics.Init()

	warehouse, err := sqlite.NewClient(cfg.Warehouse.Path)
	if err != nil {
		appLogger.Fatal("Failed to open warehouse", zap.Error(err))
	}
	defer warehouse.Close()

	if err := warehouse.InitSchema(); err != nil {
		appLogger.Fatal("Failed to initialize warehouse schema", zap.Error(err))
	}
	if err := warehouse.SeedCatalog(); err != nil {
		appLogger.Fatal("Failed to seed schema catalog", zap.Error(err))
	}

	var cache *redis.Client
	if cfg.Redis.Enabled {
		cache, err = redis.NewClient(
			cfg.Redis.Host,
			cfg.Redis.Port,
			cfg.Redis.Password,
			cfg.Redis.DB,
			time.Duration(cfg.Redis.TTLSec)*time.Second,
		)
		if err != nil {
			appLogger.Warn("Redis unavailable, continuing without insight cache", zap.Error(err))
			cache = nil
		} else {
			defer cache.Close()
		}
	}

	catalog := schema.NewCatalog(warehouse)
	snap, err := catalog.Refresh()
	if err != nil {
		appLogger.Fatal("Failed to load schema catalog", zap.Error(err))
	}
	if cache != nil {
		ctx := context.Background()
		if err := cache.SetSnapshot(ctx, snap.Version, snap); err != nil {
			appLogger.Warn("Failed to publish catalog snapshot", zap.Error(err))
		}
		// A new snapshot version means cached answers may be stale.
		if err := cache.InvalidateInsights(ctx); err != nil {
			appLogger.Warn("Failed to invalidate insight cache", zap.Error(err))
		}
	}

	classifier := intent.NewClassifier(cfg.Pipeline.ConfidenceThreshold)
	synthesizer := synthesis.NewSynthesizer()
	adapter := execution.NewWarehouse(warehouse.DB())
	analyzer := insight.NewAnalyzer()

	var narrator orchestrator.NarrationProvider
	if cfg.LLM.Enabled && cfg.LLM.APIKey != "" {
		narrator = insight.NewNarrator(
			cfg.LLM.APIKey,
			cfg.LLM.Model,
			cfg.LLM.Temperature,
			cfg.LLM.MaxTokens,
			cfg.LLM.TimeoutSec,
		)
	}

	sessions := session.NewStore(
		time.Duration(cfg.Session.TTLMinutes)*time.Minute,
		time.Duration(cfg.Session.CleanupInterval)*time.Minute,
	)
	defer sessions.Stop()

	var insightCache orchestrator.InsightCache
	if cache != nil {
		insightCache = cache
	}

	orch := orchestrator.New(
		catalog,
		classifier,
		synthesizer,
		adapter,
		analyzer,
		narrator,
		sessions,
		warehouse,
		insightCache,
		orchestrator.Config{
			SynthesisRetryLimit: cfg.Pipeline.SynthesisRetryLimit,
			ExecutionRetryLimit: cfg.Pipeline.ExecutionRetryLimit,
			DefaultRowLimit:     cfg.Pipeline.DefaultRowLimit,
			RowLimitCeiling:     cfg.Pipeline.RowLimitCeiling,
			ExecTimeout:         time.Duration(cfg.Warehouse.ExecTimeoutSec) * time.Second,
			HistoryDepth:        cfg.Session.HistoryDepth,
			MaskingPolicy:       cfg.Pipeline.MaskingPolicy,
		},
	)

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	app.Use(recover.New())
	app.Use(fiberlogger.New())
	app.Use(security.HeadersMiddleware(security.HeadersConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		IsDevelopment:  cfg.Server.Env == "development",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST, OPTIONS",
	}))

	limiter := ratelimit.New(ratelimit.Config{
		MaxRequestsPerMinute: cfg.Server.RateLimitPerMinute,
		WindowDuration:       time.Minute,
		Logger:               appLogger.GetLogger(),
	})
	defer limiter.Stop()

	chatHandler := handlers.NewChatHandler(orch, warehouse, cfg.Session.HistoryDepth)
	wsHandler := handlers.NewWebSocketHandler(orch)

	api := app.Group("/api/v1")
	api.Use(limiter.Middleware())

	api.Post("/chat", chatHandler.HandleChat)
	api.Get("/sessions/:id/history", chatHandler.GetSessionHistory)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/chat", websocket.New(wsHandler.HandleConnection))

	app.Get("/metrics", metrics.MetricsHandler())

	api.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "healthy",
			"time":   time.Now().Unix(),
		})
	})

	api.Get("/ready", func(c *fiber.Ctx) error {
		if _, err := catalog.Snapshot(); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"status": "catalog unavailable",
			})
		}
		return c.JSON(fiber.Map{
			"status": "ready",
		})
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	app.Shutdown()
	appLogger.Info("Server stopped")
}
