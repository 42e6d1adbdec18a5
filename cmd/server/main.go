package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"courier/internal/config"
	"courier/internal/database"
	"courier/internal/handlers"
	"courier/internal/jobs"
	"courier/internal/logging"
	"courier/internal/models"
	"courier/internal/services"
	"courier/pkg/auth"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	// Initialize structured logging (JSON in production, text in dev)
	logging.Init()

	log.Println("🚀 Starting Courier Server...")

	// Load .env file (ignore error if file doesn't exist)
	if err := godotenv.Load(); err == nil {
		log.Println("✅ .env file loaded successfully")
	}

	cfg := config.Load()
	log.Printf("📋 Configuration loaded (Port: %s, DB: %s)", cfg.Port, cfg.DatabasePath)

	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("❌ Failed to open database: %v", err)
	}
	defer db.Close()

	if err := db.Initialize(); err != nil {
		log.Fatalf("❌ Failed to initialize database: %v", err)
	}

	// Stores
	eventStore := services.NewEventStore(db)
	outboxStore := services.NewOutboxStore(db)
	timerStore := services.NewTimerStore(db)
	checkpointStore := services.NewCheckpointStore(db)

	// Optional outbox lease: with Redis configured, a second instance
	// refuses to start instead of double-executing effects.
	instanceID := uuid.New().String()
	if cfg.RedisURL != "" {
		redisService, err := services.NewRedisService(cfg.RedisURL)
		if err != nil {
			log.Fatalf("❌ Failed to connect to Redis: %v", err)
		}
		defer redisService.Close()

		lease, err := redisService.AcquireOutboxLease(context.Background(), instanceID)
		if err != nil {
			log.Fatalf("❌ %v", err)
		}
		defer lease.Release()
	} else {
		log.Println("⚠️ REDIS_URL not set, running without an outbox lease (single instance assumed)")
	}

	// Policy and metadata
	policyGates := services.NewPolicyGates()
	metadataLoader := services.NewCheckpointMetadataLoader(checkpointStore, models.AutonomyLimits{
		MaxConsecutiveSends: cfg.AutonomyMaxConsecutiveSends,
		MinQuietPeriod:      cfg.AutonomyMinQuietPeriod,
		MaxIdlePeriod:       cfg.AutonomyMaxIdlePeriod,
	})

	// Metrics
	connManager := services.NewConnectionManager()
	metrics := services.InitMetrics(connManager)

	// Effect runner
	runner := services.NewEffectRunner(outboxStore, services.EffectRunnerOptions{
		PollInterval:    cfg.PollInterval,
		BatchSize:       cfg.BatchSize,
		EffectTTL:       cfg.EffectTTL,
		Cooldown:        cfg.Cooldown,
		DeliveryTimeout: cfg.DeliveryTimeout,
		Timers:          timerStore,
		Policy:          policyGates,
		Metadata:        metadataLoader.Load,
		Metrics:         metrics,
	})

	// Session pipeline. The echo engine stands in until a real conversation
	// backend is attached.
	engine := services.NewEchoEngine()
	processor := services.NewSessionProcessor(checkpointStore, outboxStore, engine, metrics)
	queue := services.NewEventQueue(func(ctx context.Context, event *models.Event) error {
		_, err := processor.Process(ctx, event)
		if err == nil {
			metadataLoader.Invalidate(event.SessionKey)
		}
		return err
	})

	// Timer daemon re-enqueues elapsed wake-ups as timer_fired events
	timerDaemon := services.NewTimerDaemon(timerStore, eventStore, queue, cfg.TimerPollInterval)

	// Maintenance jobs
	scheduler, err := jobs.NewScheduler()
	if err != nil {
		log.Fatalf("❌ Failed to create job scheduler: %v", err)
	}
	cleanup := jobs.NewRetentionCleanupJob(outboxStore, timerStore, cfg.RetentionPeriod)
	if err := scheduler.RegisterEvery("retention-cleanup", cfg.CleanupInterval, cleanup); err != nil {
		log.Fatalf("❌ Failed to register cleanup job: %v", err)
	}

	// Optional WebSocket auth
	var jwtAuth *auth.LocalJWTAuth
	if cfg.JWTSecret != "" {
		jwtAuth, err = auth.NewLocalJWTAuth(cfg.JWTSecret)
		if err != nil {
			log.Fatalf("❌ Failed to initialize JWT auth: %v", err)
		}
		log.Println("✅ WebSocket JWT auth enabled")
	} else {
		log.Println("⚠️ JWT_SECRET not set, WebSocket auth disabled (development mode only)")
	}

	// HTTP app
	app := fiber.New(fiber.Config{
		AppName:               "Courier",
		DisableStartupMessage: true,
	})
	app.Use(recover.New())
	app.Use(cors.New())

	prometheus := fiberprometheus.New("courier")
	prometheus.RegisterAt(app, "/metrics")
	app.Use(prometheus.Middleware)

	wsHandler := handlers.NewWebSocketHandler(connManager, eventStore, queue, runner,
		jwtAuth, cfg.InboundRatePerSecond, cfg.InboundRateBurst)
	healthHandler := handlers.NewHealthHandler(connManager, outboxStore)

	app.Get("/health", healthHandler.Health)
	app.Use("/ws", wsHandler.Upgrade)
	app.Get("/ws", websocket.New(wsHandler.Handle))

	// Start background machinery
	runner.Start(handlers.NewDeliveryHandler(connManager))
	timerDaemon.Start()
	scheduler.Start()

	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			log.Fatalf("❌ Server failed: %v", err)
		}
	}()
	log.Printf("✅ Courier listening on :%s", cfg.Port)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("🛑 Shutting down...")

	_ = app.Shutdown()
	runner.Stop()
	timerDaemon.Stop()
	if err := scheduler.Stop(); err != nil {
		log.Printf("⚠️ Job scheduler shutdown: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := queue.Shutdown(shutdownCtx); err != nil {
		log.Printf("⚠️ Event queue shutdown: %v", err)
	}

	log.Println("✅ Shutdown complete")
}
