package main

import (
	"context"
	"log"
	"os"

	"github.com/getsentry/sentry-go"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	controller "nurtura/controllers"
	"nurtura/config"
	"nurtura/engine"
	"nurtura/middleware"
	"nurtura/routes"
	"nurtura/utils"
	"nurtura/worker"
)

func main() {
	logger := log.New(os.Stdout, "SERVER: ", log.Ldate|log.Ltime|log.Lshortfile)

	// Load configuration
	if err := config.LoadConfig(); err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize database connection
	if err := config.ConnectDB(); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}

	// Sentry for dispatch failure reporting
	if config.AppConfig.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         config.AppConfig.SentryDSN,
			Environment: config.AppConfig.Environment,
		}); err != nil {
			logger.Printf("Sentry initialization failed: %v", err)
		}
	}

	engineLogger := logrus.New()
	engineLogger.SetFormatter(&logrus.JSONFormatter{})
	if config.AppConfig.Environment == "development" {
		engineLogger.SetLevel(logrus.DebugLevel)
	}

	// Wire the engine: SMTP transport, DB-backed template resolution and the
	// websocket progress hub as the transition hook
	mailer := utils.NewSMTPMailer(
		config.AppConfig.SMTP.Host,
		config.AppConfig.SMTP.Port,
		config.AppConfig.SMTP.Username,
		config.AppConfig.SMTP.Password,
		config.AppConfig.SMTP.FromName,
		config.AppConfig.SMTP.FromEmail,
		config.AppConfig.BaseURL,
		config.AppConfig.TrackingSecret,
		log.New(os.Stdout, "MAILER: ", log.LstdFlags),
	)
	resolver := utils.NewDBTemplateResolver(config.DB)
	hub := controller.NewProgressHub(log.New(os.Stdout, "PROGRESS: ", log.LstdFlags))

	eng := engine.New(config.DB, engineLogger, mailer, resolver,
		engine.WithTransitionHook(hub.Broadcast),
	)

	// Re-derive in-flight state before accepting traffic
	if err := eng.Recover(); err != nil {
		logger.Fatalf("Engine recovery failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.Run(ctx)

	sequenceWorker := worker.NewSequenceWorker(config.DB, eng,
		log.New(os.Stdout, "SEQUENCE: ", log.LstdFlags),
		config.AppConfig.WakePollInterval,
		config.AppConfig.RetryPollInterval,
	)
	go sequenceWorker.Start(ctx)

	replyWorker := worker.NewReplyWorker(config.DB, eng,
		log.New(os.Stdout, "REPLY: ", log.LstdFlags),
		config.AppConfig.IMAP,
		config.AppConfig.ReplyPollInterval,
	)
	go replyWorker.Start(ctx)

	// Create Fiber app
	app := fiber.New()
	app.Use(middleware.CORS())

	routes.SetupRoutes(app, config.DB, eng, hub)

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "running",
			"version": "1.0.0",
		})
	})

	// Start server
	logger.Printf("🚀 Server starting on port %s", config.AppConfig.ServerPort)
	if err := app.Listen(":" + config.AppConfig.ServerPort); err != nil {
		logger.Fatalf("Failed to start server: %v", err)
	}
}
