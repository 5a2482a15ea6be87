package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/ociproxy/imgfetch/config"
	"github.com/ociproxy/imgfetch/pkg/api"
	"github.com/ociproxy/imgfetch/pkg/archiver"
	middleware "github.com/ociproxy/imgfetch/pkg/middlewares"
	"github.com/ociproxy/imgfetch/pkg/progressbus"
	"github.com/ociproxy/imgfetch/pkg/registryclient"
	"github.com/ociproxy/imgfetch/pkg/scheduler"
	"github.com/ociproxy/imgfetch/pkg/sweeper"
	"github.com/ociproxy/imgfetch/pkg/taskstore"
	"github.com/ociproxy/imgfetch/pkg/utils"
	"github.com/ociproxy/imgfetch/pkg/version"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

func setupHTTPServer(app *fiber.App, port int, log *utils.Logger) {
	log.WithFunc().Info("application starting")

	if port == 0 {
		port = 3030
	}
	if err := app.Listen(fmt.Sprintf(":%d", port)); err != nil {
		log.WithFunc().WithError(err).Fatal("HTTP server failed")
	}
}

func main() {
	cfg, err := config.LoadConfig("config/config.yaml")
	if err != nil {
		logrus.WithError(err).Fatal("failed to load configuration")
	}

	logConfig := utils.Config{
		LogLevel:  cfg.Logging.Level,
		LogFormat: cfg.Logging.Format,
		Pretty:    true,
	}
	if logConfig.LogLevel == "" {
		logConfig.LogLevel = "info"
	}
	if logConfig.LogFormat == "" {
		logConfig.LogFormat = "text"
	}
	log := utils.NewLogger(logConfig)

	log.WithFields(logrus.Fields{
		"version": version.Version,
		"commit":  version.Commit,
	}).Info("imgfetch engine starting")

	pathManager := utils.NewPathManager(cfg.Downloads.Root, log)

	store := taskstore.New(pathManager, log)
	if err := store.Recover(); err != nil {
		log.WithFunc().WithError(err).Fatal("failed to recover task store")
	}

	client := registryclient.NewClient(log)
	bus := progressbus.New(log)
	sched := scheduler.New(cfg.Scheduler, cfg.Registries, store, client, bus, log)
	sched.RecoverTasks(context.Background())

	arc, err := archiver.New(cfg, log)
	if err != nil {
		log.WithFunc().WithError(err).Fatal("failed to initialize archiver")
	}

	sweep := sweeper.New(cfg.Sweeper, store, arc, log)
	sweep.Start()

	downloadsHandler := api.NewDownloadsHandler(store, sched, bus, log)
	sizeHandler := api.NewSizeHandler(client, cfg.Registries, log)
	streamHandler := api.NewStreamHandler(bus, log)
	maintenanceHandler := api.NewMaintenanceHandler(sweep, log)
	authMiddleware := middleware.NewAuthMiddleware(cfg, log)

	app := fiber.New(fiber.Config{
		AppName:       "imgfetch",
		CaseSensitive: true,
		StrictRouting: true,
		ServerHeader:  "imgfetch",
		BodyLimit:     1024 * 1024 * 1024,

		ErrorHandler: func(c *fiber.Ctx, err error) error {
			log.WithFields(logrus.Fields{
				"path":   c.Path(),
				"method": c.Method(),
				"error":  err.Error(),
			}).Error("error handling request")
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"code":    fiber.StatusInternalServerError,
				"message": "internal server error",
			})
		},
	})

	app.Use(func(c *fiber.Ctx) error {
		if c.Path() == "/api/health" {
			log.Debug("health check")
			return c.Next()
		}
		log.WithFields(logrus.Fields{
			"path":   c.Path(),
			"method": c.Method(),
		}).Info("incoming request")
		return c.Next()
	})

	app.Get("/api/health", api.Health)

	apiGroup := app.Group("/api")
	apiGroup.Use(authMiddleware.Authenticate())
	apiGroup.Post("/downloads", downloadsHandler.Create)
	apiGroup.Get("/downloads", downloadsHandler.List)
	apiGroup.Get("/downloads/:id", downloadsHandler.Get)
	apiGroup.Post("/downloads/:id/pause", downloadsHandler.Pause)
	apiGroup.Post("/downloads/:id/resume", downloadsHandler.Resume)
	apiGroup.Post("/downloads/:id/cancel", downloadsHandler.Cancel)
	apiGroup.Post("/downloads/:id/retry", downloadsHandler.Retry)
	apiGroup.Delete("/downloads/:id", downloadsHandler.Delete)
	apiGroup.Get("/images/size", sizeHandler.Get)
	apiGroup.Post("/maintenance/sweep", maintenanceHandler.Sweep)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/downloads/:id", websocket.New(streamHandler.Task))
	app.Get("/ws/downloads", websocket.New(streamHandler.Global))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		log.WithFunc().Info("shutdown signal received")
		sweep.Stop()
		sched.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			log.WithFunc().WithError(err).Warn("error during graceful shutdown")
		}
	}()

	setupHTTPServer(app, cfg.Server.Port, log)
}
