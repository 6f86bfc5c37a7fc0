package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"agent-scheduler/internal/clock"
	"agent-scheduler/internal/config"
	"agent-scheduler/internal/database"
	"agent-scheduler/internal/handlers"
	applog "agent-scheduler/internal/logger"
	"agent-scheduler/internal/services/agents"
	"agent-scheduler/internal/services/dispatcher"
	"agent-scheduler/internal/services/history"
	"agent-scheduler/internal/services/monitor"
	"agent-scheduler/internal/services/scheduler"
	"agent-scheduler/internal/services/store"
	ws "agent-scheduler/internal/services/websocket"
)

type Options struct {
	Config string `short:"c" long:"config" default:"config.yaml" description:"config YAML path"`
}

func main() {
	var opts Options
	if _, err := flags.Parse(&opts); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	// Load .env file if exists
	godotenv.Load()

	cfg, err := config.Load(opts.Config)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Override with .env PORT if set
	if envPort := os.Getenv("PORT"); envPort != "" {
		if port, err := strconv.Atoi(envPort); err == nil {
			cfg.Server.Port = port
		}
	}

	lg, err := applog.New(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer lg.Sync()

	if err := run(cfg, lg); err != nil {
		lg.Fatal("scheduler exited", zap.Error(err))
	}
}

func run(cfg *config.Config, lg *zap.Logger) error {
	db, err := database.Connect(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer database.Close(db)
	if err := database.Migrate(db); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	registry := agents.NewRegistry()
	if err := agents.RegisterBuiltins(registry, cfg.Agents, lg.Named("agents")); err != nil {
		return fmt.Errorf("register agents: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := ws.NewHub(lg.Named("hub"))
	go hub.Run(ctx)

	clk := clock.Real()
	st := store.New(db, cfg.Scheduler.LeaseGrace)
	hist := history.New(db, clk)
	disp := dispatcher.New(st, hist, registry, dispatcher.Options{
		TickInterval:   cfg.Scheduler.TickInterval,
		MaxConcurrency: cfg.Scheduler.MaxConcurrency,
		SuccessWindow:  cfg.History.Window,
		Retention:      cfg.History.Retention,
		Clock:          clk,
		Publisher:      hub,
		Logger:         lg,
	})
	svc := scheduler.New(st, hist, registry, disp, clk, lg)

	app := fiber.New(fiber.Config{
		AppName:               "agent-scheduler",
		DisableStartupMessage: true,
		ErrorHandler:          handlers.ErrorHandler,
	})

	// Middleware
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${locals:requestid} ${status} - ${method} ${path} ${latency}\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins:     "*",
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept",
		AllowCredentials: false,
	}))

	setupRoutes(app, svc, monitor.Sampler{Paths: cfg.Agents.SystemMonitor.Paths}, hub, lg)

	if err := disp.Start(ctx); err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	serveErr := make(chan error, 1)
	go func() {
		lg.Info("scheduler listening", zap.String("addr", addr))
		serveErr <- app.Listen(addr)
	}()

	select {
	case <-ctx.Done():
		lg.Info("shutting down")
	case err = <-serveErr:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Scheduler.ShutdownTimeout)
	defer cancel()
	if shutErr := app.ShutdownWithContext(shutdownCtx); shutErr != nil {
		lg.Warn("http shutdown", zap.Error(shutErr))
	}
	if stopErr := disp.Stop(shutdownCtx); stopErr != nil {
		lg.Warn("dispatcher shutdown", zap.Error(stopErr))
	}
	return err
}

func setupRoutes(app *fiber.App, svc *scheduler.Service, sampler monitor.Sampler, hub *ws.Hub, lg *zap.Logger) {
	dash := handlers.NewDashboardHandler(sampler, hub)
	app.Get("/healthz", dash.Health)

	api := app.Group("/api/scheduler")
	handlers.NewSchedulerHandler(svc, lg).Register(api)
	api.Get("/system", dash.GetSystemStats)

	// WebSocket
	api.Use("/ws", handlers.RequireUpgrade)
	api.Get("/ws/executions", dash.Executions())
}
