package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/agent/store"
	"github.com/agentdeck/agentdeck/internal/common/config"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/deploy/a2a"
	"github.com/agentdeck/agentdeck/internal/deploy/api"
	"github.com/agentdeck/agentdeck/internal/deploy/lifecycle"
	"github.com/agentdeck/agentdeck/internal/deploy/ports"
	"github.com/agentdeck/agentdeck/internal/deploy/supervisor"
	"github.com/agentdeck/agentdeck/internal/events/bus"
	"github.com/agentdeck/agentdeck/internal/logstream/broker"
	"github.com/agentdeck/agentdeck/internal/logstream/streaming"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting deployment service...")

	// 3. Event bus: NATS when configured, in-memory otherwise
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("Using in-memory event bus")
	}
	defer eventBus.Close()

	// 4. Agent/tool store
	var agentStore store.Store
	switch cfg.Store.Driver {
	case "sqlite":
		sqliteStore, err := store.NewSQLiteStore(cfg.Store.Path)
		if err != nil {
			log.Fatal("Failed to open agent store", zap.Error(err))
		}
		agentStore = sqliteStore
		log.Info("Opened SQLite agent store", zap.String("path", cfg.Store.Path))
	default:
		agentStore = store.NewMemoryStore()
		log.Info("Using in-memory agent store")
	}
	defer agentStore.Close()

	// 5. Port allocator with the per-role ranges
	allocator := ports.NewAllocator(cfg.Ports)

	// 6. Log broker and websocket hub
	logBroker := broker.New(log)
	hub := streaming.NewHub(logBroker, log)
	go hub.Run()

	// 7. Process launcher: local os/exec or docker
	var launcher supervisor.Launcher
	if cfg.Supervisor.Runtime == "docker" {
		dockerLauncher, err := supervisor.NewDockerLauncher(cfg.Docker, log)
		if err != nil {
			log.Fatal("Failed to initialize Docker launcher", zap.Error(err))
		}
		launcher = dockerLauncher
		log.Info("Using Docker process runtime", zap.String("image", cfg.Docker.Image))
	} else {
		launcher = supervisor.NewLocalLauncher(log)
		log.Info("Using local process runtime")
	}

	sup := supervisor.New(launcher, logBroker, cfg.Supervisor.GraceTimeoutDuration(), log)

	// 8. Deployment lifecycle manager
	manager := lifecycle.NewManager(agentStore, allocator, sup, logBroker, eventBus, log)

	// 9. A2A coordinator watching deployment events
	coordinator := a2a.NewCoordinator(manager, eventBus, log)
	if err := coordinator.Start(); err != nil {
		log.Fatal("Failed to start A2A coordinator", zap.Error(err))
	}
	defer coordinator.Close()

	// 10. HTTP server with Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	api.NewHandler(manager, coordinator, log).RegisterRoutes(router)
	streaming.NewHandlers(hub, log).RegisterRoutes(router)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 11. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down deployment service...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	hub.Shutdown()
	manager.Shutdown(shutdownCtx)

	log.Info("Deployment service stopped")
}
