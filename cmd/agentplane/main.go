// Package main is the entry point for the Agentplane control plane.
// The single binary hosts the session manager, the HTTP API and the
// WebSocket event gateway.
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
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/agentplane/agentplane/internal/common/config"
	"github.com/agentplane/agentplane/internal/common/httpmw"
	"github.com/agentplane/agentplane/internal/common/logger"
	"github.com/agentplane/agentplane/internal/common/tracing"
	"github.com/agentplane/agentplane/internal/db"
	"github.com/agentplane/agentplane/internal/events/bus"
	gateway "github.com/agentplane/agentplane/internal/gateway/websocket"
	"github.com/agentplane/agentplane/internal/profile"
	"github.com/agentplane/agentplane/internal/sandbox"
	"github.com/agentplane/agentplane/internal/sandbox/docker"
	"github.com/agentplane/agentplane/internal/sandbox/sprites"
	"github.com/agentplane/agentplane/internal/session"
	"github.com/agentplane/agentplane/internal/session/handlers"
	"github.com/agentplane/agentplane/internal/session/store"

	// Agent architectures register themselves on import.
	_ "github.com/agentplane/agentplane/internal/arch/claude"
	_ "github.com/agentplane/agentplane/internal/arch/opencode"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("Starting Agentplane...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Tracing.Endpoint != "" {
		if err := tracing.Init(ctx, cfg.Tracing.Endpoint); err != nil {
			log.Warn("Failed to initialize tracing", zap.Error(err))
		}
	}

	// Event bus: in-memory by default, NATS when configured.
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
	} else {
		log.Info("Using in-memory event bus")
		eventBus = bus.NewMemoryEventBus(log)
	}
	defer eventBus.Close()

	// Database pool: a serialized writer plus a concurrent reader for
	// sqlite, a single shared pool for postgres.
	var pool *db.Pool
	switch cfg.Database.Driver {
	case "postgres":
		conn, err := db.OpenPostgres(cfg.Database.DSN(), cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			log.Fatal("Failed to open postgres database", zap.Error(err))
		}
		shared := sqlx.NewDb(conn, db.PGX)
		pool = db.NewPool(shared, shared)
	default:
		writerConn, err := db.OpenSQLite(cfg.Database.Path)
		if err != nil {
			log.Fatal("Failed to open sqlite database", zap.Error(err), zap.String("path", cfg.Database.Path))
		}
		readerConn, err := db.OpenSQLiteReader(cfg.Database.Path)
		if err != nil {
			log.Fatal("Failed to open sqlite reader", zap.Error(err), zap.String("path", cfg.Database.Path))
		}
		pool = db.NewPool(sqlx.NewDb(writerConn, db.SQLite3), sqlx.NewDb(readerConn, db.SQLite3))
	}

	st, err := store.New(pool)
	if err != nil {
		log.Fatal("Failed to initialize session store", zap.Error(err))
	}
	defer func() { _ = st.Close() }()
	log.Info("Session store initialized", zap.String("driver", cfg.Database.Driver))

	if cfg.Profiles.Dir != "" {
		if err := profile.Seed(ctx, cfg.Profiles.Dir, st, log); err != nil {
			log.Fatal("Failed to seed agent profiles", zap.Error(err), zap.String("dir", cfg.Profiles.Dir))
		}
	}

	// Sandbox provider.
	watchCfg := sandbox.WatchConfig{
		Debounce: cfg.Session.Debounce(),
		Limits:   sandbox.NewContentLimits(cfg.Session.MaxWatchedFileBytes, cfg.Session.BinaryExtensions),
	}
	var provider sandbox.Provider
	switch cfg.Sandbox.Provider {
	case "sprites":
		provider, err = sprites.NewProvider(cfg.Sandbox, watchCfg, log)
		if err != nil {
			log.Fatal("Failed to initialize sprites provider", zap.Error(err))
		}
	default:
		dockerProvider, err := docker.NewProvider(cfg.Sandbox, watchCfg, log)
		if err != nil {
			log.Fatal("Failed to initialize docker provider", zap.Error(err))
		}
		defer func() { _ = dockerProvider.Close() }()
		provider = dockerProvider
	}
	log.Info("Sandbox provider initialized", zap.String("provider", cfg.Sandbox.Provider))

	manager := session.NewManager(eventBus, st, provider, session.OptionsFromConfig(cfg.Session), log)

	// WebSocket gateway.
	hub := gateway.NewHub(eventBus, log)
	if err := hub.Start(); err != nil {
		log.Fatal("Failed to start websocket hub", zap.Error(err))
	}
	wsHandler := gateway.NewHandler(hub, log)

	// HTTP server.
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, "agentplane"))
	router.Use(httpmw.OtelTracing("agentplane"))
	router.Use(corsMiddleware())

	router.GET("/ws", wsHandler.HandleConnection)
	handlers.RegisterRoutes(router, manager, log)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "agentplane",
		})
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("Server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	log.Info("API configured",
		zap.String("websocket", "/ws"),
		zap.String("http", "/api/v1"),
		zap.String("health", "/health"),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Agentplane...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	hub.Stop()
	manager.Close(shutdownCtx)

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("Tracing shutdown error", zap.Error(err))
	}

	log.Info("Agentplane stopped")
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
