package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/MurbotLabs/Forked/internal/api"
	"github.com/MurbotLabs/Forked/internal/config"
	"github.com/MurbotLabs/Forked/internal/fork"
	"github.com/MurbotLabs/Forked/internal/gateway"
	"github.com/MurbotLabs/Forked/internal/identity"
	"github.com/MurbotLabs/Forked/internal/ingest"
	"github.com/MurbotLabs/Forked/internal/lineage"
	"github.com/MurbotLabs/Forked/internal/logging"
	"github.com/MurbotLabs/Forked/internal/metrics"
	"github.com/MurbotLabs/Forked/internal/policy"
	"github.com/MurbotLabs/Forked/internal/retention"
	"github.com/MurbotLabs/Forked/internal/rewind"
	"github.com/MurbotLabs/Forked/internal/store"
)

func main() {
	logger, err := logging.NewLogger()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	home, err := os.UserHomeDir()
	if err != nil {
		logger.Fatal("failed to resolve home directory", zap.Error(err))
	}
	stateDir := filepath.Join(home, ".forked")
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		logger.Fatal("failed to create state directory", zap.Error(err))
	}

	// Load configuration
	cfg := config.Load(home)
	if cfg.LoadErr() != nil {
		logger.Warn("openclaw config unavailable, starting with defaults", zap.Error(cfg.LoadErr()))
	}

	logger.Info("starting forked daemon",
		zap.Int("api_port", cfg.APIPort),
		zap.Int("ingest_port", cfg.IngestPort),
		zap.String("gateway_url", cfg.GatewayURL),
		zap.Any("retention", cfg.RetentionSetting()))

	metrics.Init()

	// Initialize store
	db, err := store.NewSQLiteStore(filepath.Join(stateDir, "forked.db"))
	if err != nil {
		logger.Fatal("failed to initialize store", zap.Error(err))
	}
	defer db.Close()

	// Initialize device identity
	keeper, err := identity.Load(stateDir, cfg.GatewayToken)
	if err != nil {
		logger.Fatal("failed to load device identity", zap.Error(err))
	}
	logger.Info("device identity ready", zap.String("device_id", keeper.DeviceID()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize delivery policy engine
	policyEngine, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	if err != nil {
		logger.Fatal("failed to initialize policy engine", zap.Error(err))
	}

	// Initialize engines
	lineageEngine := lineage.NewEngine(db, logger)
	if err := lineageEngine.LoadFromStore(ctx); err != nil {
		logger.Fatal("failed to rebuild lineage map", zap.Error(err))
	}

	rewindEngine := rewind.NewEngine(db, logger)
	gatewayClient := gateway.NewClient(cfg.GatewayURL, cfg.GatewayToken, keeper, logger)
	forkEngine := fork.NewEngine(db, lineageEngine, rewindEngine, gatewayClient, policyEngine, cfg, logger)

	pipeline := ingest.NewPipeline(db, lineageEngine, forkEngine, logger)
	ingestServer := ingest.NewServer(pipeline, logger)

	// Background workers
	sweeper := retention.NewSweeper(db, cfg.RetentionDays, logger)
	go sweeper.Run(ctx)
	go forkEngine.RunReaper(ctx)

	// Create API server
	apiServer := echo.New()
	apiServer.HideBanner = true
	apiServer.HidePort = true
	apiServer.Use(middleware.Logger())
	apiServer.Use(middleware.Recover())
	apiServer.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOriginFunc: api.AllowLocalOrigin,
		AllowMethods:    []string{http.MethodGet, http.MethodPost},
	}))

	handler := api.NewHandler(db, lineageEngine, rewindEngine, forkEngine, cfg, logger)
	handler.RegisterRoutes(apiServer)

	// Create ingest server
	ingestEcho := echo.New()
	ingestEcho.HideBanner = true
	ingestEcho.HidePort = true
	ingestEcho.Use(middleware.Recover())
	ingestEcho.GET("/ingest", ingestServer.HandleWebSocket)

	// Start API server
	go func() {
		addr := fmt.Sprintf("127.0.0.1:%d", cfg.APIPort)
		if err := apiServer.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal("failed to start api server", zap.Error(err))
		}
	}()

	// Start ingest server
	go func() {
		addr := fmt.Sprintf("127.0.0.1:%d", cfg.IngestPort)
		if err := ingestEcho.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal("failed to start ingest server", zap.Error(err))
		}
	}()

	logger.Info("forked daemon started")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down forked daemon")
	cancel()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := ingestEcho.Shutdown(shutdownCtx); err != nil {
		logger.Warn("failed to shutdown ingest server gracefully", zap.Error(err))
	}
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("failed to shutdown api server gracefully", zap.Error(err))
	}

	logger.Info("forked daemon stopped")
}
