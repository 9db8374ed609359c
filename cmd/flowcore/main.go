// Command flowcore is the unified entry point for the agent orchestration
// runtime. One process owns the message bus, the tool-server registry, the
// command catalog, and the router that drives every configured command's
// agent sessions.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/flowcore/flowcore/internal/common/config"
	"github.com/flowcore/flowcore/internal/common/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting flowcore", zap.String("instanceId", cfg.Server.InstanceID))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, closeApp, err := wireApp(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to wire application", zap.Error(err))
	}
	defer closeApp()

	if err := app.router.Start(); err != nil {
		log.Fatal("failed to start router", zap.Error(err))
	}
	log.Info("router started",
		zap.Int("commands", len(app.catalog.Names())),
		zap.String("busProvider", cfg.Bus.Provider),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down flowcore")
	cancel()

	if err := app.toolServers.Close(); err != nil {
		log.Error("tool-server registry close error", zap.Error(err))
	}

	log.Info("flowcore stopped")
}
