// Command platform runs the game-hosting platform service: the HTTP API,
// the room registry and its runtime supervisor, and the persistent store
// they share.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dungeongate/platform/internal/api"
	"github.com/dungeongate/platform/internal/game"
	"github.com/dungeongate/platform/internal/rating"
	"github.com/dungeongate/platform/internal/room"
	"github.com/dungeongate/platform/internal/runtime"
	"github.com/dungeongate/platform/internal/session"
	"github.com/dungeongate/platform/internal/store"
	"github.com/dungeongate/platform/pkg/config"
	"github.com/dungeongate/platform/pkg/logging"
	"github.com/dungeongate/platform/pkg/metrics"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger("platform", logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Output: cfg.LogOutput,
		File:   cfg.LogFile,
	})

	reg := metrics.NewRegistry("platform", version, buildTime, gitCommit, logger)

	st, err := store.Open(cfg.StorePath, logger)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}

	sessions := session.NewService(st, cfg.SessionTimeout, cfg.ConcurrentLoginLock)
	games := game.NewService(st, cfg.StorageDir)
	ratings := rating.NewService(st)

	sup := runtime.NewSupervisor(cfg.StorageDir, cfg.GameServerHost, cfg.ResolvedPublicHost, logger, reg.Service)
	rooms := room.NewService(st, sup, cfg.MaxRooms, cfg.RoomHeartbeatTimeout, cfg.FinishedRoomGrace, cfg.ResolvedPublicHost(), cfg.Port)
	rooms.Metrics = reg.Service

	if n := rooms.ColdBootCleanup(); n > 0 {
		logger.Info("cold boot cleanup finished rooms left in_game", "count", n)
	}

	server := api.NewServer(api.Config{
		Store:         st,
		Sessions:      sessions,
		Games:         games,
		Rooms:         rooms,
		Ratings:       ratings,
		StorageDir:    cfg.StorageDir,
		OnlineTimeout: cfg.OnlineTimeout,
		Metrics:       reg,
		Logger:        logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(ctx, fmt.Sprintf(":%d", cfg.Port))
	}()

	if cfg.MetricsPort != 0 {
		go func() {
			if err := reg.StartMetricsServer(cfg.MetricsPort); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server exited", "error", err)
			}
		}()
	}

	logger.Info("platform service started", "port", cfg.Port, "version", version)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("http server exited unexpectedly", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("error during http server shutdown", "error", err)
	}
	if err := reg.StopMetricsServer(shutdownCtx); err != nil {
		logger.Error("error during metrics server shutdown", "error", err)
	}

	logger.Info("platform service stopped")
}
