package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/mesh-signaling/config"
	"github.com/mossy-p/mesh-signaling/internal/handlers"
	"github.com/mossy-p/mesh-signaling/internal/hub"
	"github.com/mossy-p/mesh-signaling/internal/logging"
	"github.com/mossy-p/mesh-signaling/internal/redis"
	"github.com/mossy-p/mesh-signaling/internal/registry"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// Load configuration
	cfg := config.Load()

	logger := logging.NewJSON(os.Stderr, logging.ParseLevel(cfg.LogLevel, slog.LevelInfo))
	slog.SetDefault(logger)

	// The Redis room directory is optional; the registry stays authoritative.
	var directory hub.Directory
	if cfg.Redis.Enabled {
		mirror, err := redis.Connect(cfg.Redis, logger)
		if err != nil {
			logger.Error("failed to connect to redis", "err", err)
			os.Exit(1)
		}
		defer mirror.Close()
		directory = mirror
		logger.Info("redis room directory enabled", "host", cfg.Redis.Host)
	}

	h := hub.New(hub.Config{
		Registry: registry.Config{
			MinRoomIDLength: cfg.Rooms.MinIDLength,
			MaxParticipants: cfg.Rooms.MaxParticipants,
			TTL:             cfg.Rooms.TTL,
		},
		SweepInterval:         cfg.Rooms.SweepInterval,
		AllowBroadcastSignals: cfg.Rooms.AllowBroadcastSignals,
		MaxMessagesPerSecond:  cfg.MaxMessagesPerSecond,
	}, directory, nil, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go h.Run(hubCtx)

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handlers.NewRouter(cfg, h, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting signaling server",
			"port", cfg.Port,
			"environment", cfg.Environment,
			"room_ttl", cfg.Rooms.TTL.String(),
			"max_participants", cfg.Rooms.MaxParticipants,
			"broadcast_signals", cfg.Rooms.AllowBroadcastSignals,
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			stopHub()
			<-h.Done()
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	// Stopping the dispatcher closes every hijacked WebSocket connection.
	stopHub()
	<-h.Done()
}
