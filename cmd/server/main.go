package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/Tyrowin/chatrelay/internal/config"
	"github.com/Tyrowin/chatrelay/internal/logging"
	"github.com/Tyrowin/chatrelay/internal/metrics"
	"github.com/Tyrowin/chatrelay/internal/relay"
	"github.com/Tyrowin/chatrelay/internal/server"
	"github.com/Tyrowin/chatrelay/internal/store/redisstore"
)

func main() {
	if err := run(); err != nil {
		slog.Error("Server exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("Starting chat relay",
		"port", cfg.Port,
		"group", cfg.Relay.Group,
		"echo_to_sender", cfg.Relay.EchoToSender,
		"evict_on_failure", cfg.Relay.EvictOnFailure)

	reg := metrics.NewRegistry()
	relayMetrics := metrics.NewRelayMetrics(reg)

	registry := relay.NewRegistry()
	engine := relay.NewEngine(registry, relay.EngineConfig{
		EchoToSender:   cfg.Relay.EchoToSender,
		EvictOnFailure: cfg.Relay.EvictOnFailure,
		Concurrency:    cfg.Relay.DeliveryConcurrency,
	}, logger, relayMetrics)

	hubOpts := []server.HubOption{
		server.WithHubLogger(logger),
		server.WithRelayMetrics(relayMetrics),
	}

	if cfg.RedisURL != "" {
		store, err := redisstore.Connect(context.Background(), cfg.RedisURL)
		if err != nil {
			return err
		}
		defer func() {
			if err := store.Close(); err != nil {
				logger.Warn("Error closing redis client", "error", err)
			}
		}()
		if err := store.Reset(context.Background(), cfg.Relay.Group); err != nil {
			return err
		}
		hubOpts = append(hubOpts, server.WithMembershipStore(store))
		logger.Info("Mirroring group membership to redis")
	}

	hub := server.NewHub(cfg.Relay.Group, registry, engine, server.ClientConfigFrom(cfg), hubOpts...)
	handlers := server.NewHandlers(hub, server.NewOriginPolicy(cfg.AllowedOrigins, logger))
	httpServer := server.CreateServer(cfg.Port, server.SetupRoutes(handlers, metrics.Handler(reg)))

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.StartServer(httpServer)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case sig := <-stop:
		logger.Info("Received shutdown signal", "signal", sig.String())
	}

	if err := server.ShutdownServer(httpServer, cfg.ShutdownTimeout); err != nil {
		logger.Warn("HTTP server did not shut down cleanly", "error", err)
	}
	if err := hub.Shutdown(cfg.ShutdownTimeout); err != nil {
		logger.Warn("Hub did not shut down cleanly", "error", err)
	}
	return nil
}
