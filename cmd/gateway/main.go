// Copyright (c) FlyOS
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/SatyaNaiduQuickverse/FlyOS-sub003/auth"
	"github.com/SatyaNaiduQuickverse/FlyOS-sub003/command"
	"github.com/SatyaNaiduQuickverse/FlyOS-sub003/config"
	"github.com/SatyaNaiduQuickverse/FlyOS-sub003/gateway"
	"github.com/SatyaNaiduQuickverse/FlyOS-sub003/ratelimit"
	"github.com/SatyaNaiduQuickverse/FlyOS-sub003/server/health"
	"github.com/SatyaNaiduQuickverse/FlyOS-sub003/server/otel"
	"github.com/SatyaNaiduQuickverse/FlyOS-sub003/server/websocket"
	"github.com/SatyaNaiduQuickverse/FlyOS-sub003/store"
	"github.com/SatyaNaiduQuickverse/FlyOS-sub003/store/memory"
	"github.com/SatyaNaiduQuickverse/FlyOS-sub003/store/redis"
)

func main() {
	// Parse command-line flags
	configFile := flag.String("config", "", "Path to configuration file")
	generateConfig := flag.String("generate-config", "", "Generate a default configuration file and exit")
	flag.Parse()

	if *generateConfig != "" {
		if err := config.Default().Save(*generateConfig); err != nil {
			slog.Error("Failed to write configuration", "error", err)
			os.Exit(1)
		}
		slog.Info("Configuration written", "path", *generateConfig)
		return
	}

	// Load configuration
	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup logging
	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	slog.Info("Starting realtime gateway",
		"ws_listener", cfg.Server.WSAddr,
		"ws_path", cfg.Server.WSPath,
		"store", cfg.Store.Type)

	// OpenTelemetry
	var metrics *otel.Metrics
	if cfg.Server.MetricsEnabled {
		shutdown, err := otel.InitProvider(cfg.Server, uuid.NewString())
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			os.Exit(1)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				slog.Error("OpenTelemetry shutdown error", "error", err)
			}
		}()

		metrics, err = otel.NewMetrics()
		if err != nil {
			slog.Error("Failed to create metrics", "error", err)
			os.Exit(1)
		}
		slog.Info("OpenTelemetry metrics enabled", "endpoint", cfg.Server.MetricsAddr)
	}

	// State store backend
	var st store.Store
	switch cfg.Store.Type {
	case "redis":
		st = redis.New(redis.Config{
			Addr:        cfg.Store.Redis.Addr,
			Password:    cfg.Store.Redis.Password,
			DB:          cfg.Store.Redis.DB,
			DialTimeout: cfg.Store.Redis.DialTimeout,
			ReadTimeout: cfg.Store.Redis.ReadTimeout,
		}, logger)
	case "memory":
		st = memory.New()
	}
	defer st.Close()

	// Token verifier
	verifier, err := auth.NewVerifier(auth.Config{
		Algorithm:    cfg.Auth.Algorithm,
		SecretKey:    cfg.Auth.SecretKey,
		PublicKeyPEM: cfg.Auth.PublicKeyPEM,
	})
	if err != nil {
		slog.Error("Failed to create token verifier", "error", err)
		os.Exit(1)
	}

	// Critical command audit log
	audit, err := command.OpenAuditLog(cfg.Command.AuditDir)
	if err != nil {
		slog.Error("Failed to open command audit log", "error", err, "dir", cfg.Command.AuditDir)
		os.Exit(1)
	}
	defer audit.Close()

	dispatcher := command.NewDispatcher(st, audit, command.BreakerSettings{
		FailureThreshold: uint32(cfg.Command.Breaker.FailureThreshold),
		ResetTimeout:     cfg.Command.Breaker.ResetTimeout,
	}, logger)

	// Rate limiting
	limiter := ratelimit.NewManager(cfg.RateLimit)
	defer limiter.Stop()

	// Gateway core
	gw := gateway.New(cfg, st, verifier, dispatcher, limiter, metrics, logger)
	defer gw.Close()

	// Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	serverErr := make(chan error, 2)

	// WebSocket server (always enabled)
	wsServer := websocket.New(websocket.Config{
		Address:         cfg.Server.WSAddr,
		Path:            cfg.Server.WSPath,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, gw, limiter, logger)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := wsServer.Listen(ctx); err != nil {
			serverErr <- err
		}
	}()

	// Health check server if enabled
	if cfg.Server.HealthEnabled {
		healthServer := health.New(health.Config{
			Address:         cfg.Server.HealthAddr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, gw, st, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := healthServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	slog.Info("Realtime gateway started successfully")

	// Wait for shutdown signal or server error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
		cancel()
	case err := <-serverErr:
		slog.Error("Server error", "error", err)
		cancel()
	}

	// Wait for all servers to stop
	wg.Wait()
	slog.Info("Realtime gateway stopped")
}
