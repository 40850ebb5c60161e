// SPDX-License-Identifier: BSD-3-Clause
// Copyright (c) 2025 Pierre Jay

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"desk-gateway/internal/config"
	"desk-gateway/internal/desk"
	"desk-gateway/internal/http"
	"desk-gateway/internal/mqtt"
	"desk-gateway/internal/rtu"
	"desk-gateway/internal/scheduler"
	"desk-gateway/internal/supervisor"
	"desk-gateway/internal/transport"
)

func main() {
	var (
		configPath = flag.String("config", "config.yaml", "Path to configuration file")
		logLevel   = flag.String("log-level", "INFO", "Log level (DEBUG, INFO, WARN, ERROR)")
		dryRun     = flag.Bool("dry-run", false, "Validate config and exit")
	)
	flag.Parse()

	// Setup slog
	level := parseLogLevel(*logLevel)
	opts := &slog.HandlerOptions{Level: level}
	handler := slog.NewTextHandler(os.Stdout, opts)
	logger := slog.New(handler)
	slog.SetDefault(logger)

	logger.Info("Desk Gateway starting", "version", "1.0.0")

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("Failed to load configuration", "error", err, "path", *configPath)
		os.Exit(1)
	}

	logger.Info("Configuration loaded",
		"name", cfg.Name,
		"device", cfg.Serial.Device,
		"broker", cfg.MQTT.Broker,
		"presets", len(cfg.Presets))

	if *dryRun {
		logger.Info("Dry run mode - configuration is valid")
		os.Exit(0)
	}

	// Setup context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("Received signal, shutting down", "signal", sig)
		cancel()
	}()

	// Serial transport and transaction engine
	port := transport.NewSerialPort(cfg.Serial, logger)
	engine := rtu.NewEngine(port, logger)

	// Desk model
	d := desk.New(cfg, engine, logger)

	// Connection supervisor owns the serial lifecycle and gates the desk
	sup := supervisor.New(cfg, port, logger)
	d.SetHealth(sup)

	// MQTT client publishes the liveness indicator on every transition
	mqttClient := mqtt.NewClient(cfg, d, sup, logger)
	sup.OnChange(mqttClient.PublishConnected)

	sup.Start()
	d.Start()

	if err := mqttClient.Start(); err != nil {
		logger.Error("Failed to start MQTT client", "error", err)
		os.Exit(1)
	}

	// Start HTTP server if configured
	var httpServer *http.Server
	if cfg.Server.HTTP != "" {
		httpServer = http.NewServer(cfg, d, sup, logger)
		if err := httpServer.Start(); err != nil {
			logger.Error("Failed to start HTTP server", "error", err)
			os.Exit(1)
		}
	}

	// Start scheduler if configured
	var sched *scheduler.Scheduler
	if cfg.Schedule != nil && len(cfg.Schedule.Events) > 0 {
		sched, err = scheduler.New(cfg.Schedule, d, logger)
		if err != nil {
			logger.Error("Failed to create scheduler", "error", err)
			os.Exit(1)
		}
		sched.Start()
		if httpServer != nil {
			httpServer.SetScheduler(sched)
		}
	}

	logger.Info("Desk Gateway ready",
		"name", cfg.Name,
		"http", cfg.Server.HTTP,
		"schedule", sched != nil)

	// Wait for shutdown
	<-ctx.Done()

	// Graceful shutdown
	logger.Info("Initiating graceful shutdown...")

	if sched != nil {
		sched.Stop()
	}

	// Desk first: it releases the controller with an idle frame while the
	// serial link is still up.
	d.Stop()

	// MQTT next: publishes the offline indicator before disconnecting.
	mqttClient.Stop()

	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", "error", err)
		}
	}

	// Supervisor last: closes the serial device.
	sup.Stop()

	logger.Info("Desk Gateway stopped")
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
