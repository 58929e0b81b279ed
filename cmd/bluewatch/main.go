// Copyright (C) 2026 Perch Labs (oss@perchlabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command bluewatch starts the Bluetooth proximity monitor.
//
// Bluewatch continuously scans for nearby Bluetooth devices, records each
// detection in an embedded store, and serves aggregated views plus
// runtime-tunable scan parameters over an HTTP JSON API.
//
// Usage:
//
//	go run ./cmd/bluewatch
//	go run ./cmd/bluewatch -config /etc/bluewatch/config.json
//	go run ./cmd/bluewatch -debug
//
// The config path can also come from the BLUEWATCH_CONFIG environment
// variable (the -config flag wins). A missing config file is created with
// defaults on first run.
//
// Example requests:
//
//	# Health check
//	curl http://localhost:8080/api/health
//
//	# Device summary
//	curl http://localhost:8080/api/summary | jq
//
//	# Presence timeline for the last 24 hours
//	curl http://localhost:8080/api/timeline?hours=24 | jq
//
//	# Tune the scan loop at runtime
//	curl -X POST http://localhost:8080/api/config \
//	  -H "Content-Type: application/json" \
//	  -d '{"scan_duration": 10}'
//
//	# Download the full detection log as CSV
//	curl -OJ http://localhost:8080/api/export
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/perchlabs/bluewatch/pkg/logging"
	"github.com/perchlabs/bluewatch/services/monitor"
	"github.com/perchlabs/bluewatch/services/monitor/config"
	"github.com/perchlabs/bluewatch/services/monitor/live"
	"github.com/perchlabs/bluewatch/services/monitor/scanner"
	"github.com/perchlabs/bluewatch/services/monitor/storage"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// Optional .env for local development; absence is fine.
	_ = godotenv.Load()

	configPath := flag.String("config", defaultConfigPath(), "Path to the JSON config file")
	debug := flag.Bool("debug", false, "Enable debug logging and Gin debug mode")
	logDir := flag.String("log-dir", os.Getenv("BLUEWATCH_LOG_DIR"), "Directory for JSON log files (empty = stderr only)")
	flag.Parse()

	level := logging.LevelInfo
	if *debug {
		level = logging.LevelDebug
	}
	logger := logging.New(logging.Config{
		Level:   level,
		LogDir:  *logDir,
		Service: "monitor",
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	if err := run(*configPath, *debug); err != nil {
		slog.Error("Fatal startup error", "error", err)
		logger.Close()
		os.Exit(1)
	}
}

// defaultConfigPath resolves the config file location. The -config flag
// overrides BLUEWATCH_CONFIG, which overrides the working-directory default.
func defaultConfigPath() string {
	if p := os.Getenv("BLUEWATCH_CONFIG"); p != "" {
		return p
	}
	return config.DefaultPath
}

func run(configPath string, debug bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Unreadable or invalid durable config is fatal; a missing file is
	// created with defaults.
	cfgStore, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := cfgStore.Get()

	store, err := storage.Open(storage.DefaultOptions(cfg.DBPath))
	if err != nil {
		return fmt.Errorf("open detection store: %w", err)
	}
	defer store.Close()

	adapter := scanner.NewBluetoothctlAdapter()
	if err := scanner.Probe(ctx, adapter); err != nil {
		slog.Warn("Bluetooth adapter probe failed, scan loop will retry with backoff", "error", err)
	}

	hub := live.NewHub()
	defer hub.Close()

	// The scheduler runs on its own context: the signal context would
	// kill an in-flight scan subprocess and drop its batch, while Stop
	// (called from the shutdown goroutine) lets the cycle finish first.
	sched := scanner.NewScheduler(adapter, store, cfgStore, hub)
	if err := sched.Start(context.Background()); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	watcher, err := config.NewWatcher(cfgStore, nil)
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}

	if debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	if debug {
		router.Use(gin.Logger())
	}

	handlers := monitor.NewHandlers(store, cfgStore).WithLive(hub)
	monitor.RegisterRoutes(&router.RouterGroup, handlers)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	slog.Info("Starting bluewatch",
		"addr", srv.Addr,
		"db_path", cfg.DBPath,
		"config_path", cfgStore.Path())

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		watcher.Start(gctx)
		return nil
	})

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down")

		// The scheduler finishes its in-flight cycle before Stop returns,
		// so the final batch is committed or dropped whole.
		sched.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}
