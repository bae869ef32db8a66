package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/Zynh0722/nyazoom/internal/server/api"
	"github.com/Zynh0722/nyazoom/internal/server/config"
	"github.com/Zynh0722/nyazoom/internal/server/ledger"
	"github.com/Zynh0722/nyazoom/internal/server/metrics"
	"github.com/Zynh0722/nyazoom/internal/server/service"
	"github.com/Zynh0722/nyazoom/internal/server/snapshot"
	"github.com/Zynh0722/nyazoom/internal/server/storage"
)

func main() {
	// Local overrides; absent .env is fine
	_ = godotenv.Load()

	// Load config
	cfg := config.Load()

	// Structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("configuration loaded",
		"port", cfg.Port,
		"storage_path", cfg.StoragePath,
		"snapshot_path", cfg.SnapshotPath,
		"record_ttl", cfg.RecordTTL,
		"max_downloads", cfg.MaxDownloads,
		"reap_interval", cfg.ReapInterval,
	)

	// Initialize archive storage
	store := storage.NewFileSystemStore(cfg.StoragePath)
	if err := store.EnsureDir(); err != nil {
		slog.Error("failed to initialize storage", "error", err)
		os.Exit(1)
	}
	slog.Info("file storage initialized", "path", cfg.StoragePath)

	// Restore the ledger from its last snapshot
	snap := snapshot.NewStore(cfg.SnapshotPath)
	if err := snap.EnsureDir(); err != nil {
		slog.Error("failed to initialize snapshot directory", "error", err)
		os.Exit(1)
	}
	records := snap.Load()
	slog.Info("ledger restored", "records", len(records))

	led := ledger.New(records, snap, store, cfg.RecordTTL)
	metrics.RegisterActiveRecords(func() float64 { return float64(led.Len()) })

	// Start the reaper
	reaperCtx, reaperCancel := context.WithCancel(context.Background())
	reaper := ledger.NewReaper(led, cfg.ReapInterval)
	reaper.Start(reaperCtx)

	// Initialize service
	svc := service.NewUploadService(led, store, cfg)

	// Setup HTTP router
	handler := api.NewHandler(svc, store)
	e := api.SetupRouter(handler, cfg)

	// Start server in a goroutine
	go func() {
		addr := fmt.Sprintf(":%s", cfg.Port)
		slog.Info("starting server", "addr", addr, "base_url", cfg.BaseURL)
		if err := e.Start(addr); err != nil {
			slog.Info("server stopped", "reason", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	slog.Info("shutting down", "signal", sig)

	// Stop accepting new requests, finish in-flight with 30s timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	// Stop the reaper
	reaperCancel()
	reaper.Wait()

	slog.Info("server exited cleanly")
}
