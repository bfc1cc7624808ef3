// stowaged converts many incrementally uploaded blobs into single
// downloadable zip artifacts. It exposes the upload API over HTTP and
// runs repackaging as background work behind it.
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

	_ "github.com/joho/godotenv/autoload"

	"github.com/stowage-io/stowage/internal/api"
	"github.com/stowage-io/stowage/internal/artifact"
	"github.com/stowage-io/stowage/internal/blobstore"
	"github.com/stowage-io/stowage/internal/config"
	"github.com/stowage-io/stowage/internal/ledger"
	"github.com/stowage-io/stowage/internal/logging"
	"github.com/stowage-io/stowage/internal/metastore"
	"github.com/stowage-io/stowage/internal/metrics"
	"github.com/stowage-io/stowage/internal/notify"
	"github.com/stowage-io/stowage/internal/progress"
	"github.com/stowage-io/stowage/internal/session"
)

func main() {
	cfg := config.MustLoad()
	logging.Setup(logging.Config{Format: cfg.Logging.Format, Level: cfg.Logging.Level})

	slog.Info("starting stowaged",
		"blobstore", cfg.Blobstore.Backend,
		"metastore", cfg.Metastore.Backend,
		"part_size", cfg.Upload.PartSize,
		"read_window", cfg.Upload.ReadWindow)

	if cfg.Metrics.Enabled {
		metrics.Init("stowage")
		go func() {
			slog.Info("metrics server listening", "address", cfg.Metrics.Address)
			if err := metrics.StartServer(cfg.Metrics.Address); err != nil {
				slog.Error("metrics server failed", "error", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	meta, err := metastore.New(cfg.Metastore)
	if err != nil {
		slog.Error("failed to open metastore", "error", err)
		os.Exit(1)
	}
	defer meta.Close()

	blobs, err := blobstore.New(ctx, cfg.Blobstore)
	if err != nil {
		slog.Error("failed to open blobstore", "error", err)
		os.Exit(1)
	}
	defer blobs.Close()

	registry := artifact.NewRegistry(meta, blobs)
	notifier := notify.NewEmitter(cfg.Notify)
	defer notifier.Close()

	manager := session.NewManager(session.ManagerConfig{
		Store:       meta,
		Blobs:       blobs,
		Ledger:      ledger.New(meta),
		Tracker:     progress.NewTracker(meta),
		Artifacts:   registry,
		Notifier:    notifier,
		Upload:      cfg.Upload,
		ArtifactTTL: time.Duration(cfg.Artifact.DefaultTTLHours) * time.Hour,
	})

	sweeper := artifact.NewSweeper(registry, meta,
		time.Duration(cfg.Artifact.SweepIntervalMinutes)*time.Minute)
	go sweeper.Run(ctx)

	server := api.NewServer(manager, registry)
	go func() {
		slog.Info("api server listening", "address", cfg.Server.Address)
		if err := server.Start(cfg.Server.Address); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("api server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("api server shutdown incomplete", "error", err)
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		slog.Warn("abandoning unfinished background repackaging", "error", err)
	}
	slog.Info("stopped")
}
