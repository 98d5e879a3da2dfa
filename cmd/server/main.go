package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Guizzs26/go-offline-sync/internal/broker"
	"github.com/Guizzs26/go-offline-sync/internal/config"
	"github.com/Guizzs26/go-offline-sync/internal/db"
	"github.com/Guizzs26/go-offline-sync/internal/processor"
	"github.com/Guizzs26/go-offline-sync/internal/schema"
	"github.com/Guizzs26/go-offline-sync/internal/transport/httpapi"
	"github.com/Guizzs26/go-offline-sync/pkg/infra"
	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg := config.Load()
	logger := infra.SetupLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("🔥 Sync server initializing...", "schema", cfg.SchemaPath, "notify_backend", cfg.NotifyBackend)

	if err := cfg.ValidateServer(); err != nil {
		logger.Error("CRITICAL: refusing to start with an insecure configuration", "error", err)
		os.Exit(1)
	}

	reg, err := schema.LoadFile(cfg.SchemaPath)
	if err != nil {
		logger.Error("CRITICAL: schema could not be loaded", "path", cfg.SchemaPath, "error", err)
		os.Exit(1)
	}

	handle, err := db.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Error("CRITICAL: database connection failed", "error", err)
		os.Exit(1)
	}
	defer handle.Close()

	auth := processor.NewAuthority(handle, reg, logger)
	if err := auth.EnsureSchema(ctx); err != nil {
		logger.Error("CRITICAL: schema migration failed", "error", err)
		os.Exit(1)
	}

	// Notifications are best effort: a broker outage must not keep pushes out.
	var notifier processor.ChangeNotifier
	n, err := broker.NewNotifier(ctx, cfg, logger)
	switch {
	case err != nil:
		logger.Error("⚠️ Change notifier unavailable, continuing without push notifications", "error", err)
	case n != nil:
		notifier = n
		defer n.Close()
	}

	batches := processor.NewBatchProcessor(auth, notifier, logger)
	materializer := processor.NewMaterializer(auth, cfg.PullPageSize, logger)

	if !strings.EqualFold(cfg.LogLevel, "DEBUG") {
		gin.SetMode(gin.ReleaseMode)
	}
	handler := httpapi.NewHandler(batches, materializer, httpapi.NewTokenAuth(cfg.JWTSecret), logger)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("🚀 Sync server online", "addr", cfg.ListenAddr, "pid", os.Getpid())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("🛑 Shutdown signal received, draining requests")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("Sync server stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("✅ Shutdown complete")
}
