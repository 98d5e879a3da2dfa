package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Guizzs26/go-offline-sync/internal/broker"
	"github.com/Guizzs26/go-offline-sync/internal/localstore"
	"github.com/Guizzs26/go-offline-sync/internal/models"
	"github.com/Guizzs26/go-offline-sync/internal/service"
	"github.com/Guizzs26/go-offline-sync/pkg/metrics"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newRunCmd(a *app) *cobra.Command {
	var (
		metricsAddr string
		scope       string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the background sync worker until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			worker := a.newWorker(store)
			unsubscribe := worker.Subscribe(logEvents(a.logger))
			defer unsubscribe()

			if scope == "" {
				scope = scopeFromToken(a.cfg.AuthToken)
			}

			g, gctx := errgroup.WithContext(ctx)

			if metricsAddr != "" {
				g.Go(func() error { return serveObservability(gctx, metricsAddr, a.logger) })
			}

			g.Go(func() error {
				runRetention(gctx, store, a.cfg.RetentionInterval, a.cfg.RetentionMaxAge, a.logger)
				return nil
			})

			listener, err := broker.NewListener(a.cfg, a.logger)
			switch {
			case err != nil:
				a.logger.Error("⚠️ Change listener unavailable, relying on the sync interval", "error", err)
			case listener != nil && scope == "":
				a.logger.Warn("Change listener disabled: no scope given and the token has no subject")
				listener.Close()
			case listener != nil:
				defer listener.Close()
				g.Go(func() error {
					err := listener.Listen(gctx, scope, func(n models.ChangeNotice) {
						a.logger.Debug("Change notice received", "scope", n.ScopeKey, "change_id", n.ChangeID)
						worker.SyncNow(gctx)
					})
					if err != nil && !errors.Is(err, context.Canceled) {
						return err
					}
					return nil
				})
			}

			a.logger.Info("🚀 Sync worker started", "server", a.cfg.ServerURL, "interval", a.cfg.SyncInterval, "pid", os.Getpid())
			worker.Start(gctx)

			// SIGUSR1 retries everything now, ignoring per-event backoff.
			force := make(chan os.Signal, 1)
			signal.Notify(force, syscall.SIGUSR1)
			defer signal.Stop(force)
			g.Go(func() error {
				for {
					select {
					case <-force:
						a.logger.Info("Forced sync requested")
						worker.ForceSync(gctx)
					case <-gctx.Done():
						return nil
					}
				}
			})

			<-gctx.Done()
			a.logger.Info("🛑 Shutdown signal received, stopping worker")
			worker.Stop()

			if err := g.Wait(); err != nil {
				return err
			}
			a.logger.Info("✅ Shutdown complete")
			return nil
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve /metrics and /health on this address")
	cmd.Flags().StringVar(&scope, "scope", "", "scope to listen for change notices (defaults to the token subject)")
	return cmd
}

func logEvents(logger *slog.Logger) service.Observer {
	return func(ev service.Event) {
		switch ev.Type {
		case service.EventStatusChange:
			logger.Debug("Worker status changed", "status", ev.Status)
		case service.EventPushCompleted:
			failed := 0
			for _, r := range ev.PushResults {
				if r.Error != nil {
					failed++
				}
			}
			logger.Info("📤 Push completed", "events", len(ev.PushResults), "failed", failed, "error", ev.Err)
		case service.EventPullCompleted:
			if ev.Summary != nil {
				logger.Info("📥 Pull completed",
					"applied", ev.Summary.TotalAppliedRecords,
					"stale", ev.Summary.StaleRecords,
					"missing", ev.Summary.MissingRecords,
					"row_errors", len(ev.Summary.ValidationErrors),
					"error", ev.Err,
				)
			}
		}
	}
}

// scopeFromToken reads the subject without verifying the signature; only the
// server holds the secret.
func scopeFromToken(token string) string {
	if token == "" {
		return ""
	}
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return ""
	}
	return claims.Subject
}

func runRetention(ctx context.Context, store *localstore.Store, interval, maxAge time.Duration, logger *slog.Logger) {
	if interval <= 0 || maxAge <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			logger.Info("🧹 Janitor: purging synced outbox events", "older_than", maxAge)

			purged, err := store.Outbox.PurgeSynced(ctx, time.Now().Add(-maxAge))
			if err != nil {
				logger.Error("Janitor: purge failed", "error", err)
				continue
			}
			if purged > 0 {
				metrics.OutboxPurged.Add(float64(purged))
				logger.Info("Janitor: purged synced events", "count", purged)
			}

		case <-ctx.Done():
			logger.Info("🛑 Janitor: Stopping maintenance goroutine")
			return
		}
	}
}

func serveObservability(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("SYNC WORKER ALIVE"))
	})

	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.Info("📊 Observability server online", "url", fmt.Sprintf("http://%s/metrics", addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
