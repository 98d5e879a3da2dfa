package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/Guizzs26/go-offline-sync/internal/config"
	"github.com/Guizzs26/go-offline-sync/internal/localstore"
	"github.com/Guizzs26/go-offline-sync/internal/schema"
	"github.com/Guizzs26/go-offline-sync/internal/service"
	"github.com/Guizzs26/go-offline-sync/internal/transport/httpclient"
	"github.com/Guizzs26/go-offline-sync/pkg/infra"
	"github.com/spf13/cobra"
)

// app carries what every subcommand needs once flags are parsed
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	dbPath     string
	schemaPath string
	serverURL  string
	token      string
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "syncctl",
		Short:         "Offline-first sync client",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			a.cfg = config.Load()
			if a.dbPath != "" {
				a.cfg.LocalDBPath = a.dbPath
			}
			if a.schemaPath != "" {
				a.cfg.SchemaPath = a.schemaPath
			}
			if a.serverURL != "" {
				a.cfg.ServerURL = a.serverURL
			}
			if a.token != "" {
				a.cfg.AuthToken = a.token
			}
			a.logger = infra.SetupLogger(a.cfg)
			slog.SetDefault(a.logger)
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.dbPath, "db", "", "local store file (overrides LOCAL_DB_PATH)")
	flags.StringVar(&a.schemaPath, "schema", "", "schema file (overrides SCHEMA_PATH)")
	flags.StringVar(&a.serverURL, "server", "", "sync server base URL (overrides SERVER_URL)")
	flags.StringVar(&a.token, "token", "", "bearer token (overrides AUTH_TOKEN)")

	root.AddCommand(
		newRunCmd(a),
		newSyncCmd(a),
		newStatusCmd(a),
		newPutCmd(a),
		newGetCmd(a),
		newDeleteCmd(a),
		newOutboxCmd(a),
		newTokenCmd(a),
	)
	return root
}

func (a *app) openStore(ctx context.Context) (*localstore.Store, error) {
	reg, err := schema.LoadFile(a.cfg.SchemaPath)
	if err != nil {
		return nil, err
	}
	return localstore.Open(ctx, a.cfg.LocalDBPath, reg, a.logger)
}

func (a *app) serviceConfig() service.Config {
	return service.Config{
		PushBatchSize:          a.cfg.PushBatchSize,
		SyncInterval:           a.cfg.SyncInterval,
		MaxRetries:             a.cfg.MaxRetryAttempts,
		BackoffBase:            a.cfg.BackoffBase,
		AbandonAfterMaxRetries: a.cfg.AbandonAfterMaxRetries,
	}
}

func (a *app) newWorker(store *localstore.Store) *service.Worker {
	client := httpclient.New(a.cfg.ServerURL, a.cfg.AuthToken, a.logger)
	cfg := a.serviceConfig()

	pusher := service.NewPusher(store, client, cfg, a.logger)
	puller := service.NewPuller(store, client, nil, a.logger)
	return service.NewWorker(store, pusher, puller, cfg, a.logger)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
