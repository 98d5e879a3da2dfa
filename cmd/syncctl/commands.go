package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Guizzs26/go-offline-sync/internal/localstore"
	"github.com/Guizzs26/go-offline-sync/internal/models"
	"github.com/Guizzs26/go-offline-sync/internal/service"
	"github.com/Guizzs26/go-offline-sync/internal/transport/httpapi"
	"github.com/Guizzs26/go-offline-sync/pkg/encoding"
	"github.com/spf13/cobra"
)

type syncReport struct {
	Worker      service.Snapshot     `json:"worker"`
	PushResults []models.PushResult  `json:"pushResults,omitempty"`
	Pull        *models.ApplySummary `json:"pull,omitempty"`
	Errors      []string             `json:"errors,omitempty"`
}

func newSyncCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one push-then-pull cycle and print what happened",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			worker := a.newWorker(store)

			var report syncReport
			unsubscribe := worker.Subscribe(func(ev service.Event) {
				switch ev.Type {
				case service.EventPushCompleted:
					report.PushResults = append(report.PushResults, ev.PushResults...)
				case service.EventPullCompleted:
					report.Pull = ev.Summary
				}
				if ev.Err != nil {
					report.Errors = append(report.Errors, ev.Err.Error())
				}
			})
			defer unsubscribe()

			worker.SyncNow(ctx)

			report.Worker = worker.Status()
			if err := printJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if err := worker.LastError(); err != nil {
				return err
			}
			return nil
		},
	}
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show outbox counters and the pull cursor",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			stats, err := store.Outbox.Stats(ctx, a.cfg.MaxRetryAttempts)
			if err != nil {
				return err
			}
			cursor, err := store.Cursor.Get(ctx)
			if err != nil {
				return err
			}

			return printJSON(cmd.OutOrStdout(), map[string]any{
				"cursor":  cursor,
				"pending": stats.Pending,
				"failed":  stats.Failed,
				"synced":  stats.Synced,
				"stuck":   stats.Stuck,
				"server":  a.cfg.ServerURL,
			})
		},
	}
}

func newPutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "put <model> <json-record>",
		Short: "Create or update a local record and queue it for push",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			record, err := decodeRecord(args[1])
			if err != nil {
				return err
			}

			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			m, ok := store.Registry().Model(args[0])
			if !ok {
				return fmt.Errorf("unknown model %q", args[0])
			}
			key, err := store.Registry().KeyPathOf(m, record)
			if err != nil {
				return err
			}

			err = store.WithTx(ctx, func(tx *localstore.Tx) error {
				_, err := tx.Get(ctx, args[0], key)
				switch {
				case err == nil:
					return tx.Update(ctx, args[0], record)
				case localstore.IsNotFound(err):
					return tx.Create(ctx, args[0], record)
				default:
					return err
				}
			})
			if err != nil {
				return err
			}

			stored, err := store.Get(ctx, args[0], key)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), stored)
		},
	}
}

func newGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <model> [json-key]",
		Short: "Print one local record, or all of a model when no key is given",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			if len(args) == 1 {
				rows, err := store.List(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), rows)
			}

			key, err := encoding.ParseKey(args[1])
			if err != nil {
				return err
			}
			rec, err := store.Get(ctx, args[0], key)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rec)
		},
	}
}

func newDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <model> <json-key>",
		Short: "Delete a local record and queue the delete for push",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			key, err := encoding.ParseKey(args[1])
			if err != nil {
				return err
			}

			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Delete(ctx, args[0], key); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s %s\n", args[0], args[1])
			return nil
		},
	}
}

func newOutboxCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and maintain the local outbox",
	}

	var (
		all   bool
		limit int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List queued events in push order",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			events, err := store.Outbox.List(ctx, localstore.ListOptions{IncludeSynced: all, Limit: limit})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), events)
		},
	}
	list.Flags().BoolVar(&all, "all", false, "include synced events")
	list.Flags().IntVar(&limit, "limit", 100, "maximum events to print")

	var olderThan time.Duration
	purge := &cobra.Command{
		Use:   "purge",
		Short: "Remove synced events older than the given age",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			age := olderThan
			if age <= 0 {
				age = a.cfg.RetentionMaxAge
			}
			n, err := store.Outbox.PurgeSynced(ctx, time.Now().Add(-age))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d synced events\n", n)
			return nil
		},
	}
	purge.Flags().DurationVar(&olderThan, "older-than", 0, "age threshold (defaults to RETENTION_MAX_AGE_HOURS)")

	cmd.AddCommand(list, purge)
	return cmd
}

func newTokenCmd(a *app) *cobra.Command {
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token <scope>",
		Short: "Issue a bearer token for a scope, signed with JWT_SECRET",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := httpapi.NewTokenAuth(a.cfg.JWTSecret).IssueToken(args[0], ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime, 0 for no expiry")
	return cmd
}

func decodeRecord(raw string) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()

	var record map[string]any
	if err := dec.Decode(&record); err != nil {
		return nil, fmt.Errorf("record must be a JSON object: %w", err)
	}
	if record == nil {
		return nil, errors.New("record must be a JSON object")
	}
	return record, nil
}
