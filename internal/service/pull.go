package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Guizzs26/go-offline-sync/internal/localstore"
	"github.com/Guizzs26/go-offline-sync/internal/models"
	"github.com/Guizzs26/go-offline-sync/internal/schema"
	"github.com/Guizzs26/go-offline-sync/pkg/encoding"
	"github.com/Guizzs26/go-offline-sync/pkg/metrics"
)

var (
	// ErrPageAborted means the local transaction failed and nothing from the page was kept
	ErrPageAborted = errors.New("pull page aborted")
	// ErrCursorStalled means the server returned rows without moving the cursor forward
	ErrCursorStalled = errors.New("pull cursor did not advance")
)

// Applier writes pulled pages into the local store
type Applier struct {
	store    *localstore.Store
	registry *schema.Registry
	logger   *slog.Logger
}

func NewApplier(store *localstore.Store, logger *slog.Logger) *Applier {
	return &Applier{
		store:    store,
		registry: store.Registry(),
		logger:   logger.With("component", "applier"),
	}
}

// ApplyPage applies one page in a single local transaction, in page order.
// Row problems are counted and reported without failing the page. A storage
// failure rolls the whole page back, reports every row without a row error as
// aborted, and returns ErrPageAborted.
func (a *Applier) ApplyPage(ctx context.Context, page []models.LogWithRecord) (models.ApplySummary, error) {
	var summary models.ApplySummary
	abortedAt := -1

	err := a.store.WithTx(ctx, func(tx *localstore.Tx) error {
		for i := range page {
			if err := a.applyOne(ctx, tx, page[i], &summary); err != nil {
				abortedAt = i
				return err
			}
		}
		return nil
	})
	if err == nil {
		metrics.PullRows.WithLabelValues("applied").Add(float64(summary.TotalAppliedRecords))
		metrics.PullRows.WithLabelValues("stale").Add(float64(summary.StaleRecords))
		metrics.PullRows.WithLabelValues("missing").Add(float64(summary.MissingRecords))
		metrics.PullRows.WithLabelValues("invalid").Add(float64(len(summary.ValidationErrors)))
		return summary, nil
	}

	if abortedAt < 0 {
		// Commit itself failed; every row was rolled back
		abortedAt = len(page)
	}

	// Nothing from this page was kept: row errors found before the failure still
	// stand, every other row is reported aborted and no counter survives.
	reported := make(map[int64]bool, len(summary.ValidationErrors))
	for _, re := range summary.ValidationErrors {
		reported[re.ChangelogID] = true
	}
	rolledBack := models.ApplySummary{ValidationErrors: summary.ValidationErrors}
	for i, entry := range page {
		if i < abortedAt && reported[entry.ChangelogID] {
			continue
		}
		msg := "aborted: "
		if i < abortedAt {
			msg = "rolled back: "
		}
		rolledBack.ValidationErrors = append(rolledBack.ValidationErrors, models.RowError{
			ChangelogID: entry.ChangelogID,
			Model:       entry.Model,
			Message:     msg + err.Error(),
			Aborted:     true,
		})
	}
	metrics.PullRows.WithLabelValues("aborted").Add(float64(len(rolledBack.ValidationErrors) - len(summary.ValidationErrors)))
	a.logger.Error("Pull page aborted, local transaction rolled back", "rows", len(page), "failed_at", abortedAt, "error", err)
	return rolledBack, fmt.Errorf("%w: %v", ErrPageAborted, err)
}

// applyOne returns an error only for storage failures that must abort the page
func (a *Applier) applyOne(ctx context.Context, tx *localstore.Tx, entry models.LogWithRecord, summary *models.ApplySummary) error {
	rowErr := func(key, msg string) {
		summary.ValidationErrors = append(summary.ValidationErrors, models.RowError{
			ChangelogID: entry.ChangelogID,
			Model:       entry.Model,
			Key:         key,
			Message:     msg,
		})
	}

	m, ok := a.registry.Model(entry.Model)
	if !ok {
		rowErr("", fmt.Sprintf("unknown model %q", entry.Model))
		return nil
	}
	if entry.Record == nil && entry.Operation != models.OpDelete {
		summary.MissingRecords++
		return nil
	}
	key, err := a.registry.CheckKeyPath(m, entry.KeyPath)
	if err != nil {
		rowErr("", err.Error())
		return nil
	}
	canon, err := encoding.CanonicalKey(key)
	if err != nil {
		rowErr("", err.Error())
		return nil
	}

	meta, found, err := a.store.Meta.Get(ctx, tx.SQL(), m.Name, canon)
	if err != nil {
		return err
	}
	if found && meta.HasApplied(entry.ChangelogID) {
		summary.StaleRecords++
		return nil
	}

	switch entry.Operation {
	case models.OpCreate, models.OpUpdate:
		rec, err := a.registry.ValidateRecord(m, entry.Record)
		if err != nil {
			rowErr(canon, err.Error())
			return nil
		}
		recKey, err := a.registry.KeyPathOf(m, rec)
		if err != nil {
			rowErr(canon, err.Error())
			return nil
		}
		if recCanon, _ := encoding.CanonicalKey(recKey); recCanon != canon {
			rowErr(canon, fmt.Sprintf("record key %s does not match changelog key", recCanon))
			return nil
		}
		if err := tx.Put(ctx, m.Name, rec, localstore.Untracked(), localstore.Silent()); err != nil {
			if models.IsPermanent(err) {
				rowErr(canon, err.Error())
				return nil
			}
			return err
		}
	case models.OpDelete:
		err := tx.Delete(ctx, m.Name, key, localstore.Untracked(), localstore.Silent())
		if err != nil && !localstore.IsNotFound(err) {
			return err
		}
	default:
		rowErr(canon, fmt.Sprintf("unknown operation %q", entry.Operation))
		return nil
	}

	if err := a.store.Meta.MarkApplied(ctx, tx.SQL(), m.Name, canon, entry.ChangelogID, true); err != nil {
		return err
	}
	summary.TotalAppliedRecords++
	return nil
}

// Puller drains the server changelog into the local store page by page
type Puller struct {
	handler PullHandler
	applier *Applier
	cursor  CursorHooks
	logger  *slog.Logger
}

// NewPuller uses the local store's cursor unless hooks supply their own
func NewPuller(store *localstore.Store, handler PullHandler, hooks *CursorHooks, logger *slog.Logger) *Puller {
	cursor := CursorHooks{
		Get: store.Cursor.Get,
		Set: func(ctx context.Context, c int64) error { return store.Cursor.Set(ctx, nil, c) },
	}
	if hooks != nil {
		if hooks.Get != nil {
			cursor.Get = hooks.Get
		}
		if hooks.Set != nil {
			cursor.Set = hooks.Set
		}
	}
	return &Puller{
		handler: handler,
		applier: NewApplier(store, logger),
		cursor:  cursor,
		logger:  logger.With("component", "puller"),
	}
}

// Drain pulls until the server returns an empty page. The cursor is saved after
// each applied page, so a failure resumes from the last good page.
func (p *Puller) Drain(ctx context.Context) (models.ApplySummary, error) {
	var total models.ApplySummary

	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		cursor, err := p.cursor.Get(ctx)
		if err != nil {
			return total, fmt.Errorf("read cursor: %w", err)
		}

		page, err := p.handler.Pull(ctx, cursor)
		if err != nil {
			return total, fmt.Errorf("pull transport failed: %w", err)
		}
		if page == nil || len(page.LogsWithRecords) == 0 {
			return total, nil
		}

		summary, err := p.applier.ApplyPage(ctx, page.LogsWithRecords)
		total.Merge(summary)
		if err != nil {
			return total, err
		}

		if page.Cursor <= cursor {
			return total, fmt.Errorf("%w: server cursor %d, local %d", ErrCursorStalled, page.Cursor, cursor)
		}
		if err := p.cursor.Set(ctx, page.Cursor); err != nil {
			return total, fmt.Errorf("save cursor: %w", err)
		}

		p.logger.Debug("Pull page applied",
			"cursor", page.Cursor,
			"applied", summary.TotalAppliedRecords,
			"stale", summary.StaleRecords,
			"missing", summary.MissingRecords,
			"invalid", len(summary.ValidationErrors),
		)
	}
}
