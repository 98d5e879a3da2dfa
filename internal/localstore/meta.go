package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Guizzs26/go-offline-sync/internal/db"
	"github.com/Guizzs26/go-offline-sync/internal/models"
)

// ChangeMetaStore keeps per-entity sync state keyed by (model, canonical key)
type ChangeMetaStore struct {
	db *sql.DB
}

// Get returns the metadata for an entity; found is false when none exists yet
func (m *ChangeMetaStore) Get(ctx context.Context, q db.DBTX, model, key string) (models.ChangeMeta, bool, error) {
	if q == nil {
		q = m.db
	}
	meta := models.ChangeMeta{Model: model, Key: key}
	var last sql.NullInt64
	var pending int

	err := q.QueryRowContext(ctx,
		`SELECT last_applied_change_id, local_change_pending FROM sync_change_meta WHERE model = ? AND entity_key = ?`,
		model, key,
	).Scan(&last, &pending)
	if errors.Is(err, sql.ErrNoRows) {
		return meta, false, nil
	}
	if err != nil {
		return meta, false, fmt.Errorf("failed to read change meta: %w", err)
	}

	meta.LastAppliedChangeID = last.Int64
	meta.LocalChangePending = pending == 1
	return meta, true, nil
}

// MarkPending flags a local edit without touching the applied change id
func (m *ChangeMetaStore) MarkPending(ctx context.Context, q db.DBTX, model, key string) error {
	query := `
		INSERT INTO sync_change_meta (model, entity_key, local_change_pending)
		VALUES (?, ?, 1)
		ON CONFLICT (model, entity_key) DO UPDATE SET local_change_pending = 1
	`
	if _, err := q.ExecContext(ctx, query, model, key); err != nil {
		return fmt.Errorf("failed to mark %s %s pending: %w", model, key, err)
	}
	return nil
}

// MarkApplied advances the applied change id. It never moves backwards.
func (m *ChangeMetaStore) MarkApplied(ctx context.Context, q db.DBTX, model, key string, changeID int64, clearPending bool) error {
	query := `
		INSERT INTO sync_change_meta (model, entity_key, last_applied_change_id, local_change_pending)
		VALUES (?, ?, ?, 0)
		ON CONFLICT (model, entity_key) DO UPDATE SET
			last_applied_change_id = MAX(COALESCE(last_applied_change_id, 0), excluded.last_applied_change_id),
			local_change_pending = CASE WHEN ? = 1 THEN 0 ELSE local_change_pending END
	`
	if _, err := q.ExecContext(ctx, query, model, key, changeID, boolInt(clearPending)); err != nil {
		return fmt.Errorf("failed to mark %s %s applied: %w", model, key, err)
	}
	return nil
}
