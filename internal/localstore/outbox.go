package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Guizzs26/go-offline-sync/internal/db"
	"github.com/Guizzs26/go-offline-sync/internal/models"
)

// Outbox is the durable queue of local mutations awaiting push
type Outbox struct {
	db  *sql.DB
	now func() time.Time
}

// Stats summarizes the queue for status reporting
type Stats struct {
	Pending int // unsynced and retryable
	Failed  int // unsynced, rejected permanently
	Synced  int
	Stuck   int // pending with tries at or above the retry limit
}

const eventColumns = `id, entity_type, entity_key, operation, payload, created_at, tries,
	last_error, synced, synced_at, last_attempted_at, retryable`

func (o *Outbox) Append(ctx context.Context, q db.DBTX, ev *models.OutboxEvent) error {
	query := `
		INSERT INTO sync_outbox (id, entity_type, entity_key, operation, payload, created_at, tries, synced, retryable)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)
	`
	_, err := q.ExecContext(ctx, query,
		ev.ID,
		ev.EntityType,
		ev.EntityKey,
		string(ev.Operation),
		string(ev.Payload),
		ev.CreatedAt.UnixMilli(),
		ev.Tries,
		boolInt(ev.Retryable),
	)
	if err != nil {
		return fmt.Errorf("failed to append outbox event: %w", err)
	}
	return nil
}

// NextBatch returns up to limit unsynced, retryable events, oldest first
func (o *Outbox) NextBatch(ctx context.Context, limit int) ([]models.OutboxEvent, error) {
	query := `SELECT ` + eventColumns + `
		FROM sync_outbox
		WHERE synced = 0 AND retryable = 1
		ORDER BY created_at ASC, seq ASC
		LIMIT ?`
	return o.query(ctx, query, limit)
}

// ListOptions filters List
type ListOptions struct {
	IncludeSynced bool
	Limit         int
}

// List returns events in queue order for inspection
func (o *Outbox) List(ctx context.Context, opts ListOptions) ([]models.OutboxEvent, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	where := "WHERE synced = 0"
	if opts.IncludeSynced {
		where = ""
	}
	query := `SELECT ` + eventColumns + ` FROM sync_outbox ` + where + ` ORDER BY created_at ASC, seq ASC LIMIT ?`
	return o.query(ctx, query, limit)
}

func (o *Outbox) Get(ctx context.Context, id string) (models.OutboxEvent, error) {
	events, err := o.query(ctx, `SELECT `+eventColumns+` FROM sync_outbox WHERE id = ?`, id)
	if err != nil {
		return models.OutboxEvent{}, err
	}
	if len(events) == 0 {
		return models.OutboxEvent{}, ErrNotFound
	}
	return events[0], nil
}

// MarkFailed records a failed attempt. Retryable comes from the server's classification.
func (o *Outbox) MarkFailed(ctx context.Context, q db.DBTX, id string, perr *models.PushError) error {
	raw, err := json.Marshal(perr)
	if err != nil {
		return fmt.Errorf("encode push error: %w", err)
	}
	query := `
		UPDATE sync_outbox
		SET tries = tries + 1,
		    last_error = ?,
		    last_attempted_at = ?,
		    retryable = ?
		WHERE id = ? AND synced = 0
	`
	if _, err := q.ExecContext(ctx, query, string(raw), o.now().UnixMilli(), boolInt(perr.Retryable), id); err != nil {
		return fmt.Errorf("failed to mark event %s as failed: %w", id, err)
	}
	return nil
}

func (o *Outbox) MarkSynced(ctx context.Context, q db.DBTX, id string) error {
	now := o.now().UnixMilli()
	query := `
		UPDATE sync_outbox
		SET synced = 1, synced_at = ?, last_attempted_at = ?, last_error = NULL
		WHERE id = ?
	`
	if _, err := q.ExecContext(ctx, query, now, now, id); err != nil {
		return fmt.Errorf("failed to mark event %s as synced: %w", id, err)
	}
	return nil
}

// CountPending counts unsynced, retryable events
func (o *Outbox) CountPending(ctx context.Context) (int, error) {
	var n int
	err := o.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_outbox WHERE synced = 0 AND retryable = 1`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending events: %w", err)
	}
	return n, nil
}

func (o *Outbox) HasRetryablePending(ctx context.Context) (bool, error) {
	n, err := o.CountPending(ctx)
	return n > 0, err
}

// HasUnsyncedFor reports whether the entity still has retryable events other than exceptID
func (o *Outbox) HasUnsyncedFor(ctx context.Context, q db.DBTX, entityType, entityKey, exceptID string) (bool, error) {
	var exists int
	query := `
		SELECT EXISTS (
			SELECT 1 FROM sync_outbox
			WHERE entity_type = ? AND entity_key = ? AND synced = 0 AND retryable = 1 AND id <> ?
		)
	`
	if err := q.QueryRowContext(ctx, query, entityType, entityKey, exceptID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check pending events: %w", err)
	}
	return exists == 1, nil
}

func (o *Outbox) Stats(ctx context.Context, maxRetries int) (Stats, error) {
	var s Stats
	query := `
		SELECT
			COALESCE(SUM(CASE WHEN synced = 0 AND retryable = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN synced = 0 AND retryable = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN synced = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN synced = 0 AND retryable = 1 AND tries >= ? THEN 1 ELSE 0 END), 0)
		FROM sync_outbox
	`
	if err := o.db.QueryRowContext(ctx, query, maxRetries).Scan(&s.Pending, &s.Failed, &s.Synced, &s.Stuck); err != nil {
		return Stats{}, fmt.Errorf("failed to compute outbox stats: %w", err)
	}
	return s, nil
}

// PurgeSynced deletes synced events confirmed before olderThan
func (o *Outbox) PurgeSynced(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := o.db.ExecContext(ctx,
		`DELETE FROM sync_outbox WHERE synced = 1 AND synced_at < ?`,
		olderThan.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to purge synced events: %w", err)
	}
	return res.RowsAffected()
}

func (o *Outbox) query(ctx context.Context, query string, args ...any) ([]models.OutboxEvent, error) {
	rows, err := o.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read outbox: %w", err)
	}
	defer rows.Close()

	var events []models.OutboxEvent
	for rows.Next() {
		var (
			ev            models.OutboxEvent
			op, payload   string
			createdAt     int64
			lastError     sql.NullString
			synced, retry int
			syncedAt      sql.NullInt64
			attemptedAt   sql.NullInt64
		)
		if err := rows.Scan(&ev.ID, &ev.EntityType, &ev.EntityKey, &op, &payload, &createdAt, &ev.Tries,
			&lastError, &synced, &syncedAt, &attemptedAt, &retry); err != nil {
			return nil, fmt.Errorf("outbox scan failed: %w", err)
		}

		ev.Operation = models.Operation(op)
		ev.Payload = json.RawMessage(payload)
		ev.CreatedAt = time.UnixMilli(createdAt)
		ev.Synced = synced == 1
		ev.Retryable = retry == 1
		if lastError.Valid {
			var perr models.PushError
			if err := json.Unmarshal([]byte(lastError.String), &perr); err == nil {
				ev.LastError = &perr
			}
		}
		if syncedAt.Valid {
			t := time.UnixMilli(syncedAt.Int64)
			ev.SyncedAt = &t
		}
		if attemptedAt.Valid {
			t := time.UnixMilli(attemptedAt.Int64)
			ev.LastAttemptedAt = &t
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
