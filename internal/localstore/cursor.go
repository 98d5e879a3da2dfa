package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/Guizzs26/go-offline-sync/internal/db"
)

const cursorKey = "pull_cursor"

// CursorStore persists the last consumed changelog id
type CursorStore struct {
	db *sql.DB
}

// Get returns the saved cursor, or 0 before the first pull
func (c *CursorStore) Get(ctx context.Context) (int64, error) {
	var raw string
	err := c.db.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE name = ?`, cursorKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read pull cursor: %w", err)
	}
	return strconv.ParseInt(raw, 10, 64)
}

func (c *CursorStore) Set(ctx context.Context, q db.DBTX, cursor int64) error {
	if q == nil {
		q = c.db
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO sync_state (name, value) VALUES (?, ?) ON CONFLICT (name) DO UPDATE SET value = excluded.value`,
		cursorKey, strconv.FormatInt(cursor, 10),
	)
	if err != nil {
		return fmt.Errorf("failed to save pull cursor: %w", err)
	}
	return nil
}
