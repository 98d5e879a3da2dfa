package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Guizzs26/go-offline-sync/internal/mapper"
)

// Handle is an open store plus the dialect needed to talk to it
type Handle struct {
	DB      *sql.DB
	Dialect mapper.Dialect
	closeFn func()
}

// Open picks the driver from the URL: postgres:// and postgresql:// go to pgx,
// sqlite:<path> (or a bare path) to the embedded engine
func Open(ctx context.Context, url string, logger *slog.Logger) (*Handle, error) {
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		db, closeFn, err := OpenPostgres(ctx, url, logger)
		if err != nil {
			return nil, err
		}
		return &Handle{DB: db, Dialect: mapper.Postgres, closeFn: closeFn}, nil
	default:
		path := strings.TrimPrefix(url, "sqlite:")
		if path == "" {
			return nil, fmt.Errorf("empty sqlite path in %q", url)
		}
		db, err := OpenSQLite(ctx, path)
		if err != nil {
			return nil, err
		}
		logger.Info("Opened embedded SQLite store", "path", path)
		return NewHandle(db, mapper.SQLite), nil
	}
}

// NewHandle wraps an already open database
func NewHandle(db *sql.DB, d mapper.Dialect) *Handle {
	return &Handle{DB: db, Dialect: d, closeFn: func() { _ = db.Close() }}
}

// BeginTx starts a transaction. Postgres runs serializable so ownership checks
// and changelog appends see a consistent snapshot.
func (h *Handle) BeginTx(ctx context.Context) (*sql.Tx, error) {
	var opts *sql.TxOptions
	if h.Dialect == mapper.Postgres {
		opts = &sql.TxOptions{Isolation: sql.LevelSerializable}
	}
	return h.DB.BeginTx(ctx, opts)
}

func (h *Handle) Close() {
	if h.closeFn != nil {
		h.closeFn()
	}
}
