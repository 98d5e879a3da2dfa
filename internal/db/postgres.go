package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

// OpenPostgres builds a pgx pool and exposes it through database/sql so the
// sync engine shares one code path with the embedded store
func OpenPostgres(ctx context.Context, connString string, logger *slog.Logger) (*sql.DB, func(), error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 10 * time.Minute

	p, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := p.Ping(pingCtx); err != nil {
		p.Close()
		return nil, nil, fmt.Errorf("postgres ping failed: %w", err)
	}

	logger.Info("Connected to Postgres successfully", "max_conns", config.MaxConns)

	db := stdlib.OpenDBFromPool(p)
	closeFn := func() {
		_ = db.Close()
		p.Close()
	}
	return db, closeFn, nil
}
