package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/ncruces/go-sqlite3"
)

// DBTX abstracts *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// TxBeginner is satisfied by *Handle
type TxBeginner interface {
	BeginTx(ctx context.Context) (*sql.Tx, error)
}

// WithTx runs fn inside a transaction, committing on success
func WithTx(ctx context.Context, b TxBeginner, fn func(tx *sql.Tx) error) error {
	tx, err := b.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	// Rollback is a no-op once Commit succeeded
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit failed: %w", err)
	}
	return nil
}

// IsUniqueViolation detects duplicate-key failures on either engine
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr *sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode() == sqlite3.CONSTRAINT_UNIQUE ||
			liteErr.ExtendedCode() == sqlite3.CONSTRAINT_PRIMARYKEY
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}

// IsRetryableConflict detects serialization failures, deadlocks and busy databases.
// These are safe to retry from the start of the transaction.
func IsRetryableConflict(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 40001 serialization_failure, 40P01 deadlock_detected
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	var liteErr *sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code() == sqlite3.BUSY || liteErr.Code() == sqlite3.LOCKED
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "deadlock") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "could not serialize")
}

// ScanAll reads every row as a slice of n raw column values
func ScanAll(rows *sql.Rows, n int) ([][]any, error) {
	defer rows.Close()

	var out [][]any
	for rows.Next() {
		vals := make([]any, n)
		ptrs := make([]any, n)
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		out = append(out, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
