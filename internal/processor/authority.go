package processor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/Guizzs26/go-offline-sync/internal/db"
	"github.com/Guizzs26/go-offline-sync/internal/mapper"
	"github.com/Guizzs26/go-offline-sync/internal/models"
	"github.com/Guizzs26/go-offline-sync/internal/schema"
	"github.com/Guizzs26/go-offline-sync/pkg/encoding"
)

const changelogTable = "sync_changelog"

// Authority owns the authoritative store: model tables plus the append-only changelog
type Authority struct {
	handle   *db.Handle
	registry *schema.Registry
	builder  *mapper.SQLBuilder
	logger   *slog.Logger
}

func NewAuthority(h *db.Handle, reg *schema.Registry, logger *slog.Logger) *Authority {
	return &Authority{
		handle:   h,
		registry: reg,
		builder:  mapper.NewSQLBuilder(h.Dialect),
		logger:   logger.With("component", "authority"),
	}
}

func (a *Authority) Registry() *schema.Registry {
	return a.registry
}

// EnsureSchema creates the changelog and every model table if missing
func (a *Authority) EnsureSchema(ctx context.Context) error {
	var stmts []string
	switch a.handle.Dialect {
	case mapper.Postgres:
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS sync_changelog (
				id              BIGSERIAL PRIMARY KEY,
				model           TEXT NOT NULL,
				key_path        TEXT NOT NULL,
				operation       TEXT NOT NULL,
				scope_key       TEXT NOT NULL,
				outbox_event_id TEXT NOT NULL UNIQUE,
				created_at      BIGINT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_sync_changelog_scope ON sync_changelog (scope_key, id)`,
		}
	default:
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS sync_changelog (
				id              INTEGER PRIMARY KEY AUTOINCREMENT,
				model           TEXT NOT NULL,
				key_path        TEXT NOT NULL,
				operation       TEXT NOT NULL,
				scope_key       TEXT NOT NULL,
				outbox_event_id TEXT NOT NULL UNIQUE,
				created_at      INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_sync_changelog_scope ON sync_changelog (scope_key, id)`,
		}
	}

	for _, m := range a.registry.Models() {
		if strings.HasPrefix(strings.ToLower(m.Table), "sync_") {
			return fmt.Errorf("model %s: table prefix sync_ is reserved", m.Name)
		}
		cols := make([]mapper.Column, len(m.Fields))
		for i, f := range m.Fields {
			cols[i] = mapper.Column{Name: f.Name, Type: string(f.Type), NotNull: slices.Contains(m.PrimaryKey, f.Name)}
		}
		ddl, err := a.builder.BuildCreateTable(m.Table, cols, m.PrimaryKey)
		if err != nil {
			return err
		}
		stmts = append(stmts, ddl)
	}

	for _, stmt := range stmts {
		if _, err := a.handle.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("server schema migration failed: %w", err)
		}
	}
	a.logger.Info("Authoritative schema ready", "dialect", a.handle.Dialect.String(), "models", len(a.registry.Models()))
	return nil
}

// lookup loads a record by key. found is false when the row does not exist.
func (a *Authority) lookup(ctx context.Context, q db.DBTX, m *schema.Model, key []any) (map[string]any, bool, error) {
	query, args, err := a.builder.BuildSelectByKey(m.Table, m.Columns(), m.PrimaryKey, key)
	if err != nil {
		return nil, false, err
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("lookup %s: %w", m.Name, err)
	}
	raw, err := db.ScanAll(rows, len(m.Fields))
	if err != nil {
		return nil, false, fmt.Errorf("lookup %s: %w", m.Name, err)
	}
	if len(raw) == 0 {
		return nil, false, nil
	}
	rec, err := schema.DecodeRow(m, m.Columns(), raw[0])
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

func (a *Authority) upsert(ctx context.Context, q db.DBTX, m *schema.Model, rec map[string]any) error {
	row, err := schema.EncodeRow(m, rec)
	if err != nil {
		return err
	}
	query, args, err := a.builder.BuildUpsert(m.Table, m.PrimaryKey, row)
	if err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert %s: %w", m.Name, err)
	}
	return nil
}

// remove deletes by key; a missing row is not an error
func (a *Authority) remove(ctx context.Context, q db.DBTX, m *schema.Model, key []any) error {
	query, args, err := a.builder.BuildDelete(m.Table, m.PrimaryKey, key)
	if err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("delete %s: %w", m.Name, err)
	}
	return nil
}

// resolveScope follows parent links from rec up to the root and returns the root key.
// Intermediate ancestors are read from the store; a missing one is MISSING_PARENT.
// The root row itself does not have to exist.
func (a *Authority) resolveScope(ctx context.Context, q db.DBTX, m *schema.Model, rec map[string]any) (string, error) {
	if m.Root {
		return schema.ScopeValue(rec[m.PrimaryKey[0]]), nil
	}

	cur, r := m, rec
	for {
		parent, ok := a.registry.Model(cur.Parent.Model)
		if !ok {
			return "", fmt.Errorf("model %s: parent %s is not registered", cur.Name, cur.Parent.Model)
		}
		parentKey := make([]any, len(cur.Parent.Fields))
		for i, f := range cur.Parent.Fields {
			v := r[f]
			if v == nil {
				return "", models.Permanent(models.ErrMissingParent, "%s: parent field %q is empty", cur.Name, f)
			}
			parentKey[i] = v
		}

		if parent.Root {
			return schema.ScopeValue(parentKey[0]), nil
		}

		parentKey, err := a.registry.CheckKeyPath(parent, parentKey)
		if err != nil {
			return "", models.Permanent(models.ErrMissingParent, "%s: parent key is invalid: %v", cur.Name, err)
		}
		row, found, err := a.lookup(ctx, q, parent, parentKey)
		if err != nil {
			return "", err
		}
		if !found {
			return "", models.Permanent(models.ErrMissingParent, "%s: parent %s %v does not exist", cur.Name, parent.Name, parentKey)
		}
		cur, r = parent, row
	}
}

// changelogByOutboxID is the idempotency gate
func (a *Authority) changelogByOutboxID(ctx context.Context, q db.DBTX, outboxEventID string) (int64, bool, error) {
	query := fmt.Sprintf("SELECT id FROM %s WHERE outbox_event_id = %s", changelogTable, a.handle.Dialect.Placeholder(1))
	var id int64
	err := q.QueryRowContext(ctx, query, outboxEventID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("idempotency check failed: %w", err)
	}
	return id, true, nil
}

// appendChangelog inserts a ledger row and returns its id. On Postgres the
// transaction first takes a per-scope advisory lock so ids commit in order within a scope.
func (a *Authority) appendChangelog(ctx context.Context, q db.DBTX, entry models.ChangeLog) (int64, error) {
	keyPath, err := encoding.CanonicalKey(entry.KeyPath)
	if err != nil {
		return 0, models.Permanent(models.ErrKeyPathValidation, "%s: %v", entry.Model, err)
	}

	d := a.handle.Dialect
	if d == mapper.Postgres {
		if _, err := q.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtextextended($1, 0))", entry.ScopeKey); err != nil {
			return 0, fmt.Errorf("scope lock failed: %w", err)
		}
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (model, key_path, operation, scope_key, outbox_event_id, created_at) VALUES (%s, %s, %s, %s, %s, %s) RETURNING id",
		changelogTable,
		d.Placeholder(1), d.Placeholder(2), d.Placeholder(3), d.Placeholder(4), d.Placeholder(5), d.Placeholder(6),
	)
	var id int64
	err = q.QueryRowContext(ctx, query,
		entry.Model, keyPath, string(entry.Operation), entry.ScopeKey, entry.OutboxEventID, entry.CreatedAt.UnixMilli(),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("append changelog: %w", err)
	}
	return id, nil
}

// ReadChangelog returns up to limit rows of scope with id > after, oldest first
func (a *Authority) ReadChangelog(ctx context.Context, scope string, after int64, limit int) ([]models.ChangeLog, error) {
	d := a.handle.Dialect
	query := fmt.Sprintf(
		"SELECT id, model, key_path, operation, scope_key, outbox_event_id, created_at FROM %s WHERE scope_key = %s AND id > %s ORDER BY id LIMIT %d",
		changelogTable, d.Placeholder(1), d.Placeholder(2), limit,
	)
	rows, err := a.handle.DB.QueryContext(ctx, query, scope, after)
	if err != nil {
		return nil, fmt.Errorf("read changelog: %w", err)
	}
	defer rows.Close()

	var out []models.ChangeLog
	for rows.Next() {
		var (
			entry   models.ChangeLog
			keyPath string
			op      string
			created int64
		)
		if err := rows.Scan(&entry.ID, &entry.Model, &keyPath, &op, &entry.ScopeKey, &entry.OutboxEventID, &created); err != nil {
			return nil, fmt.Errorf("scan changelog: %w", err)
		}
		entry.Operation = models.Operation(op)
		entry.CreatedAt = time.UnixMilli(created).UTC()
		if entry.KeyPath, err = encoding.ParseKey(keyPath); err != nil {
			// Kept so the materializer can report it with a null record
			a.logger.Warn("Changelog row has an unreadable key path", "id", entry.ID, "error", err)
			entry.KeyPath = nil
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// scopedRecord returns the current record only if its ownership chain still ends at scope
func (a *Authority) scopedRecord(ctx context.Context, m *schema.Model, key []any, scope string) (map[string]any, error) {
	if m.Root {
		if schema.ScopeValue(key[0]) != scope {
			return nil, nil
		}
		rec, _, err := a.lookup(ctx, a.handle.DB, m, key)
		return rec, err
	}

	path := a.registry.AuthPath(m.Name)
	steps := make([]mapper.JoinStep, 0, len(path)-1)
	for _, hop := range path[:len(path)-1] {
		steps = append(steps, mapper.JoinStep{Table: hop.Table, PrimaryKey: hop.PrimaryKey, ParentFields: hop.Parent.Fields})
	}

	query, args, err := a.builder.BuildScopedSelect(steps, m.Columns(), key, scope)
	if err != nil {
		return nil, err
	}
	rows, err := a.handle.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("scoped read %s: %w", m.Name, err)
	}
	raw, err := db.ScanAll(rows, len(m.Fields))
	if err != nil {
		return nil, fmt.Errorf("scoped read %s: %w", m.Name, err)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	return schema.DecodeRow(m, m.Columns(), raw[0])
}
