// Package localstore is the client's embedded persistent store: synced record
// tables plus the outbox, change metadata and pull cursor that drive sync.
package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/Guizzs26/go-offline-sync/internal/db"
	"github.com/Guizzs26/go-offline-sync/internal/mapper"
	"github.com/Guizzs26/go-offline-sync/internal/models"
	"github.com/Guizzs26/go-offline-sync/internal/schema"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrExists   = errors.New("record already exists")
)

// Change is delivered to subscribers after a committed local mutation
type Change struct {
	Model     string
	Operation models.Operation
	Key       []any
}

type Store struct {
	handle   *db.Handle
	registry *schema.Registry
	builder  *mapper.SQLBuilder
	logger   *slog.Logger
	now      func() time.Time

	Outbox *Outbox
	Meta   *ChangeMetaStore
	Cursor *CursorStore

	mu      sync.RWMutex
	subs    map[int]func(Change)
	nextSub int
}

type Option func(*Store)

// WithClock overrides time.Now for timestamps written by the store
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens (or creates) the store file at path
func Open(ctx context.Context, path string, reg *schema.Registry, logger *slog.Logger, opts ...Option) (*Store, error) {
	sqlDB, err := db.OpenSQLite(ctx, path)
	if err != nil {
		return nil, err
	}
	s, err := New(ctx, db.NewHandle(sqlDB, mapper.SQLite), reg, logger, opts...)
	if err != nil {
		sqlDB.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open SQLite handle and creates missing tables
func New(ctx context.Context, h *db.Handle, reg *schema.Registry, logger *slog.Logger, opts ...Option) (*Store, error) {
	if h.Dialect != mapper.SQLite {
		return nil, fmt.Errorf("local store requires sqlite, got %s", h.Dialect)
	}
	s := &Store{
		handle:   h,
		registry: reg,
		builder:  mapper.NewSQLBuilder(mapper.SQLite),
		logger:   logger.With("component", "localstore"),
		now:      time.Now,
		subs:     make(map[int]func(Change)),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.Outbox = &Outbox{db: h.DB, now: s.now}
	s.Meta = &ChangeMetaStore{db: h.DB}
	s.Cursor = &CursorStore{db: h.DB}

	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

var bookkeeping = []string{
	`CREATE TABLE IF NOT EXISTS sync_outbox (
		seq               INTEGER PRIMARY KEY AUTOINCREMENT,
		id                TEXT NOT NULL UNIQUE,
		entity_type       TEXT NOT NULL,
		entity_key        TEXT NOT NULL,
		operation         TEXT NOT NULL,
		payload           TEXT NOT NULL,
		created_at        INTEGER NOT NULL,
		tries             INTEGER NOT NULL DEFAULT 0,
		last_error        TEXT,
		synced            INTEGER NOT NULL DEFAULT 0,
		synced_at         INTEGER,
		last_attempted_at INTEGER,
		retryable         INTEGER NOT NULL DEFAULT 1
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sync_outbox_pending ON sync_outbox (synced, retryable, created_at, seq)`,
	`CREATE INDEX IF NOT EXISTS idx_sync_outbox_entity ON sync_outbox (entity_type, entity_key)`,
	`CREATE TABLE IF NOT EXISTS sync_change_meta (
		model                  TEXT NOT NULL,
		entity_key             TEXT NOT NULL,
		last_applied_change_id INTEGER,
		local_change_pending   INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (model, entity_key)
	)`,
	`CREATE TABLE IF NOT EXISTS sync_state (
		name  TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := append([]string(nil), bookkeeping...)
	for _, m := range s.registry.Models() {
		if strings.HasPrefix(strings.ToLower(m.Table), "sync_") {
			return fmt.Errorf("model %s: table prefix sync_ is reserved", m.Name)
		}
		ddl, err := s.builder.BuildCreateTable(m.Table, columnsOf(m), m.PrimaryKey)
		if err != nil {
			return err
		}
		stmts = append(stmts, ddl)
	}

	for _, stmt := range stmts {
		if _, err := s.handle.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("local schema migration failed: %w", err)
		}
	}
	return nil
}

func columnsOf(m *schema.Model) []mapper.Column {
	cols := make([]mapper.Column, len(m.Fields))
	for i, f := range m.Fields {
		cols[i] = mapper.Column{Name: f.Name, Type: string(f.Type), NotNull: slices.Contains(m.PrimaryKey, f.Name)}
	}
	return cols
}

func (s *Store) Registry() *schema.Registry {
	return s.registry
}

// Handle exposes the underlying database for components sharing the file
func (s *Store) Handle() *db.Handle {
	return s.handle
}

func (s *Store) Close() {
	s.handle.Close()
}

func (s *Store) model(name string) (*schema.Model, error) {
	m, ok := s.registry.Model(name)
	if !ok {
		return nil, models.Permanent(models.ErrInvalidModel, "unknown model %q", name)
	}
	return m, nil
}

// Subscribe registers fn for committed, non-silent local changes.
// The returned func removes the subscription.
func (s *Store) Subscribe(fn func(Change)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

func (s *Store) publish(changes []Change) {
	if len(changes) == 0 {
		return
	}
	s.mu.RLock()
	subs := make([]func(Change), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.RUnlock()

	for _, c := range changes {
		for _, fn := range subs {
			fn(c)
		}
	}
}

// WithTx runs fn in one local transaction. Change notifications are sent after commit.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	var t *Tx
	err := db.WithTx(ctx, s.handle, func(sqlTx *sql.Tx) error {
		t = &Tx{store: s, tx: sqlTx}
		return fn(t)
	})
	if err != nil {
		return err
	}
	s.publish(t.changes)
	return nil
}

func (s *Store) Create(ctx context.Context, model string, record map[string]any, opts ...MutationOption) error {
	return s.WithTx(ctx, func(tx *Tx) error { return tx.Create(ctx, model, record, opts...) })
}

func (s *Store) Update(ctx context.Context, model string, record map[string]any, opts ...MutationOption) error {
	return s.WithTx(ctx, func(tx *Tx) error { return tx.Update(ctx, model, record, opts...) })
}

func (s *Store) Delete(ctx context.Context, model string, key []any, opts ...MutationOption) error {
	return s.WithTx(ctx, func(tx *Tx) error { return tx.Delete(ctx, model, key, opts...) })
}

func (s *Store) Get(ctx context.Context, model string, key []any) (map[string]any, error) {
	m, err := s.model(model)
	if err != nil {
		return nil, err
	}
	return s.get(ctx, s.handle.DB, m, key)
}

// List returns every row of a model ordered by primary key
func (s *Store) List(ctx context.Context, model string) ([]map[string]any, error) {
	m, err := s.model(model)
	if err != nil {
		return nil, err
	}
	query, err := s.builder.BuildSelectAll(m.Table, m.Columns(), m.PrimaryKey)
	if err != nil {
		return nil, err
	}
	rows, err := s.handle.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", m.Name, err)
	}
	raw, err := db.ScanAll(rows, len(m.Fields))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", m.Name, err)
	}

	out := make([]map[string]any, 0, len(raw))
	for _, vals := range raw {
		rec, err := schema.DecodeRow(m, m.Columns(), vals)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) get(ctx context.Context, q db.DBTX, m *schema.Model, key []any) (map[string]any, error) {
	key, err := s.registry.CheckKeyPath(m, key)
	if err != nil {
		return nil, err
	}
	query, args, err := s.builder.BuildSelectByKey(m.Table, m.Columns(), m.PrimaryKey, key)
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", m.Name, err)
	}
	raw, err := db.ScanAll(rows, len(m.Fields))
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", m.Name, err)
	}
	if len(raw) == 0 {
		return nil, ErrNotFound
	}
	return schema.DecodeRow(m, m.Columns(), raw[0])
}
