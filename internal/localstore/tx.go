package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Guizzs26/go-offline-sync/internal/db"
	"github.com/Guizzs26/go-offline-sync/internal/models"
	"github.com/Guizzs26/go-offline-sync/internal/schema"
	"github.com/Guizzs26/go-offline-sync/pkg/encoding"

	"github.com/google/uuid"
)

type mutationOpts struct {
	silent    bool
	untracked bool
}

// MutationOption tunes how a single write is recorded
type MutationOption func(*mutationOpts)

// Silent suppresses the change notification for this write
func Silent() MutationOption {
	return func(o *mutationOpts) { o.silent = true }
}

// Untracked skips the outbox: the write is never pushed to the server
func Untracked() MutationOption {
	return func(o *mutationOpts) { o.untracked = true }
}

// Tx is one local transaction spanning record tables and sync bookkeeping
type Tx struct {
	store   *Store
	tx      *sql.Tx
	changes []Change
}

// SQL exposes the transaction for the outbox and metadata stores
func (t *Tx) SQL() db.DBTX {
	return t.tx
}

// Create inserts a new record. An existing key yields ErrExists.
func (t *Tx) Create(ctx context.Context, model string, record map[string]any, opts ...MutationOption) error {
	return t.write(ctx, models.OpCreate, model, record, false, opts)
}

// Update overwrites an existing record. A missing key yields ErrNotFound.
func (t *Tx) Update(ctx context.Context, model string, record map[string]any, opts ...MutationOption) error {
	return t.write(ctx, models.OpUpdate, model, record, true, opts)
}

// Put upserts a record without caring whether it existed. Used when applying server state.
func (t *Tx) Put(ctx context.Context, model string, record map[string]any, opts ...MutationOption) error {
	return t.write(ctx, models.OpUpdate, model, record, false, opts)
}

// Delete removes a record by key. A missing key yields ErrNotFound and records nothing.
func (t *Tx) Delete(ctx context.Context, model string, key []any, opts ...MutationOption) error {
	o := collect(opts)
	m, err := t.store.model(model)
	if err != nil {
		return err
	}
	key, err = t.store.registry.CheckKeyPath(m, key)
	if err != nil {
		return err
	}

	query, args, err := t.store.builder.BuildDelete(m.Table, m.PrimaryKey, key)
	if err != nil {
		return err
	}
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("delete %s: %w", m.Name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	return t.record(ctx, m, models.OpDelete, key, schema.KeyRecord(m, key), o)
}

// Get reads a record inside the transaction
func (t *Tx) Get(ctx context.Context, model string, key []any) (map[string]any, error) {
	m, err := t.store.model(model)
	if err != nil {
		return nil, err
	}
	return t.store.get(ctx, t.tx, m, key)
}

func (t *Tx) write(ctx context.Context, op models.Operation, model string, record map[string]any, mustExist bool, opts []MutationOption) error {
	o := collect(opts)
	m, err := t.store.model(model)
	if err != nil {
		return err
	}
	rec, err := t.store.registry.ValidateRecord(m, record)
	if err != nil {
		return err
	}
	key, err := t.store.registry.KeyPathOf(m, rec)
	if err != nil {
		return err
	}

	if mustExist {
		if _, err := t.store.get(ctx, t.tx, m, key); err != nil {
			return err
		}
	}

	row, err := schema.EncodeRow(m, rec)
	if err != nil {
		return err
	}

	var query string
	var args []any
	if op == models.OpCreate {
		query, args, err = t.store.builder.BuildInsert(m.Table, row)
	} else {
		query, args, err = t.store.builder.BuildUpsert(m.Table, m.PrimaryKey, row)
	}
	if err != nil {
		return err
	}

	if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
		if op == models.OpCreate && db.IsUniqueViolation(err) {
			return fmt.Errorf("%w: %s %v", ErrExists, m.Name, key)
		}
		return fmt.Errorf("%s %s: %w", op, m.Name, err)
	}

	return t.record(ctx, m, op, key, rec, o)
}

// record captures the mutation in the outbox and marks the entity pending,
// in the same transaction as the write itself
func (t *Tx) record(ctx context.Context, m *schema.Model, op models.Operation, key []any, payload map[string]any, o mutationOpts) error {
	if !o.untracked {
		canon, err := encoding.CanonicalKey(key)
		if err != nil {
			return err
		}
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode outbox payload: %w", err)
		}

		ev := models.OutboxEvent{
			ID:         uuid.NewString(),
			EntityType: m.Name,
			Operation:  op,
			Payload:    raw,
			CreatedAt:  t.store.now(),
			Retryable:  true,
			EntityKey:  canon,
		}
		if err := t.store.Outbox.Append(ctx, t.tx, &ev); err != nil {
			return err
		}
		if err := t.store.Meta.MarkPending(ctx, t.tx, m.Name, canon); err != nil {
			return err
		}
	}

	if !o.silent {
		t.changes = append(t.changes, Change{Model: m.Name, Operation: op, Key: key})
	}
	return nil
}

func collect(opts []MutationOption) mutationOpts {
	var o mutationOpts
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// IsNotFound reports whether err means the record does not exist
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
