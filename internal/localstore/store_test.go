package localstore

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Guizzs26/go-offline-sync/internal/models"
	"github.com/Guizzs26/go-offline-sync/internal/schema/schematest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newStore(t *testing.T) (*Store, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "client.db"), schematest.Registry(t),
		slog.New(slog.NewTextHandler(io.Discard, nil)), WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s, clock
}

func TestCreate_CapturesOutboxAndMeta(t *testing.T) {
	ctx := context.Background()
	s, clock := newStore(t)

	require.NoError(t, s.Create(ctx, "Board", map[string]any{"id": "b1", "userId": "u1", "title": "Todo"}))

	rec, err := s.Get(ctx, "Board", []any{"b1"})
	require.NoError(t, err)
	assert.Equal(t, "Todo", rec["title"])

	events, err := s.Outbox.NextBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, "Board", ev.EntityType)
	assert.Equal(t, models.OpCreate, ev.Operation)
	assert.Equal(t, 0, ev.Tries)
	assert.True(t, ev.Retryable)
	assert.False(t, ev.Synced)
	assert.Equal(t, `["b1"]`, ev.EntityKey)
	assert.True(t, ev.CreatedAt.Equal(clock.Now()))

	var payload map[string]any
	require.NoError(t, json.Unmarshal(ev.Payload, &payload))
	assert.Equal(t, "b1", payload["id"])
	assert.Equal(t, "u1", payload["userId"])

	meta, found, err := s.Meta.Get(ctx, nil, "Board", `["b1"]`)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, meta.LocalChangePending)
	assert.Equal(t, int64(0), meta.LastAppliedChangeID)
}

func TestCreate_Duplicate(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)

	require.NoError(t, s.Create(ctx, "Board", map[string]any{"id": "b1", "userId": "u1"}))
	err := s.Create(ctx, "Board", map[string]any{"id": "b1", "userId": "u1"})
	require.ErrorIs(t, err, ErrExists)

	n, err := s.Outbox.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "failed create must not leave an outbox event")
}

func TestUpdateAndDelete(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)

	require.ErrorIs(t, s.Update(ctx, "Board", map[string]any{"id": "b1", "userId": "u1"}), ErrNotFound)

	require.NoError(t, s.Create(ctx, "Board", map[string]any{"id": "b1", "userId": "u1", "title": "A"}))
	require.NoError(t, s.Update(ctx, "Board", map[string]any{"id": "b1", "userId": "u1", "title": "B", "archived": true}))

	rec, err := s.Get(ctx, "Board", []any{"b1"})
	require.NoError(t, err)
	assert.Equal(t, "B", rec["title"])
	assert.Equal(t, true, rec["archived"])

	require.NoError(t, s.Delete(ctx, "Board", []any{"b1"}))
	_, err = s.Get(ctx, "Board", []any{"b1"})
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, s.Delete(ctx, "Board", []any{"b1"}), ErrNotFound)

	events, err := s.Outbox.NextBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, models.OpDelete, events[2].Operation)
	assert.JSONEq(t, `{"id":"b1"}`, string(events[2].Payload))
}

func TestDecomposedKeysAddressTheSameRecord(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)
	decomposed, composed := "cafe\u0301", "caf\u00e9"

	require.NoError(t, s.Create(ctx, "Board", map[string]any{"id": decomposed, "userId": "u\u0308", "title": "A"}))
	require.ErrorIs(t, s.Create(ctx, "Board", map[string]any{"id": composed, "userId": "\u00fc"}), ErrExists)

	require.NoError(t, s.Update(ctx, "Board", map[string]any{"id": decomposed, "userId": "u\u0308", "title": "B"}))

	rec, err := s.Get(ctx, "Board", []any{decomposed})
	require.NoError(t, err)
	assert.Equal(t, composed, rec["id"])
	assert.Equal(t, "\u00fc", rec["userId"])
	assert.Equal(t, "B", rec["title"])

	rows, err := s.List(ctx, "Board")
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	require.NoError(t, s.Delete(ctx, "Board", []any{decomposed}))
	_, err = s.Get(ctx, "Board", []any{composed})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUntrackedSilentWrites(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)

	var got []Change
	unsubscribe := s.Subscribe(func(c Change) { got = append(got, c) })

	require.NoError(t, s.WithTx(ctx, func(tx *Tx) error {
		return tx.Put(ctx, "Board", map[string]any{"id": "b1", "userId": "u1"}, Untracked(), Silent())
	}))
	assert.Empty(t, got)

	n, err := s.Outbox.CountPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, found, err := s.Meta.Get(ctx, nil, "Board", `["b1"]`)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.Create(ctx, "Board", map[string]any{"id": "b2", "userId": "u1"}))
	require.Len(t, got, 1)
	assert.Equal(t, Change{Model: "Board", Operation: models.OpCreate, Key: []any{"b2"}}, got[0])

	unsubscribe()
	require.NoError(t, s.Delete(ctx, "Board", []any{"b2"}))
	assert.Len(t, got, 1)
}

func TestWithTx_RollbackDropsEverything(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)

	var notified int
	s.Subscribe(func(Change) { notified++ })

	err := s.WithTx(ctx, func(tx *Tx) error {
		require.NoError(t, tx.Create(ctx, "Board", map[string]any{"id": "b1", "userId": "u1"}))
		return tx.Create(ctx, "Card", map[string]any{"id": "c1", "boardId": "b1"}) // text missing
	})
	require.Error(t, err)
	assert.True(t, models.IsPermanent(err))
	assert.Zero(t, notified)

	_, err = s.Get(ctx, "Board", []any{"b1"})
	assert.ErrorIs(t, err, ErrNotFound)
	n, err := s.Outbox.CountPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestUnknownModel(t *testing.T) {
	s, _ := newStore(t)
	err := s.Create(context.Background(), "Ghost", map[string]any{"id": "x"})
	var se *models.SyncError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, models.ErrInvalidModel, se.Type)
}

func TestList(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)

	require.NoError(t, s.Create(ctx, "Board", map[string]any{"id": "b2", "userId": "u1"}))
	require.NoError(t, s.Create(ctx, "Board", map[string]any{"id": "b1", "userId": "u1", "meta": map[string]any{"n": 1}}))

	rows, err := s.List(ctx, "Board")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "b1", rows[0]["id"])
	assert.Equal(t, map[string]any{"n": json.Number("1")}, rows[0]["meta"])
}
