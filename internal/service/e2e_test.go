package service

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/Guizzs26/go-offline-sync/internal/db"
	"github.com/Guizzs26/go-offline-sync/internal/localstore"
	"github.com/Guizzs26/go-offline-sync/internal/models"
	"github.com/Guizzs26/go-offline-sync/internal/processor"
	"github.com/Guizzs26/go-offline-sync/internal/schema/schematest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// server wires a processor and materializer over SQLite as in-process transport handlers
func server(t *testing.T, scope string) (PushHandler, PullHandler) {
	t.Helper()
	ctx := context.Background()
	h, err := db.Open(ctx, "sqlite:"+filepath.Join(t.TempDir(), "server.db"), discardLogger())
	require.NoError(t, err)
	t.Cleanup(h.Close)

	auth := processor.NewAuthority(h, schematest.Registry(t), discardLogger())
	require.NoError(t, auth.EnsureSchema(ctx))
	bp := processor.NewBatchProcessor(auth, nil, discardLogger())
	mat := processor.NewMaterializer(auth, 0, discardLogger())

	push := PushFunc(func(ctx context.Context, events []models.OutboxEvent) ([]models.PushResult, error) {
		return bp.ProcessBatch(ctx, events, processor.StaticScope(scope))
	})
	pull := PullFunc(func(ctx context.Context, cursor int64) (*models.PullPage, error) {
		return mat.Pull(ctx, scope, cursor)
	})
	return push, pull
}

func newClient(t *testing.T, name string, push PushHandler, pull PullHandler) (*localstore.Store, *Worker) {
	t.Helper()
	clock := newClock()
	s := newStore(t, name, clock)
	w := NewWorker(s,
		NewPusher(s, push, Config{}, discardLogger()).WithClock(clock.Now),
		NewPuller(s, pull, nil, discardLogger()),
		Config{}, discardLogger())
	return s, w
}

func TestEndToEnd_CreateBoardAndConverge(t *testing.T) {
	ctx := context.Background()
	push, pull := server(t, "u1")
	alice, aliceWorker := newClient(t, "alice.db", push, pull)

	require.NoError(t, alice.Create(ctx, "Board", map[string]any{"id": "b1", "userId": "u1", "title": "Groceries"}))

	events, err := alice.Outbox.NextBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.OpCreate, events[0].Operation)

	meta, _, err := alice.Meta.Get(ctx, nil, "Board", `["b1"]`)
	require.NoError(t, err)
	assert.True(t, meta.LocalChangePending)

	require.True(t, aliceWorker.SyncNow(ctx))
	require.Empty(t, aliceWorker.Status().LastError)

	ev, err := alice.Outbox.Get(ctx, events[0].ID)
	require.NoError(t, err)
	assert.True(t, ev.Synced)

	meta, _, err = alice.Meta.Get(ctx, nil, "Board", `["b1"]`)
	require.NoError(t, err)
	assert.Equal(t, int64(1), meta.LastAppliedChangeID)
	assert.False(t, meta.LocalChangePending)

	cursor, err := alice.Cursor.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cursor, "own change comes back as stale and moves the cursor")

	// A second device of the same user converges
	bob, bobWorker := newClient(t, "bob.db", push, pull)
	require.True(t, bobWorker.SyncNow(ctx))
	rec, err := bob.Get(ctx, "Board", []any{"b1"})
	require.NoError(t, err)
	assert.Equal(t, "Groceries", rec["title"])

	// Edits flow back the other way
	require.NoError(t, bob.Update(ctx, "Board", map[string]any{"id": "b1", "userId": "u1", "title": "Groceries!"}))
	require.True(t, bobWorker.SyncNow(ctx))
	require.True(t, aliceWorker.SyncNow(ctx))

	rec, err = alice.Get(ctx, "Board", []any{"b1"})
	require.NoError(t, err)
	assert.Equal(t, "Groceries!", rec["title"])

	meta, _, err = alice.Meta.Get(ctx, nil, "Board", `["b1"]`)
	require.NoError(t, err)
	assert.Equal(t, int64(2), meta.LastAppliedChangeID)
}

func TestEndToEnd_ScopeViolationIsPermanent(t *testing.T) {
	ctx := context.Background()
	push, pull := server(t, "A")
	s, w := newClient(t, "client.db", push, pull)

	require.NoError(t, s.Create(ctx, "Board", map[string]any{"id": "b1", "userId": "B"}))

	var got []models.PushResult
	w.Subscribe(func(ev Event) {
		if ev.Type == EventPushCompleted {
			got = ev.PushResults
		}
	})
	require.True(t, w.SyncNow(ctx))

	require.Len(t, got, 1)
	require.NotNil(t, got[0].Error)
	assert.Equal(t, models.ErrScopeViolation, got[0].Error.Type)

	pending, err := s.Outbox.HasRetryablePending(ctx)
	require.NoError(t, err)
	assert.False(t, pending)
}
