package processor

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/Guizzs26/go-offline-sync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaterializer_Pages(t *testing.T) {
	ctx := context.Background()
	p, auth, _ := newProcessor(t)
	m := NewMaterializer(auth, 2, slog.New(slog.NewTextHandler(io.Discard, nil)))

	push(t, p, "u1",
		event(t, "e1", "Board", models.OpCreate, map[string]any{"id": "b1", "userId": "u1", "title": "One"}),
		event(t, "e2", "Board", models.OpCreate, map[string]any{"id": "b2", "userId": "u1", "title": "Two"}),
	)
	push(t, p, "u2", event(t, "e3", "Board", models.OpCreate, map[string]any{"id": "b3", "userId": "u2"}))
	push(t, p, "u1", event(t, "e4", "Board", models.OpDelete, map[string]any{"id": "b2"}))

	page, err := m.Pull(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, page.LogsWithRecords, 2)
	assert.Equal(t, int64(2), page.Cursor)

	first := page.LogsWithRecords[0]
	assert.Equal(t, int64(1), first.ChangelogID)
	assert.Equal(t, "Board", first.Model)
	assert.Equal(t, []any{"b1"}, first.KeyPath)
	assert.Equal(t, models.OpCreate, first.Operation)
	require.NotNil(t, first.Record)
	assert.Equal(t, "One", first.Record["title"])

	// b2 was deleted later, so its create materializes as a tombstone
	assert.Nil(t, page.LogsWithRecords[1].Record)

	page, err = m.Pull(ctx, "u1", page.Cursor)
	require.NoError(t, err)
	require.Len(t, page.LogsWithRecords, 1, "rows of other scopes are skipped")
	assert.Equal(t, int64(4), page.Cursor)
	assert.Equal(t, models.OpDelete, page.LogsWithRecords[0].Operation)
	assert.Nil(t, page.LogsWithRecords[0].Record)

	page, err = m.Pull(ctx, "u1", page.Cursor)
	require.NoError(t, err)
	assert.Empty(t, page.LogsWithRecords)
	assert.Equal(t, int64(4), page.Cursor)
}

func TestMaterializer_RecordMovedOutOfScope(t *testing.T) {
	ctx := context.Background()
	p, auth, _ := newProcessor(t)
	m := NewMaterializer(auth, 0, slog.New(slog.NewTextHandler(io.Discard, nil)))

	push(t, p, "u1",
		event(t, "e1", "Board", models.OpCreate, map[string]any{"id": "b1", "userId": "u1"}),
		event(t, "e2", "Card", models.OpCreate, map[string]any{"id": "c1", "boardId": "b1", "text": "hi"}),
	)

	page, err := m.Pull(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, page.LogsWithRecords, 2)
	require.NotNil(t, page.LogsWithRecords[1].Record)
	assert.Equal(t, "hi", page.LogsWithRecords[1].Record["text"])

	// Ownership changed behind the sync engine's back
	_, err = auth.handle.DB.ExecContext(ctx, `UPDATE "boards" SET "userId" = 'u9' WHERE "id" = 'b1'`)
	require.NoError(t, err)

	page, err = m.Pull(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, page.LogsWithRecords, 2)
	assert.Nil(t, page.LogsWithRecords[0].Record)
	assert.Nil(t, page.LogsWithRecords[1].Record, "card follows its board out of scope")
}

func TestMaterializer_RootModel(t *testing.T) {
	ctx := context.Background()
	p, auth, _ := newProcessor(t)
	m := NewMaterializer(auth, 0, slog.New(slog.NewTextHandler(io.Discard, nil)))

	push(t, p, "u1", event(t, "e1", "User", models.OpCreate, map[string]any{"id": "u1", "name": "Ana"}))

	page, err := m.Pull(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, page.LogsWithRecords, 1)
	assert.Equal(t, "Ana", page.LogsWithRecords[0].Record["name"])

	_, err = m.Pull(ctx, "", 0)
	assert.Error(t, err)
}
