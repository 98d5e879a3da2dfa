package service

import (
	"context"
	"testing"

	"github.com/Guizzs26/go-offline-sync/internal/localstore"
	"github.com/Guizzs26/go-offline-sync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func boardChange(id int64, op models.Operation, key string, record map[string]any) models.LogWithRecord {
	return models.LogWithRecord{
		ChangeLog: models.ChangeLog{
			ID:        id,
			Model:     "Board",
			KeyPath:   []any{key},
			Operation: op,
			ScopeKey:  "u1",
		},
		ChangelogID: id,
		Record:      record,
	}
}

func TestApplier_IdempotentPage(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, "pull.db", newClock())
	a := NewApplier(s, discardLogger())

	page := []models.LogWithRecord{
		boardChange(1, models.OpCreate, "b1", map[string]any{"id": "b1", "userId": "u1", "title": "One"}),
		boardChange(2, models.OpCreate, "b2", map[string]any{"id": "b2", "userId": "u1", "title": "Two"}),
	}

	first, err := a.ApplyPage(ctx, page)
	require.NoError(t, err)
	assert.Equal(t, 2, first.TotalAppliedRecords)
	assert.Zero(t, first.StaleRecords)

	second, err := a.ApplyPage(ctx, page)
	require.NoError(t, err)
	assert.Zero(t, second.TotalAppliedRecords)
	assert.Equal(t, 2, second.StaleRecords)

	rec, err := s.Get(ctx, "Board", []any{"b2"})
	require.NoError(t, err)
	assert.Equal(t, "Two", rec["title"])

	pending, err := s.Outbox.CountPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending, "pulled changes are never echoed back to the outbox")
}

func TestApplier_OutOfOrderChangesKeepNewest(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, "pull.db", newClock())
	a := NewApplier(s, discardLogger())

	_, err := a.ApplyPage(ctx, []models.LogWithRecord{
		boardChange(9, models.OpUpdate, "b1", map[string]any{"id": "b1", "userId": "u1", "title": "Nine"}),
	})
	require.NoError(t, err)

	summary, err := a.ApplyPage(ctx, []models.LogWithRecord{
		boardChange(5, models.OpUpdate, "b1", map[string]any{"id": "b1", "userId": "u1", "title": "Five"}),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.StaleRecords)

	rec, err := s.Get(ctx, "Board", []any{"b1"})
	require.NoError(t, err)
	assert.Equal(t, "Nine", rec["title"])

	meta, _, err := s.Meta.Get(ctx, nil, "Board", `["b1"]`)
	require.NoError(t, err)
	assert.Equal(t, int64(9), meta.LastAppliedChangeID)
}

func TestApplier_RowProblemsDoNotFailThePage(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, "pull.db", newClock())
	a := NewApplier(s, discardLogger())

	page := []models.LogWithRecord{
		boardChange(1, models.OpUpdate, "gone", nil),
		boardChange(2, models.OpCreate, "b1", map[string]any{"id": "b1", "userId": "u1", "color": "red"}),
		boardChange(3, models.OpCreate, "b2", map[string]any{"id": "other", "userId": "u1"}),
		{ChangeLog: models.ChangeLog{ID: 4, Model: "Widget", KeyPath: []any{"w"}, Operation: models.OpCreate}, ChangelogID: 4, Record: map[string]any{"id": "w"}},
		boardChange(5, models.OpCreate, "b3", map[string]any{"id": "b3", "userId": "u1", "title": "ok"}),
	}

	summary, err := a.ApplyPage(ctx, page)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.MissingRecords)
	assert.Equal(t, 1, summary.TotalAppliedRecords)
	require.Len(t, summary.ValidationErrors, 3)
	assert.Equal(t, []int64{2, 3, 4}, []int64{
		summary.ValidationErrors[0].ChangelogID,
		summary.ValidationErrors[1].ChangelogID,
		summary.ValidationErrors[2].ChangelogID,
	})
	for _, re := range summary.ValidationErrors {
		assert.False(t, re.Aborted)
	}

	_, err = s.Get(ctx, "Board", []any{"b3"})
	assert.NoError(t, err)
}

func TestApplier_DeleteClearsPending(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, "pull.db", newClock())
	createBoard(t, s, "b1", "Local")
	a := NewApplier(s, discardLogger())

	summary, err := a.ApplyPage(ctx, []models.LogWithRecord{
		boardChange(3, models.OpDelete, "b1", nil),
		boardChange(4, models.OpDelete, "never-existed", nil),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, summary.TotalAppliedRecords)

	_, err = s.Get(ctx, "Board", []any{"b1"})
	assert.ErrorIs(t, err, localstore.ErrNotFound)

	meta, _, err := s.Meta.Get(ctx, nil, "Board", `["b1"]`)
	require.NoError(t, err)
	assert.Equal(t, int64(3), meta.LastAppliedChangeID)
	assert.False(t, meta.LocalChangePending)
}

func TestApplier_StorageFailureAbortsPage(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, "pull.db", newClock())
	a := NewApplier(s, discardLogger())

	_, err := s.Handle().DB.ExecContext(ctx, `DROP TABLE "cards"`)
	require.NoError(t, err)

	page := []models.LogWithRecord{
		boardChange(1, models.OpCreate, "b1", map[string]any{"id": "b1", "userId": "u1"}),
		{
			ChangeLog:   models.ChangeLog{ID: 2, Model: "Card", KeyPath: []any{"c1"}, Operation: models.OpCreate},
			ChangelogID: 2,
			Record:      map[string]any{"id": "c1", "boardId": "b1", "text": "hi"},
		},
		boardChange(3, models.OpCreate, "b2", map[string]any{"id": "b2", "userId": "u1"}),
	}

	summary, err := a.ApplyPage(ctx, page)
	require.ErrorIs(t, err, ErrPageAborted)
	assert.Zero(t, summary.TotalAppliedRecords)
	require.Len(t, summary.ValidationErrors, 3)
	for i, re := range summary.ValidationErrors {
		assert.Equal(t, int64(i+1), re.ChangelogID)
		assert.True(t, re.Aborted)
	}
	assert.Contains(t, summary.ValidationErrors[0].Message, "rolled back")

	_, err = s.Get(ctx, "Board", []any{"b1"})
	assert.ErrorIs(t, err, localstore.ErrNotFound, "earlier rows are rolled back")
}

func TestApplier_AbortedPageKeepsNoCounters(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, "pull.db", newClock())
	a := NewApplier(s, discardLogger())

	_, err := s.Handle().DB.ExecContext(ctx, `DROP TABLE "cards"`)
	require.NoError(t, err)

	page := []models.LogWithRecord{
		boardChange(1, models.OpCreate, "b0", nil),
		{
			ChangeLog:   models.ChangeLog{ID: 2, Model: "Ghost", KeyPath: []any{"g1"}, Operation: models.OpCreate},
			ChangelogID: 2,
			Record:      map[string]any{"id": "g1"},
		},
		boardChange(3, models.OpCreate, "b1", map[string]any{"id": "b1", "userId": "u1"}),
		{
			ChangeLog:   models.ChangeLog{ID: 4, Model: "Card", KeyPath: []any{"c1"}, Operation: models.OpCreate},
			ChangelogID: 4,
			Record:      map[string]any{"id": "c1", "boardId": "b1", "text": "hi"},
		},
	}

	summary, err := a.ApplyPage(ctx, page)
	require.ErrorIs(t, err, ErrPageAborted)
	assert.Zero(t, summary.TotalAppliedRecords)
	assert.Zero(t, summary.MissingRecords)
	assert.Zero(t, summary.StaleRecords)

	// Every row shows up exactly once
	require.Len(t, summary.ValidationErrors, len(page))
	byID := make(map[int64]models.RowError)
	for _, re := range summary.ValidationErrors {
		byID[re.ChangelogID] = re
	}
	require.Len(t, byID, len(page))

	assert.False(t, byID[2].Aborted, "row errors found before the failure still stand")
	assert.Contains(t, byID[2].Message, "unknown model")
	for _, id := range []int64{1, 3, 4} {
		assert.True(t, byID[id].Aborted, "changelog %d", id)
	}
}

func TestPuller_DrainsAndSavesCursor(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, "pull.db", newClock())

	pages := map[int64]*models.PullPage{
		0: {Cursor: 2, LogsWithRecords: []models.LogWithRecord{
			boardChange(1, models.OpCreate, "b1", map[string]any{"id": "b1", "userId": "u1"}),
			boardChange(2, models.OpCreate, "b2", map[string]any{"id": "b2", "userId": "u1"}),
		}},
		2: {Cursor: 3, LogsWithRecords: []models.LogWithRecord{
			boardChange(3, models.OpDelete, "b1", nil),
		}},
	}
	var asked []int64
	handler := PullFunc(func(_ context.Context, cursor int64) (*models.PullPage, error) {
		asked = append(asked, cursor)
		if p, ok := pages[cursor]; ok {
			return p, nil
		}
		return &models.PullPage{Cursor: cursor}, nil
	})

	summary, err := NewPuller(s, handler, nil, discardLogger()).Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.TotalAppliedRecords)
	assert.Equal(t, []int64{0, 2, 3}, asked)

	cursor, err := s.Cursor.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), cursor)
}

func TestPuller_CursorHooks(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, "pull.db", newClock())

	var saved []int64
	stored := int64(10)
	hooks := &CursorHooks{
		Get: func(context.Context) (int64, error) { return stored, nil },
		Set: func(_ context.Context, c int64) error {
			saved = append(saved, c)
			stored = c
			return nil
		},
	}
	handler := PullFunc(func(_ context.Context, cursor int64) (*models.PullPage, error) {
		if cursor == 10 {
			return &models.PullPage{Cursor: 11, LogsWithRecords: []models.LogWithRecord{
				boardChange(11, models.OpCreate, "b1", map[string]any{"id": "b1", "userId": "u1"}),
			}}, nil
		}
		return &models.PullPage{Cursor: cursor}, nil
	})

	_, err := NewPuller(s, handler, hooks, discardLogger()).Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{11}, saved)

	local, err := s.Cursor.Get(ctx)
	require.NoError(t, err)
	assert.Zero(t, local, "hooks replace the local cursor")
}

func TestPuller_StalledCursor(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, "pull.db", newClock())

	handler := PullFunc(func(_ context.Context, cursor int64) (*models.PullPage, error) {
		return &models.PullPage{Cursor: cursor, LogsWithRecords: []models.LogWithRecord{
			boardChange(1, models.OpCreate, "b1", map[string]any{"id": "b1", "userId": "u1"}),
		}}, nil
	})

	_, err := NewPuller(s, handler, nil, discardLogger()).Drain(ctx)
	assert.ErrorIs(t, err, ErrCursorStalled)
}
