package service

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Guizzs26/go-offline-sync/internal/localstore"
	"github.com/Guizzs26/go-offline-sync/internal/models"
	"github.com/Guizzs26/go-offline-sync/internal/schema/schematest"

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

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newStore(t *testing.T, name string, clock *testClock) *localstore.Store {
	t.Helper()
	s, err := localstore.Open(context.Background(), filepath.Join(t.TempDir(), name), schematest.Registry(t),
		discardLogger(), localstore.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func newClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

// okPush answers every event with a fresh changelog id
func okPush(next *int64) PushFunc {
	return func(_ context.Context, events []models.OutboxEvent) ([]models.PushResult, error) {
		out := make([]models.PushResult, len(events))
		for i, ev := range events {
			*next++
			out[i] = models.PushResult{ID: ev.ID, AppliedChangelogID: *next}
		}
		return out, nil
	}
}

// failPush answers every event with the given error
func failPush(perr models.PushError) PushFunc {
	return func(_ context.Context, events []models.OutboxEvent) ([]models.PushResult, error) {
		out := make([]models.PushResult, len(events))
		for i, ev := range events {
			e := perr
			out[i] = models.PushResult{ID: ev.ID, Error: &e}
		}
		return out, nil
	}
}

var emptyPull = PullFunc(func(_ context.Context, cursor int64) (*models.PullPage, error) {
	return &models.PullPage{Cursor: cursor}, nil
})

func createBoard(t *testing.T, s *localstore.Store, id, title string) {
	t.Helper()
	require.NoError(t, s.Create(context.Background(), "Board", map[string]any{"id": id, "userId": "u1", "title": title}))
}
