package processor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Guizzs26/go-offline-sync/internal/models"
	"github.com/Guizzs26/go-offline-sync/pkg/encoding"
	"github.com/Guizzs26/go-offline-sync/pkg/metrics"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 1000
)

// Materializer serves pull pages: changelog rows of one scope joined with the
// current, still-visible state of each record
type Materializer struct {
	auth     *Authority
	pageSize int
	logger   *slog.Logger
}

func NewMaterializer(auth *Authority, pageSize int, logger *slog.Logger) *Materializer {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	return &Materializer{
		auth:     auth,
		pageSize: pageSize,
		logger:   logger.With("component", "materializer"),
	}
}

// Pull returns the rows of scope after cursor. The returned cursor is the id of the
// last row, or cursor itself when nothing is left.
func (m *Materializer) Pull(ctx context.Context, scope string, cursor int64) (*models.PullPage, error) {
	if scope == "" {
		return nil, fmt.Errorf("pull requires a scope")
	}
	if cursor < 0 {
		cursor = 0
	}
	scope = encoding.NormalizeText(scope)

	entries, err := m.auth.ReadChangelog(ctx, scope, cursor, m.pageSize)
	if err != nil {
		return nil, err
	}

	page := &models.PullPage{Cursor: cursor, LogsWithRecords: make([]models.LogWithRecord, 0, len(entries))}
	for _, entry := range entries {
		rec, err := m.materialize(ctx, entry, scope)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			metrics.PulledRows.WithLabelValues("null").Inc()
		} else {
			metrics.PulledRows.WithLabelValues("present").Inc()
		}
		page.LogsWithRecords = append(page.LogsWithRecords, models.LogWithRecord{
			ChangeLog:   entry,
			ChangelogID: entry.ID,
			Record:      rec,
		})
		page.Cursor = entry.ID
	}

	m.logger.Debug("Pull page materialized", "scope", scope, "from", cursor, "to", page.Cursor, "rows", len(entries))
	return page, nil
}

// materialize returns nil for rows whose record is gone, out of scope, or unreadable
func (m *Materializer) materialize(ctx context.Context, entry models.ChangeLog, scope string) (map[string]any, error) {
	model, ok := m.auth.registry.Model(entry.Model)
	if !ok {
		m.logger.Warn("Changelog row references an unknown model", "id", entry.ID, "model", entry.Model)
		return nil, nil
	}
	key, err := m.auth.registry.CheckKeyPath(model, entry.KeyPath)
	if err != nil {
		m.logger.Warn("Changelog row has an invalid key path", "id", entry.ID, "error", err)
		return nil, nil
	}
	return m.auth.scopedRecord(ctx, model, key, scope)
}
