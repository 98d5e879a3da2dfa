package processor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Guizzs26/go-offline-sync/internal/db"
	"github.com/Guizzs26/go-offline-sync/internal/models"
	"github.com/Guizzs26/go-offline-sync/internal/schema"
	"github.com/Guizzs26/go-offline-sync/pkg/encoding"
	"github.com/Guizzs26/go-offline-sync/pkg/metrics"
)

// MaxBatchSize is the largest push a client may submit in one request
const MaxBatchSize = 100

var ErrBatchTooLarge = errors.New("push batch exceeds maximum size")

// ScopeResolver decides which scope an event is applied under
type ScopeResolver func(ev models.OutboxEvent) (string, error)

// StaticScope applies every event under the same scope key
func StaticScope(scope string) ScopeResolver {
	scope = encoding.NormalizeText(scope)
	return func(models.OutboxEvent) (string, error) {
		return scope, nil
	}
}

// ChangeNotifier announces that a scope has new changelog rows
type ChangeNotifier interface {
	NotifyChange(ctx context.Context, notice models.ChangeNotice) error
}

// BatchProcessor applies pushed events against the authoritative store
type BatchProcessor struct {
	auth     *Authority
	registry *schema.Registry
	notifier ChangeNotifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewBatchProcessor creates the server-side apply pipeline. notifier may be nil.
func NewBatchProcessor(auth *Authority, notifier ChangeNotifier, logger *slog.Logger) *BatchProcessor {
	return &BatchProcessor{
		auth:     auth,
		registry: auth.Registry(),
		notifier: notifier,
		logger:   logger.With("component", "batch_processor"),
		now:      time.Now,
	}
}

// prepared is an event that passed every check that needs no database access
type prepared struct {
	ev     models.OutboxEvent
	model  *schema.Model
	record map[string]any
	key    []any
	scope  string
}

// ProcessBatch applies events one at a time, in order, and returns one result per event.
// The only batch-level error is ErrBatchTooLarge.
func (p *BatchProcessor) ProcessBatch(ctx context.Context, events []models.OutboxEvent, scopes ScopeResolver) ([]models.PushResult, error) {
	if len(events) > MaxBatchSize {
		return nil, fmt.Errorf("%w: %d events, limit %d", ErrBatchTooLarge, len(events), MaxBatchSize)
	}
	metrics.BatchSize.Observe(float64(len(events)))

	results := make([]models.PushResult, len(events))
	latest := make(map[string]int64)

	for i, ev := range events {
		changeID, fresh, err := p.processEvent(ctx, ev, scopes)
		results[i] = models.PushResult{ID: ev.ID}
		if err != nil {
			results[i].Error = models.AsSyncError(err).PushError()
			continue
		}
		results[i].AppliedChangelogID = changeID
		if fresh.scope != "" && changeID > latest[fresh.scope] {
			latest[fresh.scope] = changeID
		}
	}

	p.notify(ctx, latest)
	return results, nil
}

// processEvent returns the changelog id for ev. fresh.scope is empty when nothing new
// was written (a replay or a failure).
func (p *BatchProcessor) processEvent(ctx context.Context, ev models.OutboxEvent, scopes ScopeResolver) (id int64, fresh prepared, err error) {
	start := time.Now()
	status := "applied"

	l := p.logger.With(
		"event_id", ev.ID,
		"model", ev.EntityType,
		"operation", ev.Operation,
	)

	defer func() {
		if err != nil {
			if models.IsPermanent(err) {
				status = "permanent"
			} else {
				status = "unknown"
			}
		}
		metrics.EventDuration.WithLabelValues(status, ev.EntityType, string(ev.Operation)).Observe(time.Since(start).Seconds())
	}()

	prep, err := p.prepare(ev, scopes)
	if err != nil {
		l.Warn("Event rejected", "error", err)
		return 0, prepared{}, err
	}

	const maxRetries = 3
	// Inserts are cheap; updates and deletes walk the ownership chain twice
	opTimeout := 10 * time.Second
	if ev.Operation != models.OpCreate {
		opTimeout = 15 * time.Second
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		txCtx, cancel := context.WithTimeout(ctx, opTimeout)
		var replayed bool
		id, replayed, err = p.apply(txCtx, prep)
		cancel()

		if err == nil {
			if replayed {
				status = "replayed"
				l.Info("Event already applied, returning recorded change", "changelog_id", id)
				return id, prepared{}, nil
			}
			l.Debug("Event applied", "changelog_id", id, "scope", prep.scope)
			return id, prep, nil
		}

		if models.IsPermanent(err) {
			l.Warn("Event rejected", "error", err)
			return 0, prepared{}, err
		}

		// A concurrent duplicate of this event can win the changelog insert;
		// the next attempt then takes the idempotency path
		if db.IsRetryableConflict(err) || db.IsUniqueViolation(err) {
			lastErr = err
			metrics.LockRetries.WithLabelValues(ev.EntityType).Inc()

			// Attempt 1: 200ms, Attempt 2: 400ms, Attempt 3: 600ms
			backoff := time.Duration(attempt) * 200 * time.Millisecond
			l.Warn("Serialization conflict detected, retrying internally",
				"attempt", attempt,
				"backoff", backoff,
				"error", err,
			)

			select {
			case <-ctx.Done():
				return 0, prepared{}, models.Unknown(ctx.Err())
			case <-time.After(backoff):
			}
			continue
		}

		l.Error("Event failed with an unexpected error", "error", err)
		return 0, prepared{}, models.Unknown(err)
	}

	l.Error("Event failed after internal retries", "attempts", maxRetries, "error", lastErr)
	return 0, prepared{}, models.Unknown(fmt.Errorf("failed after %d attempts: %w", maxRetries, lastErr))
}

// prepare runs the stateless checks: model, operation, payload, hook, key path, scope
func (p *BatchProcessor) prepare(ev models.OutboxEvent, scopes ScopeResolver) (prepared, error) {
	m, ok := p.registry.Model(ev.EntityType)
	if !ok {
		return prepared{}, models.Permanent(models.ErrInvalidModel, "unknown model %q", ev.EntityType)
	}
	if !ev.Operation.Valid() {
		return prepared{}, models.Permanent(models.ErrUnknownOperation, "unknown operation %q", ev.Operation)
	}

	payload, err := schema.DecodePayload(ev.Payload)
	if err != nil {
		return prepared{}, models.Permanent(models.ErrRecordValidation, "%s: %v", m.Name, err)
	}

	record := payload
	if ev.Operation != models.OpDelete {
		if record, err = p.registry.ValidateRecord(m, payload); err != nil {
			return prepared{}, err
		}
	}

	if err := p.registry.RunCustomValidation(m, ev.Operation, record); err != nil {
		return prepared{}, err
	}

	key, err := p.registry.KeyPathOf(m, record)
	if err != nil {
		return prepared{}, err
	}

	scope, err := scopes(ev)
	if err != nil || scope == "" {
		return prepared{}, models.Permanent(models.ErrScopeViolation, "no scope for event %s", ev.ID)
	}

	return prepared{ev: ev, model: m, record: record, key: key, scope: scope}, nil
}

// apply runs the transactional part. replayed is true when the idempotency gate matched.
func (p *BatchProcessor) apply(ctx context.Context, prep prepared) (id int64, replayed bool, err error) {
	err = db.WithTx(ctx, p.auth.handle, func(tx *sql.Tx) error {
		existingID, found, err := p.auth.changelogByOutboxID(ctx, tx, prep.ev.ID)
		if err != nil {
			return err
		}
		if found {
			id, replayed = existingID, true
			return nil
		}

		m := prep.model
		current, exists, err := p.auth.lookup(ctx, tx, m, prep.key)
		if err != nil {
			return err
		}
		if exists {
			if err := p.checkOwner(ctx, tx, m, current, prep.scope, "current"); err != nil {
				return err
			}
		}

		switch prep.ev.Operation {
		case models.OpCreate, models.OpUpdate:
			// The new parent must resolve to the caller's scope too, which covers
			// creates, reparenting and resurrection of a deleted row
			if err := p.checkOwner(ctx, tx, m, prep.record, prep.scope, "new"); err != nil {
				return err
			}
			if err := p.auth.upsert(ctx, tx, m, prep.record); err != nil {
				return err
			}
		case models.OpDelete:
			if err := p.auth.remove(ctx, tx, m, prep.key); err != nil {
				return err
			}
		}

		id, err = p.auth.appendChangelog(ctx, tx, models.ChangeLog{
			Model:         m.Name,
			KeyPath:       prep.key,
			Operation:     prep.ev.Operation,
			ScopeKey:      prep.scope,
			OutboxEventID: prep.ev.ID,
			CreatedAt:     p.now(),
		})
		return err
	})
	return id, replayed, err
}

func (p *BatchProcessor) checkOwner(ctx context.Context, tx db.DBTX, m *schema.Model, rec map[string]any, scope, which string) error {
	owner, err := p.auth.resolveScope(ctx, tx, m, rec)
	if err != nil {
		return err
	}
	if owner != scope {
		return models.Permanent(models.ErrScopeViolation, "%s: %s owner is outside the caller's scope", m.Name, which)
	}
	return nil
}

func (p *BatchProcessor) notify(ctx context.Context, latest map[string]int64) {
	if p.notifier == nil || len(latest) == 0 {
		return
	}
	for scope, id := range latest {
		notice := models.ChangeNotice{ScopeKey: scope, ChangeID: id, SentAt: p.now().UTC()}
		if err := p.notifier.NotifyChange(ctx, notice); err != nil {
			p.logger.Warn("Change notification failed", "scope", scope, "error", err)
		}
	}
}
