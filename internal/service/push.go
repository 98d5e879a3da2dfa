package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Guizzs26/go-offline-sync/internal/localstore"
	"github.com/Guizzs26/go-offline-sync/internal/models"
	"github.com/Guizzs26/go-offline-sync/pkg/infra"
	"github.com/Guizzs26/go-offline-sync/pkg/metrics"
)

const maxBatchMemoryThresholdMB = 20

// ErrTransport marks a push that never reached a server verdict
var ErrTransport = errors.New("push transport failed")

// IsReadyToRetry reports whether an event may be sent now. Never-attempted events are
// always ready; after n failures the event waits base*2^(n-1) from its last attempt.
func IsReadyToRetry(ev models.OutboxEvent, now time.Time, base time.Duration, overrideBackoff bool) bool {
	if overrideBackoff || ev.LastAttemptedAt == nil || ev.Tries == 0 {
		return true
	}
	return !now.Before(ev.LastAttemptedAt.Add(infra.RetryDelay(base, ev.Tries)))
}

// Pusher drains the local outbox to the server
type Pusher struct {
	store   *localstore.Store
	handler PushHandler
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

func NewPusher(store *localstore.Store, handler PushHandler, cfg Config, logger *slog.Logger) *Pusher {
	return &Pusher{
		store:   store,
		handler: handler,
		cfg:     cfg.withDefaults(),
		logger:  logger.With("component", "pusher"),
		now:     time.Now,
	}
}

// WithClock overrides the clock used for backoff decisions
func (p *Pusher) WithClock(now func() time.Time) *Pusher {
	p.now = now
	return p
}

// Drain pushes batches until the outbox is empty or what remains is backoff-gated.
// Results from every batch are returned in submission order.
func (p *Pusher) Drain(ctx context.Context, overrideBackoff bool) ([]models.PushResult, error) {
	var all []models.PushResult
	attempted := make(map[string]bool)
	for {
		if err := ctx.Err(); err != nil {
			return all, err
		}

		batch, err := p.store.Outbox.NextBatch(ctx, p.cfg.PushBatchSize)
		if err != nil {
			return all, fmt.Errorf("fetch failure: %w", err)
		}
		if len(batch) == 0 {
			return all, nil
		}

		ready := p.filterReady(batch, attempted, overrideBackoff)
		if len(ready) == 0 {
			p.logger.Debug("Remaining events are waiting for backoff", "count", len(batch))
			return all, nil
		}

		for _, ev := range ready {
			attempted[ev.ID] = true
		}

		results, err := p.PushBatch(ctx, ready)
		all = append(all, results...)
		if err != nil {
			return all, err
		}
	}
}

// filterReady drops events already sent during this drain, so a forced drain
// still sends each event at most once
func (p *Pusher) filterReady(batch []models.OutboxEvent, attempted map[string]bool, override bool) []models.OutboxEvent {
	now := p.now()
	ready := make([]models.OutboxEvent, 0, len(batch))
	for _, ev := range batch {
		if attempted[ev.ID] {
			continue
		}
		if IsReadyToRetry(ev, now, p.cfg.BackoffBase, override) {
			ready = append(ready, ev)
		}
	}
	return ready
}

// PushBatch sends events and records every verdict in one local transaction.
// A transport failure is recorded as a retryable UNKNOWN_ERROR on each event and
// returned wrapped in ErrTransport.
func (p *Pusher) PushBatch(ctx context.Context, events []models.OutboxEvent) ([]models.PushResult, error) {
	if len(events) == 0 {
		return nil, nil
	}
	start := time.Now()
	defer func() {
		metrics.PushBatchDuration.Observe(time.Since(start).Seconds())
	}()

	var batchBytes int
	for i := range events {
		batchBytes += events[i].EstimateBytes()
	}
	if batchMB := batchBytes / (1024 * 1024); batchMB > maxBatchMemoryThresholdMB {
		p.logger.Warn("Heavy batch detected: memory pressure risk", "size_mb", batchMB, "count", len(events))
	}

	results, transportErr := p.handler.Push(ctx, events)
	if transportErr != nil {
		p.logger.Warn("Push transport failed, events stay queued", "count", len(events), "error", transportErr)
		results = failAll(events, transportErr)
	}
	results = p.align(events, results)

	if err := p.applyResults(ctx, events, results); err != nil {
		return results, err
	}

	p.logger.Info("Push batch telemetry",
		"count", len(events),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if transportErr != nil {
		return results, fmt.Errorf("%w: %v", ErrTransport, transportErr)
	}
	return results, nil
}

func failAll(events []models.OutboxEvent, cause error) []models.PushResult {
	perr := models.Unknown(cause).PushError()
	results := make([]models.PushResult, len(events))
	for i, ev := range events {
		results[i] = models.PushResult{ID: ev.ID, Error: perr}
	}
	return results
}

// align returns one result per event in event order. Events the server did not
// answer for are treated as retryable unknown failures.
func (p *Pusher) align(events []models.OutboxEvent, results []models.PushResult) []models.PushResult {
	byID := make(map[string]models.PushResult, len(results))
	for _, r := range results {
		byID[r.ID] = r
	}
	aligned := make([]models.PushResult, len(events))
	for i, ev := range events {
		r, ok := byID[ev.ID]
		if !ok {
			p.logger.Warn("Server returned no result for event", "event_id", ev.ID)
			r = models.PushResult{ID: ev.ID, Error: models.Unknown(errors.New("missing push result")).PushError()}
		}
		aligned[i] = r
	}
	return aligned
}

func (p *Pusher) applyResults(ctx context.Context, events []models.OutboxEvent, results []models.PushResult) error {
	return p.store.WithTx(ctx, func(tx *localstore.Tx) error {
		q := tx.SQL()
		for i, ev := range events {
			res := results[i]
			l := p.logger.With("event_id", ev.ID, "model", ev.EntityType, "operation", ev.Operation)

			if res.Error != nil {
				perr := p.classify(ev, res.Error)
				if err := p.store.Outbox.MarkFailed(ctx, q, ev.ID, perr); err != nil {
					return err
				}
				status := "retryable"
				if !perr.Retryable {
					status = "permanent"
					l.Warn("Event rejected permanently", "type", perr.Type, "message", perr.Message)
				}
				metrics.PushResults.WithLabelValues(status, ev.EntityType).Inc()
				continue
			}

			if err := p.store.Outbox.MarkSynced(ctx, q, ev.ID); err != nil {
				return err
			}
			others, err := p.store.Outbox.HasUnsyncedFor(ctx, q, ev.EntityType, ev.EntityKey, ev.ID)
			if err != nil {
				return err
			}
			if err := p.store.Meta.MarkApplied(ctx, q, ev.EntityType, ev.EntityKey, res.AppliedChangelogID, !others); err != nil {
				return err
			}
			metrics.PushResults.WithLabelValues("synced", ev.EntityType).Inc()
			l.Debug("Event synced", "changelog_id", res.AppliedChangelogID)
		}
		return nil
	})
}

// classify keeps the server's verdict, except that with abandonment enabled an
// event reaching the retry limit becomes a permanent MAX_RETRIES failure
func (p *Pusher) classify(ev models.OutboxEvent, perr *models.PushError) *models.PushError {
	if !perr.Retryable || !p.cfg.AbandonAfterMaxRetries {
		return perr
	}
	if ev.Tries+1 < p.cfg.MaxRetries {
		return perr
	}
	return &models.PushError{
		Type:      models.ErrMaxRetries,
		Message:   fmt.Sprintf("gave up after %d attempts: %s", ev.Tries+1, perr.Message),
		Retryable: false,
	}
}
