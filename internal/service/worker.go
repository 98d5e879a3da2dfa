package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Guizzs26/go-offline-sync/internal/localstore"
	"github.com/Guizzs26/go-offline-sync/internal/models"
	"github.com/Guizzs26/go-offline-sync/pkg/metrics"
)

type Status string

const (
	StatusStopped Status = "STOPPED"
	StatusIdle    Status = "IDLE"
	StatusPushing Status = "PUSHING"
	StatusPulling Status = "PULLING"
)

type EventType string

const (
	EventStatusChange  EventType = "statuschange"
	EventPushCompleted EventType = "pushcompleted"
	EventPullCompleted EventType = "pullcompleted"
)

// Event is delivered to observers. PushResults is set for pushcompleted,
// Summary for pullcompleted. Err carries the phase error, if any.
type Event struct {
	Type        EventType
	Status      Status
	PushResults []models.PushResult
	Summary     *models.ApplySummary
	Err         error
}

// Observer is called synchronously from the worker; it must not block
type Observer func(Event)

// Snapshot is a point-in-time view of the worker
type Snapshot struct {
	Status       Status     `json:"status"`
	Running      bool       `json:"running"`
	LastSyncTime *time.Time `json:"lastSyncTime,omitempty"`
	LastError    string     `json:"lastError,omitempty"`
}

// errPushBlocked ends a cycle before pull when the outbox still holds retryable events
var errPushBlocked = errors.New("outbox still has retryable events")

// Worker runs push-then-pull cycles on a timer. At most one cycle runs at a time.
type Worker struct {
	store  *localstore.Store
	pusher *Pusher
	puller *Puller
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	status    Status
	running   bool
	busy      bool
	lastSync  *time.Time
	lastErr   error
	observers map[int]Observer
	nextObs   int
	stop      chan struct{}
	wg        sync.WaitGroup
}

func NewWorker(store *localstore.Store, pusher *Pusher, puller *Puller, cfg Config, logger *slog.Logger) *Worker {
	return &Worker{
		store:     store,
		pusher:    pusher,
		puller:    puller,
		cfg:       cfg.withDefaults(),
		logger:    logger.With("component", "worker"),
		now:       time.Now,
		status:    StatusStopped,
		observers: make(map[int]Observer),
	}
}

// Subscribe registers an observer and returns a function that removes it
func (w *Worker) Subscribe(obs Observer) func() {
	w.mu.Lock()
	defer w.mu.Unlock()
	id := w.nextObs
	w.nextObs++
	w.observers[id] = obs
	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		delete(w.observers, id)
	}
}

func (w *Worker) Status() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	snap := Snapshot{Status: w.status, Running: w.running}
	if w.lastSync != nil {
		t := *w.lastSync
		snap.LastSyncTime = &t
	}
	if w.lastErr != nil {
		snap.LastError = w.lastErr.Error()
	}
	return snap
}

// LastError returns the error of the most recent cycle, or nil
func (w *Worker) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Start runs a cycle immediately and then every SyncInterval until Stop or ctx ends.
// Calling Start on a running worker does nothing.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.stop = make(chan struct{})
	stop := w.stop
	changed := !w.busy && w.status != StatusIdle
	if changed {
		w.status = StatusIdle
	}
	w.wg.Add(1)
	w.mu.Unlock()

	if changed {
		w.emit(Event{Type: EventStatusChange, Status: StatusIdle})
	}
	w.logger.Info("🔄 Sync worker started", "interval", w.cfg.SyncInterval)

	go w.loop(ctx, stop)
}

// Stop prevents new cycles and waits for the loop to exit. A cycle already in
// flight runs to completion.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stop)
	w.mu.Unlock()

	w.wg.Wait()
	w.settle()
	w.logger.Info("Sync worker stopped")
}

// SyncNow runs one cycle whether or not the worker is running, respecting backoff.
// It reports false when another cycle was already in progress.
func (w *Worker) SyncNow(ctx context.Context) bool {
	return w.syncOnce(ctx, false)
}

// ForceSync runs one cycle ignoring backoff. It does nothing unless the worker is running.
func (w *Worker) ForceSync(ctx context.Context) bool {
	w.mu.Lock()
	running := w.running
	w.mu.Unlock()
	if !running {
		return false
	}
	return w.syncOnce(ctx, true)
}

func (w *Worker) loop(ctx context.Context, stop <-chan struct{}) {
	defer w.wg.Done()

	w.syncOnce(ctx, false)

	ticker := time.NewTicker(w.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			w.running = false
			w.mu.Unlock()
			w.settle()
			return
		case <-stop:
			return
		case <-ticker.C:
			w.syncOnce(ctx, false)
		}
	}
}

// settle moves an idle, non-running worker to STOPPED
func (w *Worker) settle() {
	w.mu.Lock()
	changed := !w.running && !w.busy && w.status != StatusStopped
	if changed {
		w.status = StatusStopped
	}
	w.mu.Unlock()
	if changed {
		w.emit(Event{Type: EventStatusChange, Status: StatusStopped})
	}
}

func (w *Worker) syncOnce(ctx context.Context, overrideBackoff bool) bool {
	w.mu.Lock()
	if w.busy {
		w.mu.Unlock()
		w.logger.Debug("Sync cycle already in progress, skipping")
		return false
	}
	w.busy = true
	w.mu.Unlock()

	pulled, err := w.cycle(ctx, overrideBackoff)
	w.finish(ctx, pulled, err)
	return true
}

// cycle reports whether the pull phase ran to completion
func (w *Worker) cycle(ctx context.Context, overrideBackoff bool) (bool, error) {
	pending, err := w.store.Outbox.HasRetryablePending(ctx)
	if err != nil {
		return false, fmt.Errorf("check outbox: %w", err)
	}

	if pending {
		w.setStatus(StatusPushing)
		results, err := w.pusher.Drain(ctx, overrideBackoff)
		w.emit(Event{Type: EventPushCompleted, Status: StatusPushing, PushResults: results, Err: err})
		if err != nil {
			return false, err
		}

		remaining, err := w.store.Outbox.HasRetryablePending(ctx)
		if err != nil {
			return false, fmt.Errorf("check outbox: %w", err)
		}
		if remaining {
			return false, errPushBlocked
		}
	}

	w.setStatus(StatusPulling)
	summary, err := w.puller.Drain(ctx)
	w.emit(Event{Type: EventPullCompleted, Status: StatusPulling, Summary: &summary, Err: err})
	if err != nil {
		return false, err
	}
	return true, nil
}

func (w *Worker) finish(ctx context.Context, pulled bool, err error) {
	result := "success"
	switch {
	case errors.Is(err, errPushBlocked):
		result = "push_blocked"
		err = nil
	case err != nil:
		result = "error"
		w.logger.Error("Sync cycle failed", "error", err)
	}
	metrics.WorkerCycles.WithLabelValues(result).Inc()

	if n, cerr := w.store.Outbox.CountPending(ctx); cerr == nil {
		metrics.OutboxBacklog.Set(float64(n))
	}

	w.mu.Lock()
	w.busy = false
	w.lastErr = err
	if pulled {
		t := w.now()
		w.lastSync = &t
	}
	next := StatusStopped
	if w.running {
		next = StatusIdle
	}
	changed := w.status != next
	w.status = next
	w.mu.Unlock()

	if changed {
		w.emit(Event{Type: EventStatusChange, Status: next})
	}
}

func (w *Worker) setStatus(s Status) {
	w.mu.Lock()
	changed := w.status != s
	w.status = s
	w.mu.Unlock()
	if changed {
		w.emit(Event{Type: EventStatusChange, Status: s})
	}
}

func (w *Worker) emit(ev Event) {
	w.mu.Lock()
	obs := make([]Observer, 0, len(w.observers))
	for _, o := range w.observers {
		obs = append(obs, o)
	}
	w.mu.Unlock()

	for _, o := range obs {
		o(ev)
	}
}
