package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Client side
var (
	// PushResults counts outbox events by server verdict
	// status: synced, retryable, permanent
	PushResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_push_results_total",
		Help: "Outbox events pushed, by outcome and model",
	}, []string{"status", "model"})

	// PushBatchDuration measures one round trip plus local bookkeeping
	PushBatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sync_push_batch_duration_seconds",
		Help:    "Duration of a push batch in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// PullRows counts pulled rows by what the applier did with them
	// outcome: applied, stale, missing, invalid, aborted
	PullRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_pull_rows_total",
		Help: "Pulled changelog rows by outcome",
	}, []string{"outcome"})

	// WorkerCycles counts sync cycles
	// result: success, push_blocked, error
	WorkerCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_worker_cycles_total",
		Help: "Sync worker cycles by result",
	}, []string{"result"})

	// OutboxBacklog is the number of unsynced, retryable local events
	// This is the primary indicator of client lag
	OutboxBacklog = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sync_outbox_backlog",
		Help: "Current number of unsynced retryable events in the local outbox",
	})

	// OutboxPurged counts synced events removed by the retention sweep
	OutboxPurged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sync_outbox_purged_total",
		Help: "Synced outbox events removed by retention",
	})
)

// Notifications
var (
	// NotifierHealthy is 1 while the change-notification link is up
	NotifierHealthy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sync_notifier_healthy",
		Help: "Health of the change notification link (1 healthy, 0 down)",
	})

	// NotifierReconnections counts listener reconnect attempts
	// Frequent increments indicate broker instability
	NotifierReconnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sync_notifier_reconnections_total",
		Help: "Total number of change listener reconnection attempts",
	})
)
