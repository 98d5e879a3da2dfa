package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventDuration tracks the latency of applying one pushed event, commit included
	EventDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sync_server_event_duration_seconds",
		Help:    "Time taken to apply one pushed event on the authoritative store",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"status", "model", "operation"}) // status: applied, replayed, permanent, unknown

	// LockRetries counts transaction retries caused by serialization conflicts
	LockRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_server_lock_retries_total",
		Help: "Number of internal retries triggered by serialization failures or deadlocks",
	}, []string{"model"})

	// BatchSize tracks how many events clients push per request
	BatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sync_server_push_batch_size",
		Help:    "Number of events per push request",
		Buckets: []float64{1, 5, 10, 25, 50, 100},
	})

	// PulledRows counts materialized rows, split by whether a record was attached
	PulledRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_server_pulled_rows_total",
		Help: "Changelog rows served to clients",
	}, []string{"record"}) // record: present, null
)
