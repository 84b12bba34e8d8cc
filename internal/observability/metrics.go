// Package observability exposes the Prometheus metrics the scheduler, worker
// pool, cache gateway, and event bus update as they run.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveUsers tracks the size of the scheduler's active-user set.
	ActiveUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orderflow_scheduler_active_users",
		Help: "Current number of users the scheduler considers active",
	})

	// LeaseAttempts counts lock-acquisition attempts made while leasing a batch.
	LeaseAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orderflow_scheduler_lease_attempts_total",
		Help: "Total number of user-lock acquisition attempts during leaseBatch",
	}, []string{"result"}) // acquired, contended

	// LeaseBatchSize observes how many orders a successful lease returned.
	LeaseBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "orderflow_scheduler_lease_batch_size",
		Help:    "Number of orders returned per successful leaseBatch call",
		Buckets: prometheus.LinearBuckets(0, 1, 10),
	})

	// QueueDepth tracks pending-order count per user queue.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "orderflow_user_queue_depth",
		Help: "Current pending-order count for a user's queue",
	}, []string{"user_id"})

	// WorkerProcessed counts orders a worker successfully transitioned.
	WorkerProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orderflow_worker_processed_total",
		Help: "Orders successfully transitioned by a worker",
	}, []string{"worker_id"})

	// WorkerErrors counts order-processing failures observed by a worker.
	WorkerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orderflow_worker_errors_total",
		Help: "Order-processing failures observed by a worker",
	}, []string{"worker_id", "reason"}) // store_update, host_logic, invariant

	// DuplicateProcessingPrevented counts markOrderProcessing calls that lost
	// the race (someone else already held the ProcessingMark).
	DuplicateProcessingPrevented = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orderflow_duplicate_processing_prevented_total",
		Help: "Times markOrderProcessing found an order already claimed",
	})

	// EventBusQueueDepth tracks how many events are buffered awaiting dispatch.
	EventBusQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orderflow_eventbus_queue_depth",
		Help: "Current number of events buffered in the event bus",
	})

	// EventPublishFailures counts Publish calls that failed because the bus
	// queue was full.
	EventPublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orderflow_eventbus_publish_failures_total",
		Help: "Publish calls rejected because the event bus queue was full",
	}, []string{"kind"})

	// EventHandlerFailures counts handler invocations that returned an error.
	EventHandlerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orderflow_eventbus_handler_failures_total",
		Help: "Handler invocations that returned an error",
	}, []string{"kind", "handler"})

	// EventHandlerTimeouts counts handler invocations that exceeded their
	// per-event timeout.
	EventHandlerTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orderflow_eventbus_handler_timeouts_total",
		Help: "Handler invocations that exceeded their per-event timeout",
	}, []string{"kind", "handler"})

	// CacheLatency tracks Redis round-trip latency for Cache Gateway operations.
	CacheLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "orderflow_cache_roundtrip_latency_seconds",
		Help:    "Cache gateway operation latency",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
	}, []string{"op"})

	// StoreLatency tracks authoritative-store round-trip latency.
	StoreLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "orderflow_store_roundtrip_latency_seconds",
		Help:    "Authoritative store operation latency",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"op"})

	// HeartbeatAge is a per-worker heartbeat-age gauge. No code in this module
	// sets it.
	HeartbeatAge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "orderflow_worker_heartbeat_age_seconds",
		Help: "Seconds since a worker last recorded a heartbeat",
	}, []string{"worker_id"})

	// ObserverDiffEvents counts events produced per observer tick, by kind.
	ObserverDiffEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orderflow_observer_diff_events_total",
		Help: "Events produced by the status observer's snapshot diff",
	}, []string{"kind"})

	// StoreUnreachableSeconds is a gauge for how long the store has been
	// unreachable. No code in this module sets it, and the fatal-error
	// watchdog does not read it.
	StoreUnreachableSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orderflow_store_unreachable_seconds",
		Help: "Seconds since the authoritative store was last successfully reached",
	})
)
