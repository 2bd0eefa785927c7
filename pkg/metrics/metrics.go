// Package metrics exports Prometheus instrumentation for the queue, model
// calls, and caches.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsTotal counts terminal job outcomes by type and status.
	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "inquest",
		Subsystem: "queue",
		Name:      "jobs_total",
		Help:      "Terminal job outcomes by type and status.",
	}, []string{"type", "status"})

	// QueueDepth tracks the number of queued jobs.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "inquest",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Number of jobs waiting in the queue.",
	})

	// LeaseRecoveries counts expired leases returned to the queue.
	LeaseRecoveries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "inquest",
		Subsystem: "queue",
		Name:      "lease_recoveries_total",
		Help:      "Jobs re-queued after their lease expired.",
	})

	// ModelCalls counts model invocations by model id and outcome.
	ModelCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "inquest",
		Subsystem: "llm",
		Name:      "calls_total",
		Help:      "Model invocations by model and outcome.",
	}, []string{"model", "outcome"})

	// TokensUsed counts prompt and completion tokens by model.
	TokensUsed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "inquest",
		Subsystem: "llm",
		Name:      "tokens_total",
		Help:      "Token usage by model and direction (prompt/completion).",
	}, []string{"model", "direction"})

	// CacheEvents counts cache hits and misses by layer.
	CacheEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "inquest",
		Subsystem: "cache",
		Name:      "events_total",
		Help:      "Cache hits and misses by layer (exact/semantic).",
	}, []string{"layer", "event"})

	// ExecutorLimit reports the AIMD-controlled global parallelism limit.
	ExecutorLimit = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "inquest",
		Subsystem: "executor",
		Name:      "parallelism_limit",
		Help:      "Current AIMD-adjusted global parallelism limit.",
	})

	// EventsPublished counts session bus events by type.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "inquest",
		Subsystem: "bus",
		Name:      "events_total",
		Help:      "Session bus events published by type.",
	}, []string{"type"})
)
