// Package metrics exposes Prometheus collectors for the orchestrator
// hot paths. Collectors are registered on the default registry and
// served by the health server's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TasksClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "codefleet",
		Name:      "tasks_claimed_total",
		Help:      "Tasks claimed by this worker.",
	})

	TasksCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "codefleet",
		Name:      "tasks_completed_total",
		Help:      "Tasks finished, labeled by terminal status.",
	}, []string{"status"})

	StaleTasksSwept = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "codefleet",
		Name:      "stale_tasks_swept_total",
		Help:      "Tasks failed by the stale sweeper.",
	})

	ChatFlushes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "codefleet",
		Name:      "chat_flushes_total",
		Help:      "Rolling-buffer flushes sent to the chat transport.",
	})

	ChatSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "codefleet",
		Name:      "chat_suppressed_total",
		Help:      "Outbound sends dropped by the chatter suppressor.",
	})

	EngineFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "codefleet",
		Name:      "engine_fallbacks_total",
		Help:      "Engine fallback events, labeled by the engine that failed.",
	}, []string{"from"})

	SessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "codefleet",
		Name:      "session_duration_seconds",
		Help:      "Wall-clock duration of supervised sessions.",
		Buckets:   prometheus.ExponentialBuckets(1, 2.5, 12),
	})

	UpdatePollErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "codefleet",
		Name:      "update_poll_errors_total",
		Help:      "Errors from the manual long-poll update receiver.",
	})
)
