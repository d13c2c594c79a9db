package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Relay-wide Prometheus metrics. Registered on the default registry and
// exported via /metrics.
var (
	metricTasksCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_tasks_created_total",
		Help: "Number of tasks created.",
	})
	metricTasksCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_tasks_terminal_total",
		Help: "Number of tasks reaching a terminal state.",
	}, []string{"status"})
	metricEventsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_watch_events_sent_total",
		Help: "Events delivered to watchers.",
	})
	metricEventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_watch_events_dropped_total",
		Help: "Events dropped due to full watcher buffers.",
	})
	metricActiveWatchers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_watchers_active",
		Help: "Currently connected watchers.",
	})
	metricWebhookAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_webhook_attempts_total",
		Help: "Webhook delivery attempts, including retries.",
	})
	metricWebhookExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_webhook_exhausted_total",
		Help: "Webhook deliveries abandoned after exhausting retries.",
	})
	metricSweepEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_retention_evictions_total",
		Help: "Tasks evicted by the retention sweep.",
	})
)
