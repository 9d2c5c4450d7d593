// Package metrics registers the control plane's Prometheus collectors.
// Every subsystem increments its own counters here; the apiserver and
// gateway expose them on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "forge",
		Subsystem: "queue",
		Name:      "jobs_enqueued_total",
		Help:      "Jobs pushed onto the run queue, by list.",
	}, []string{"list"})

	JobsDequeued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "forge",
		Subsystem: "queue",
		Name:      "jobs_dequeued_total",
		Help:      "Jobs popped from the run queue.",
	})

	JobsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "forge",
		Subsystem: "queue",
		Name:      "jobs_failed_total",
		Help:      "Failed jobs, by disposition (retry or dead_letter).",
	}, []string{"disposition"})

	SandboxesByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "forge",
		Subsystem: "sandbox",
		Name:      "pool_size",
		Help:      "Sandboxes currently tracked by the pool, by state.",
	}, []string{"state"})

	SandboxExecutions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "forge",
		Subsystem: "sandbox",
		Name:      "executions_total",
		Help:      "Commands executed inside pooled sandboxes.",
	})

	ChargesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "forge",
		Subsystem: "billing",
		Name:      "charges_total",
		Help:      "Charge attempts, by result code.",
	}, []string{"code"})

	ChargeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "forge",
		Subsystem: "billing",
		Name:      "charge_errors_total",
		Help:      "Charge-path exceptions.",
	})

	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "forge",
		Subsystem: "gateway",
		Name:      "ws_connections",
		Help:      "Currently open editor WebSocket connections.",
	})

	WSMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "forge",
		Subsystem: "gateway",
		Name:      "ws_messages_total",
		Help:      "Inbound gateway messages, by type.",
	}, []string{"type"})

	OTBatchesApplied = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "forge",
		Subsystem: "gateway",
		Name:      "ot_batches_applied_total",
		Help:      "Operation batches accepted by the OT engine.",
	})

	BackpressureValue = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "forge",
		Subsystem: "gateway",
		Name:      "backpressure",
		Help:      "Last sampled backpressure scalar in [0,1].",
	})
)

// Handler serves the default registry, mounted at /metrics.
func Handler() http.Handler { return promhttp.Handler() }
