package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks local admin API request latency.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "iotistic",
		Subsystem: "adminapi",
		Name:      "request_duration_seconds",
		Help:      "Local admin API HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// ReconcilePlanDuration tracks how long a full plan execution takes.
var ReconcilePlanDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "iotistic",
		Subsystem: "reconciler",
		Name:      "plan_duration_seconds",
		Help:      "Time to execute a reconciliation plan, in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	},
)

// ReconcileStepsTotal counts executed plan steps by kind and outcome.
var ReconcileStepsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "iotistic",
		Subsystem: "reconciler",
		Name:      "steps_total",
		Help:      "Total number of reconciliation steps executed, by kind and outcome.",
	},
	[]string{"kind", "outcome"},
)

// ImagePullFailuresTotal counts consecutive pull failures per image.
var ImagePullFailuresTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "iotistic",
		Subsystem: "reconciler",
		Name:      "image_pull_failures_total",
		Help:      "Total number of image pull failures, by image reference.",
	},
	[]string{"image_ref"},
)

// CloudPollTotal counts target-state poll outcomes.
var CloudPollTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "iotistic",
		Subsystem: "cloudsync",
		Name:      "target_poll_total",
		Help:      "Total number of target-state polls, by outcome (200, 304, error).",
	},
	[]string{"outcome"},
)

// CloudReportTotal counts current-state report outcomes.
var CloudReportTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "iotistic",
		Subsystem: "cloudsync",
		Name:      "current_report_total",
		Help:      "Total number of current-state reports sent, by outcome.",
	},
	[]string{"outcome"},
)

// LogBackendDropsTotal counts log entries dropped by a backend.
var LogBackendDropsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "iotistic",
		Subsystem: "logpipeline",
		Name:      "backend_drops_total",
		Help:      "Total number of log entries dropped by a backend, by backend name.",
	},
	[]string{"backend"},
)

// FabricReconnectsTotal counts messaging fabric reconnection attempts.
var FabricReconnectsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "iotistic",
		Subsystem: "fabric",
		Name:      "reconnects_total",
		Help:      "Total number of messaging fabric reconnection attempts.",
	},
)

// All returns all supervisor-specific metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		HTTPRequestDuration,
		ReconcilePlanDuration,
		ReconcileStepsTotal,
		ImagePullFailuresTotal,
		CloudPollTotal,
		CloudReportTotal,
		LogBackendDropsTotal,
		FabricReconnectsTotal,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process collectors
// plus all supervisor-specific collectors.
func NewMetricsRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	for _, c := range All() {
		reg.MustRegister(c)
	}
	return reg
}
