// Package telemetry adapts the teacher's logger/metrics bootstrap
// (originally vendored from github.com/wisbric/core/pkg/telemetry) to the
// kernel's own domain: structured slog logging, an otel tracer, and the
// Prometheus collectors a host process needs to observe the governance
// kernel's invariants (bulkhead rejections, audit drops, instance churn).
package telemetry

import "github.com/prometheus/client_golang/prometheus"

// HTTPRequestDuration tracks HTTP request latency for the kernel host's own
// status/health surface.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "kernel",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// InvocationsTotal counts every GovernanceKernel.Invoke call by outcome.
var InvocationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "kernel",
		Subsystem: "invocation",
		Name:      "total",
		Help:      "Total governed invocations by target module and outcome.",
	},
	[]string{"module_id", "outcome"},
)

// InvocationDuration tracks invocation latency from GovernanceKernel.Invoke
// entry to its terminal state.
var InvocationDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "kernel",
		Subsystem: "invocation",
		Name:      "duration_seconds",
		Help:      "Governed invocation duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"module_id"},
)

// BulkheadRejectedTotal counts permit-acquisition failures per module
// (spec S4).
var BulkheadRejectedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "kernel",
		Subsystem: "bulkhead",
		Name:      "rejected_total",
		Help:      "Total invocations rejected by a module's bulkhead.",
	},
	[]string{"module_id"},
)

// AuditDroppedTotal mirrors AuditSink.DroppedCount for scraping (spec §4.3).
var AuditDroppedTotal = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "kernel",
		Subsystem: "audit",
		Name:      "dropped_total",
		Help:      "Total audit records dropped for queue overflow.",
	},
)

// DyingInstancesGauge reports the live dyingCount per module (spec §4.5's
// maxHistorySnapshots backpressure signal).
var DyingInstancesGauge = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "kernel",
		Subsystem: "instance",
		Name:      "dying",
		Help:      "Current number of DYING instances per module.",
	},
	[]string{"module_id"},
)

// ModulesInstalledGauge reports the number of currently installed modules.
var ModulesInstalledGauge = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "kernel",
		Subsystem: "module",
		Name:      "installed",
		Help:      "Current number of installed modules.",
	},
)

// All returns every kernel-specific collector for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		InvocationsTotal,
		InvocationDuration,
		BulkheadRejectedTotal,
		AuditDroppedTotal,
		DyingInstancesGauge,
		ModulesInstalledGauge,
	}
}
