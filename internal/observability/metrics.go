// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Transport metrics
	TransportState      prometheus.Gauge
	TransportReconnects prometheus.Counter
	TransportMessages   prometheus.Counter
	TransportErrors     prometheus.Counter

	// RPC metrics
	RPCCallLatency *prometheus.HistogramVec
	RPCRetries     *prometheus.CounterVec
	RPCFailures    *prometheus.CounterVec
	WindowWait     prometheus.Histogram

	// Dispatcher metrics
	EventsReceived   *prometheus.CounterVec
	EventsDropped    *prometheus.CounterVec
	PolicyRejections *prometheus.CounterVec
	Executions       *prometheus.CounterVec
	GateActive       prometheus.Gauge
	DispatchLatency  prometheus.Histogram

	// Tracer metrics
	TraceNodes      *prometheus.CounterVec
	TraceNodeErrors *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance registered with reg.
// A nil reg registers with the default Prometheus registry.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "solana_flowwatch"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		TransportState: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "state",
			Help:      "Current connection state (0 disconnected, 1 connecting, 2 open, 3 closing)",
		}),
		TransportReconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "reconnects_total",
			Help:      "Total number of scheduled reconnect attempts",
		}),
		TransportMessages: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "messages_total",
			Help:      "Total number of feed messages received",
		}),
		TransportErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "errors_total",
			Help:      "Total number of connection-level errors",
		}),

		RPCCallLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "call_latency_seconds",
			Help:      "Solana RPC call latency in seconds, per attempt",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		RPCRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "retries_total",
			Help:      "Total number of RPC retries by reason",
		}, []string{"method", "reason"}),
		RPCFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "failures_total",
			Help:      "Total number of RPC calls that returned an error to the caller",
		}, []string{"method", "kind"}),
		WindowWait: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "window_wait_seconds",
			Help:      "Time spent waiting for rate window admission",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),

		EventsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "events_received_total",
			Help:      "Total number of events of interest by kind",
		}, []string{"kind"}),
		EventsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "events_dropped_total",
			Help:      "Total number of events dropped by reason",
		}, []string{"reason"}),
		PolicyRejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "policy_rejections_total",
			Help:      "Total number of policy rejections by check",
		}, []string{"check"}),
		Executions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "executions_total",
			Help:      "Total number of execution calls by outcome",
		}, []string{"outcome"}),
		GateActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "gate_active",
			Help:      "Number of in-flight dispatches",
		}),
		DispatchLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "dispatch_latency_seconds",
			Help:      "Latency from admission to completion of a dispatch",
			Buckets:   prometheus.DefBuckets,
		}),

		TraceNodes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tracer",
			Name:      "nodes_total",
			Help:      "Total number of transfer nodes discovered by direction",
		}, []string{"direction"}),
		TraceNodeErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tracer",
			Name:      "node_errors_total",
			Help:      "Total number of per-node fetch failures by direction",
		}, []string{"direction"}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("", nil)

// SetTransportState records the numeric transport state.
func SetTransportState(state int) {
	DefaultMetrics.TransportState.Set(float64(state))
}

// RecordReconnect increments the reconnect counter.
func RecordReconnect() {
	DefaultMetrics.TransportReconnects.Inc()
}

// RecordTransportMessage increments the feed message counter.
func RecordTransportMessage() {
	DefaultMetrics.TransportMessages.Inc()
}

// RecordTransportError increments the transport error counter.
func RecordTransportError() {
	DefaultMetrics.TransportErrors.Inc()
}

// RecordRPCLatency records RPC call latency.
func RecordRPCLatency(method string, seconds float64) {
	DefaultMetrics.RPCCallLatency.WithLabelValues(method).Observe(seconds)
}

// RecordRPCRetry records a retry of method caused by reason.
func RecordRPCRetry(method, reason string) {
	DefaultMetrics.RPCRetries.WithLabelValues(method, reason).Inc()
}

// RecordRPCFailure records a call that failed for the caller.
func RecordRPCFailure(method, kind string) {
	DefaultMetrics.RPCFailures.WithLabelValues(method, kind).Inc()
}

// RecordWindowWait records time spent waiting for admission.
func RecordWindowWait(seconds float64) {
	DefaultMetrics.WindowWait.Observe(seconds)
}

// RecordEventReceived records an event of interest.
func RecordEventReceived(kind string) {
	DefaultMetrics.EventsReceived.WithLabelValues(kind).Inc()
}

// RecordEventDropped records a dropped event.
func RecordEventDropped(reason string) {
	DefaultMetrics.EventsDropped.WithLabelValues(reason).Inc()
}

// RecordPolicyRejection records a policy rejection.
func RecordPolicyRejection(check string) {
	DefaultMetrics.PolicyRejections.WithLabelValues(check).Inc()
}

// RecordExecution records an execution outcome ("success", "failure", "error").
func RecordExecution(outcome string) {
	DefaultMetrics.Executions.WithLabelValues(outcome).Inc()
}

// SetGateActive records the number of in-flight dispatches.
func SetGateActive(n int) {
	DefaultMetrics.GateActive.Set(float64(n))
}

// RecordDispatchLatency records the duration of a dispatch.
func RecordDispatchLatency(seconds float64) {
	DefaultMetrics.DispatchLatency.Observe(seconds)
}

// RecordTraceNode records a discovered transfer node.
func RecordTraceNode(direction string) {
	DefaultMetrics.TraceNodes.WithLabelValues(direction).Inc()
}

// RecordTraceNodeError records a per-node fetch failure.
func RecordTraceNodeError(direction string) {
	DefaultMetrics.TraceNodeErrors.WithLabelValues(direction).Inc()
}
