package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the orchestrator
type Metrics struct {
	registry *prometheus.Registry

	// Supervisor metrics
	SupervisorOpsTotal   *prometheus.CounterVec
	SupervisorOpDuration *prometheus.HistogramVec

	// Reconciler metrics
	ReconcilerPassesTotal  prometheus.Counter
	ReconcilerPassDuration prometheus.Histogram
	ReconcilerActionsTotal *prometheus.CounterVec

	// Queue consumer metrics
	QueueMessagesTotal  *prometheus.CounterVec
	QueueProcessSeconds *prometheus.HistogramVec

	// Bridge metrics
	BridgeClientsActive       prometheus.Gauge
	BridgeSubscriptionsActive prometheus.Gauge
}

// NewMetrics creates and registers all metrics
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		// Supervisor metrics
		SupervisorOpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "supervisor_operations_total",
				Help: "Total number of supervisor operations",
			},
			[]string{"operation", "outcome"},
		),
		SupervisorOpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "supervisor_operation_duration_seconds",
				Help:    "Duration of supervisor operations in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),

		// Reconciler metrics
		ReconcilerPassesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "reconciler_passes_total",
				Help: "Total number of reconciliation passes",
			},
		),
		ReconcilerPassDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "reconciler_pass_duration_seconds",
				Help:    "Duration of reconciliation passes in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		ReconcilerActionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reconciler_actions_total",
				Help: "Total number of healing actions taken by the reconciler",
			},
			[]string{"action"},
		),

		// Queue consumer metrics
		QueueMessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "queue_messages_total",
				Help: "Total number of queue messages consumed",
			},
			[]string{"queue", "outcome"},
		),
		QueueProcessSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "queue_message_process_duration_seconds",
				Help:    "Duration of queue message processing in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"queue"},
		),

		// Bridge metrics
		BridgeClientsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "bridge_clients_active",
				Help: "Number of currently connected bridge clients",
			},
		),
		BridgeSubscriptionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "bridge_subscriptions_active",
				Help: "Number of shared worker subscriptions held by the bridge",
			},
		),
	}

	// Register all metrics
	m.registerMetrics()

	return m
}

// registerMetrics registers all metrics with the registry
func (m *Metrics) registerMetrics() {
	m.registry.MustRegister(m.SupervisorOpsTotal)
	m.registry.MustRegister(m.SupervisorOpDuration)

	m.registry.MustRegister(m.ReconcilerPassesTotal)
	m.registry.MustRegister(m.ReconcilerPassDuration)
	m.registry.MustRegister(m.ReconcilerActionsTotal)

	m.registry.MustRegister(m.QueueMessagesTotal)
	m.registry.MustRegister(m.QueueProcessSeconds)

	m.registry.MustRegister(m.BridgeClientsActive)
	m.registry.MustRegister(m.BridgeSubscriptionsActive)
}

// ObserveSupervisorOp records one supervisor operation outcome. Nil-safe so
// callers without metrics wired can pass a nil receiver.
func (m *Metrics) ObserveSupervisorOp(operation, outcome string) {
	if m == nil {
		return
	}
	m.SupervisorOpsTotal.WithLabelValues(operation, outcome).Inc()
}

// ObserveQueueMessage records one consumed queue message outcome.
func (m *Metrics) ObserveQueueMessage(queue, outcome string) {
	if m == nil {
		return
	}
	m.QueueMessagesTotal.WithLabelValues(queue, outcome).Inc()
}

// ObserveReconcilerAction records one healing action.
func (m *Metrics) ObserveReconcilerAction(action string) {
	if m == nil {
		return
	}
	m.ReconcilerActionsTotal.WithLabelValues(action).Inc()
}

// Handler returns an HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
