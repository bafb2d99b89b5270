package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewMetrics(t *testing.T) {
	m := NewMetrics()

	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}

	if m.registry == nil {
		t.Error("Registry is nil")
	}

	if m.SupervisorOpsTotal == nil {
		t.Error("SupervisorOpsTotal is nil")
	}
	if m.SupervisorOpDuration == nil {
		t.Error("SupervisorOpDuration is nil")
	}
	if m.ReconcilerPassesTotal == nil {
		t.Error("ReconcilerPassesTotal is nil")
	}
	if m.ReconcilerPassDuration == nil {
		t.Error("ReconcilerPassDuration is nil")
	}
	if m.ReconcilerActionsTotal == nil {
		t.Error("ReconcilerActionsTotal is nil")
	}
	if m.QueueMessagesTotal == nil {
		t.Error("QueueMessagesTotal is nil")
	}
	if m.QueueProcessSeconds == nil {
		t.Error("QueueProcessSeconds is nil")
	}
	if m.BridgeClientsActive == nil {
		t.Error("BridgeClientsActive is nil")
	}
	if m.BridgeSubscriptionsActive == nil {
		t.Error("BridgeSubscriptionsActive is nil")
	}
}

func TestMetricsHandler(t *testing.T) {
	m := NewMetrics()

	// Record some sample metrics so they appear in output
	m.ObserveSupervisorOp("start", "success")
	m.SupervisorOpDuration.WithLabelValues("start").Observe(0.1)
	m.ReconcilerPassesTotal.Inc()
	m.ReconcilerPassDuration.Observe(0.5)
	m.ObserveReconcilerAction("restart_crashed")
	m.ObserveQueueMessage("history", "success")
	m.QueueProcessSeconds.WithLabelValues("history").Observe(0.01)
	m.BridgeClientsActive.Inc()
	m.BridgeSubscriptionsActive.Inc()

	handler := m.Handler()
	if handler == nil {
		t.Fatal("Handler returned nil")
	}

	// Test HTTP endpoint
	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	body := w.Body.String()

	// Verify metrics are exposed
	expectedMetrics := []string{
		"supervisor_operations_total",
		"supervisor_operation_duration_seconds",
		"reconciler_passes_total",
		"reconciler_pass_duration_seconds",
		"reconciler_actions_total",
		"queue_messages_total",
		"queue_message_process_duration_seconds",
		"bridge_clients_active",
		"bridge_subscriptions_active",
	}

	for _, metric := range expectedMetrics {
		if !strings.Contains(body, metric) {
			t.Errorf("Metrics output missing: %s", metric)
		}
	}
}

func TestMetricsNilSafeObservers(t *testing.T) {
	var m *Metrics

	// Must not panic
	m.ObserveSupervisorOp("start", "success")
	m.ObserveQueueMessage("history", "success")
	m.ObserveReconcilerAction("stop_idle")
}

func TestMetricsRegistry(t *testing.T) {
	m := NewMetrics()

	registry := m.Registry()
	if registry == nil {
		t.Fatal("Registry returned nil")
	}
	if registry != m.registry {
		t.Error("Registry returned a different registry")
	}
}
