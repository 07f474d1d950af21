package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	io_prometheus_client "github.com/prometheus/client_model/go"
)

func TestSessionMetricsNilSafe(t *testing.T) {
	// All methods on a nil *SessionMetrics must not panic.
	var m *SessionMetrics

	m.RecordCreated()
	m.RecordClosed("timeout", time.Second)
	m.RecordArraySent()
	m.RecordArrayAcked()
	m.RecordHeartbeat()
}

func TestSessionMetricsRecordCreatedAndClosed(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewSessionMetrics(reg)

	m.RecordCreated()
	m.RecordCreated()
	if got := counterValue(t, m.sessionsCreated); got != 2 {
		t.Errorf("sessionsCreated = %f, want 2", got)
	}
	if got := gaugeValue(t, m.sessionsActive); got != 2 {
		t.Errorf("sessionsActive = %f, want 2", got)
	}

	m.RecordClosed("Timed out", 5*time.Second)
	if got := gaugeValue(t, m.sessionsActive); got != 1 {
		t.Errorf("sessionsActive = %f, want 1 after one close", got)
	}
	if got := counterVecValue(t, m.sessionsClosed, "Timed out"); got != 1 {
		t.Errorf("sessionsClosed{reason=Timed out} = %f, want 1", got)
	}
}

func TestSessionMetricsRecordArrays(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewSessionMetrics(reg)

	m.RecordArraySent()
	m.RecordArraySent()
	m.RecordArrayAcked()

	if got := counterValue(t, m.arraysSent); got != 2 {
		t.Errorf("arraysSent = %f, want 2", got)
	}
	if got := counterValue(t, m.arraysAcked); got != 1 {
		t.Errorf("arraysAcked = %f, want 1", got)
	}
}

func TestNewSessionMetricsReusesCollectorsOnReregistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := NewSessionMetrics(reg)
	second := NewSessionMetrics(reg)

	first.RecordCreated()
	second.RecordCreated()

	// Both instances should have been handed the same already-registered
	// collector rather than panicking or silently tracking separately.
	if got := counterValue(t, second.sessionsCreated); got != 2 {
		t.Errorf("sessionsCreated = %f, want 2 (collector should be shared)", got)
	}
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var metric io_prometheus_client.Metric
	if err := c.Write(&metric); err != nil {
		t.Fatalf("Write metric: %v", err)
	}
	return metric.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var metric io_prometheus_client.Metric
	if err := g.Write(&metric); err != nil {
		t.Fatalf("Write metric: %v", err)
	}
	return metric.GetGauge().GetValue()
}

func counterVecValue(t *testing.T, cv *prometheus.CounterVec, label string) float64 {
	t.Helper()
	counter, err := cv.GetMetricWithLabelValues(label)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%q): %v", label, err)
	}
	var metric io_prometheus_client.Metric
	if err := counter.Write(&metric); err != nil {
		t.Fatalf("Write metric: %v", err)
	}
	return metric.GetCounter().GetValue()
}
