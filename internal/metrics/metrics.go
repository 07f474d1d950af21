// Package metrics provides Prometheus instrumentation for the
// browserchannel server: session lifecycle, outgoing queue throughput,
// and heartbeat activity. All methods are nil-safe so that a server run
// without a registry simply skips instrumentation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SessionMetrics tracks session creation, closure, and array delivery.
// All methods are nil-safe: calls on a nil *SessionMetrics are no-ops.
type SessionMetrics struct {
	sessionsCreated prometheus.Counter
	sessionsActive  prometheus.Gauge
	sessionsClosed  *prometheus.CounterVec
	sessionLifetime prometheus.Histogram
	arraysSent      prometheus.Counter
	arraysAcked     prometheus.Counter
	heartbeatsSent  prometheus.Counter
}

// NewSessionMetrics creates and registers session metrics with reg. If reg
// is nil, metrics are created but not registered, useful for tests.
//
// On re-registration (server restart inside the same process, as happens
// in tests that build multiple Handlers), existing collectors from the
// registry are reused so metrics keep exporting correctly.
func NewSessionMetrics(reg prometheus.Registerer) *SessionMetrics {
	m := &SessionMetrics{
		sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "browserchannel",
			Subsystem: "session",
			Name:      "created_total",
			Help:      "Total number of sessions created.",
		}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "browserchannel",
			Subsystem: "session",
			Name:      "active",
			Help:      "Number of currently registered sessions.",
		}),
		sessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "browserchannel",
			Subsystem: "session",
			Name:      "closed_total",
			Help:      "Total number of sessions closed, labeled by reason.",
		}, []string{"reason"}),
		sessionLifetime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "browserchannel",
			Subsystem: "session",
			Name:      "lifetime_seconds",
			Help:      "Session lifetime from creation to close, in seconds.",
			Buckets:   []float64{1, 5, 15, 30, 60, 300, 900, 3600},
		}),
		arraysSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "browserchannel",
			Subsystem: "session",
			Name:      "arrays_sent_total",
			Help:      "Total number of outgoing arrays written to back channels.",
		}),
		arraysAcked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "browserchannel",
			Subsystem: "session",
			Name:      "arrays_acked_total",
			Help:      "Total number of outgoing arrays acknowledged by clients.",
		}),
		heartbeatsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "browserchannel",
			Subsystem: "session",
			Name:      "heartbeats_total",
			Help:      "Total number of heartbeat (noop) arrays queued.",
		}),
	}

	if reg != nil {
		m.sessionsCreated = registerOrReuse(reg, m.sessionsCreated).(prometheus.Counter)
		m.sessionsActive = registerOrReuse(reg, m.sessionsActive).(prometheus.Gauge)
		m.sessionsClosed = registerOrReuse(reg, m.sessionsClosed).(*prometheus.CounterVec)
		m.sessionLifetime = registerOrReuse(reg, m.sessionLifetime).(prometheus.Histogram)
		m.arraysSent = registerOrReuse(reg, m.arraysSent).(prometheus.Counter)
		m.arraysAcked = registerOrReuse(reg, m.arraysAcked).(prometheus.Counter)
		m.heartbeatsSent = registerOrReuse(reg, m.heartbeatsSent).(prometheus.Counter)
	}

	return m
}

// RecordCreated increments the created counter and the active gauge.
func (m *SessionMetrics) RecordCreated() {
	if m == nil {
		return
	}
	m.sessionsCreated.Inc()
	m.sessionsActive.Inc()
}

// RecordClosed decrements the active gauge, labels the closed counter by
// reason, and observes the session's total lifetime.
func (m *SessionMetrics) RecordClosed(reason string, lifetime time.Duration) {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
	m.sessionsClosed.WithLabelValues(reason).Inc()
	m.sessionLifetime.Observe(lifetime.Seconds())
}

// RecordArraySent increments the arrays-sent counter.
func (m *SessionMetrics) RecordArraySent() {
	if m == nil {
		return
	}
	m.arraysSent.Inc()
}

// RecordArrayAcked increments the arrays-acknowledged counter.
func (m *SessionMetrics) RecordArrayAcked() {
	if m == nil {
		return
	}
	m.arraysAcked.Inc()
}

// RecordHeartbeat increments the heartbeats-sent counter.
func (m *SessionMetrics) RecordHeartbeat() {
	if m == nil {
		return
	}
	m.heartbeatsSent.Inc()
}

// registerOrReuse registers c with reg, returning the already-registered
// collector instead of panicking if reg.Register reports a collision --
// this lets tests build multiple Handlers against the same default
// registry without needing a fresh prometheus.Registry per case.
func registerOrReuse(reg prometheus.Registerer, c prometheus.Collector) prometheus.Collector {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
		panic(err)
	}
	return c
}
