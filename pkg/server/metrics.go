package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the server. Construct it once
// per process; collectors register with the default registry.
type Metrics struct {
	// Connection metrics
	activeConnections prometheus.Gauge
	knownUsers        prometheus.Gauge
	connectionsTotal  prometheus.Counter
	authFailures      prometheus.Counter

	// Dispatch metrics
	broadcastsTotal prometheus.Counter
	broadcastFanout prometheus.Histogram
	privateMessages prometheus.Counter

	// Moderation metrics
	complaintsTotal prometheus.Counter
	bansTotal       prometheus.Counter
	throttleWaits   *prometheus.CounterVec // by reason: "ban" or "rate"
}

// NewMetrics creates a new metrics instance.
func NewMetrics() *Metrics {
	return &Metrics{
		activeConnections: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "parley_active_connections",
				Help: "Current number of authenticated live connections",
			},
		),
		knownUsers: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "parley_known_users",
				Help: "Number of identities the registry knows about",
			},
		),
		connectionsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "parley_connections_total",
				Help: "Total number of accepted connections",
			},
		),
		authFailures: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "parley_auth_failures_total",
				Help: "Total number of failed authentication attempts",
			},
		),
		broadcastsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "parley_broadcasts_total",
				Help: "Total number of general-chat messages broadcast",
			},
		),
		broadcastFanout: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "parley_broadcast_fanout",
				Help:    "Number of connections that received each broadcast",
				Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
			},
		),
		privateMessages: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "parley_private_messages_total",
				Help: "Total number of private messages delivered",
			},
		),
		complaintsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "parley_complaints_total",
				Help: "Total number of accepted peer complaints",
			},
		),
		bansTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "parley_bans_total",
				Help: "Total number of bans triggered by complaints",
			},
		),
		throttleWaits: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_throttle_waits_total",
				Help: "Total number of suspensions by reason",
			},
			[]string{"reason"},
		),
	}
}

// RecordActiveConnections updates the live connection gauge.
func (m *Metrics) RecordActiveConnections(count int) {
	m.activeConnections.Set(float64(count))
}

// RecordKnownUsers updates the known-identities gauge.
func (m *Metrics) RecordKnownUsers(count int) {
	m.knownUsers.Set(float64(count))
}

// RecordConnection increments the accepted-connection counter.
func (m *Metrics) RecordConnection() {
	m.connectionsTotal.Inc()
}

// RecordAuthFailure increments the failed-authentication counter.
func (m *Metrics) RecordAuthFailure() {
	m.authFailures.Inc()
}

// RecordBroadcast counts one broadcast and its delivery fan-out.
func (m *Metrics) RecordBroadcast(recipients int) {
	m.broadcastsTotal.Inc()
	m.broadcastFanout.Observe(float64(recipients))
}

// RecordPrivateMessage increments the private-message counter.
func (m *Metrics) RecordPrivateMessage() {
	m.privateMessages.Inc()
}

// RecordComplaint increments the accepted-complaint counter.
func (m *Metrics) RecordComplaint() {
	m.complaintsTotal.Inc()
}

// RecordBan increments the ban counter.
func (m *Metrics) RecordBan() {
	m.bansTotal.Inc()
}

// RecordThrottleWait increments the suspension counter for a reason.
func (m *Metrics) RecordThrottleWait(reason string) {
	m.throttleWaits.WithLabelValues(reason).Inc()
}
