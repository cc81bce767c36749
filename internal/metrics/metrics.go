// Package metrics exposes the bridge's Prometheus collectors.
//
// A single Metrics value satisfies the Metrics interfaces of the session,
// publisher, dispatch and sink packages, so each component records its own
// outcomes without importing Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "telemetry_bridge"

// sessionStates lists every value SessionState may receive.
var sessionStates = []string{"idle", "connecting", "connected", "disconnected", "closed"}

// Metrics holds the collectors.
type Metrics struct {
	sessionState    *prometheus.GaugeVec
	connectAttempts *prometheus.CounterVec
	backpressure    prometheus.Counter
	published       *prometheus.CounterVec
	publishLatency  prometheus.Histogram
	deliveries      *prometheus.CounterVec
	roundTrip       prometheus.Histogram
	stored          *prometheus.CounterVec
	storeLatency    prometheus.Histogram
}

// New creates the collectors and registers them with reg.
// It panics if any collector is already registered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sessionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_state",
			Help:      "1 for the current broker session state, 0 otherwise.",
		}, []string{"state"}),
		connectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_attempts_total",
			Help:      "Broker connect attempts by outcome.",
		}, []string{"outcome"}),
		backpressure: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbox_backpressure_total",
			Help:      "Deliveries that found the dispatcher inbox full.",
		}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "published_total",
			Help:      "Outbound events by outcome.",
		}, []string{"outcome"}),
		publishLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "publish_duration_seconds",
			Help:      "Time from publish call to acknowledgment or failure.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Inbound deliveries by class and outcome.",
		}, []string{"class", "outcome"}),
		roundTrip: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "c2d_round_trip_seconds",
			Help:      "Time between a device-to-cloud message and its correlated cloud-to-device reply.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		stored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "Records handed to the store by final status.",
		}, []string{"status"}),
		storeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_duration_seconds",
			Help:      "Time spent storing one record, retries included.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
	}

	reg.MustRegister(
		m.sessionState,
		m.connectAttempts,
		m.backpressure,
		m.published,
		m.publishLatency,
		m.deliveries,
		m.roundTrip,
		m.stored,
		m.storeLatency,
	)
	return m
}

// SessionState marks state as current.
func (m *Metrics) SessionState(state string) {
	for _, s := range sessionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.sessionState.WithLabelValues(s).Set(v)
	}
}

// ConnectAttempt counts one connect attempt.
func (m *Metrics) ConnectAttempt(outcome string) {
	m.connectAttempts.WithLabelValues(outcome).Inc()
}

// Backpressure counts one blocked push into the inbox.
func (m *Metrics) Backpressure() {
	m.backpressure.Inc()
}

// PublishResult counts one publish.
func (m *Metrics) PublishResult(outcome string) {
	m.published.WithLabelValues(outcome).Inc()
}

// PublishDuration observes one publish.
func (m *Metrics) PublishDuration(d time.Duration) {
	m.publishLatency.Observe(d.Seconds())
}

// Delivery counts one processed delivery.
func (m *Metrics) Delivery(class, outcome string) {
	m.deliveries.WithLabelValues(class, outcome).Inc()
}

// RoundTrip observes one correlated cloud-to-device reply.
func (m *Metrics) RoundTrip(d time.Duration) {
	m.roundTrip.Observe(d.Seconds())
}

// StoreResult counts one Store call.
func (m *Metrics) StoreResult(status string) {
	m.stored.WithLabelValues(status).Inc()
}

// StoreDuration observes one Store call.
func (m *Metrics) StoreDuration(d time.Duration) {
	m.storeLatency.Observe(d.Seconds())
}
