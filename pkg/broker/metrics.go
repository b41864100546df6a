package broker

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the broker. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	// Session metrics
	sessionsActive   prometheus.Gauge
	sessionsTotal    *prometheus.CounterVec
	sessionDuration  prometheus.Histogram
	agentsRegistered prometheus.Gauge

	// Admission metrics
	authFailures        *prometheus.CounterVec
	transportsThrottled prometheus.Counter

	// Frame metrics
	framesReceived *prometheus.CounterVec
	framesRouted   *prometheus.CounterVec
	framesRejected *prometheus.CounterVec
	routingMisses  *prometheus.CounterVec
	decodeErrors   prometheus.Counter
	payloadBytes   prometheus.Counter
	outboundFrames prometheus.Counter

	// Configuration reload metrics
	configReloads *prometheus.CounterVec

	// Certificate metrics
	certificateExpiry *prometheus.GaugeVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics instance with all broker metrics
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		sessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_sessions_active",
				Help: "Number of currently open agent transports",
			},
		),

		sessionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_sessions_total",
				Help: "Total number of agent transports accepted, by outcome",
			},
			[]string{"outcome"},
		),

		sessionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "relay_session_duration_seconds",
				Help:    "Agent transport lifetime in seconds",
				Buckets: []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600, 86400},
			},
		),

		agentsRegistered: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_agents_registered",
				Help: "Number of authenticated agents in the registry",
			},
		),

		authFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_auth_failures_total",
				Help: "Total number of rejected Register attempts by reason",
			},
			[]string{"reason"},
		),

		transportsThrottled: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_transports_throttled_total",
				Help: "Total number of transport upgrades refused by per-host throttling",
			},
		),

		framesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_frames_received_total",
				Help: "Total number of decoded inbound frames by type",
			},
			[]string{"type"},
		),

		framesRouted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_frames_routed_total",
				Help: "Total number of frames delivered to a destination queue by type",
			},
			[]string{"type"},
		),

		framesRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_frames_rejected_total",
				Help: "Total number of frames dropped without routing by reason",
			},
			[]string{"reason"},
		),

		routingMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_routing_misses_total",
				Help: "Total number of undeliverable frames by type and reason",
			},
			[]string{"type", "reason"},
		),

		decodeErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_decode_errors_total",
				Help: "Total number of inbound messages that failed to decode",
			},
		),

		payloadBytes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_payload_bytes_total",
				Help: "Total Data payload bytes routed",
			},
		),

		outboundFrames: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_outbound_frames_total",
				Help: "Total number of frames written to agent transports",
			},
		),

		configReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_config_reloads_total",
				Help: "Total number of configuration reload attempts by status",
			},
			[]string{"status"},
		),

		certificateExpiry: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relay_certificate_expiry_timestamp_seconds",
				Help: "Expiry time of watched certificates as a Unix timestamp",
			},
			[]string{"name", "subject"},
		),

		registry: registry,
	}

	// Register all metrics
	registry.MustRegister(
		m.sessionsActive,
		m.sessionsTotal,
		m.sessionDuration,
		m.agentsRegistered,
		m.authFailures,
		m.transportsThrottled,
		m.framesReceived,
		m.framesRouted,
		m.framesRejected,
		m.routingMisses,
		m.decodeErrors,
		m.payloadBytes,
		m.outboundFrames,
		m.configReloads,
		m.certificateExpiry,
	)

	return m
}

// Handler returns the Prometheus scrape handler for this registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) sessionOpened() {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
}

func (m *Metrics) sessionClosed(outcome string, lifetime time.Duration) {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
	m.sessionsTotal.WithLabelValues(outcome).Inc()
	m.sessionDuration.Observe(lifetime.Seconds())
}

func (m *Metrics) agentRegistered() {
	if m == nil {
		return
	}
	m.agentsRegistered.Inc()
}

func (m *Metrics) agentRemoved() {
	if m == nil {
		return
	}
	m.agentsRegistered.Dec()
}

func (m *Metrics) authFailure(reason string) {
	if m == nil {
		return
	}
	m.authFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) transportThrottled() {
	if m == nil {
		return
	}
	m.transportsThrottled.Inc()
}

func (m *Metrics) frameReceived(frameType string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(frameType).Inc()
}

func (m *Metrics) frameRouted(frameType string, payload int) {
	if m == nil {
		return
	}
	m.framesRouted.WithLabelValues(frameType).Inc()
	if payload > 0 {
		m.payloadBytes.Add(float64(payload))
	}
}

func (m *Metrics) frameRejected(reason string) {
	if m == nil {
		return
	}
	m.framesRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) routingMiss(frameType, reason string) {
	if m == nil {
		return
	}
	m.routingMisses.WithLabelValues(frameType, reason).Inc()
}

func (m *Metrics) decodeError() {
	if m == nil {
		return
	}
	m.decodeErrors.Inc()
}

func (m *Metrics) frameWritten() {
	if m == nil {
		return
	}
	m.outboundFrames.Inc()
}

// RecordConfigReload records a configuration reload attempt
func (m *Metrics) RecordConfigReload(success bool) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "failure"
	}
	m.configReloads.WithLabelValues(status).Inc()
}

// RecordCertificateExpiry exports the expiry of a watched certificate.
func (m *Metrics) RecordCertificateExpiry(name, subject string, notAfter time.Time) {
	if m == nil {
		return
	}
	m.certificateExpiry.WithLabelValues(name, subject).Set(float64(notAfter.Unix()))
}
