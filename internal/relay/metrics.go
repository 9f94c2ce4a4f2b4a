package relay

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type relayMetrics struct {
	activeConnections prometheus.Gauge
	joinedUsers       prometheus.Gauge
	connectionTotal   prometheus.Counter
	admissionDenied   prometheus.Counter
	frameErrors       *prometheus.CounterVec
	frameLatency      *prometheus.HistogramVec
	broadcasts        *prometheus.CounterVec
	deliveryFailures  prometheus.Counter
	sweepEvictions    *prometheus.CounterVec
}

func newRelayMetrics(reg prometheus.Registerer) *relayMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &relayMetrics{
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "piera_connections_active",
			Help: "Current number of accepted websocket connections.",
		}),
		joinedUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "piera_users_joined",
			Help: "Current number of connections holding a username.",
		}),
		connectionTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "piera_connections_total",
			Help: "Total connections accepted since start.",
		}),
		admissionDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "piera_admission_denied_total",
			Help: "Connection attempts rejected by the rate limiter.",
		}),
		frameErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "piera_frame_errors_total",
			Help: "Inbound frames rejected, grouped by error class.",
		}, []string{"code"}),
		frameLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "piera_frame_latency_seconds",
			Help:    "Latency for handling inbound frames.",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"op"}),
		broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "piera_broadcasts_total",
			Help: "Fan-out operations, grouped by frame type.",
		}, []string{"type"}),
		deliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "piera_delivery_failures_total",
			Help: "Per-recipient deliveries that could not be queued.",
		}),
		sweepEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "piera_sweep_evictions_total",
			Help: "Entries evicted by housekeeping, grouped by subsystem.",
		}, []string{"subsystem"}),
	}

	reg.MustRegister(
		m.activeConnections,
		m.joinedUsers,
		m.connectionTotal,
		m.admissionDenied,
		m.frameErrors,
		m.frameLatency,
		m.broadcasts,
		m.deliveryFailures,
		m.sweepEvictions,
	)
	return m
}

func (m *relayMetrics) incConnection() {
	if m == nil {
		return
	}
	m.activeConnections.Inc()
	m.connectionTotal.Inc()
}

func (m *relayMetrics) decConnection() {
	if m == nil {
		return
	}
	m.activeConnections.Dec()
}

func (m *relayMetrics) setJoined(n int) {
	if m == nil {
		return
	}
	m.joinedUsers.Set(float64(n))
}

func (m *relayMetrics) recordAdmissionDenied() {
	if m == nil {
		return
	}
	m.admissionDenied.Inc()
}

func (m *relayMetrics) recordFrameError(code string) {
	if m == nil {
		return
	}
	if code == "" {
		code = "unknown"
	}
	m.frameErrors.WithLabelValues(code).Inc()
}

func (m *relayMetrics) observeLatency(op string, dur time.Duration) {
	if m == nil || op == "" {
		return
	}
	m.frameLatency.WithLabelValues(op).Observe(dur.Seconds())
}

func (m *relayMetrics) recordBroadcast(frameType string) {
	if m == nil {
		return
	}
	if frameType == "" {
		frameType = "unknown"
	}
	m.broadcasts.WithLabelValues(frameType).Inc()
}

func (m *relayMetrics) recordDeliveryFailure() {
	if m == nil {
		return
	}
	m.deliveryFailures.Inc()
}

func (m *relayMetrics) recordSweepEviction(subsystem string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sweepEvictions.WithLabelValues(subsystem).Add(float64(n))
}
