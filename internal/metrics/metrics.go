package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus collectors for the relay. A nil *Metrics is a
// valid no-op receiver so components can run without metrics wired.
type Metrics struct {
	registry           *prometheus.Registry
	framesRelayedTotal prometheus.Counter
	framesDroppedTotal prometheus.Counter
	signalingTotal     prometheus.Counter
	admissionsDenied   prometheus.Counter
	producerSessions   prometheus.Gauge
	viewerSessions     prometheus.Gauge
	activePipelines    prometheus.Gauge
}

// New creates and registers the relay's Prometheus collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	framesRelayedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_frames_relayed_total",
		Help: "Total media chunks fanned out to viewers",
	})
	framesDroppedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_frames_dropped_total",
		Help: "Total media chunks dropped by pipeline backpressure",
	})
	signalingTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_signaling_messages_total",
		Help: "Total negotiation messages relayed between peers",
	})
	admissionsDenied := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_admissions_denied_total",
		Help: "Total sockets closed with the policy-violation code",
	})
	producerSessions := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_producer_sessions",
		Help: "Live camera producer sessions",
	})
	viewerSessions := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_viewer_sessions",
		Help: "Live viewer sessions",
	})
	activePipelines := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_active_pipelines",
		Help: "Transcoding pipelines currently running",
	})

	registry.MustRegister(
		framesRelayedTotal,
		framesDroppedTotal,
		signalingTotal,
		admissionsDenied,
		producerSessions,
		viewerSessions,
		activePipelines,
	)

	return &Metrics{
		registry:           registry,
		framesRelayedTotal: framesRelayedTotal,
		framesDroppedTotal: framesDroppedTotal,
		signalingTotal:     signalingTotal,
		admissionsDenied:   admissionsDenied,
		producerSessions:   producerSessions,
		viewerSessions:     viewerSessions,
		activePipelines:    activePipelines,
	}
}

// IncFramesRelayed increments the fan-out counter.
func (m *Metrics) IncFramesRelayed() {
	if m == nil {
		return
	}
	m.framesRelayedTotal.Inc()
}

// IncFramesDropped increments the backpressure drop counter.
func (m *Metrics) IncFramesDropped() {
	if m == nil {
		return
	}
	m.framesDroppedTotal.Inc()
}

// IncSignaling increments the relayed negotiation message counter.
func (m *Metrics) IncSignaling() {
	if m == nil {
		return
	}
	m.signalingTotal.Inc()
}

// IncAdmissionsDenied increments the denied admission counter.
func (m *Metrics) IncAdmissionsDenied() {
	if m == nil {
		return
	}
	m.admissionsDenied.Inc()
}

// SetProducerSessions sets the producer session gauge.
func (m *Metrics) SetProducerSessions(n int) {
	if m == nil {
		return
	}
	m.producerSessions.Set(float64(n))
}

// SetViewerSessions sets the viewer session gauge.
func (m *Metrics) SetViewerSessions(n int) {
	if m == nil {
		return
	}
	m.viewerSessions.Set(float64(n))
}

// SetActivePipelines sets the running pipeline gauge.
func (m *Metrics) SetActivePipelines(n int) {
	if m == nil {
		return
	}
	m.activePipelines.Set(float64(n))
}

// Handler returns an http.Handler serving this registry's metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
