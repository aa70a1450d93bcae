package metrics

import "github.com/prometheus/client_golang/prometheus"

// RelayMetrics exposes counters/histograms for the call-bridging relay.
type RelayMetrics struct {
	activeCalls      prometheus.Gauge
	callsTotal       *prometheus.CounterVec
	framesForwarded  *prometheus.CounterVec
	framesDropped    *prometheus.CounterVec
	handshakeLatency prometheus.Histogram
}

func NewRelayMetrics(reg prometheus.Registerer) *RelayMetrics {
	m := &RelayMetrics{
		activeCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "voicerelay",
			Subsystem: "calls",
			Name:      "active",
			Help:      "Calls currently bridged",
		}),
		callsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voicerelay",
			Subsystem: "calls",
			Name:      "ended_total",
			Help:      "Total calls ended, by end reason",
		}, []string{"end_reason"}),
		framesForwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voicerelay",
			Subsystem: "media",
			Name:      "frames_forwarded_total",
			Help:      "Audio frames relayed, by direction",
		}, []string{"direction"}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voicerelay",
			Subsystem: "media",
			Name:      "frames_dropped_total",
			Help:      "Audio frames dropped, by cause",
		}, []string{"cause"}),
		handshakeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "voicerelay",
			Subsystem: "agent",
			Name:      "handshake_seconds",
			Help:      "Latency of the agent session handshake",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.activeCalls, m.callsTotal, m.framesForwarded, m.framesDropped, m.handshakeLatency)
	return m
}

func (m *RelayMetrics) CallStarted() {
	if m == nil {
		return
	}
	m.activeCalls.Inc()
}

func (m *RelayMetrics) CallEnded(endReason string) {
	if m == nil {
		return
	}
	m.activeCalls.Dec()
	m.callsTotal.WithLabelValues(endReason).Inc()
}

func (m *RelayMetrics) ObserveFrame(direction string) {
	if m == nil {
		return
	}
	m.framesForwarded.WithLabelValues(direction).Inc()
}

func (m *RelayMetrics) ObserveDrop(cause string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(cause).Inc()
}

func (m *RelayMetrics) ObserveHandshake(seconds float64) {
	if m == nil {
		return
	}
	m.handshakeLatency.Observe(seconds)
}
