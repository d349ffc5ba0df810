// Package observability holds daemon-level Prometheus collectors that sit
// above the p2p layer.
package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type eventMetrics struct {
	events   *prometheus.CounterVec
	peersUp  prometheus.Gauge
	dataSync *prometheus.GaugeVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the collectors tracking overlay service events.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			events: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "overlay",
				Subsystem: "service",
				Name:      "events_total",
				Help:      "Service events segmented by event name.",
			}, []string{"event"}),
			peersUp: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "overlay",
				Subsystem: "service",
				Name:      "peers_up",
				Help:      "Peers with an addressed connection.",
			}),
			dataSync: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "overlay",
				Subsystem: "service",
				Name:      "data_sync_phase",
				Help:      "1 once the phase completed.",
			}, []string{"phase"}),
		}
		prometheus.MustRegister(eventRegistry.events, eventRegistry.peersUp, eventRegistry.dataSync)
	})
	return eventRegistry
}

// Record increments the counter for event.
func (m *eventMetrics) Record(event string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(strings.ToLower(event))
	if normalized == "" {
		normalized = "unknown"
	}
	m.events.WithLabelValues(normalized).Inc()
}

func (m *eventMetrics) PeerUp() {
	if m == nil {
		return
	}
	m.events.WithLabelValues("peer_up").Inc()
	m.peersUp.Inc()
}

func (m *eventMetrics) PeerDown() {
	if m == nil {
		return
	}
	m.events.WithLabelValues("peer_down").Inc()
	m.peersUp.Dec()
}

// PhaseCompleted marks a data sync phase (preliminary, updated) as done.
func (m *eventMetrics) PhaseCompleted(phase string) {
	if m == nil {
		return
	}
	m.dataSync.WithLabelValues(phase).Set(1)
}
