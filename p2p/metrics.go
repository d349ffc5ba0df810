package p2p

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

var (
	metricsInitOnce sync.Once
	sharedMetrics   *networkMetrics
)

type networkMetrics struct {
	connections    *prometheus.GaugeVec
	messages       *prometheus.CounterVec
	bytes          *prometheus.CounterVec
	ruleViolations *prometheus.CounterVec
	closes         *prometheus.CounterVec
	roundTrip      prometheus.Histogram
	registrySize   *prometheus.GaugeVec

	meter            metric.Meter
	messageCounter   metric.Int64Counter
	violationCounter metric.Int64Counter
	rttHistogram     metric.Float64Histogram
}

func newNetworkMetrics() *networkMetrics {
	metricsInitOnce.Do(func() {
		nm := &networkMetrics{
			connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "overlay_p2p_connections",
				Help: "Open connections by direction.",
			}, []string{"direction"}),
			messages: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "overlay_p2p_messages_total",
				Help: "Envelopes by direction and kind.",
			}, []string{"direction", "kind"}),
			bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "overlay_p2p_bytes_total",
				Help: "Serialized envelope bytes by direction.",
			}, []string{"direction"}),
			ruleViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "overlay_p2p_rule_violations_total",
				Help: "Reported rule violations by kind.",
			}, []string{"violation"}),
			closes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "overlay_p2p_connection_closes_total",
				Help: "Closed connections by reason.",
			}, []string{"reason"}),
			roundTrip: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "overlay_p2p_round_trip_ms",
				Help:    "Keep-alive round trip times.",
				Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000},
			}),
			registrySize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "overlay_p2p_peer_registry_size",
				Help: "Entries in the reported and persisted peer registries.",
			}, []string{"registry"}),
		}
		prometheus.MustRegister(nm.connections, nm.messages, nm.bytes, nm.ruleViolations, nm.closes, nm.roundTrip, nm.registrySize)
		nm.initMeter()
		sharedMetrics = nm
	})
	return sharedMetrics
}

func (m *networkMetrics) initMeter() {
	meter := otel.GetMeterProvider().Meter("overlay/p2p")
	messages, err := meter.Int64Counter("overlay.p2p.messages")
	if err != nil {
		fallback := noop.NewMeterProvider().Meter("overlay/p2p")
		messages, _ = fallback.Int64Counter("overlay.p2p.messages")
		meter = fallback
	}
	violations, err := meter.Int64Counter("overlay.p2p.rule_violations")
	if err != nil {
		fallback := noop.NewMeterProvider().Meter("overlay/p2p")
		violations, _ = fallback.Int64Counter("overlay.p2p.rule_violations")
		meter = fallback
	}
	rtt, err := meter.Float64Histogram("overlay.p2p.round_trip_ms")
	if err != nil {
		fallback := noop.NewMeterProvider().Meter("overlay/p2p")
		rtt, _ = fallback.Float64Histogram("overlay.p2p.round_trip_ms")
		meter = fallback
	}
	m.meter = meter
	m.messageCounter = messages
	m.violationCounter = violations
	m.rttHistogram = rtt
}

func (m *networkMetrics) recordMessage(direction, kind string, size int) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(direction, kind).Inc()
	if size > 0 {
		m.bytes.WithLabelValues(direction).Add(float64(size))
	}
	if m.messageCounter != nil {
		m.messageCounter.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("direction", direction),
			attribute.String("kind", kind),
		))
	}
}

func (m *networkMetrics) recordViolation(v RuleViolation) {
	if m == nil {
		return
	}
	m.ruleViolations.WithLabelValues(v.String()).Inc()
	if m.violationCounter != nil {
		m.violationCounter.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("violation", v.String()),
		))
	}
}

func (m *networkMetrics) recordClose(reason CloseConnectionReason) {
	if m == nil {
		return
	}
	m.closes.WithLabelValues(reason.String()).Inc()
}

func (m *networkMetrics) connectionOpened(inbound bool) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(directionLabel(inbound)).Inc()
}

func (m *networkMetrics) connectionClosed(inbound bool) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(directionLabel(inbound)).Dec()
}

// RecordRoundTrip exports a keep-alive measurement.
func RecordRoundTrip(ms float64) {
	m := newNetworkMetrics()
	m.roundTrip.Observe(ms)
	if m.rttHistogram != nil {
		m.rttHistogram.Record(context.Background(), ms)
	}
}

// RecordPeerRegistrySize exports the size of a peer registry.
func RecordPeerRegistrySize(registry string, size int) {
	newNetworkMetrics().registrySize.WithLabelValues(registry).Set(float64(size))
}

func directionLabel(inbound bool) string {
	if inbound {
		return "inbound"
	}
	return "outbound"
}
