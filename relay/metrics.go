package relay

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics counts relay activity for a local Prometheus scrape. All
// methods are safe on a nil receiver, so an unconfigured relay pays
// nothing.
type Metrics struct {
	registry *prometheus.Registry

	connectedPeers     prometheus.Gauge
	relayedTotal       prometheus.Counter
	dummyTotal         prometheus.Counter
	broadcastFailTotal prometheus.Counter
}

// NewMetrics creates a metrics instance backed by its own registry, so
// nothing about the relay leaks into a process-wide one.
func NewMetrics() *Metrics {
	return newMetricsWithRegistry(prometheus.NewRegistry())
}

// newMetricsWithRegistry wires the collectors into the given registry.
func newMetricsWithRegistry(registry *prometheus.Registry) *Metrics {
	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		connectedPeers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_connected_peers",
				Help: "Number of currently connected peers",
			},
		),
		relayedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_messages_total",
				Help: "Total number of envelopes relayed between peers",
			},
		),
		dummyTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_dummy_messages_total",
				Help: "Total number of dummy envelopes broadcast",
			},
		),
		broadcastFailTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_broadcast_failures_total",
				Help: "Total number of peer sends that failed during broadcast",
			},
		),
	}
}

// PeerConnected records a peer joining.
func (m *Metrics) PeerConnected() {
	if m == nil {
		return
	}
	m.connectedPeers.Inc()
}

// PeerDisconnected records a peer leaving.
func (m *Metrics) PeerDisconnected() {
	if m == nil {
		return
	}
	m.connectedPeers.Dec()
}

// RecordRelayed records one envelope forwarded on behalf of a peer.
func (m *Metrics) RecordRelayed() {
	if m == nil {
		return
	}
	m.relayedTotal.Inc()
}

// RecordDummy records one dummy envelope broadcast.
func (m *Metrics) RecordDummy() {
	if m == nil {
		return
	}
	m.dummyTotal.Inc()
}

// RecordBroadcastFailure records a peer write that failed mid-broadcast.
func (m *Metrics) RecordBroadcastFailure() {
	if m == nil {
		return
	}
	m.broadcastFailTotal.Inc()
}

// Handler exposes the metrics for scraping. Serve it on a loopback
// listener only.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
