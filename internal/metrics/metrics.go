// Package metrics exposes the gateway's Prometheus instrumentation: wire
// I/O latency, retry counts, and publication lateness, served over
// /metrics (spec.md §4.9 domain-stack expansion).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	WireLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "modbus_gateway",
		Name:      "wire_io_seconds",
		Help:      "Duration of a single Modbus wire request.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"connection", "register_type"})

	IOTries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "modbus_gateway",
		Name:      "io_tries_total",
		Help:      "Count of wire request attempts, including retries.",
	}, []string{"connection"})

	PublicationLateness = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "modbus_gateway",
		Name:      "publication_lateness_seconds",
		Help:      "How far past its scheduled fire time a publication cycle completed.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"component"})

	DisabledRegisters = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "modbus_gateway",
		Name:      "disabled_registers",
		Help:      "Registers flagged bad by the latest bad-address discovery on this connection; batching does not skip them.",
	}, []string{"connection"})
)

// MustRegister registers all collectors with the default registry; call
// once from main before serving /metrics.
func MustRegister() {
	prometheus.MustRegister(WireLatency, IOTries, PublicationLateness, DisabledRegisters)
}

// ObserveWire records one wire request's duration.
func ObserveWire(connection, registerType string, d time.Duration) {
	WireLatency.WithLabelValues(connection, registerType).Observe(d.Seconds())
}
