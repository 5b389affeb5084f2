// Package metrics defines the Prometheus collectors Dispatcher emits
// for fan-out counts, encrypt/decrypt latency, and ACK outcomes
// (spec.md §4.5, SPEC_FULL.md §4.5). Grounded on this file's original
// shape (one struct field per messenger_* collector, promauto-style
// construction, Record*/Update* helper methods), but built around a
// per-instance prometheus.Registry rather than promauto's package-global
// DefaultRegisterer: this is a library, not a single long-running server
// process, and more than one Core may run in the same process (tests
// routinely spin up several in-process peers), which would panic on
// duplicate collector registration against one shared global registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds one Core instance's collectors, registered against its
// own prometheus.Registry.
type Metrics struct {
	registry *prometheus.Registry

	fanOutTotal      *prometheus.CounterVec
	encryptDuration  prometheus.Histogram
	decryptDuration  prometheus.Histogram
	envelopeAcksTotal *prometheus.CounterVec
	modelSyncTotal   *prometheus.CounterVec
	attachmentBytes  *prometheus.CounterVec
}

// New builds a Metrics with a fresh registry and registers every
// collector against it.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		fanOutTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "obscura_core_fanout_targets_total",
				Help: "Total number of per-device fan-out sends attempted, by outcome.",
			},
			[]string{"outcome"}, // sent, failed
		),
		encryptDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "obscura_core_encrypt_duration_seconds",
				Help:    "SessionEngine.Encrypt latency in seconds.",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
			},
		),
		decryptDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "obscura_core_decrypt_duration_seconds",
				Help:    "SessionEngine.Decrypt latency in seconds.",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
			},
		),
		envelopeAcksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "obscura_core_envelope_acks_total",
				Help: "Total number of inbound gateway envelopes, by ack outcome.",
			},
			[]string{"outcome"}, // acked, dropped_replay, error_no_ack
		),
		modelSyncTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "obscura_core_model_sync_total",
				Help: "Total number of inbound MODEL_SYNC merges, by model and outcome.",
			},
			[]string{"model", "outcome"}, // applied, rejected
		),
		attachmentBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "obscura_core_attachment_bytes_total",
				Help: "Total attachment bytes processed, by direction.",
			},
			[]string{"direction"}, // upload, download
		),
	}

	reg.MustRegister(
		m.fanOutTotal,
		m.encryptDuration,
		m.decryptDuration,
		m.envelopeAcksTotal,
		m.modelSyncTotal,
		m.attachmentBytes,
	)
	return m
}

// Registry returns the underlying registry, for a host application
// that wants to register its own collectors alongside Core's.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler returns an http.Handler serving this instance's metrics in
// the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordFanOutTarget records one per-device send outcome during
// Dispatcher's fanOut.
func (m *Metrics) RecordFanOutTarget(sent bool) {
	outcome := "failed"
	if sent {
		outcome = "sent"
	}
	m.fanOutTotal.WithLabelValues(outcome).Inc()
}

// ObserveEncryptDuration records one SessionEngine.Encrypt call's latency.
func (m *Metrics) ObserveEncryptDuration(seconds float64) {
	m.encryptDuration.Observe(seconds)
}

// ObserveDecryptDuration records one SessionEngine.Decrypt call's latency.
func (m *Metrics) ObserveDecryptDuration(seconds float64) {
	m.decryptDuration.Observe(seconds)
}

// RecordEnvelopeAck records one inbound gateway envelope's disposition.
func (m *Metrics) RecordEnvelopeAck(outcome string) {
	m.envelopeAcksTotal.WithLabelValues(outcome).Inc()
}

// RecordModelSync records one inbound MODEL_SYNC merge outcome.
func (m *Metrics) RecordModelSync(modelName string, applied bool) {
	outcome := "rejected"
	if applied {
		outcome = "applied"
	}
	m.modelSyncTotal.WithLabelValues(modelName, outcome).Inc()
}

// RecordAttachmentBytes records bytes moved through AttachmentCodec.
func (m *Metrics) RecordAttachmentBytes(direction string, n int) {
	m.attachmentBytes.WithLabelValues(direction).Add(float64(n))
}
