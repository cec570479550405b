// Package metrics exposes Prometheus counters for the realtime stream.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"roomvoice/internal/domain"
)

const namespace = "roomvoice"

// Metrics holds the engine's Prometheus instruments. A nil *Metrics is a
// valid no-op receiver so tests can skip registration.
type Metrics struct {
	SessionsStarted prometheus.Counter
	Reconnects      prometheus.Counter

	AudioBytes  prometheus.Counter
	AudioChunks prometheus.Counter
	Partials    prometheus.Counter
	Finals      prometheus.Counter
}

// New creates and registers all instruments against reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Realtime capture sessions started.",
		}),
		Reconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signaling_reconnects_total",
			Help:      "Control channel reconnect attempts.",
		}),
		AudioBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_audio_bytes_total",
			Help:      "Audio bytes the server reports having received.",
		}),
		AudioChunks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_audio_chunks_total",
			Help:      "Audio chunks the server reports having received.",
		}),
		Partials: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_partials_total",
			Help:      "Partial transcript events the server reports having emitted.",
		}),
		Finals: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_finals_total",
			Help:      "Final transcript events the server reports having emitted.",
		}),
	}
}

// ObserveStats adds the deltas between two cumulative stats frames. Counters
// reset when a new session starts, so negative deltas are treated as a fresh
// baseline.
func (m *Metrics) ObserveStats(prev, cur domain.StreamStats) {
	if m == nil {
		return
	}
	m.AudioBytes.Add(float64(delta(prev.Bytes, cur.Bytes)))
	m.AudioChunks.Add(float64(delta(prev.Chunks, cur.Chunks)))
	m.Partials.Add(float64(delta(prev.Partials, cur.Partials)))
	m.Finals.Add(float64(delta(prev.Finals, cur.Finals)))
}

// SessionStarted increments the session counter.
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.SessionsStarted.Inc()
}

// ReconnectScheduled increments the reconnect counter.
func (m *Metrics) ReconnectScheduled() {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
}

func delta(prev, cur int64) int64 {
	if cur < prev {
		return cur
	}
	return cur - prev
}
