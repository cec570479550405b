package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"roomvoice/internal/domain"
)

func TestObserveStatsAddsDeltas(t *testing.T) {
	t.Parallel()

	m := New(prometheus.NewRegistry())

	m.ObserveStats(domain.StreamStats{}, domain.StreamStats{Bytes: 100, Chunks: 5, Partials: 2, Finals: 1})
	m.ObserveStats(
		domain.StreamStats{Bytes: 100, Chunks: 5, Partials: 2, Finals: 1},
		domain.StreamStats{Bytes: 260, Chunks: 13, Partials: 3, Finals: 2},
	)

	if got := testutil.ToFloat64(m.AudioBytes); got != 260 {
		t.Fatalf("bytes counter = %v, want 260", got)
	}
	if got := testutil.ToFloat64(m.AudioChunks); got != 13 {
		t.Fatalf("chunks counter = %v, want 13", got)
	}
	if got := testutil.ToFloat64(m.Partials); got != 3 {
		t.Fatalf("partials counter = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.Finals); got != 2 {
		t.Fatalf("finals counter = %v, want 2", got)
	}
}

func TestObserveStatsTreatsResetAsFreshBaseline(t *testing.T) {
	t.Parallel()

	m := New(prometheus.NewRegistry())

	m.ObserveStats(domain.StreamStats{}, domain.StreamStats{Bytes: 500})
	// A new session restarts the server counters from zero.
	m.ObserveStats(domain.StreamStats{Bytes: 500}, domain.StreamStats{Bytes: 40})

	if got := testutil.ToFloat64(m.AudioBytes); got != 540 {
		t.Fatalf("bytes counter = %v, want 540", got)
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.ObserveStats(domain.StreamStats{}, domain.StreamStats{Bytes: 1})
	m.SessionStarted()
	m.ReconnectScheduled()
}
