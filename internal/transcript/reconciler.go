// Package transcript reconciles the asynchronous transcript and QA event
// streams into ordered, appendable state.
package transcript

import (
	"sync"

	"roomvoice/internal/domain"
	"roomvoice/internal/metrics"
	"roomvoice/internal/ports"
	"roomvoice/internal/protocol"
)

// Snapshot is a copy of the reconciled state at one instant.
type Snapshot struct {
	Partial string
	Bubbles []domain.Bubble
	QaPairs []domain.QaPair
	Stats   *domain.StreamStats
}

// Reconciler owns the transcript state for the active session: the single
// partial-text slot, the append-only bubble list, and the deduplicated QA
// pair list.
type Reconciler struct {
	ids     ports.IDGenerator
	sink    ports.EventSink
	metrics *metrics.Metrics

	mu      sync.Mutex
	partial string
	bubbles []domain.Bubble
	qaPairs []domain.QaPair
	stats   *domain.StreamStats
}

func NewReconciler(ids ports.IDGenerator, sink ports.EventSink, m *metrics.Metrics) *Reconciler {
	return &Reconciler{ids: ids, sink: sink, metrics: m}
}

// ApplyPartial replaces the current partial text (last write wins).
func (r *Reconciler) ApplyPartial(text string) {
	r.mu.Lock()
	r.partial = text
	r.mu.Unlock()

	r.sink.PartialUpdated(text)
}

// ApplyFinalSegments appends one bubble per segment, in batch order, with
// freshly generated ids. The partial slot clears because the batch
// supersedes it. Empty batches are ignored.
func (r *Reconciler) ApplyFinalSegments(segments []protocol.SttSegment) {
	if len(segments) == 0 {
		return
	}

	appended := make([]domain.Bubble, 0, len(segments))
	for _, segment := range segments {
		appended = append(appended, domain.Bubble{
			ID:      r.ids.NewID(),
			Speaker: segment.Speaker,
			Text:    segment.Text,
			Start:   segment.Start,
			End:     segment.End,
		})
	}

	r.mu.Lock()
	r.partial = ""
	r.bubbles = append(r.bubbles, appended...)
	r.mu.Unlock()

	r.sink.PartialUpdated("")
	r.sink.BubblesAppended(appended)
}

// ApplyQaPairs merges a QA batch. A final batch replaces all current pairs;
// an incremental batch appends. Either way the merged list is deduplicated
// by composite key with the first occurrence winning and relative order
// preserved.
func (r *Reconciler) ApplyQaPairs(pairs []domain.QaPair, final bool) {
	if len(pairs) == 0 && !final {
		return
	}

	r.mu.Lock()
	base := pairs
	if !final {
		base = make([]domain.QaPair, 0, len(r.qaPairs)+len(pairs))
		base = append(base, r.qaPairs...)
		base = append(base, pairs...)
	}

	seen := make(map[string]struct{}, len(base))
	unique := make([]domain.QaPair, 0, len(base))
	for _, pair := range base {
		key := pair.DedupKey()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		unique = append(unique, pair)
	}
	r.qaPairs = unique
	snapshot := append([]domain.QaPair(nil), unique...)
	r.mu.Unlock()

	r.sink.QaUpdated(snapshot)
}

// ApplyStats stores the latest cumulative counters and feeds the deltas to
// the metrics instruments.
func (r *Reconciler) ApplyStats(stats domain.StreamStats) {
	r.mu.Lock()
	var prev domain.StreamStats
	if r.stats != nil {
		prev = *r.stats
	}
	r.stats = &stats
	r.mu.Unlock()

	r.metrics.ObserveStats(prev, stats)
	r.sink.StatsUpdated(stats)
}

// Snapshot returns a copy of the current state.
func (r *Reconciler) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := Snapshot{
		Partial: r.partial,
		Bubbles: append([]domain.Bubble(nil), r.bubbles...),
		QaPairs: append([]domain.QaPair(nil), r.qaPairs...),
	}
	if r.stats != nil {
		stats := *r.stats
		snap.Stats = &stats
	}
	return snap
}

// Reset clears all state for a fresh session.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	r.partial = ""
	r.bubbles = nil
	r.qaPairs = nil
	r.stats = nil
	r.mu.Unlock()
}

// ClearLive clears the in-flight partial text and stats on teardown. Bubbles
// and QA pairs stay: they back the post-recording summary.
func (r *Reconciler) ClearLive() {
	r.mu.Lock()
	r.partial = ""
	r.stats = nil
	r.mu.Unlock()

	r.sink.PartialUpdated("")
}
