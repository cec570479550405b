package transcript

import (
	"fmt"
	"sync"
	"testing"

	"roomvoice/internal/domain"
	"roomvoice/internal/protocol"
)

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("id-%d", g.n)
}

type recordingSink struct {
	mu       sync.Mutex
	partials []string
	appended [][]domain.Bubble
	qa       [][]domain.QaPair
	stats    []domain.StreamStats
}

func (s *recordingSink) SessionStateChanged(domain.SessionState) {}
func (s *recordingSink) SessionError(domain.ErrorCode, string)   {}
func (s *recordingSink) JobUpdated(domain.JobStatus)             {}

func (s *recordingSink) PartialUpdated(text string) {
	s.mu.Lock()
	s.partials = append(s.partials, text)
	s.mu.Unlock()
}

func (s *recordingSink) BubblesAppended(bubbles []domain.Bubble) {
	s.mu.Lock()
	s.appended = append(s.appended, bubbles)
	s.mu.Unlock()
}

func (s *recordingSink) QaUpdated(pairs []domain.QaPair) {
	s.mu.Lock()
	s.qa = append(s.qa, pairs)
	s.mu.Unlock()
}

func (s *recordingSink) StatsUpdated(stats domain.StreamStats) {
	s.mu.Lock()
	s.stats = append(s.stats, stats)
	s.mu.Unlock()
}

func intp(v int) *int { return &v }

func pair(q, a string, at float64) domain.QaPair {
	return domain.QaPair{QText: q, AText: a, ATime: at}
}

func TestFinalSegmentsAppendInBatchOrder(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	rec := NewReconciler(&seqIDs{}, sink, nil)

	rec.ApplyPartial("speaking...")
	rec.ApplyFinalSegments([]protocol.SttSegment{
		{Speaker: intp(1), Text: "hello", Start: 0, End: 1},
		{Speaker: nil, Text: "anyone there", Start: 1, End: 2},
	})
	rec.ApplyFinalSegments([]protocol.SttSegment{
		{Speaker: intp(2), Text: "yes", Start: 2, End: 3},
	})

	snap := rec.Snapshot()
	if snap.Partial != "" {
		t.Fatalf("partial not cleared by finals: %q", snap.Partial)
	}
	if len(snap.Bubbles) != 3 {
		t.Fatalf("expected 3 bubbles, got %d", len(snap.Bubbles))
	}
	wantTexts := []string{"hello", "anyone there", "yes"}
	wantIDs := []string{"id-1", "id-2", "id-3"}
	for i, bubble := range snap.Bubbles {
		if bubble.Text != wantTexts[i] || bubble.ID != wantIDs[i] {
			t.Fatalf("bubble %d = %+v, want text %q id %q", i, bubble, wantTexts[i], wantIDs[i])
		}
	}
	if snap.Bubbles[1].Speaker != nil {
		t.Fatalf("unknown speaker should stay nil")
	}

	// Finals clear the partial through the sink too.
	if sink.partials[len(sink.partials)-1] != "" {
		t.Fatalf("sink did not observe the cleared partial: %v", sink.partials)
	}
}

func TestEmptyFinalBatchIsIgnored(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	rec := NewReconciler(&seqIDs{}, sink, nil)

	rec.ApplyPartial("still talking")
	rec.ApplyFinalSegments(nil)

	snap := rec.Snapshot()
	if snap.Partial != "still talking" {
		t.Fatalf("empty batch cleared the partial")
	}
	if len(sink.appended) != 0 {
		t.Fatalf("empty batch reached the sink")
	}
}

func TestQaIncrementalAppendsAndDeduplicates(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	rec := NewReconciler(&seqIDs{}, sink, nil)

	rec.ApplyQaPairs([]domain.QaPair{
		pair("is there parking", "yes", 12.5),
		pair("what floor", "third", 20.0),
	}, false)
	rec.ApplyQaPairs([]domain.QaPair{
		pair("is there parking", "yes", 12.5), // duplicate
		pair("any pets allowed", "cats only", 31.0),
	}, false)

	snap := rec.Snapshot()
	if len(snap.QaPairs) != 3 {
		t.Fatalf("expected 3 deduplicated pairs, got %d: %+v", len(snap.QaPairs), snap.QaPairs)
	}
	want := []string{"is there parking", "what floor", "any pets allowed"}
	for i, p := range snap.QaPairs {
		if p.QText != want[i] {
			t.Fatalf("pair %d = %q, want %q", i, p.QText, want[i])
		}
	}
}

func TestQaFinalBatchReplaces(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	rec := NewReconciler(&seqIDs{}, sink, nil)

	rec.ApplyQaPairs([]domain.QaPair{pair("draft question", "draft answer", 1.0)}, false)
	rec.ApplyQaPairs([]domain.QaPair{
		pair("is there parking", "yes", 12.5),
		pair("is there parking", "yes", 12.5),
	}, true)

	snap := rec.Snapshot()
	if len(snap.QaPairs) != 1 || snap.QaPairs[0].QText != "is there parking" {
		t.Fatalf("final batch did not replace: %+v", snap.QaPairs)
	}
}

func TestSameAnswerAtDifferentTimesIsNotADuplicate(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	rec := NewReconciler(&seqIDs{}, sink, nil)

	rec.ApplyQaPairs([]domain.QaPair{
		pair("how much", "500", 10.0),
		pair("how much", "500", 45.0),
	}, false)

	if snap := rec.Snapshot(); len(snap.QaPairs) != 2 {
		t.Fatalf("distinct answer times collapsed: %+v", snap.QaPairs)
	}
}

func TestClearLiveKeepsTranscriptAndQa(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	rec := NewReconciler(&seqIDs{}, sink, nil)

	rec.ApplyFinalSegments([]protocol.SttSegment{{Text: "kept", Start: 0, End: 1}})
	rec.ApplyQaPairs([]domain.QaPair{pair("kept q", "kept a", 5.0)}, false)
	rec.ApplyPartial("in flight")
	rec.ApplyStats(domain.StreamStats{Bytes: 100, Chunks: 5})

	rec.ClearLive()

	snap := rec.Snapshot()
	if snap.Partial != "" || snap.Stats != nil {
		t.Fatalf("live state survived ClearLive: %+v", snap)
	}
	if len(snap.Bubbles) != 1 || len(snap.QaPairs) != 1 {
		t.Fatalf("summary state lost on ClearLive: %+v", snap)
	}
}

func TestResetClearsEverything(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	rec := NewReconciler(&seqIDs{}, sink, nil)

	rec.ApplyFinalSegments([]protocol.SttSegment{{Text: "old", Start: 0, End: 1}})
	rec.ApplyQaPairs([]domain.QaPair{pair("old q", "old a", 5.0)}, false)
	rec.Reset()

	snap := rec.Snapshot()
	if snap.Partial != "" || len(snap.Bubbles) != 0 || len(snap.QaPairs) != 0 || snap.Stats != nil {
		t.Fatalf("Reset left state behind: %+v", snap)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	rec := NewReconciler(&seqIDs{}, sink, nil)

	rec.ApplyFinalSegments([]protocol.SttSegment{{Text: "original", Start: 0, End: 1}})
	snap := rec.Snapshot()
	snap.Bubbles[0].Text = "mutated"

	if rec.Snapshot().Bubbles[0].Text != "original" {
		t.Fatalf("snapshot aliases internal state")
	}
}
